package fhirmodel

// FieldDef describes one field of a known complex type or resource.
type FieldDef struct {
	Name      string
	TypeName  string // "string", "CodeableConcept", "BackboneElement", ...
	IsList    bool
	Primitive bool // true for FHIR primitive scalar types
}

// Schema describes the known shape of one complex type or resource, used by
// the JSON codec for canonical field ordering and UnknownField detection,
// and by the reflective model for typed navigation of known fields.
type Schema struct {
	TypeName string
	Fields   []FieldDef
	// Choices maps a type-choice base name (e.g. "value" for "value[x]")
	// to the allowed variant suffixes (e.g. "String", "Quantity", ...).
	Choices map[string][]string
}

func (s *Schema) fieldDef(name string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldNames returns the schema's declared field names in order. Choice
// group base names (e.g. "value" for "valueString") are not included;
// callers append them from Choices.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// primitiveTypeNames is the closed set of FHIR primitive scalar type names
// (spec §4.1).
var primitiveTypeNames = map[string]bool{
	"string": true, "code": true, "boolean": true, "decimal": true,
	"integer": true, "date": true, "dateTime": true, "instant": true,
	"time": true, "uri": true, "url": true, "uuid": true, "canonical": true,
	"positiveInt": true, "unsignedInt": true, "base64Binary": true,
	"markdown": true, "xhtml": true, "id": true, "oid": true,
}

// IsPrimitiveTypeName reports whether name is one of the FHIR primitive
// scalar types.
func IsPrimitiveTypeName(name string) bool { return primitiveTypeNames[name] }

// Catalog is a process-wide, read-only registry of known type schemas,
// seeded at startup and never mutated after (spec §9 "process-wide ...
// initialize at startup; do not mutate after").
type Catalog struct {
	schemas map[string]*Schema
}

// NewCatalog builds the catalog of hand-described complex types and
// resources the server reasons about precisely. Any resourceType absent
// from the catalog is still accepted (as a schemaless resource, walked
// generically) — the catalog exists for precision, not for gatekeeping the
// closed FHIR R4 resource set.
func NewCatalog() *Catalog {
	c := &Catalog{schemas: map[string]*Schema{}}
	for _, s := range builtinSchemas() {
		c.schemas[s.TypeName] = s
	}
	return c
}

// Lookup returns the schema for typeName, or nil if it is schemaless.
func (c *Catalog) Lookup(typeName string) *Schema { return c.schemas[typeName] }

// Register adds or replaces a schema at startup. Not for use once the
// server is serving requests.
func (c *Catalog) Register(s *Schema) { c.schemas[s.TypeName] = s }

func builtinSchemas() []*Schema {
	str := func(name string, list bool) FieldDef {
		return FieldDef{Name: name, TypeName: "string", Primitive: true, IsList: list}
	}
	typed := func(name, typ string, list bool) FieldDef {
		return FieldDef{Name: name, TypeName: typ, IsList: list, Primitive: IsPrimitiveTypeName(typ)}
	}

	return []*Schema{
		{TypeName: "Meta", Fields: []FieldDef{
			typed("versionId", "id", false),
			typed("lastUpdated", "instant", false),
			str("profile", true),
			typed("security", "Coding", true),
			typed("tag", "Coding", true),
		}},
		{TypeName: "Coding", Fields: []FieldDef{
			typed("system", "uri", false),
			typed("version", "string", false),
			typed("code", "code", false),
			typed("display", "string", false),
			typed("userSelected", "boolean", false),
		}},
		{TypeName: "CodeableConcept", Fields: []FieldDef{
			typed("coding", "Coding", true),
			str("text", false),
		}},
		{TypeName: "Identifier", Fields: []FieldDef{
			typed("use", "code", false),
			typed("type", "CodeableConcept", false),
			typed("system", "uri", false),
			str("value", false),
			typed("period", "Period", false),
			typed("assigner", "Reference", false),
		}},
		{TypeName: "Reference", Fields: []FieldDef{
			str("reference", false),
			typed("type", "uri", false),
			typed("identifier", "Identifier", false),
			str("display", false),
		}},
		{TypeName: "Period", Fields: []FieldDef{
			typed("start", "dateTime", false),
			typed("end", "dateTime", false),
		}},
		{TypeName: "Range", Fields: []FieldDef{
			typed("low", "Quantity", false),
			typed("high", "Quantity", false),
		}},
		{TypeName: "Quantity", Fields: []FieldDef{
			{Name: "value", TypeName: "decimal", Primitive: true},
			typed("comparator", "code", false),
			typed("unit", "string", false),
			typed("system", "uri", false),
			typed("code", "code", false),
		}},
		{TypeName: "Money", Fields: []FieldDef{
			{Name: "value", TypeName: "decimal", Primitive: true},
			typed("currency", "code", false),
		}},
		{TypeName: "HumanName", Fields: []FieldDef{
			typed("use", "code", false),
			str("text", false),
			str("family", false),
			str("given", true),
			str("prefix", true),
			str("suffix", true),
			typed("period", "Period", false),
		}},
		{TypeName: "Address", Fields: []FieldDef{
			typed("use", "code", false),
			typed("type", "code", false),
			str("text", false),
			str("line", true),
			str("city", false),
			str("district", false),
			str("state", false),
			str("postalCode", false),
			str("country", false),
			typed("period", "Period", false),
		}},
		{TypeName: "ContactPoint", Fields: []FieldDef{
			typed("system", "code", false),
			str("value", false),
			typed("use", "code", false),
			{Name: "rank", TypeName: "positiveInt", Primitive: true},
			typed("period", "Period", false),
		}},
		{TypeName: "Timing", Fields: []FieldDef{
			typed("event", "dateTime", true),
			typed("repeat", "BackboneElement", false),
		}},
		{TypeName: "Extension", Fields: []FieldDef{
			typed("url", "uri", false),
		}, Choices: map[string][]string{"value": choiceSuffixes}},
		{TypeName: "Narrative", Fields: []FieldDef{
			typed("status", "code", false),
			typed("div", "xhtml", false),
		}},
		{TypeName: "Parameters", Fields: []FieldDef{
			typed("parameter", "BackboneElement", true),
		}},
		{TypeName: "OperationOutcome", Fields: []FieldDef{
			typed("issue", "BackboneElement", true),
		}},
		{TypeName: "SearchParameter", Fields: []FieldDef{
			typed("url", "uri", false),
			str("name", false),
			typed("status", "code", false),
			typed("code", "code", false),
			typed("base", "code", true),
			typed("type", "code", false),
			str("expression", false),
		}},
		{TypeName: "Bundle", Fields: []FieldDef{
			typed("type", "code", false),
			{Name: "total", TypeName: "unsignedInt", Primitive: true},
			typed("link", "BackboneElement", true),
			typed("entry", "BackboneElement", true),
			typed("timestamp", "instant", false),
		}},
		patientSchema(),
		{TypeName: "Observation", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("status", "code", false),
			typed("category", "CodeableConcept", true),
			typed("code", "CodeableConcept", false),
			typed("subject", "Reference", false),
			typed("encounter", "Reference", false),
			typed("issued", "instant", false),
			typed("performer", "Reference", true),
			typed("component", "BackboneElement", true),
		}, Choices: map[string][]string{"effective": {"DateTime", "Period", "Timing", "Instant"}, "value": choiceSuffixes}},
		{TypeName: "Organization", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			{Name: "active", TypeName: "boolean", Primitive: true},
			str("name", false),
			typed("telecom", "ContactPoint", true),
			typed("address", "Address", true),
		}},
		{TypeName: "Condition", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("clinicalStatus", "CodeableConcept", false),
			typed("verificationStatus", "CodeableConcept", false),
			typed("category", "CodeableConcept", true),
			typed("code", "CodeableConcept", false),
			typed("subject", "Reference", false),
			typed("encounter", "Reference", false),
			typed("onsetDateTime", "dateTime", false),
			typed("recordedDate", "dateTime", false),
		}},
		{TypeName: "AllergyIntolerance", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("clinicalStatus", "CodeableConcept", false),
			typed("code", "CodeableConcept", false),
			typed("patient", "Reference", false),
		}},
		{TypeName: "MedicationRequest", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("status", "code", false),
			typed("intent", "code", false),
			typed("subject", "Reference", false),
		}, Choices: map[string][]string{"medication": {"CodeableConcept", "Reference"}}},
		{TypeName: "Procedure", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("status", "code", false),
			typed("code", "CodeableConcept", false),
			typed("subject", "Reference", false),
		}},
		{TypeName: "DiagnosticReport", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("status", "code", false),
			typed("code", "CodeableConcept", false),
			typed("subject", "Reference", false),
			typed("result", "Reference", true),
		}},
		{TypeName: "Encounter", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			typed("status", "code", false),
			typed("class", "Coding", false),
			typed("subject", "Reference", false),
			typed("period", "Period", false),
		}},
		{TypeName: "Practitioner", Fields: []FieldDef{
			typed("identifier", "Identifier", true),
			{Name: "active", TypeName: "boolean", Primitive: true},
			typed("name", "HumanName", true),
			typed("telecom", "ContactPoint", true),
		}},
	}
}

var choiceSuffixes = []string{
	"String", "Boolean", "Integer", "Decimal", "Code", "Date", "DateTime",
	"Instant", "Time", "Uri", "Url", "Canonical", "Quantity", "Range",
	"Period", "CodeableConcept", "Coding", "Reference", "Identifier",
	"Attachment", "HumanName", "Address", "ContactPoint", "Timing",
	"Money", "Duration",
}

func patientSchema() *Schema {
	typed := func(name, typ string, list bool) FieldDef {
		return FieldDef{Name: name, TypeName: typ, IsList: list, Primitive: IsPrimitiveTypeName(typ)}
	}
	return &Schema{TypeName: "Patient", Fields: []FieldDef{
		typed("identifier", "Identifier", true),
		{Name: "active", TypeName: "boolean", Primitive: true},
		typed("name", "HumanName", true),
		typed("telecom", "ContactPoint", true),
		typed("gender", "code", false),
		{Name: "birthDate", TypeName: "date", Primitive: true},
		typed("address", "Address", true),
		typed("maritalStatus", "CodeableConcept", false),
		typed("generalPractitioner", "Reference", true),
		typed("managingOrganization", "Reference", false),
	}, Choices: map[string][]string{"deceased": {"Boolean", "DateTime"}}}
}

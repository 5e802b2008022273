// Package fhirmodel implements the reflective object model (spec §4.1) that
// the FHIRPath engine, the search indexer, and the JSON codec all walk
// uniformly. Because generating the R4 type library from StructureDefinitions
// is explicitly out of scope, resources are represented as a thin reflective
// wrapper over decoded JSON, driven by a small hand-described schema catalog
// for the types the server needs to reason about precisely; anything else is
// walked generically.
package fhirmodel

// Value is the reflective contract every domain value satisfies: resources,
// complex types (BackboneElement, CodeableConcept, ...) and primitives alike.
type Value interface {
	// TypeName returns the FHIR type name of the receiver, e.g. "Patient",
	// "HumanName", "string".
	TypeName() string
	// Fields lists the receiver's field names in schema order. For
	// primitives it is the pseudo-fields "value", "id" and "extension".
	Fields() []string
	// GetField returns the named field's value, or false if absent. A field
	// backed by a JSON array is returned as a list Field; everything else
	// as a singular Field.
	GetField(name string) (Field, bool)
	// AsAny returns the underlying decoded JSON node (map[string]any,
	// []any, or a scalar) for callers that need to escape the reflective
	// contract (e.g. the JSON codec writing the node back out).
	AsAny() interface{}
}

// Field is the result of GetField: either a single Value or a list of
// Values, addressed uniformly via Flatten.
type Field struct {
	single Value
	list   []Value
	isList bool
}

// SingleField wraps one Value as a non-list field.
func SingleField(v Value) Field { return Field{single: v} }

// ListField wraps a slice of Values as a list field.
func ListField(vs []Value) Field { return Field{list: vs, isList: true} }

// IsList reports whether this field is backed by a JSON array.
func (f Field) IsList() bool { return f.isList }

// Flatten yields a flat ordered list of child values, so a "list of T"
// field and a "T" field both iterate uniformly (spec §4.1).
func (f Field) Flatten() []Value {
	if f.isList {
		return f.list
	}
	if f.single == nil {
		return nil
	}
	return []Value{f.single}
}

// NullValue represents FHIRPath's empty collection element placeholder; it
// is never itself placed in a collection, only used as a sentinel by
// callers that need "field present but JSON null".
var NullValue Value = nullValue{}

type nullValue struct{}

func (nullValue) TypeName() string              { return "" }
func (nullValue) Fields() []string              { return nil }
func (nullValue) GetField(string) (Field, bool) { return Field{}, false }
func (nullValue) AsAny() interface{}            { return nil }

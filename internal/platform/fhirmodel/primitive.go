package fhirmodel

// primitive implements Value for the FHIR primitive scalars (spec §4.1):
// a language-native value field plus an optional id and repeated
// extensions — the dual primitive/extension encoding FHIR requires.
type primitive struct {
	typeName  string
	value     interface{} // nil, string, json.Number, or bool
	id        *string
	extension []Value
}

// buildPrimitive constructs a primitive from its bare JSON value (rawVal,
// possibly nil) and its "_name" sibling object (rawExt, possibly nil, of
// shape {"id": "...", "extension": [...]}).
func buildPrimitive(typeName string, rawVal interface{}, rawExt interface{}) Value {
	p := &primitive{typeName: typeName, value: rawVal}
	if ext, ok := rawExt.(map[string]interface{}); ok {
		if id, ok := ext["id"].(string); ok {
			p.id = &id
		}
		if list, ok := ext["extension"].([]interface{}); ok {
			for _, e := range list {
				if m, ok := e.(map[string]interface{}); ok {
					p.extension = append(p.extension, NewObject("Extension", m, nil))
				}
			}
		}
	}
	return p
}

// NewPrimitive builds a bare primitive value with no id/extension, for
// intermediates synthesized during FHIRPath evaluation.
func NewPrimitive(typeName string, value interface{}) Value {
	return &primitive{typeName: typeName, value: value}
}

func (p *primitive) TypeName() string   { return p.typeName }
func (p *primitive) AsAny() interface{} { return p.value }

func (p *primitive) Fields() []string {
	return []string{"value", "id", "extension"}
}

func (p *primitive) GetField(name string) (Field, bool) {
	switch name {
	case "value":
		if p.value == nil {
			return Field{}, false
		}
		return SingleField(NewPrimitive(p.typeName, p.value)), true
	case "id":
		if p.id == nil {
			return Field{}, false
		}
		return SingleField(NewPrimitive("string", *p.id)), true
	case "extension":
		if len(p.extension) == 0 {
			return Field{}, false
		}
		return ListField(p.extension), true
	}
	return Field{}, false
}

// IsPrimitive reports whether v is a FHIR primitive scalar value.
func IsPrimitive(v Value) bool {
	_, ok := v.(*primitive)
	return ok
}

// ScalarOf returns v's bare scalar value (string, json.Number, bool, or nil)
// when v is a primitive, else nil.
func ScalarOf(v Value) interface{} {
	if p, ok := v.(*primitive); ok {
		return p.value
	}
	return nil
}

// ExtensionDataOf returns the id and extension list carried by a primitive
// value, for the JSON codec's "_name" sibling serialization.
func ExtensionDataOf(v Value) (id *string, extension []Value) {
	if p, ok := v.(*primitive); ok {
		return p.id, p.extension
	}
	return nil, nil
}

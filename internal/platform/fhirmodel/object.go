package fhirmodel

import (
	"encoding/json"
	"sort"
)

// object is the reflective Value implementation for resources and complex
// types: a typed view over a decoded JSON object.
type object struct {
	typeName string
	raw      map[string]interface{}
	catalog  *Catalog
}

// NewObject wraps a decoded JSON object as a reflective Value of the given
// FHIR type name. catalog may be nil, in which case the object is walked
// generically (schemaless).
func NewObject(typeName string, raw map[string]interface{}, catalog *Catalog) Value {
	return &object{typeName: typeName, raw: raw, catalog: catalog}
}

func (o *object) TypeName() string   { return o.typeName }
func (o *object) AsAny() interface{} { return o.raw }

func (o *object) schema() *Schema {
	if o.catalog == nil {
		return nil
	}
	return o.catalog.Lookup(o.typeName)
}

func (o *object) Fields() []string {
	if s := o.schema(); s != nil {
		names := s.FieldNames()
		for group := range s.Choices {
			names = append(names, group)
		}
		return names
	}
	names := make([]string, 0, len(o.raw))
	seen := map[string]bool{}
	for k := range o.raw {
		if k == "resourceType" || len(k) == 0 || k[0] == '_' {
			continue
		}
		if !seen[k] {
			seen[k] = true
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// GetField implements the reflective navigation contract (spec §4.1),
// including type-choice ([x]) group resolution.
func (o *object) GetField(name string) (Field, bool) {
	if s := o.schema(); s != nil {
		if suffixes, ok := s.Choices[name]; ok {
			return o.getChoiceField(name, suffixes)
		}
		if def, ok := s.fieldDef(name); ok {
			return o.buildField(def.TypeName, def.IsList, def.Primitive, name)
		}
		// Field not declared by a known schema but present anyway: fall
		// back to structural inference so forward-compatible documents
		// still navigate.
	}
	if _, present := o.raw[name]; !present {
		if _, ok := o.raw["_"+name]; !ok {
			return Field{}, false
		}
	}
	return o.inferField(name)
}

func (o *object) getChoiceField(base string, suffixes []string) (Field, bool) {
	for _, suf := range suffixes {
		key := base + suf
		if _, ok := o.raw[key]; ok {
			if lower := lowerFirst(suf); IsPrimitiveTypeName(lower) {
				return o.buildField(lower, false, true, key)
			}
			return o.buildField(suf, false, false, key)
		}
	}
	return Field{}, false
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

// buildField constructs a Field for a schema-declared field.
func (o *object) buildField(typeName string, isList, primitive bool, key string) (Field, bool) {
	raw, hasRaw := o.raw[key]
	ext, hasExt := o.raw["_"+key]
	if !hasRaw && !hasExt {
		return Field{}, false
	}
	if primitive {
		if isList {
			return ListField(buildPrimitiveList(typeName, raw, ext)), true
		}
		return SingleField(buildPrimitive(typeName, raw, ext)), true
	}
	if isList {
		items, _ := raw.([]interface{})
		vals := make([]Value, 0, len(items))
		for _, it := range items {
			vals = append(vals, o.wrapChild(typeName, it))
		}
		return ListField(vals), true
	}
	return SingleField(o.wrapChild(typeName, raw)), true
}

// inferField builds a Field for a key with no schema entry, guessing shape
// from the decoded JSON.
func (o *object) inferField(name string) (Field, bool) {
	raw, hasRaw := o.raw[name]
	ext, hasExt := o.raw["_"+name]
	if !hasRaw {
		// extension-only primitive
		return SingleField(buildPrimitive("string", nil, ext)), true
	}
	switch v := raw.(type) {
	case []interface{}:
		var extList []interface{}
		if hasExt {
			extList, _ = ext.([]interface{})
		}
		vals := make([]Value, 0, len(v))
		for i, it := range v {
			var e interface{}
			if i < len(extList) {
				e = extList[i]
			}
			vals = append(vals, o.inferChild(it, e))
		}
		return ListField(vals), true
	default:
		return SingleField(o.inferChild(v, ext)), true
	}
}

func (o *object) inferChild(v interface{}, ext interface{}) Value {
	switch child := v.(type) {
	case map[string]interface{}:
		if rt, ok := child["resourceType"].(string); ok {
			return NewObject(rt, child, o.catalog)
		}
		return NewObject("BackboneElement", child, o.catalog)
	default:
		return buildPrimitive(guessPrimitiveType(v), v, ext)
	}
}

func (o *object) wrapChild(typeName string, raw interface{}) Value {
	m, _ := raw.(map[string]interface{})
	if m == nil {
		m = map[string]interface{}{}
	}
	return NewObject(typeName, m, o.catalog)
}

func guessPrimitiveType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case json.Number, float64:
		return "decimal"
	default:
		return "string"
	}
}

func buildPrimitiveList(typeName string, rawList, extList interface{}) []Value {
	items, _ := rawList.([]interface{})
	exts, _ := extList.([]interface{})
	vals := make([]Value, 0, len(items))
	for i, it := range items {
		var e interface{}
		if i < len(exts) {
			e = exts[i]
		}
		vals = append(vals, buildPrimitive(typeName, it, e))
	}
	return vals
}

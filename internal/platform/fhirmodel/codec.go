package fhirmodel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// Decode parses raw JSON bytes into a generic node tree (map[string]any,
// []any, or scalar), preserving exact decimal text via json.Number so that
// FHIR's decimal-precision search semantics (spec §4.4) can be computed
// from the literal digits the client sent, not a lossily-rounded float64.
func Decode(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, ferrors.Invalidf("InvalidJSON", "malformed JSON body: %v", err)
	}
	return v, nil
}

// ParseResource decodes and validates a resource JSON body against the
// catalog, implementing the deserialization contract of spec §4.2.
// expectedResourceType may be empty to accept any resource type.
func ParseResource(data []byte, catalog *Catalog, expectedResourceType string) (Value, error) {
	node, err := Decode(data)
	if err != nil {
		return nil, err
	}
	raw, ok := node.(map[string]interface{})
	if !ok {
		return nil, ferrors.Invalidf("InvalidType", "resource body must be a JSON object")
	}
	resourceType, ok := raw["resourceType"].(string)
	if !ok || resourceType == "" {
		return nil, ferrors.Invalidf("MissingRequiredField", "missing required field: resourceType")
	}
	if expectedResourceType != "" && resourceType != expectedResourceType {
		return nil, ferrors.Invalidf("InvalidResourceType", "expected resourceType %q, got %q", expectedResourceType, resourceType)
	}
	if err := validateObject(resourceType, raw, catalog, resourceType); err != nil {
		return nil, err
	}
	return NewObject(resourceType, raw, catalog), nil
}

// validateObject enforces the UnknownField / DuplicateTypeChoiceVariant
// rules of spec §4.2 against a known schema. Schemaless types are walked
// without enforcement, per SPEC_FULL.md's schema-catalog design.
func validateObject(typeName string, raw map[string]interface{}, catalog *Catalog, path string) error {
	schema := catalog.Lookup(typeName)
	if schema == nil {
		return nil
	}

	seenChoiceBase := map[string]string{} // base -> first variant key matched
	for key, val := range raw {
		if key == "resourceType" {
			continue
		}
		baseKey := strings.TrimPrefix(key, "_")
		isExtSibling := strings.HasPrefix(key, "_")
		if _, isResource := raw["resourceType"]; isResource && (baseKey == "id" || baseKey == "meta") {
			continue
		}

		if def, ok := schema.fieldDef(baseKey); ok {
			if !isExtSibling {
				if err := validateChild(def, val, catalog, path+"."+key); err != nil {
					return err
				}
			}
			continue
		}
		if matchedBase, variant, ok := matchChoiceVariant(schema, baseKey); ok {
			if prior, dup := seenChoiceBase[matchedBase]; dup && prior != variant {
				return ferrors.Invalidf("DuplicateTypeChoiceVariant",
					"%s: both %s and %s present for choice %q", path, prior, variant, matchedBase)
			}
			seenChoiceBase[matchedBase] = variant
			continue
		}
		return ferrors.Invalidf("UnknownField", "%s: unknown field %q", path, key)
	}
	return nil
}

func matchChoiceVariant(schema *Schema, key string) (base, variant string, ok bool) {
	for b, suffixes := range schema.Choices {
		if !strings.HasPrefix(key, b) {
			continue
		}
		suf := strings.TrimPrefix(key, b)
		for _, s := range suffixes {
			if s == suf {
				return b, s, true
			}
		}
	}
	return "", "", false
}

func validateChild(def FieldDef, val interface{}, catalog *Catalog, path string) error {
	if def.Primitive {
		return nil
	}
	if def.IsList {
		items, ok := val.([]interface{})
		if !ok {
			return ferrors.Invalidf("InvalidType", "%s: expected array", path)
		}
		for i, it := range items {
			m, ok := it.(map[string]interface{})
			if !ok {
				return ferrors.Invalidf("InvalidType", "%s[%d]: expected object", path, i)
			}
			if err := validateObject(def.TypeName, m, catalog, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	}
	m, ok := val.(map[string]interface{})
	if !ok {
		return ferrors.Invalidf("InvalidType", "%s: expected object", path)
	}
	return validateObject(def.TypeName, m, catalog, path)
}

// Marshal serializes v per spec §4.2's serialization contract: source
// schema field order, absent-optional-field omission, empty-array
// omission, and value/_value primitive-sibling reconciliation.
func Marshal(v Value, catalog *Catalog) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, v, catalog); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalValue(buf *bytes.Buffer, v Value, catalog *Catalog) error {
	if IsPrimitive(v) {
		return marshalScalar(buf, ScalarOf(v))
	}
	return marshalObjectValue(buf, v, catalog)
}

func marshalScalar(buf *bytes.Buffer, val interface{}) error {
	enc, err := json.Marshal(val)
	if err != nil {
		return ferrors.Exceptionf(err, "marshal scalar")
	}
	buf.Write(enc)
	return nil
}

func marshalObjectValue(buf *bytes.Buffer, v Value, catalog *Catalog) error {
	buf.WriteByte('{')
	first := true
	writeKey := func(key string, write func() error) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		return write()
	}

	raw, _ := v.AsAny().(map[string]interface{})
	if rt, ok := raw["resourceType"].(string); ok {
		if err := writeKey("resourceType", func() error { return marshalScalar(buf, rt) }); err != nil {
			return err
		}
		if id, ok := raw["id"]; ok {
			if err := writeKey("id", func() error { return marshalScalar(buf, id) }); err != nil {
				return err
			}
		}
		if metaField, ok := v.GetField("meta"); ok {
			elems := metaField.Flatten()
			if len(elems) == 1 {
				if err := writeKey("meta", func() error { return marshalObjectValue(buf, elems[0], catalog) }); err != nil {
					return err
				}
			}
		}
	}

	for _, name := range fieldOrderFor(v, catalog) {
		if name == "resourceType" || name == "id" || name == "meta" {
			continue
		}
		field, ok := v.GetField(name)
		if !ok {
			continue
		}
		elems := field.Flatten()
		if len(elems) == 0 {
			continue
		}
		if IsPrimitive(elems[0]) {
			if err := marshalPrimitiveField(buf, &first, writeKey, name, field, elems); err != nil {
				return err
			}
			continue
		}
		if field.IsList() {
			if err := writeKey(name, func() error {
				buf.WriteByte('[')
				for i, e := range elems {
					if i > 0 {
						buf.WriteByte(',')
					}
					if err := marshalObjectValue(buf, e, catalog); err != nil {
						return err
					}
				}
				buf.WriteByte(']')
				return nil
			}); err != nil {
				return err
			}
		} else {
			if err := writeKey(name, func() error { return marshalObjectValue(buf, elems[0], catalog) }); err != nil {
				return err
			}
		}
	}
	buf.WriteByte('}')
	return nil
}

// marshalPrimitiveField writes the name/_name sibling pair for a primitive
// field per spec §4.2: only `_name` when extensions-only, only `name` when
// value-only, both when both are present, entirely omitted when neither.
func marshalPrimitiveField(buf *bytes.Buffer, first *bool, writeKey func(string, func() error) error, name string, field Field, elems []Value) error {
	anyValue := false
	anyExt := false
	for _, e := range elems {
		if ScalarOf(e) != nil {
			anyValue = true
		}
		id, ext := ExtensionDataOf(e)
		if id != nil || len(ext) > 0 {
			anyExt = true
		}
	}

	if anyValue {
		if err := writeKey(name, func() error {
			if !field.IsList() {
				return marshalScalar(buf, ScalarOf(elems[0]))
			}
			buf.WriteByte('[')
			for i, e := range elems {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := marshalScalar(buf, ScalarOf(e)); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			return nil
		}); err != nil {
			return err
		}
	}
	if anyExt {
		if err := writeKey("_"+name, func() error {
			if !field.IsList() {
				return marshalExtSibling(buf, elems[0])
			}
			buf.WriteByte('[')
			for i, e := range elems {
				if i > 0 {
					buf.WriteByte(',')
				}
				if err := marshalExtSibling(buf, e); err != nil {
					return err
				}
			}
			buf.WriteByte(']')
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func marshalExtSibling(buf *bytes.Buffer, v Value) error {
	id, ext := ExtensionDataOf(v)
	if id == nil && len(ext) == 0 {
		buf.WriteString("null")
		return nil
	}
	buf.WriteByte('{')
	first := true
	if id != nil {
		buf.WriteString(`"id":`)
		b, _ := json.Marshal(*id)
		buf.Write(b)
		first = false
	}
	if len(ext) > 0 {
		if !first {
			buf.WriteByte(',')
		}
		buf.WriteString(`"extension":[`)
		for i, e := range ext {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalObjectValue(buf, e, nil); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	}
	buf.WriteByte('}')
	return nil
}

func fieldOrderFor(v Value, catalog *Catalog) []string {
	if o, ok := v.(*object); ok && catalog != nil {
		if s := catalog.Lookup(o.typeName); s != nil {
			names := s.FieldNames()
			groups := make([]string, 0, len(s.Choices))
			for g := range s.Choices {
				groups = append(groups, g)
			}
			sort.Strings(groups)
			return append(names, groups...)
		}
	}
	return v.Fields()
}

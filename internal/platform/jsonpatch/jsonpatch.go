// Package jsonpatch applies an RFC 6902 JSON Patch document to a decoded
// JSON object, the mechanism the Patch interaction (spec §4.7/§9) uses to
// mutate a resource without a full replacement body.
//
// Grounded on the teacher's internal/platform/fhir/patch.go, generalized
// from a FHIR-resource-specific helper to a domain-neutral document patcher
// so the pipeline package can apply it to any decoded JSON value.
package jsonpatch

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// Operation is one entry of an RFC 6902 patch document.
type Operation struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
	From  string      `json:"from,omitempty"`
}

// Parse decodes a JSON Patch document and rejects operations missing their
// required fields before any of them run.
func Parse(data []byte) ([]Operation, error) {
	var ops []Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, ferrors.Invalidf("InvalidBody", "invalid JSON Patch document: %v", err)
	}
	for i, op := range ops {
		if op.Op == "" {
			return nil, ferrors.Invalidf("InvalidBody", "patch operation %d: missing op", i)
		}
		if op.Path == "" && op.Op != "test" {
			return nil, ferrors.Invalidf("InvalidBody", "patch operation %d: missing path", i)
		}
	}
	return ops, nil
}

// Apply runs ops against doc in order, operating on a deep copy so a
// mid-sequence failure never mutates the caller's document.
func Apply(doc map[string]interface{}, ops []Operation) (map[string]interface{}, error) {
	result := deepCopy(doc)
	for i, op := range ops {
		var err error
		switch op.Op {
		case "add":
			err = add(result, op.Path, op.Value)
		case "remove":
			err = remove(result, op.Path)
		case "replace":
			err = replace(result, op.Path, op.Value)
		case "move":
			err = move(result, op.From, op.Path)
		case "copy":
			err = cp(result, op.From, op.Path)
		case "test":
			err = test(result, op.Path, op.Value)
		default:
			err = ferrors.Invalidf("InvalidBody", "unknown patch op %q", op.Op)
		}
		if err != nil {
			return nil, ferrors.Invalidf("InvalidBody", "patch operation %d (%s): %v", i, op.Op, err)
		}
	}
	return result, nil
}

func add(doc map[string]interface{}, path string, value interface{}) error {
	if path == "" || path == "/" {
		return ferrors.Invalidf("InvalidBody", "cannot replace document root")
	}
	parent, lastKey, err := resolve(doc, path, true)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		p[lastKey] = value
		return nil
	case []interface{}:
		if lastKey == "-" {
			return setParent(doc, path, append(p, value))
		}
		idx, err := strconv.Atoi(lastKey)
		if err != nil || idx < 0 || idx > len(p) {
			return ferrors.Invalidf("InvalidBody", "invalid array index %q", lastKey)
		}
		grown := make([]interface{}, len(p)+1)
		copy(grown, p[:idx])
		grown[idx] = value
		copy(grown[idx+1:], p[idx:])
		return setParent(doc, path, grown)
	}
	return ferrors.Invalidf("InvalidBody", "cannot add into non-container at %q", path)
}

func remove(doc map[string]interface{}, path string) error {
	parent, lastKey, err := resolve(doc, path, false)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		if _, ok := p[lastKey]; !ok {
			return ferrors.Invalidf("InvalidBody", "path not found: %s", path)
		}
		delete(p, lastKey)
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(lastKey)
		if err != nil || idx < 0 || idx >= len(p) {
			return ferrors.Invalidf("InvalidBody", "invalid array index %q", lastKey)
		}
		return setParent(doc, path, append(p[:idx], p[idx+1:]...))
	}
	return ferrors.Invalidf("InvalidBody", "path not found: %s", path)
}

func replace(doc map[string]interface{}, path string, value interface{}) error {
	parent, lastKey, err := resolve(doc, path, false)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		if _, ok := p[lastKey]; !ok {
			return ferrors.Invalidf("InvalidBody", "path not found: %s", path)
		}
		p[lastKey] = value
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(lastKey)
		if err != nil || idx < 0 || idx >= len(p) {
			return ferrors.Invalidf("InvalidBody", "invalid array index %q", lastKey)
		}
		p[idx] = value
		return nil
	}
	return ferrors.Invalidf("InvalidBody", "path not found: %s", path)
}

func move(doc map[string]interface{}, from, path string) error {
	value, err := valueAt(doc, from)
	if err != nil {
		return err
	}
	if err := remove(doc, from); err != nil {
		return err
	}
	return add(doc, path, value)
}

func cp(doc map[string]interface{}, from, path string) error {
	value, err := valueAt(doc, from)
	if err != nil {
		return err
	}
	return add(doc, path, value)
}

func test(doc map[string]interface{}, path string, expected interface{}) error {
	actual, err := valueAt(doc, path)
	if err != nil {
		return err
	}
	actualJSON, _ := json.Marshal(actual)
	expectedJSON, _ := json.Marshal(expected)
	if string(actualJSON) != string(expectedJSON) {
		return ferrors.Invalidf("InvalidBody", "test failed at %s: expected %s, got %s", path, expectedJSON, actualJSON)
	}
	return nil
}

func valueAt(doc map[string]interface{}, path string) (interface{}, error) {
	parent, lastKey, err := resolve(doc, path, false)
	if err != nil {
		return nil, err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		return p[lastKey], nil
	case []interface{}:
		idx, err := strconv.Atoi(lastKey)
		if err != nil || idx < 0 || idx >= len(p) {
			return nil, ferrors.Invalidf("InvalidBody", "invalid array index %q", lastKey)
		}
		return p[idx], nil
	}
	return nil, ferrors.Invalidf("InvalidBody", "path not found: %s", path)
}

// resolve walks doc to the parent container of path's final segment.
func resolve(doc map[string]interface{}, path string, createMissing bool) (interface{}, string, error) {
	parts := segments(path)
	if len(parts) == 0 {
		return nil, "", ferrors.Invalidf("InvalidBody", "empty patch path")
	}
	var current interface{} = doc
	for _, seg := range parts[:len(parts)-1] {
		switch c := current.(type) {
		case map[string]interface{}:
			next, ok := c[seg]
			if !ok {
				if !createMissing {
					return nil, "", ferrors.Invalidf("InvalidBody", "path not found at segment %q", seg)
				}
				next = map[string]interface{}{}
				c[seg] = next
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(c) {
				return nil, "", ferrors.Invalidf("InvalidBody", "invalid array index %q", seg)
			}
			current = c[idx]
		default:
			return nil, "", ferrors.Invalidf("InvalidBody", "cannot traverse into scalar at %q", seg)
		}
	}
	return current, parts[len(parts)-1], nil
}

// setParent replaces path's own slot, needed when an array is grown or
// shrunk and the new slice header must be written back into its parent.
func setParent(doc map[string]interface{}, path string, newVal interface{}) error {
	parts := segments(path)
	if len(parts) == 1 {
		doc[parts[0]] = newVal
		return nil
	}
	parentPath := "/" + strings.Join(parts[:len(parts)-1], "/")
	parent, lastKey, err := resolve(doc, parentPath, false)
	if err != nil {
		return err
	}
	switch p := parent.(type) {
	case map[string]interface{}:
		p[lastKey] = newVal
		return nil
	case []interface{}:
		idx, err := strconv.Atoi(lastKey)
		if err != nil || idx < 0 || idx >= len(p) {
			return ferrors.Invalidf("InvalidBody", "invalid array index %q", lastKey)
		}
		p[idx] = newVal
		return nil
	}
	return ferrors.Invalidf("InvalidBody", "cannot set parent of %q", path)
}

func segments(path string) []string {
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func deepCopy(m map[string]interface{}) map[string]interface{} {
	data, _ := json.Marshal(m)
	var out map[string]interface{}
	_ = json.Unmarshal(data, &out)
	return out
}

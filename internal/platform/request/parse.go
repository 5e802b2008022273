package request

import (
	"strings"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// Parse implements the segment-count-directed parser table of spec §4.7. It
// is a pure function: no I/O, no context — the internal/platform/httpapi
// echo adapter is the only caller, translating an http.Request into these
// five inputs and the typed *Request back into an HTTP response via the
// pipeline dispatcher.
func Parse(method, path string, query map[string][]string, contentType string, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	segments := splitPath(path)
	req := &Request{Query: query}

	switch len(segments) {
	case 0:
		return parseRoot(req, method, body, catalog)
	case 1:
		return parseOneSegment(req, method, segments[0], body, catalog)
	case 2:
		return parseTwoSegments(req, method, segments, body, catalog)
	case 3:
		return parseThreeSegments(req, method, segments, body, catalog)
	case 4:
		return parseFourSegments(req, method, segments)
	default:
		return nil, ferrors.Invalidf("InvalidPath", "unsupported path %q", path)
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseRoot(req *Request, method string, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	switch method {
	case "GET":
		req.Interaction = SearchSystem
		return req, nil
	case "POST":
		return parseBundleBody(req, body, catalog)
	case "DELETE":
		req.Interaction = DeleteSystem
		return req, nil
	default:
		return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at system root", method)
	}
}

func parseOneSegment(req *Request, method, seg string, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	switch seg {
	case "metadata":
		if method != "GET" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /metadata", method)
		}
		req.Interaction = Capabilities
		return req, nil
	case "_history":
		if method != "GET" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /_history", method)
		}
		req.Interaction = HistorySystem
		return req, nil
	}

	if strings.HasPrefix(seg, "$") {
		if method != "POST" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported for system operation %s", method, seg)
		}
		req.Interaction = InvokeSystem
		req.OperationCode = strings.TrimPrefix(seg, "$")
		return attachParametersBody(req, body, catalog)
	}

	req.ResourceType = seg
	switch method {
	case "GET":
		req.Interaction = SearchType
		return req, nil
	case "POST":
		req.Interaction = Create
		return attachResourceBody(req, body, catalog, seg)
	case "PUT":
		req.Interaction = ConditionalUpdate
		return attachResourceBody(req, body, catalog, seg)
	case "DELETE":
		req.Interaction = DeleteType
		return req, nil
	default:
		return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /%s", method, seg)
	}
}

func parseTwoSegments(req *Request, method string, segs []string, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	req.ResourceType = segs[0]
	switch segs[1] {
	case "_history":
		if method != "GET" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /%s/_history", method, segs[0])
		}
		req.Interaction = HistoryType
		return req, nil
	}

	if strings.HasPrefix(segs[1], "$") {
		if method != "POST" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported for type operation %s", method, segs[1])
		}
		req.Interaction = InvokeType
		req.OperationCode = strings.TrimPrefix(segs[1], "$")
		return attachParametersBody(req, body, catalog)
	}

	req.ResourceID = segs[1]
	switch method {
	case "GET":
		req.Interaction = Read
		return req, nil
	case "PUT":
		req.Interaction = UpdateInstance
		return attachResourceBody(req, body, catalog, segs[0])
	case "PATCH":
		req.Interaction = Patch
		req.PatchBody = body
		return req, nil
	case "DELETE":
		req.Interaction = DeleteInstance
		return req, nil
	default:
		return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /%s/%s", method, segs[0], segs[1])
	}
}

func parseThreeSegments(req *Request, method string, segs []string, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	req.ResourceType = segs[0]
	req.ResourceID = segs[1]

	switch segs[2] {
	case "_history":
		if method != "GET" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported at /%s/%s/_history", method, segs[0], segs[1])
		}
		req.Interaction = HistoryInstance
		return req, nil
	}

	if strings.HasPrefix(segs[2], "$") {
		if method != "POST" {
			return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported for instance operation %s", method, segs[2])
		}
		req.Interaction = InvokeInstance
		req.OperationCode = strings.TrimPrefix(segs[2], "$")
		return attachParametersBody(req, body, catalog)
	}

	return nil, ferrors.Invalidf("InvalidPath", "unrecognized path segment %q", segs[2])
}

func parseFourSegments(req *Request, method string, segs []string) (*Request, error) {
	if segs[2] != "_history" {
		return nil, ferrors.Invalidf("InvalidPath", "expected _history as third segment, got %q", segs[2])
	}
	if method != "GET" {
		return nil, ferrors.Invalidf("UnsupportedMethod", "method %s not supported for vread", method)
	}
	req.ResourceType = segs[0]
	req.ResourceID = segs[1]
	req.VersionID = segs[3]
	req.Interaction = VersionRead
	return req, nil
}

// attachResourceBody deserializes body as a Resource of the given expected
// type (spec §4.7: "bodies that must be Resources are first deserialized
// as such").
func attachResourceBody(req *Request, body []byte, catalog *fhirmodel.Catalog, expectedType string) (*Request, error) {
	if len(body) == 0 {
		return nil, ferrors.Invalidf("InvalidBody", "%s requires a request body", req.Interaction)
	}
	res, err := fhirmodel.ParseResource(body, catalog, expectedType)
	if err != nil {
		return nil, err
	}
	req.Resource = res
	return req, nil
}

// attachParametersBody deserializes body as a Parameters resource (spec
// §4.7: "operation bodies deserialize as Parameters").
func attachParametersBody(req *Request, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	if len(body) == 0 {
		req.Parameters = fhirmodel.NewObject("Parameters", map[string]interface{}{"resourceType": "Parameters"}, catalog)
		return req, nil
	}
	res, err := fhirmodel.ParseResource(body, catalog, "Parameters")
	if err != nil {
		return nil, err
	}
	req.Parameters = res
	return req, nil
}

// parseBundleBody deserializes a POST-to-root body as a Bundle and selects
// Batch vs Transaction by Bundle.type (spec §4.7).
func parseBundleBody(req *Request, body []byte, catalog *fhirmodel.Catalog) (*Request, error) {
	if len(body) == 0 {
		return nil, ferrors.Invalidf("InvalidBody", "transaction/batch requires a Bundle body")
	}
	res, err := fhirmodel.ParseResource(body, catalog, "Bundle")
	if err != nil {
		return nil, err
	}
	typeField, ok := res.GetField("type")
	if !ok {
		return nil, ferrors.Invalidf("InvalidBody", "Bundle.type is required")
	}
	elems := typeField.Flatten()
	if len(elems) != 1 {
		return nil, ferrors.Invalidf("InvalidBody", "Bundle.type is required")
	}
	bundleType, _ := fhirmodel.ScalarOf(elems[0]).(string)
	req.Bundle = res
	switch bundleType {
	case "batch":
		req.Interaction = Batch
	case "transaction":
		req.Interaction = Transaction
	default:
		return nil, ferrors.Invalidf("InvalidBody", "Bundle.type must be 'batch' or 'transaction', got %q", bundleType)
	}
	return req, nil
}

package bundle

import (
	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/pipeline"
)

// buildResponseBundle assembles a transaction-response/batch-response
// Bundle, one entry per input entry in its original input-order position —
// grounded on the teacher's bundle.go BundleEntry{FullURL, Response}
// shape, adapted to this server's Response/OperationOutcome types instead
// of the teacher's echo-bound structs.
func buildResponseBundle(catalog *fhirmodel.Catalog, bundleType string, entries []*entry, results []*bundleEntryResult) (*pipeline.Response, error) {
	rawEntries := make([]interface{}, len(entries))
	for i, e := range entries {
		r := results[i]
		if r == nil {
			r = &bundleEntryResult{status: 500, outcome: ferrors.Exceptionf(nil, "entry %d did not run", e.index).ToOutcome()}
		}
		respEntry := map[string]interface{}{
			"status": statusText(r.status),
		}
		if r.location != "" {
			respEntry["location"] = r.location
		}
		if r.outcome != nil {
			respEntry["outcome"] = map[string]interface{}{
				"resourceType": r.outcome.ResourceType,
				"issue":        outcomeIssues(r.outcome),
			}
		}
		entryMap := map[string]interface{}{"response": respEntry}
		if r.resource != nil {
			raw, err := fhirmodel.Marshal(r.resource, catalog)
			if err == nil {
				node, decodeErr := fhirmodel.Decode(raw)
				if decodeErr == nil {
					entryMap["resource"] = node
				}
			}
		}
		rawEntries[i] = entryMap
	}

	raw := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         bundleType,
		"entry":        rawEntries,
	}
	return &pipeline.Response{Status: 200, Bundle: fhirmodel.NewObject("Bundle", raw, catalog)}, nil
}

func outcomeIssues(o *ferrors.OperationOutcome) []interface{} {
	issues := make([]interface{}, len(o.Issue))
	for i, issue := range o.Issue {
		m := map[string]interface{}{
			"severity": issue.Severity,
			"code":     issue.Code,
		}
		if issue.Diagnostics != "" {
			m["diagnostics"] = issue.Diagnostics
		}
		issues[i] = m
	}
	return issues
}

func statusText(status int) string {
	switch status {
	case 200:
		return "200 OK"
	case 201:
		return "201 Created"
	case 204:
		return "204 No Content"
	case 400:
		return "400 Bad Request"
	case 403:
		return "403 Forbidden"
	case 404:
		return "404 Not Found"
	case 409:
		return "409 Conflict"
	case 422:
		return "422 Unprocessable Entity"
	case 503:
		return "503 Service Unavailable"
	default:
		return "500 Internal Server Error"
	}
}

package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// capabilityResourceTypes lists every resource type the server exposes
// through the RESTful interactions, combining the clinical catalog with the
// artifact and tenant-auth routes (router.go's artifactTypes/tenantAuthTypes).
var capabilityResourceTypes = []string{
	"Patient", "Observation", "Organization", "Condition", "AllergyIntolerance",
	"MedicationRequest", "Procedure", "DiagnosticReport", "Encounter", "Practitioner",
	"ValueSet", "CodeSystem", "StructureDefinition", "SearchParameter",
	"User", "Project", "Membership",
}

// CapabilitiesMiddleware answers the Capabilities interaction (spec §4.7's
// metadata endpoint) with a CapabilityStatement built as a raw nested map
// and wrapped through fhirmodel.NewObject — CapabilityStatement carries no
// entry in fhirmodel's builtin schema catalog, so it serializes entirely
// through the codec's schemaless object-walking fallback.
//
// Grounded on the teacher's internal/platform/fhir/capability.go
// CapabilityBuilder, adapted from its struct-based resource model to the
// reflective fhirmodel.Value the rest of this server uses.
//
// It never calls next — Capabilities is always the sole route matched for
// its interaction (router.go's isCapabilities predicate), so there is
// nothing beneath it in the chain.
func CapabilitiesMiddleware(deps *Deps) Middleware {
	return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
		resources := make([]interface{}, 0, len(capabilityResourceTypes))
		for _, rt := range capabilityResourceTypes {
			resources = append(resources, resourceCapability(deps, rt))
		}

		raw := map[string]interface{}{
			"resourceType": "CapabilityStatement",
			"status":       "active",
			"kind":         "instance",
			"fhirVersion":  "4.0.1",
			"format":       []interface{}{"json"},
			"rest": []interface{}{
				map[string]interface{}{
					"mode":      "server",
					"resource":  resources,
					"operation": operationCapabilities(deps),
				},
			},
		}
		rc.Response = &Response{
			Status:   200,
			Resource: fhirmodel.NewObject("CapabilityStatement", raw, deps.Catalog),
		}
		return rc, nil
	}
}

func resourceCapability(deps *Deps, resourceType string) map[string]interface{} {
	interactions := []interface{}{
		map[string]interface{}{"code": "read"},
		map[string]interface{}{"code": "vread"},
		map[string]interface{}{"code": "update"},
		map[string]interface{}{"code": "delete"},
		map[string]interface{}{"code": "create"},
		map[string]interface{}{"code": "search-type"},
		map[string]interface{}{"code": "history-instance"},
		map[string]interface{}{"code": "history-type"},
		map[string]interface{}{"code": "patch"},
	}
	entry := map[string]interface{}{
		"type":        resourceType,
		"interaction": interactions,
	}
	if deps.SearchCatalog != nil {
		if params := deps.SearchCatalog.ForType(resourceType); len(params) > 0 {
			searchParams := make([]interface{}, 0, len(params))
			for _, p := range params {
				searchParams = append(searchParams, map[string]interface{}{
					"name":          p.Name,
					"type":          string(p.Type),
					"definition":    p.URL,
					"documentation": p.Expression,
				})
			}
			entry["searchParam"] = searchParams
		}
	}
	return entry
}

func operationCapabilities(deps *Deps) []interface{} {
	ops := make([]interface{}, 0, len(deps.Operations))
	for code := range deps.Operations {
		ops = append(ops, map[string]interface{}{
			"name":       code,
			"definition": "OperationDefinition/" + code,
		})
	}
	return ops
}

package pipeline

import (
	"context"
	"encoding/json"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// ValidateOperation implements the $validate operation (the original
// system's ResourceValidate: Input{resource, mode, profile} -> Output{
// return: OperationOutcome}), registered under code "validate" in
// Deps.Operations. Validation is structural only — it re-runs the same
// catalog-schema checks fhirmodel.ParseResource applies at write time
// (UnknownField, DuplicateTypeChoiceVariant, required-shape mismatches);
// full profile and terminology validation is out of scope (spec.md §1).
func ValidateOperation(ctx context.Context, rc *RequestContext) (*RequestContext, error) {
	resourceNode, ok := validateResourceParameter(rc.Request.Parameters)
	if !ok {
		if !rc.Request.Interaction.IsInstanceScoped() {
			return nil, ferrors.Invalidf("MissingRequiredField", "$validate requires an input parameter named %q", "resource")
		}
		rec, err := rc.Store.ReadLatest(ctx, rc.Tenant, rc.Project, rc.Request.ResourceType, rc.Request.ResourceID)
		if err != nil {
			return nil, err
		}
		resourceNode = rec.Resource
	}

	expectedType := rc.Request.ResourceType // "" for the system-level $validate
	outcome := runStructuralValidation(resourceNode, rc.Deps.Catalog, expectedType)
	rc.Response = &Response{Status: 200, Resource: outcomeValue(outcome, rc.Deps.Catalog)}
	return rc, nil
}

// validateResourceParameter extracts the "resource" Parameters.parameter
// entry's inline resource as raw JSON, per ResourceValidate's Input shape.
func validateResourceParameter(params fhirmodel.Value) (json.RawMessage, bool) {
	if params == nil {
		return nil, false
	}
	field, ok := params.GetField("parameter")
	if !ok {
		return nil, false
	}
	for _, p := range field.Flatten() {
		nameField, ok := p.GetField("name")
		if !ok {
			continue
		}
		names := nameField.Flatten()
		if len(names) != 1 || asString(names[0]) != "resource" {
			continue
		}
		resField, ok := p.GetField("resource")
		if !ok {
			continue
		}
		resources := resField.Flatten()
		if len(resources) != 1 {
			continue
		}
		raw, err := json.Marshal(resources[0].AsAny())
		if err != nil {
			continue
		}
		return raw, true
	}
	return nil, false
}

func asString(v fhirmodel.Value) string {
	if s, ok := v.AsAny().(string); ok {
		return s
	}
	return ""
}

// runStructuralValidation validates body by running it back through
// fhirmodel.ParseResource and converts any resulting *ferrors.FHIRError
// into an OperationOutcome issue instead of failing the $validate request
// itself — $validate reports problems in its return value, it never errors
// on an invalid resource (per the original's Output{return: OperationOutcome}
// contract, which always succeeds at the HTTP level).
func runStructuralValidation(body json.RawMessage, catalog *fhirmodel.Catalog, expectedType string) *ferrors.OperationOutcome {
	if _, err := fhirmodel.ParseResource(body, catalog, expectedType); err != nil {
		return ferrors.As(err).ToOutcome()
	}
	return ferrors.SuccessOutcome("structurally valid resource")
}

// outcomeValue adapts a *ferrors.OperationOutcome (a plain Go struct) into
// the fhirmodel.Value reflective contract so it flows through the same
// response rendering path (httpapi.renderResponse -> fhirmodel.Marshal) as
// every other resource.
func outcomeValue(outcome *ferrors.OperationOutcome, catalog *fhirmodel.Catalog) fhirmodel.Value {
	raw, err := json.Marshal(outcome)
	if err != nil {
		raw = []byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"fatal","code":"exception"}]}`)
	}
	var node map[string]interface{}
	if err := json.Unmarshal(raw, &node); err != nil {
		node = map[string]interface{}{"resourceType": "OperationOutcome"}
	}
	return fhirmodel.NewObject("OperationOutcome", node, catalog)
}

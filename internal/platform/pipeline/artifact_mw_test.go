package pipeline

import (
	"context"
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/request"
)

func valueSetBody(t *testing.T, catalog *fhirmodel.Catalog, id string) fhirmodel.Value {
	t.Helper()
	raw := map[string]interface{}{"resourceType": "ValueSet", "status": "active"}
	if id != "" {
		raw["id"] = id
	}
	return fhirmodel.NewObject("ValueSet", raw, catalog)
}

func TestArtifactMiddlewareReroutesTenant(t *testing.T) {
	deps := newTestDeps()
	deps.ArtifactWritable = true
	rc := newTestRC(deps)
	rc.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "ValueSet",
		Resource:     valueSetBody(t, deps.Catalog, ""),
	}

	mw := ArtifactMiddleware(deps)
	result, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.Response.Status != 201 {
		t.Fatalf("expected 201, got %d", result.Response.Status)
	}
	if result.Tenant != "tenant-a" {
		t.Fatalf("outer RequestContext tenant should be untouched, got %q", result.Tenant)
	}

	// The record must have landed under the artifact tenant, not the
	// caller's own tenant — reading it back under the caller's tenant
	// directly against the store must fail.
	id, _ := resourceIDOf(result.Response.Resource)
	if _, err := rc.Store.ReadLatest(context.Background(), "tenant-a", "project-a", "ValueSet", id); err == nil {
		t.Fatalf("expected ValueSet to be absent from the caller's own tenant")
	}
	if _, err := rc.Store.ReadLatest(context.Background(), deps.ArtifactTenant, deps.ArtifactTenant, "ValueSet", id); err != nil {
		t.Fatalf("expected ValueSet to be present under the artifact tenant: %v", err)
	}
}

func TestArtifactMiddlewareRejectsWritesWhenReadOnly(t *testing.T) {
	deps := newTestDeps()
	deps.ArtifactWritable = false
	rc := newTestRC(deps)
	rc.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "ValueSet",
		Resource:     valueSetBody(t, deps.Catalog, ""),
	}

	mw := ArtifactMiddleware(deps)
	if _, err := mw(context.Background(), rc, nil); err == nil {
		t.Fatalf("expected write to be rejected when ArtifactWritable is false")
	}
}

func TestCapabilitiesMiddlewareReturnsSingleRestEntry(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	rc.Request = &request.Request{Interaction: request.Capabilities}

	mw := CapabilitiesMiddleware(deps)
	result, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("capabilities failed: %v", err)
	}
	if result.Response.Status != 200 {
		t.Fatalf("expected 200, got %d", result.Response.Status)
	}
	restField, ok := result.Response.Resource.GetField("rest")
	if !ok {
		t.Fatalf("expected rest field on CapabilityStatement")
	}
	if len(restField.Flatten()) != 1 {
		t.Fatalf("expected exactly one rest entry")
	}
}

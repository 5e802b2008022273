package bundle

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
	"github.com/fhirforge/fhirforge/internal/platform/pipeline"
	"github.com/fhirforge/fhirforge/internal/platform/request"
	"github.com/fhirforge/fhirforge/internal/platform/search"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
	"github.com/fhirforge/fhirforge/internal/platform/storage/memstore"
)

func newBundleDeps() *pipeline.Deps {
	catalog := fhirmodel.NewCatalog()
	engine := fhirpath.NewEngine(catalog)
	searchCatalog := search.NewCatalog()
	return &pipeline.Deps{
		Catalog:          catalog,
		SearchCatalog:    searchCatalog,
		Engine:           engine,
		Indexer:          search.NewIndexer(searchCatalog, engine),
		ArtifactTenant:   "artifact-tenant",
		ArtifactWritable: false,
		MaxSearchCount:   100,
		Operations:       map[string]pipeline.OperationHandler{},
	}
}

func newBundleRC(deps *pipeline.Deps) *pipeline.RequestContext {
	return &pipeline.RequestContext{
		Tenant:  "tenant-a",
		Project: "project-a",
		Author:  storage.Author{ID: "tester", Kind: storage.AuthorUser},
		Store:   memstore.New(),
		Deps:    deps,
	}
}

func transactionBundle(t *testing.T, catalog *fhirmodel.Catalog, raw map[string]interface{}) fhirmodel.Value {
	t.Helper()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal bundle: %v", err)
	}
	v, err := fhirmodel.ParseResource(data, catalog, "Bundle")
	if err != nil {
		t.Fatalf("ParseResource bundle: %v", err)
	}
	return v
}

func TestProcessTransactionRewritesInternalReference(t *testing.T) {
	deps := newBundleDeps()
	rc := newBundleRC(deps)
	router := pipeline.NewRouter(deps)
	p := NewProcessor(router)

	raw := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl": "urn:uuid:patient-1",
				"resource": map[string]interface{}{
					"resourceType": "Patient",
					"name":         []interface{}{map[string]interface{}{"family": "Graph"}},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"fullUrl": "urn:uuid:obs-1",
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:patient-1"},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
			},
		},
	}
	rc.Request = &request.Request{Interaction: request.Transaction, Bundle: transactionBundle(t, deps.Catalog, raw)}

	resp, err := p.ProcessTransaction(context.Background(), rc)
	if err != nil {
		t.Fatalf("ProcessTransaction failed: %v", err)
	}
	if resp.Bundle == nil {
		t.Fatalf("expected a response Bundle")
	}

	entryField, ok := resp.Bundle.GetField("entry")
	if !ok {
		t.Fatalf("expected entry field on response Bundle")
	}
	entries := entryField.Flatten()
	if len(entries) != 2 {
		t.Fatalf("expected 2 response entries, got %d", len(entries))
	}
	for _, e := range entries {
		respField, ok := e.GetField("response")
		if !ok {
			t.Fatalf("expected response field on bundle entry")
		}
		_ = respField
	}

	// Confirm the Observation actually landed with a rewritten subject
	// reference pointing at the Patient's real, server-assigned id.
	history, err := rc.Store.History(context.Background(), "tenant-a", "project-a", storage.ScopeType("Observation"), 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one Observation record, got %d", len(history))
	}
	obs, err := fhirmodel.Decode(history[0].Resource)
	if err != nil {
		t.Fatalf("decode observation: %v", err)
	}
	obsMap := obs.(map[string]interface{})
	subject := obsMap["subject"].(map[string]interface{})
	ref, _ := subject["reference"].(string)
	if ref == "urn:uuid:patient-1" || ref == "" {
		t.Fatalf("expected subject.reference to be rewritten to a canonical Patient/id, got %q", ref)
	}

	patients, err := rc.Store.History(context.Background(), "tenant-a", "project-a", storage.ScopeType("Patient"), 10)
	if err != nil {
		t.Fatalf("history patient: %v", err)
	}
	if len(patients) != 1 {
		t.Fatalf("expected one Patient record, got %d", len(patients))
	}
	if ref != "Patient/"+patients[0].ResourceID {
		t.Fatalf("expected subject.reference %q to equal Patient/%s", ref, patients[0].ResourceID)
	}
}

func TestProcessTransactionCyclicReferenceFails(t *testing.T) {
	deps := newBundleDeps()
	rc := newBundleRC(deps)
	router := pipeline.NewRouter(deps)
	p := NewProcessor(router)

	raw := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "transaction",
		"entry": []interface{}{
			map[string]interface{}{
				"fullUrl": "urn:uuid:obs-a",
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:obs-b"},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
			},
			map[string]interface{}{
				"fullUrl": "urn:uuid:obs-b",
				"resource": map[string]interface{}{
					"resourceType": "Observation",
					"status":       "final",
					"subject":      map[string]interface{}{"reference": "urn:uuid:obs-a"},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Observation"},
			},
		},
	}
	rc.Request = &request.Request{Interaction: request.Transaction, Bundle: transactionBundle(t, deps.Catalog, raw)}

	if _, err := p.ProcessTransaction(context.Background(), rc); err == nil {
		t.Fatalf("expected CyclicDependency error for mutually referencing entries")
	}
}

func TestProcessBatchReportsPerEntryFailureInline(t *testing.T) {
	deps := newBundleDeps()
	rc := newBundleRC(deps)
	router := pipeline.NewRouter(deps)
	p := NewProcessor(router)

	raw := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "batch",
		"entry": []interface{}{
			map[string]interface{}{
				"resource": map[string]interface{}{
					"resourceType": "Patient",
					"name":         []interface{}{map[string]interface{}{"family": "Batch"}},
				},
				"request": map[string]interface{}{"method": "POST", "url": "Patient"},
			},
			map[string]interface{}{
				"request": map[string]interface{}{"method": "GET", "url": "Patient/does-not-exist"},
			},
		},
	}
	rc.Request = &request.Request{Interaction: request.Batch, Bundle: transactionBundle(t, deps.Catalog, raw)}

	resp, err := p.ProcessBatch(context.Background(), rc)
	if err != nil {
		t.Fatalf("ProcessBatch should not fail outright on a per-entry error: %v", err)
	}
	entryField, ok := resp.Bundle.GetField("entry")
	if !ok {
		t.Fatalf("expected entry field")
	}
	entries := entryField.Flatten()
	if len(entries) != 2 {
		t.Fatalf("expected 2 response entries, got %d", len(entries))
	}

	secondResp, ok := entries[1].GetField("response")
	if !ok {
		t.Fatalf("expected response field on second entry")
	}
	statusField := secondResp.Flatten()[0]
	statusSub, ok := statusField.GetField("status")
	if !ok {
		t.Fatalf("expected status field")
	}
	status, _ := fhirmodel.ScalarOf(statusSub.Flatten()[0]).(string)
	if status == "" || status[0] != '4' {
		t.Fatalf("expected a 4xx status for the missing Patient read, got %q", status)
	}
}

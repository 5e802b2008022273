package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
	"github.com/fhirforge/fhirforge/internal/platform/request"
	"github.com/fhirforge/fhirforge/internal/platform/search"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
	"github.com/fhirforge/fhirforge/internal/platform/storage/memstore"
)

func newTestDeps() *Deps {
	catalog := fhirmodel.NewCatalog()
	engine := fhirpath.NewEngine(catalog)
	searchCatalog := search.NewCatalog()
	searchCatalog.Register(&search.Parameter{
		Name: "identifier", Type: search.TypeToken, ResourceType: "Patient",
		Expression: "identifier",
	})
	searchCatalog.Register(&search.Parameter{
		Name: "family", Type: search.TypeString, ResourceType: "Patient",
		Expression: "name.family",
	})
	return &Deps{
		Catalog:          catalog,
		SearchCatalog:    searchCatalog,
		Engine:           engine,
		Indexer:          search.NewIndexer(searchCatalog, engine),
		ArtifactTenant:   "artifact-tenant",
		ArtifactWritable: false,
		MaxSearchCount:   100,
		Operations:       map[string]OperationHandler{},
	}
}

func newTestRC(deps *Deps) *RequestContext {
	store := memstore.New()
	return &RequestContext{
		Tenant:  "tenant-a",
		Project: "project-a",
		Author:  storage.Author{ID: "tester", Kind: storage.AuthorUser},
		Store:   store,
		Deps:    deps,
	}
}

func patientBody(id, family string) []byte {
	body := map[string]interface{}{
		"resourceType": "Patient",
		"name": []interface{}{
			map[string]interface{}{"family": family},
		},
	}
	if id != "" {
		body["id"] = id
	}
	data, _ := json.Marshal(body)
	return data
}

func mustDecodeResource(t *testing.T, catalog *fhirmodel.Catalog, data []byte) fhirmodel.Value {
	t.Helper()
	v, err := fhirmodel.ParseResource(data, catalog, "Patient")
	if err != nil {
		t.Fatalf("ParseResource: %v", err)
	}
	return v
}

func TestClinicalMiddlewareCreateAndRead(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	rc.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Smith")),
	}

	mw := ClinicalMiddleware(deps)
	result, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if result.Response.Status != 201 {
		t.Fatalf("expected status 201, got %d", result.Response.Status)
	}
	createdID, ok := resourceIDOf(result.Response.Resource)
	if !ok || createdID == "" {
		t.Fatalf("expected assigned id in response")
	}

	readRC := newTestRC(deps)
	readRC.Store = rc.Store
	readRC.Request = &request.Request{
		Interaction:  request.Read,
		ResourceType: "Patient",
		ResourceID:   createdID,
	}
	readResult, err := mw(context.Background(), readRC, nil)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if readResult.Response.Status != 200 {
		t.Fatalf("expected status 200, got %d", readResult.Response.Status)
	}
	gotID, _ := resourceIDOf(readResult.Response.Resource)
	if gotID != createdID {
		t.Fatalf("expected id %q, got %q", createdID, gotID)
	}
}

func TestClinicalMiddlewareSearchByFamily(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	mw := ClinicalMiddleware(deps)

	for _, family := range []string{"Smith", "Jones"} {
		rc.Request = &request.Request{
			Interaction:  request.Create,
			ResourceType: "Patient",
			Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", family)),
		}
		if _, err := mw(context.Background(), rc, nil); err != nil {
			t.Fatalf("create %s failed: %v", family, err)
		}
	}

	searchRC := newTestRC(deps)
	searchRC.Store = rc.Store
	searchRC.Request = &request.Request{
		Interaction:  request.SearchType,
		ResourceType: "Patient",
		Query:        map[string][]string{"family": {"Smith"}},
	}
	result, err := mw(context.Background(), searchRC, nil)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if result.Response.Bundle == nil {
		t.Fatalf("expected a Bundle response")
	}
	totalField, ok := result.Response.Bundle.GetField("total")
	if !ok {
		t.Fatalf("expected total field on search Bundle")
	}
	total := fhirmodel.ScalarOf(totalField.Flatten()[0])
	if n, ok := total.(float64); !ok || n != 1 {
		t.Fatalf("expected total=1 for family=Smith search, got %v", total)
	}
}

func TestConditionalUpdateCreatesThenUpdates(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	rc.Request = &request.Request{
		Interaction:  request.ConditionalUpdate,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Doe")),
		Query:        map[string][]string{"family": {"Doe"}},
	}
	mw := ClinicalMiddleware(deps)

	first, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("first conditional update failed: %v", err)
	}
	if first.Response.Status != 201 {
		t.Fatalf("expected 201 for initial conditional create, got %d", first.Response.Status)
	}

	updateRC := newTestRC(deps)
	updateRC.Store = rc.Store
	updateRC.Request = &request.Request{
		Interaction:  request.ConditionalUpdate,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Doe")),
		Query:        map[string][]string{"family": {"Doe"}},
	}
	second, err := mw(context.Background(), updateRC, nil)
	if err != nil {
		t.Fatalf("second conditional update failed: %v", err)
	}
	if second.Response.Status != 200 {
		t.Fatalf("expected 200 for idempotent conditional update, got %d", second.Response.Status)
	}
}

func TestConditionalUpdateConflictOnMultipleMatches(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	mw := ClinicalMiddleware(deps)

	for i := 0; i < 2; i++ {
		rc.Request = &request.Request{
			Interaction:  request.Create,
			ResourceType: "Patient",
			Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Multi")),
		}
		if _, err := mw(context.Background(), rc, nil); err != nil {
			t.Fatalf("seed create failed: %v", err)
		}
	}

	condRC := newTestRC(deps)
	condRC.Store = rc.Store
	condRC.Request = &request.Request{
		Interaction:  request.ConditionalUpdate,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Multi")),
		Query:        map[string][]string{"family": {"Multi"}},
	}
	if _, err := mw(context.Background(), condRC, nil); err == nil {
		t.Fatalf("expected conflict error for multiple matches")
	}
}

func TestConditionalCreateSkipsOnExistingMatch(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	mw := ClinicalMiddleware(deps)

	rc.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Alpha")),
		IfNoneExist:  "family=Alpha",
	}
	first, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("first conditional create failed: %v", err)
	}
	if first.Response.Status != 201 {
		t.Fatalf("expected 201 for first conditional create, got %d", first.Response.Status)
	}
	firstID, _ := resourceIDOf(first.Response.Resource)

	dupRC := newTestRC(deps)
	dupRC.Store = rc.Store
	dupRC.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Alpha")),
		IfNoneExist:  "family=Alpha",
	}
	second, err := mw(context.Background(), dupRC, nil)
	if err != nil {
		t.Fatalf("second conditional create failed: %v", err)
	}
	if second.Response.Status != 200 {
		t.Fatalf("expected 200 (existing match) for duplicate conditional create, got %d", second.Response.Status)
	}
	secondID, _ := resourceIDOf(second.Response.Resource)
	if secondID != firstID {
		t.Fatalf("expected conditional create to return the existing resource %q, got %q", firstID, secondID)
	}
}

func TestConditionalDeleteByTypeRemovesMatches(t *testing.T) {
	deps := newTestDeps()
	rc := newTestRC(deps)
	mw := ClinicalMiddleware(deps)

	rc.Request = &request.Request{
		Interaction:  request.Create,
		ResourceType: "Patient",
		Resource:     mustDecodeResource(t, deps.Catalog, patientBody("", "Bravo")),
	}
	created, err := mw(context.Background(), rc, nil)
	if err != nil {
		t.Fatalf("seed create failed: %v", err)
	}
	createdID, _ := resourceIDOf(created.Response.Resource)

	delRC := newTestRC(deps)
	delRC.Store = rc.Store
	delRC.Request = &request.Request{
		Interaction:  request.DeleteType,
		ResourceType: "Patient",
		Query:        map[string][]string{"family": {"Bravo"}},
	}
	delResult, err := mw(context.Background(), delRC, nil)
	if err != nil {
		t.Fatalf("conditional delete failed: %v", err)
	}
	if delResult.Response.Status != 204 {
		t.Fatalf("expected 204, got %d", delResult.Response.Status)
	}

	readRC := newTestRC(deps)
	readRC.Store = rc.Store
	readRC.Request = &request.Request{
		Interaction:  request.Read,
		ResourceType: "Patient",
		ResourceID:   createdID,
	}
	if _, err := mw(context.Background(), readRC, nil); err == nil {
		t.Fatalf("expected read of deleted resource to fail")
	}
}

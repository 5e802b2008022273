package pipeline

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/jsonpatch"
	"github.com/fhirforge/fhirforge/internal/platform/request"
	"github.com/fhirforge/fhirforge/internal/platform/search"
	"github.com/fhirforge/fhirforge/internal/platform/search/memadapter"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// listAllPageSize bounds the History calls the dispatcher issues to
// enumerate "every current resource of a type/system" for search, history
// and type/system-scoped delete — there is no dedicated list-current Store
// method, so these interactions page through the full version log instead.
const listAllPageSize = 1 << 20

// dispatchResource runs the CRUD/search/history/conditional-update
// interactions of spec §4.7/§4.8 against rc.Store, scoped to rc.Tenant and
// rc.Project. Shared by ClinicalMiddleware and ArtifactMiddleware, which
// differ only in which tenant/project they run it against.
//
// Grounded on the teacher's internal/platform/fhir/resource.go /
// conditional.go / search.go / history.go family of handlers, generalized
// from echo.Context-bound, SQL-backed handlers to the typed
// request.Request / storage.Store contract introduced here.
func dispatchResource(ctx context.Context, rc *RequestContext) (*Response, error) {
	req := rc.Request

	switch req.Interaction {
	case request.Create:
		return doCreate(ctx, rc)
	case request.Read:
		return doRead(ctx, rc)
	case request.VersionRead:
		return doVersionRead(ctx, rc)
	case request.UpdateInstance:
		return doUpdate(ctx, rc, req.ResourceID)
	case request.ConditionalUpdate:
		return doConditionalUpdate(ctx, rc)
	case request.Patch:
		return doPatch(ctx, rc)
	case request.DeleteInstance:
		return doDeleteInstance(ctx, rc)
	case request.DeleteType:
		if len(req.Query) > 0 {
			return doConditionalDelete(ctx, rc)
		}
		return doDeleteScope(ctx, rc, storage.ScopeType(req.ResourceType))
	case request.DeleteSystem:
		return doDeleteScope(ctx, rc, storage.ScopeSystem())
	case request.SearchType:
		return doSearch(ctx, rc, req.ResourceType, storage.ScopeType(req.ResourceType))
	case request.SearchSystem:
		return doSearch(ctx, rc, "", storage.ScopeSystem())
	case request.HistoryInstance:
		return doHistory(ctx, rc, storage.ScopeInstance(req.ResourceType, req.ResourceID))
	case request.HistoryType:
		return doHistory(ctx, rc, storage.ScopeType(req.ResourceType))
	case request.HistorySystem:
		return doHistory(ctx, rc, storage.ScopeSystem())
	}
	return nil, ferrors.NotSupportedf("UnsupportedInteraction", "interaction %s has no resource dispatcher", req.Interaction)
}

// doCreate handles plain Create, and conditional create when the request
// carries an If-None-Exist search criteria (spec.md's generalization of the
// search-then-act primitive to the create interaction): zero matches
// creates normally, one match short-circuits to the existing resource, and
// more than one is a Conflict per FHIR R4's conditional create semantics.
func doCreate(ctx context.Context, rc *RequestContext) (*Response, error) {
	if rc.Request.IfNoneExist != "" {
		query, err := parseConditionalQuery(rc.Request.IfNoneExist)
		if err != nil {
			return nil, err
		}
		matches, err := searchCurrent(ctx, rc, rc.Request.ResourceType, query)
		if err != nil {
			return nil, err
		}
		switch len(matches) {
		case 0:
			// fall through to normal create below
		case 1:
			rec, err := rc.Store.ReadLatest(ctx, rc.Tenant, rc.Project, rc.Request.ResourceType, matches[0].ResourceID)
			if err != nil {
				return nil, err
			}
			return responseFromRecord(200, rec, rc.Deps.Catalog)
		default:
			return nil, ferrors.Conflictf("MultipleMatches", "%d resources of type %q match the If-None-Exist criteria", len(matches), rc.Request.ResourceType)
		}
	}

	resourceID, _ := resourceIDOf(rc.Request.Resource)
	payload, err := fhirmodel.Marshal(rc.Request.Resource, rc.Deps.Catalog)
	if err != nil {
		return nil, err
	}
	rec, err := rc.Store.Create(ctx, rc.Tenant, rc.Project, rc.Author, rc.Request.ResourceType, resourceID, payload)
	if err != nil {
		return nil, err
	}
	return responseFromRecord(201, rec, rc.Deps.Catalog)
}

// parseConditionalQuery parses the query-string form of an If-None-Exist
// or conditional-delete criteria (e.g. "identifier=http://example.org|123")
// into the same map[string][]string shape request.Parse builds from a URL's
// query component.
func parseConditionalQuery(criteria string) (map[string][]string, error) {
	values, err := url.ParseQuery(criteria)
	if err != nil {
		return nil, ferrors.Invalidf("InvalidConditionalCriteria", "malformed search criteria %q: %v", criteria, err)
	}
	return map[string][]string(values), nil
}

func doRead(ctx context.Context, rc *RequestContext) (*Response, error) {
	rec, err := rc.Store.ReadLatest(ctx, rc.Tenant, rc.Project, rc.Request.ResourceType, rc.Request.ResourceID)
	if err != nil {
		return nil, err
	}
	return responseFromRecord(200, rec, rc.Deps.Catalog)
}

func doVersionRead(ctx context.Context, rc *RequestContext) (*Response, error) {
	recs, err := rc.Store.ReadByVersionIDs(ctx, rc.Tenant, rc.Project, []string{rc.Request.VersionID})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 || recs[0] == nil {
		return nil, ferrors.NotFoundf("NotFound", "version %s not found", rc.Request.VersionID)
	}
	return responseFromRecord(200, recs[0], rc.Deps.Catalog)
}

func doUpdate(ctx context.Context, rc *RequestContext, resourceID string) (*Response, error) {
	if bodyID, ok := resourceIDOf(rc.Request.Resource); ok && bodyID != resourceID {
		return nil, ferrors.Invalidf("InvalidResourceID", "body id %q does not match URL id %q", bodyID, resourceID)
	}
	payload, err := fhirmodel.Marshal(rc.Request.Resource, rc.Deps.Catalog)
	if err != nil {
		return nil, err
	}
	rec, err := rc.Store.Update(ctx, rc.Tenant, rc.Project, rc.Author, rc.Request.ResourceType, resourceID, payload)
	if err != nil {
		return nil, err
	}
	return responseFromRecord(200, rec, rc.Deps.Catalog)
}

// doConditionalUpdate implements spec §4.8's search-then-create-or-update
// semantics: zero matches creates (update-as-create when the body carries
// an id), one match updates it after an id-consistency check, more than
// one is a Conflict.
func doConditionalUpdate(ctx context.Context, rc *RequestContext) (*Response, error) {
	req := rc.Request
	matches, err := searchCurrent(ctx, rc, req.ResourceType, req.Query)
	if err != nil {
		return nil, err
	}
	bodyID, hasBodyID := resourceIDOf(req.Resource)

	switch len(matches) {
	case 0:
		if hasBodyID {
			if _, err := rc.Store.ReadLatest(ctx, rc.Tenant, rc.Project, req.ResourceType, bodyID); err == nil {
				return nil, ferrors.NotFoundf("InconsistentFilterCriteria",
					"%s/%s exists but does not match the supplied search criteria", req.ResourceType, bodyID)
			}
		}
		return doCreate(ctx, rc)
	case 1:
		match := matches[0]
		if hasBodyID && bodyID != match.ResourceID {
			return nil, ferrors.Invalidf("InvalidResourceID",
				"body id %q does not match the single resource %q matched by the search criteria", bodyID, match.ResourceID)
		}
		return doUpdate(ctx, rc, match.ResourceID)
	default:
		return nil, ferrors.Conflictf("MultipleMatches", "%d resources of type %q match the conditional update criteria", len(matches), req.ResourceType)
	}
}

func doPatch(ctx context.Context, rc *RequestContext) (*Response, error) {
	current, err := rc.Store.ReadLatest(ctx, rc.Tenant, rc.Project, rc.Request.ResourceType, rc.Request.ResourceID)
	if err != nil {
		return nil, err
	}
	ops, err := jsonpatch.Parse(rc.Request.PatchBody)
	if err != nil {
		return nil, err
	}
	node, err := fhirmodel.Decode(current.Resource)
	if err != nil {
		return nil, err
	}
	raw, ok := node.(map[string]interface{})
	if !ok {
		return nil, ferrors.Exceptionf(nil, "stored resource %s/%s is not a JSON object", rc.Request.ResourceType, rc.Request.ResourceID)
	}
	patched, err := jsonpatch.Apply(raw, ops)
	if err != nil {
		return nil, err
	}
	validated, err := fhirmodel.ParseResource(mustMarshalJSON(patched), rc.Deps.Catalog, rc.Request.ResourceType)
	if err != nil {
		return nil, err
	}
	payload, err := fhirmodel.Marshal(validated, rc.Deps.Catalog)
	if err != nil {
		return nil, err
	}
	rec, err := rc.Store.Update(ctx, rc.Tenant, rc.Project, rc.Author, rc.Request.ResourceType, rc.Request.ResourceID, payload)
	if err != nil {
		return nil, err
	}
	return responseFromRecord(200, rec, rc.Deps.Catalog)
}

func doDeleteInstance(ctx context.Context, rc *RequestContext) (*Response, error) {
	rec, err := rc.Store.Delete(ctx, rc.Tenant, rc.Project, rc.Author, rc.Request.ResourceType, rc.Request.ResourceID)
	if err != nil {
		return nil, err
	}
	return &Response{Status: 204, VersionID: rec.VersionID, Deleted: true}, nil
}

// doDeleteScope tombstones every current, non-deleted resource the scope
// reaches — DeleteType/DeleteSystem have no single storage.Store primitive,
// so this walks the current-state snapshot and deletes each key in turn.
func doDeleteScope(ctx context.Context, rc *RequestContext, scope storage.HistoryScope) (*Response, error) {
	current, err := currentRecords(ctx, rc, scope)
	if err != nil {
		return nil, err
	}
	for _, rec := range current {
		if _, err := rc.Store.Delete(ctx, rc.Tenant, rc.Project, rc.Author, rec.ResourceType, rec.ResourceID); err != nil {
			return nil, err
		}
	}
	return &Response{Status: 204, Deleted: true}, nil
}

// doConditionalDelete tombstones every current resource of req.ResourceType
// matching req.Query, the delete-type counterpart of doConditionalUpdate's
// search-then-act primitive. Zero matches is a no-op success per FHIR R4's
// conditional delete semantics (deleting something already absent is not
// an error).
func doConditionalDelete(ctx context.Context, rc *RequestContext) (*Response, error) {
	matches, err := searchCurrent(ctx, rc, rc.Request.ResourceType, rc.Request.Query)
	if err != nil {
		return nil, err
	}
	for _, rec := range matches {
		if _, err := rc.Store.Delete(ctx, rc.Tenant, rc.Project, rc.Author, rec.ResourceType, rec.ResourceID); err != nil {
			return nil, err
		}
	}
	return &Response{Status: 204, Deleted: true}, nil
}

// doSearch compiles rc.Request.Query against deps.SearchCatalog, indexes
// every current candidate record via deps.Indexer, and evaluates the
// compiled query through memadapter — the reference single-node search
// backend (spec §4.5/§4.4).
func doSearch(ctx context.Context, rc *RequestContext, resourceType string, scope storage.HistoryScope) (*Response, error) {
	matched, total, err := runSearch(ctx, rc, resourceType, scope, rc.Request.Query)
	if err != nil {
		return nil, err
	}
	return bundleResponse(matched, total, "searchset", rc.Deps.Catalog)
}

// searchCurrent is the conditional-update helper: it reuses the same
// compile/index/evaluate path as doSearch but returns raw records instead
// of a Bundle response.
func searchCurrent(ctx context.Context, rc *RequestContext, resourceType string, query map[string][]string) ([]*storage.VersionedRecord, error) {
	matched, _, err := runSearch(ctx, rc, resourceType, storage.ScopeType(resourceType), query)
	return matched, err
}

func runSearch(ctx context.Context, rc *RequestContext, resourceType string, scope storage.HistoryScope, query map[string][]string) ([]*storage.VersionedRecord, int, error) {
	current, err := currentRecords(ctx, rc, scope)
	if err != nil {
		return nil, 0, err
	}
	cq, err := search.Compile(rc.Deps.SearchCatalog, resourceType, query, rc.Deps.MaxSearchCount)
	if err != nil {
		return nil, 0, err
	}
	bySequence := make(map[int64]*storage.VersionedRecord, len(current))
	records := make([]memadapter.Record, 0, len(current))
	for _, rec := range current {
		root, err := decodeRecord(rec, rc.Deps.Catalog)
		if err != nil {
			return nil, 0, err
		}
		idx, err := rc.Deps.Indexer.Index(root, rec.ResourceID, rec.VersionID)
		if err != nil {
			return nil, 0, err
		}
		bySequence[rec.Sequence] = rec
		records = append(records, memadapter.Record{Index: idx, Sequence: rec.Sequence})
	}
	sequences := memadapter.Evaluate(cq, records)
	matched := make([]*storage.VersionedRecord, 0, len(sequences))
	for _, seq := range sequences {
		if rec, ok := bySequence[seq]; ok {
			matched = append(matched, rec)
		}
	}
	return matched, len(matched), nil
}

func doHistory(ctx context.Context, rc *RequestContext, scope storage.HistoryScope) (*Response, error) {
	pageSize := 0
	if counts, ok := rc.Request.Query["_count"]; ok && len(counts) > 0 {
		// best-effort: malformed _count falls back to the default page size.
		if n, err := parsePositiveInt(counts[0]); err == nil {
			pageSize = n
		}
	}
	recs, err := rc.Store.History(ctx, rc.Tenant, rc.Project, scope, pageSize)
	if err != nil {
		return nil, err
	}
	return bundleResponse(recs, len(recs), "history", rc.Deps.Catalog)
}

// currentRecords resolves scope to the max-sequence, non-deleted record per
// (resourceType, resourceID) key, the "current state" snapshot that search
// and type/system delete operate on.
func currentRecords(ctx context.Context, rc *RequestContext, scope storage.HistoryScope) ([]*storage.VersionedRecord, error) {
	all, err := rc.Store.History(ctx, rc.Tenant, rc.Project, scope, listAllPageSize)
	if err != nil {
		return nil, err
	}
	latest := map[string]*storage.VersionedRecord{}
	for _, rec := range all {
		k := rec.ResourceType + "/" + rec.ResourceID
		if prior, ok := latest[k]; !ok || rec.Sequence > prior.Sequence {
			latest[k] = rec
		}
	}
	out := make([]*storage.VersionedRecord, 0, len(latest))
	for _, rec := range latest {
		if !rec.Deleted {
			out = append(out, rec)
		}
	}
	return out, nil
}

func decodeRecord(rec *storage.VersionedRecord, catalog *fhirmodel.Catalog) (fhirmodel.Value, error) {
	node, err := fhirmodel.Decode(rec.Resource)
	if err != nil {
		return nil, err
	}
	raw, ok := node.(map[string]interface{})
	if !ok {
		return nil, ferrors.Exceptionf(nil, "stored resource %s/%s is not a JSON object", rec.ResourceType, rec.ResourceID)
	}
	return fhirmodel.NewObject(rec.ResourceType, raw, catalog), nil
}

// responseFromRecord decodes a stored record and overlays id/meta.versionId
// /meta.lastUpdated before wrapping it as the response resource, matching
// spec §3's "returns the stored resource with id and meta.versionId set".
func responseFromRecord(status int, rec *storage.VersionedRecord, catalog *fhirmodel.Catalog) (*Response, error) {
	node, err := fhirmodel.Decode(rec.Resource)
	if err != nil {
		return nil, err
	}
	raw, ok := node.(map[string]interface{})
	if !ok {
		return nil, ferrors.Exceptionf(nil, "stored resource %s/%s is not a JSON object", rec.ResourceType, rec.ResourceID)
	}
	withMeta(raw, rec)
	return &Response{
		Status:    status,
		Resource:  fhirmodel.NewObject(rec.ResourceType, raw, catalog),
		VersionID: rec.VersionID,
		Location:  rec.ResourceType + "/" + rec.ResourceID + "/_history/" + rec.VersionID,
	}, nil
}

func withMeta(raw map[string]interface{}, rec *storage.VersionedRecord) {
	raw["resourceType"] = rec.ResourceType
	raw["id"] = rec.ResourceID
	meta, _ := raw["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = rec.VersionID
	meta["lastUpdated"] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	raw["meta"] = meta
}

// bundleResponse assembles a searchset/history Bundle from matched records,
// in the order given.
func bundleResponse(recs []*storage.VersionedRecord, total int, bundleType string, catalog *fhirmodel.Catalog) (*Response, error) {
	entries := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		node, err := fhirmodel.Decode(rec.Resource)
		if err != nil {
			return nil, err
		}
		raw, ok := node.(map[string]interface{})
		if !ok {
			continue
		}
		withMeta(raw, rec)
		entry := map[string]interface{}{
			"fullUrl":  rec.ResourceType + "/" + rec.ResourceID,
			"resource": raw,
		}
		if bundleType == "history" {
			entry["request"] = map[string]interface{}{
				"method": httpMethodFor(rec.Method),
				"url":    rec.ResourceType + "/" + rec.ResourceID,
			}
			entry["response"] = map[string]interface{}{
				"status":       entryStatus(rec),
				"lastModified": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			}
		}
		entries = append(entries, entry)
	}
	raw := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         bundleType,
		"total":        float64(total),
		"entry":        entries,
	}
	return &Response{Status: 200, Bundle: fhirmodel.NewObject("Bundle", raw, catalog)}, nil
}

func httpMethodFor(m storage.Method) string {
	switch m {
	case storage.MethodCreate:
		return "POST"
	case storage.MethodDelete:
		return "DELETE"
	default:
		return "PUT"
	}
}

func entryStatus(rec *storage.VersionedRecord) string {
	if rec.Deleted {
		return "204"
	}
	if rec.Method == storage.MethodCreate {
		return "201"
	}
	return "200"
}

func resourceIDOf(v fhirmodel.Value) (string, bool) {
	if v == nil {
		return "", false
	}
	f, ok := v.GetField("id")
	if !ok {
		return "", false
	}
	items := f.Flatten()
	if len(items) == 0 {
		return "", false
	}
	s, ok := fhirmodel.ScalarOf(items[0]).(string)
	return s, ok && s != ""
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ferrors.Invalidf("InvalidParameterValue", "not a non-negative integer: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func mustMarshalJSON(v map[string]interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// v was decoded from JSON moments earlier via fhirmodel.Decode plus
		// jsonpatch operations over plain maps/slices/scalars; it always
		// re-marshals.
		panic(err)
	}
	return b
}

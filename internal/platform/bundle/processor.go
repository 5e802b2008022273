package bundle

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/pipeline"
	"github.com/fhirforge/fhirforge/internal/platform/request"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// Processor dispatches Batch and Transaction bundles (spec §4.9, C10)
// through the same Router every other interaction uses, rather than a
// caller-supplied resource handler the way the teacher's
// TransactionProcessor does.
type Processor struct {
	Router *pipeline.Router
}

// NewProcessor builds a Processor over the given Router.
func NewProcessor(router *pipeline.Router) *Processor {
	return &Processor{Router: router}
}

// ProcessTransaction implements spec §4.9's transaction algorithm: build
// the reference graph, topo-sort it, open one shared storage transaction,
// dispatch every entry through it in order rewriting forward references as
// each entry's canonical id becomes known, and roll back the whole thing on
// any failure.
func (p *Processor) ProcessTransaction(ctx context.Context, rc *pipeline.RequestContext) (*pipeline.Response, error) {
	entries, g, order, err := p.prepare(rc)
	if err != nil {
		return nil, err
	}

	tx, err := rc.Store.Transaction(ctx)
	if err != nil {
		return nil, ferrors.Exceptionf(err, "open transaction bundle storage transaction")
	}

	responses := make([]*bundleEntryResult, len(entries))
	for _, idx := range order {
		e := entries[idx]
		entryRC := p.entryContext(rc, tx)
		result, dispatchErr := p.dispatchEntry(ctx, entryRC, e)
		if dispatchErr != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				return nil, ferrors.Exceptionf(rbErr, "rollback transaction bundle after entry %d failed: %v", idx, dispatchErr)
			}
			return nil, ferrors.Wrap(ferrors.As(dispatchErr).Kind, "TransactionEntryFailed",
				"transaction bundle entry failed, transaction rolled back: "+ferrors.As(dispatchErr).Diagnostic, dispatchErr)
		}

		if len(g.rewrites[idx]) > 0 {
			id, ok := resourceID(result.resource)
			if !ok {
				if rbErr := tx.Rollback(ctx); rbErr != nil {
					return nil, ferrors.Exceptionf(rbErr, "rollback transaction bundle after entry %d produced no id", idx)
				}
				return nil, ferrors.Invalidf("MissingResourceID",
					"transaction bundle entry %d produced no resource id, but other entries reference it", idx)
			}
			g.applyRewrites(idx, resourceTypeOf(e, result)+"/"+id)
		}
		responses[idx] = result
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, ferrors.Exceptionf(err, "commit transaction bundle")
	}

	resp, err := buildResponseBundle(rc.Deps.Catalog, "transaction-response", entries, responses)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ProcessBatch implements spec §4.9's batch semantics: the same
// entry-to-request translation as a transaction, but every entry executes
// independently with no shared transaction and no dependency ordering;
// per-entry failures are captured inline rather than aborting the batch.
func (p *Processor) ProcessBatch(ctx context.Context, rc *pipeline.RequestContext) (*pipeline.Response, error) {
	entries, err := parseEntries(bundleRaw(rc.Request.Bundle))
	if err != nil {
		return nil, err
	}

	responses := make([]*bundleEntryResult, len(entries))
	for _, e := range entries {
		entryRC := p.entryContext(rc, rc.Store)
		result, dispatchErr := p.dispatchEntry(ctx, entryRC, e)
		if dispatchErr != nil {
			fe := ferrors.As(dispatchErr)
			responses[e.index] = &bundleEntryResult{
				status:  fe.HTTPStatus(),
				outcome: fe.ToOutcome(),
			}
			continue
		}
		responses[e.index] = result
	}

	return buildResponseBundle(rc.Deps.Catalog, "batch-response", entries, responses)
}

// prepare decodes a transaction Bundle's entries and computes its
// reference-dependency order, failing fast on a cycle (spec §4.9 step 2).
func (p *Processor) prepare(rc *pipeline.RequestContext) ([]*entry, *graph, []int, error) {
	entries, err := parseEntries(bundleRaw(rc.Request.Bundle))
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := buildGraph(entries, rc.Deps.Engine, rc.Deps.Catalog)
	if err != nil {
		return nil, nil, nil, err
	}
	order, err := topoSort(g)
	if err != nil {
		return nil, nil, nil, err
	}
	return entries, g, order, nil
}

// entryContext builds the per-entry RequestContext: same tenant, project,
// author and Deps as the enclosing bundle request, but its own Request and
// whichever Store this entry should see (the shared tx for a transaction,
// the ambient Store for a batch).
func (p *Processor) entryContext(rc *pipeline.RequestContext, store storage.Store) *pipeline.RequestContext {
	clone := *rc
	clone.Request = nil
	clone.Response = nil
	clone.Store = store
	return &clone
}

type bundleEntryResult struct {
	status   int
	resource fhirmodel.Value
	location string
	outcome  *ferrors.OperationOutcome
}

// dispatchEntry translates one Bundle entry into a typed Request and runs
// it through the Router, the same path a standalone HTTP request takes.
func (p *Processor) dispatchEntry(ctx context.Context, rc *pipeline.RequestContext, e *entry) (*bundleEntryResult, error) {
	path, query, err := splitRequestURL(e.requestURL)
	if err != nil {
		return nil, err
	}
	body, err := marshalEntryResource(e.raw)
	if err != nil {
		return nil, ferrors.Invalidf("InvalidBody", "entry[%d]: encoding resource: %v", e.index, err)
	}

	req, err := request.Parse(e.method, path, query, "application/fhir+json", body, rc.Deps.Catalog)
	if err != nil {
		return nil, err
	}
	req.IfNoneExist = e.ifNoneExist
	req.IfMatch = e.ifMatch
	rc.Request = req

	result, err := p.Router.Dispatch(ctx, rc)
	if err != nil {
		return nil, err
	}
	resp := result.Response
	return &bundleEntryResult{
		status:   resp.Status,
		resource: resp.Resource,
		location: resp.Location,
	}, nil
}

func bundleRaw(v fhirmodel.Value) map[string]interface{} {
	raw, _ := v.AsAny().(map[string]interface{})
	return raw
}

func resourceID(v fhirmodel.Value) (string, bool) {
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

func resourceTypeOf(e *entry, result *bundleEntryResult) string {
	if result.resource != nil {
		return result.resource.TypeName()
	}
	if e.raw != nil {
		if rt, ok := e.raw["resourceType"].(string); ok {
			return rt
		}
	}
	return ""
}

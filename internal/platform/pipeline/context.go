// Package pipeline implements the middleware chain and dispatcher of spec
// §4.8 (C8/C9): a Router picks the first matching route for a parsed
// request, and the selected middleware chain computes a Response, delegates
// into a storage transaction, or short-circuits, per the three behaviors
// spec §4.8 names.
package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
	"github.com/fhirforge/fhirforge/internal/platform/request"
	"github.com/fhirforge/fhirforge/internal/platform/search"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// Deps are the process-wide collaborators every middleware may read; they
// never change across requests, unlike RequestContext's per-request fields.
type Deps struct {
	Catalog          *fhirmodel.Catalog
	SearchCatalog    *search.Catalog
	Engine           *fhirpath.Engine
	Indexer          *search.Indexer
	ArtifactTenant   string // shared tenant that owns ValueSet/CodeSystem/StructureDefinition/SearchParameter
	ArtifactWritable bool   // whether artifact routes accept writes or are read-only (spec §4.8 point 4)
	MaxSearchCount   int
	Operations       map[string]OperationHandler
}

// Response is the typed result of running a request through the pipeline,
// rendered to HTTP by internal/platform/httpapi.
type Response struct {
	Status    int
	Resource  fhirmodel.Value // single-resource responses (Read, Create, Update, ...)
	Bundle    fhirmodel.Value // Bundle responses (Search, History, Batch, Transaction)
	VersionID string
	Location  string
	Deleted   bool
}

// RequestContext carries one in-flight request through the middleware
// chain. Store is swapped to a transactional handle by the storage
// middleware for the remainder of the chain beneath it, and the route's
// middleware assigns Response; the other fields are not modified once the
// chain starts.
type RequestContext struct {
	Request  *request.Request
	Response *Response

	Tenant      string
	Project     string
	Author      storage.Author
	FHIRVersion string

	Store storage.Store
	Deps  *Deps
}

// WithStore returns a shallow copy of rc with Store replaced — the
// substate the storage middleware hands to the remainder of the chain
// (spec §4.8: "swaps the connection into the substate").
func (rc *RequestContext) WithStore(s storage.Store) *RequestContext {
	clone := *rc
	clone.Store = s
	return &clone
}

// WithTenant returns a shallow copy of rc rerouted to a different
// tenant/project pair, the mechanism the artifact route uses to funnel
// ValueSet/CodeSystem/StructureDefinition/SearchParameter traffic into the
// shared artifact tenant regardless of the caller's own tenant.
func (rc *RequestContext) WithTenant(tenant, project string) *RequestContext {
	clone := *rc
	clone.Tenant = tenant
	clone.Project = project
	return &clone
}

// OperationHandler implements one $operation, registered by code (without
// the leading "$") in Deps.Operations.
type OperationHandler func(ctx context.Context, rc *RequestContext) (*RequestContext, error)

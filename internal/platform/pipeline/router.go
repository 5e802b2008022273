package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/request"
)

// Route pairs a predicate over the parsed request with the middleware chain
// that handles it. The Router tries routes in order and runs the first
// match (spec §4.8: "the first route whose predicate matches... the
// remainder is ignored").
type Route struct {
	Name      string
	Predicate func(*request.Request) bool
	Handler   Middleware
}

// Router holds the ordered route table.
type Router struct {
	Routes []Route
}

// NewRouter builds the default route table of spec §4.8: Capabilities,
// Operations, Artifact routes, Tenant/Project-auth routes, then the
// clinical catch-all last.
func NewRouter(deps *Deps) *Router {
	return &Router{Routes: []Route{
		{Name: "capabilities", Predicate: isCapabilities, Handler: CapabilitiesMiddleware(deps)},
		{Name: "operations", Predicate: isInvoke, Handler: OperationsMiddleware(deps)},
		{Name: "artifact", Predicate: isArtifact, Handler: Chain(StorageMiddleware, ArtifactMiddleware(deps))},
		{Name: "tenant-auth", Predicate: isTenantAuth, Handler: Chain(StorageMiddleware, ClinicalMiddleware(deps))},
		{Name: "clinical", Predicate: func(*request.Request) bool { return true }, Handler: Chain(StorageMiddleware, ClinicalMiddleware(deps))},
	}}
}

func isCapabilities(r *request.Request) bool { return r.Interaction == request.Capabilities }

func isInvoke(r *request.Request) bool {
	switch r.Interaction {
	case request.InvokeInstance, request.InvokeType, request.InvokeSystem:
		return true
	}
	return false
}

var artifactTypes = map[string]bool{
	"ValueSet": true, "CodeSystem": true, "StructureDefinition": true, "SearchParameter": true,
}

func isArtifact(r *request.Request) bool { return artifactTypes[r.ResourceType] }

var tenantAuthTypes = map[string]bool{"User": true, "Project": true, "Membership": true}

func isTenantAuth(r *request.Request) bool { return tenantAuthTypes[r.ResourceType] }

// Dispatch selects the first matching route and runs its handler with no
// outer next — the route's own chain is the entire pipeline for this
// request.
func (rt *Router) Dispatch(ctx context.Context, rc *RequestContext) (*RequestContext, error) {
	for _, route := range rt.Routes {
		if route.Predicate(rc.Request) {
			return route.Handler(ctx, rc, nil)
		}
	}
	return nil, ferrors.NotSupportedf("NoRoute", "no route matched interaction %s", rc.Request.Interaction)
}

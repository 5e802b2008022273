package pipeline

import "context"

// ClinicalMiddleware is the catch-all resource route of spec §4.8: every
// interaction against a clinical resource type (Patient, Observation,
// Condition, and the rest of the catalog) that isn't a Capabilities,
// Invoke*, artifact, or tenant-auth route falls through to here.
//
// It is always the innermost middleware of its chain (see router.go); the
// next it receives there hands rc back unchanged, so nothing runs after it.
// The storage transaction wrapping it has already been opened by
// StorageMiddleware for write interactions.
func ClinicalMiddleware(deps *Deps) Middleware {
	return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
		resp, err := dispatchResource(ctx, rc)
		if err != nil {
			return nil, err
		}
		rc.Response = resp
		if next != nil {
			return next(ctx, rc)
		}
		return rc, nil
	}
}

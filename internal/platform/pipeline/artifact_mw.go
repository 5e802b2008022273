package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// ArtifactMiddleware implements spec §4.8 point 4: ValueSet, CodeSystem,
// StructureDefinition and SearchParameter requests are rerouted to a shared
// artifact tenant/project regardless of the caller's own tenant, and writes
// are rejected unless the deployment has configured the artifact catalog as
// mutable.
func ArtifactMiddleware(deps *Deps) Middleware {
	return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
		if rc.Request.Interaction.IsWrite() && !deps.ArtifactWritable {
			return nil, ferrors.NotSupportedf("ReadOnlyArtifacts", "artifact resources are read-only in this deployment")
		}
		artifactRC := rc.WithTenant(deps.ArtifactTenant, deps.ArtifactTenant)
		resp, err := dispatchResource(ctx, artifactRC)
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

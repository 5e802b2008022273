package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// OperationsMiddleware dispatches Invoke{Instance,Type,System} interactions
// (spec §4.7's "$operation" requests) to the registered OperationHandler for
// rc.Request.OperationCode. It is not wrapped in StorageMiddleware by
// router.go because Invoke* is not a write interaction in
// request.Interaction.IsWrite() — an operation that needs a transaction
// opens one itself through rc.Store.Transaction.
func OperationsMiddleware(deps *Deps) Middleware {
	return func(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
		handler, ok := deps.Operations[rc.Request.OperationCode]
		if !ok {
			return nil, ferrors.NotSupportedf("UnknownOperation", "operation $%s is not supported", rc.Request.OperationCode)
		}
		result, err := handler(ctx, rc)
		if err != nil {
			return nil, err
		}
		if next != nil {
			return next(ctx, result)
		}
		return result, nil
	}
}

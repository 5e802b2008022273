package pipeline

import (
	"context"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// StorageMiddleware is the terminal write stage of spec §4.8: for a
// write interaction it opens a Store transaction, swaps it into a child
// RequestContext for the remainder of the chain, commits on successful
// return, and rolls back on error. Read-only interactions run straight
// through against the ambient Store — there is nothing to serialize.
//
// Grounded on the teacher's internal/platform/fhir/transaction.go control
// flow (resolve entries, run the handler, roll up failures into one
// OperationOutcome), generalized from its domain-repository transaction
// pattern to the generic storage.Store interface introduced here.
func StorageMiddleware(ctx context.Context, rc *RequestContext, next Next) (*RequestContext, error) {
	if next == nil {
		return rc, nil
	}
	if !rc.Request.Interaction.IsWrite() {
		return next(ctx, rc)
	}
	if _, already := rc.Store.(storage.Tx); already {
		// A caller (the transaction bundle processor) has already opened
		// a shared transaction and handed it to us as the Store; opening
		// a second, nested one isn't supported by every backend.
		return next(ctx, rc)
	}

	tx, err := rc.Store.Transaction(ctx)
	if err != nil {
		return nil, ferrors.Exceptionf(err, "open storage transaction")
	}

	result, err := next(ctx, rc.WithStore(tx))
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return nil, ferrors.Exceptionf(rbErr, "rollback after %v", err)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, ferrors.Exceptionf(err, "commit storage transaction")
	}
	return result.WithStore(rc.Store), nil
}

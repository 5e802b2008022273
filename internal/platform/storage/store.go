package storage

import (
	"context"
	"encoding/json"
)

// Store is the append-only versioned record log of spec §4.6, implemented
// by memstore (in-process, default for tests and single-node deployment)
// and pgstore (pgx/v5 against Postgres).
type Store interface {
	// Create assigns resourceID if empty, assigns a fresh version id, and
	// appends a Create record. It fails with ferrors Conflict if a
	// non-deleted current record already exists for a caller-supplied id.
	Create(ctx context.Context, tenant, project string, author Author, resourceType, resourceID string, payload json.RawMessage) (*VersionedRecord, error)

	// Update requires an existing non-deleted current record for
	// (tenant, project, resourceType, resourceID); it fails with ferrors
	// NotFound otherwise — callers that want update-as-create call Create.
	Update(ctx context.Context, tenant, project string, author Author, resourceType, resourceID string, payload json.RawMessage) (*VersionedRecord, error)

	// Delete appends a tombstone record for a resource that must currently
	// exist and not already be deleted.
	Delete(ctx context.Context, tenant, project string, author Author, resourceType, resourceID string) (*VersionedRecord, error)

	// ReadLatest returns the max-sequence record for the key, or
	// ferrors NotFound if absent or already deleted.
	ReadLatest(ctx context.Context, tenant, project, resourceType, resourceID string) (*VersionedRecord, error)

	// ReadByVersionIDs returns one record per version id, preserving the
	// input order; a version id with no matching record yields a nil entry
	// at that position.
	ReadByVersionIDs(ctx context.Context, tenant, project string, versionIDs []string) ([]*VersionedRecord, error)

	// History returns records in scope ordered by sequence descending,
	// bounded to pageSize (DefaultHistoryPageSize when <= 0).
	History(ctx context.Context, tenant, project string, scope HistoryScope, pageSize int) ([]*VersionedRecord, error)

	// Poll returns records with sequence > fromSequence ordered ascending,
	// bounded to count. It is the mechanism downstream consumers (the
	// search indexer, in particular) use to observe committed writes.
	Poll(ctx context.Context, tenant string, fromSequence int64, count int) ([]*VersionedRecord, error)

	// Transaction begins a nested write scope. Writes made through the
	// returned Tx are invisible to other callers until Commit; Rollback
	// discards them entirely.
	Transaction(ctx context.Context) (Tx, error)
}

// Tx is a Store bound to one in-flight transaction (spec §4.6's "nested
// scope"). Two callers open one: the storage middleware (C8), which swaps
// the Tx into a child RequestContext as the effective Store, commits on
// successful return up the call stack, and rolls back on error; and the
// transaction bundle processor, which runs every entry of a bundle through
// one shared Tx.
type Tx interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

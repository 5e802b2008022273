// Package pgstore is the Postgres storage.Store implementation: a pgx/v5
// pool against the "resources" table of spec §6, serializing per-tenant
// sequence assignment with a row-locked counter table and waking blocked
// Poll-style callers via LISTEN/NOTIFY instead of busy-polling.
//
// Grounded on the teacher's internal/platform/db (pool.go, migrate.go) for
// pool construction and migration conventions, and on its
// internal/domain/*/repo_pg.go repositories for the queryable/transaction
// handle pattern generalized here to storage.Tx.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// queryable is the common surface of *pgxpool.Pool and pgx.Tx, letting the
// same query-building code run against either — grounded on the teacher's
// repo_pg.go queryable interface.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const resourceColumns = `tenant, project, author_id, author_kind, resource_type, resource_id,
	version_id, fhir_method, sequence, deleted, resource, created_at`

// Store is the pool-backed storage.Store.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-connected pool. Callers build the pool with
// db.NewPool and run migrations before passing it here.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRecord(row pgx.Row) (*storage.VersionedRecord, error) {
	var rec storage.VersionedRecord
	var authorKind, method string
	if err := row.Scan(&rec.Tenant, &rec.Project, &rec.Author.ID, &authorKind,
		&rec.ResourceType, &rec.ResourceID, &rec.VersionID, &method, &rec.Sequence,
		&rec.Deleted, &rec.Resource, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Author.Kind = storage.AuthorKind(authorKind)
	rec.Method = storage.Method(method)
	return &rec, nil
}

// nextSequence locks the per-tenant counter row and returns the
// newly-incremented value, serializing sequence assignment for tenant
// against any other writer using the same connection/transaction.
func nextSequence(ctx context.Context, q queryable, tenant string) (int64, error) {
	var seq int64
	err := q.QueryRow(ctx, `
		INSERT INTO tenant_sequence (tenant, value) VALUES ($1, 1)
		ON CONFLICT (tenant) DO UPDATE SET value = tenant_sequence.value + 1
		RETURNING value`, tenant).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assign sequence for tenant %s: %w", tenant, err)
	}
	return seq, nil
}

func currentRecord(ctx context.Context, q queryable, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	row := q.QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE tenant=$1 AND project=$2 AND resource_type=$3 AND resource_id=$4
		ORDER BY sequence DESC LIMIT 1`,
		tenant, project, resourceType, resourceID)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

func insertRecord(ctx context.Context, q queryable, rec *storage.VersionedRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO resources (tenant, project, author_id, author_kind, resource_type, resource_id,
			version_id, fhir_method, sequence, deleted, resource, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.Tenant, rec.Project, rec.Author.ID, string(rec.Author.Kind), rec.ResourceType, rec.ResourceID,
		rec.VersionID, string(rec.Method), rec.Sequence, rec.Deleted, []byte(rec.Resource), rec.CreatedAt)
	return err
}

func notifyTenant(ctx context.Context, q queryable, tenant string) {
	_, _ = q.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel(tenant), "")
}

func notifyChannel(tenant string) string {
	return "resources_tenant_" + tenant
}

func newVersionID(ctx context.Context, q queryable) string {
	var id string
	if err := q.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&id); err == nil {
		return id
	}
	return fmt.Sprintf("v%d", time.Now().UnixNano())
}

// createWith is the shared implementation behind both Store.Create and
// tx.Create; q is the pool for the former and the pgx.Tx for the latter.
func createWith(ctx context.Context, q queryable, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	if resourceID == "" {
		if err := q.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&resourceID); err != nil {
			return nil, fmt.Errorf("generate resource id: %w", err)
		}
	}

	current, err := currentRecord(ctx, q, tenant, project, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if current != nil && !current.Deleted {
		return nil, ferrors.Conflictf("AlreadyExists", "%s/%s already exists", resourceType, resourceID)
	}

	seq, err := nextSequence(ctx, q, tenant)
	if err != nil {
		return nil, err
	}
	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID, VersionID: newVersionID(ctx, q),
		Method: storage.MethodCreate, Sequence: seq, Resource: payload, CreatedAt: time.Now().UTC(),
	}
	if err := insertRecord(ctx, q, rec); err != nil {
		return nil, fmt.Errorf("insert create record: %w", err)
	}
	notifyTenant(ctx, q, tenant)
	return rec, nil
}

func updateWith(ctx context.Context, q queryable, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	current, err := currentRecord(ctx, q, tenant, project, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}

	seq, err := nextSequence(ctx, q, tenant)
	if err != nil {
		return nil, err
	}
	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID, VersionID: newVersionID(ctx, q),
		Method: storage.MethodUpdate, Sequence: seq, Resource: payload, CreatedAt: time.Now().UTC(),
	}
	if err := insertRecord(ctx, q, rec); err != nil {
		return nil, fmt.Errorf("insert update record: %w", err)
	}
	notifyTenant(ctx, q, tenant)
	return rec, nil
}

func deleteWith(ctx context.Context, q queryable, tenant, project string, author storage.Author, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	current, err := currentRecord(ctx, q, tenant, project, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}

	seq, err := nextSequence(ctx, q, tenant)
	if err != nil {
		return nil, err
	}
	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID, VersionID: newVersionID(ctx, q),
		Method: storage.MethodDelete, Sequence: seq, Deleted: true,
		Resource: current.Resource, CreatedAt: time.Now().UTC(),
	}
	if err := insertRecord(ctx, q, rec); err != nil {
		return nil, fmt.Errorf("insert delete record: %w", err)
	}
	notifyTenant(ctx, q, tenant)
	return rec, nil
}

func readLatestWith(ctx context.Context, q queryable, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	current, err := currentRecord(ctx, q, tenant, project, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}
	return current, nil
}

func readByVersionIDsWith(ctx context.Context, q queryable, tenant, project string, versionIDs []string) ([]*storage.VersionedRecord, error) {
	out := make([]*storage.VersionedRecord, len(versionIDs))
	if len(versionIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE tenant=$1 AND project=$2 AND version_id = ANY($3)`,
		tenant, project, versionIDs)
	if err != nil {
		return nil, fmt.Errorf("query by version ids: %w", err)
	}
	defer rows.Close()

	byVersion := make(map[string]*storage.VersionedRecord, len(versionIDs))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version-id record: %w", err)
		}
		byVersion[rec.VersionID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, vid := range versionIDs {
		out[i] = byVersion[vid]
	}
	return out, nil
}

// historyQuery builds the History query and its positional args. Split out
// as a pure function so its SQL shape can be unit tested without a live
// database connection.
func historyQuery(tenant, project string, scope storage.HistoryScope, pageSize int) (string, []interface{}) {
	base := `SELECT ` + resourceColumns + ` FROM resources WHERE tenant=$1 AND project=$2`
	args := []interface{}{tenant, project}
	switch {
	case scope.IsInstance():
		rt, rid := scope.Instance()
		base += ` AND resource_type=$3 AND resource_id=$4`
		args = append(args, rt, rid)
	case scope.IsType():
		base += ` AND resource_type=$3`
		args = append(args, scope.Type())
	}
	base += fmt.Sprintf(` ORDER BY sequence DESC LIMIT $%d`, len(args)+1)
	args = append(args, pageSize)
	return base, args
}

func historyWith(ctx context.Context, q queryable, tenant, project string, scope storage.HistoryScope, pageSize int) ([]*storage.VersionedRecord, error) {
	if pageSize <= 0 {
		pageSize = storage.DefaultHistoryPageSize
	}
	sql, args := historyQuery(tenant, project, scope, pageSize)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []*storage.VersionedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func pollWith(ctx context.Context, q queryable, tenant string, fromSequence int64, count int) ([]*storage.VersionedRecord, error) {
	if count <= 0 {
		count = storage.DefaultHistoryPageSize
	}
	rows, err := q.Query(ctx, `
		SELECT `+resourceColumns+` FROM resources
		WHERE tenant=$1 AND sequence > $2
		ORDER BY sequence ASC LIMIT $3`, tenant, fromSequence, count)
	if err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	defer rows.Close()

	var out []*storage.VersionedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan poll record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Create(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	return createWith(ctx, s.pool, tenant, project, author, resourceType, resourceID, payload)
}

func (s *Store) Update(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	return updateWith(ctx, s.pool, tenant, project, author, resourceType, resourceID, payload)
}

func (s *Store) Delete(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	return deleteWith(ctx, s.pool, tenant, project, author, resourceType, resourceID)
}

func (s *Store) ReadLatest(ctx context.Context, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	return readLatestWith(ctx, s.pool, tenant, project, resourceType, resourceID)
}

func (s *Store) ReadByVersionIDs(ctx context.Context, tenant, project string, versionIDs []string) ([]*storage.VersionedRecord, error) {
	return readByVersionIDsWith(ctx, s.pool, tenant, project, versionIDs)
}

func (s *Store) History(ctx context.Context, tenant, project string, scope storage.HistoryScope, pageSize int) ([]*storage.VersionedRecord, error) {
	return historyWith(ctx, s.pool, tenant, project, scope, pageSize)
}

func (s *Store) Poll(ctx context.Context, tenant string, fromSequence int64, count int) ([]*storage.VersionedRecord, error) {
	return pollWith(ctx, s.pool, tenant, fromSequence, count)
}

// WaitForNotify blocks until a write commits for tenant or ctx is
// cancelled, whichever comes first. A background poller calls Poll first,
// and only calls WaitForNotify when Poll returned nothing, to avoid
// busy-waiting between polls.
func (s *Store) WaitForNotify(ctx context.Context, tenant string) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel(tenant)}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", notifyChannel(tenant), err)
	}
	_, err = conn.Conn().WaitForNotification(ctx)
	return err
}

func (s *Store) Transaction(ctx context.Context) (storage.Tx, error) {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{pgTx: pgTx}, nil
}

// tx implements storage.Tx by routing every method through the shared
// *With helpers against the underlying pgx.Tx.
type tx struct {
	pgTx pgx.Tx
}

func (t *tx) Create(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	return createWith(ctx, t.pgTx, tenant, project, author, resourceType, resourceID, payload)
}

func (t *tx) Update(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	return updateWith(ctx, t.pgTx, tenant, project, author, resourceType, resourceID, payload)
}

func (t *tx) Delete(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	return deleteWith(ctx, t.pgTx, tenant, project, author, resourceType, resourceID)
}

func (t *tx) ReadLatest(ctx context.Context, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	return readLatestWith(ctx, t.pgTx, tenant, project, resourceType, resourceID)
}

func (t *tx) ReadByVersionIDs(ctx context.Context, tenant, project string, versionIDs []string) ([]*storage.VersionedRecord, error) {
	return readByVersionIDsWith(ctx, t.pgTx, tenant, project, versionIDs)
}

func (t *tx) History(ctx context.Context, tenant, project string, scope storage.HistoryScope, pageSize int) ([]*storage.VersionedRecord, error) {
	return historyWith(ctx, t.pgTx, tenant, project, scope, pageSize)
}

func (t *tx) Poll(ctx context.Context, tenant string, fromSequence int64, count int) ([]*storage.VersionedRecord, error) {
	return pollWith(ctx, t.pgTx, tenant, fromSequence, count)
}

func (t *tx) Transaction(ctx context.Context) (storage.Tx, error) {
	return nil, fmt.Errorf("nested transactions are not supported")
}

func (t *tx) Commit(ctx context.Context) error   { return t.pgTx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.pgTx.Rollback(ctx) }

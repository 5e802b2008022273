// Package memstore is the in-process storage.Store implementation, used by
// tests; `fhirforge serve` always uses pgstore. All
// state lives in memory behind a single mutex, matching spec §5's
// "single-writer in-process" option for sequence serialization.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

type key struct {
	tenant, project, resourceType, resourceID string
}

func keyFor(tenant, project, resourceType, resourceID string) key {
	return key{tenant, project, resourceType, resourceID}
}

// Store is a mutex-guarded, append-only record log held entirely in memory.
type Store struct {
	mu        sync.Mutex
	seq       map[string]int64 // tenant -> last assigned sequence
	records   []*storage.VersionedRecord
	byVersion map[string]*storage.VersionedRecord
	byKey     map[key][]*storage.VersionedRecord // per-key history, sequence ascending
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		seq:       make(map[string]int64),
		byVersion: make(map[string]*storage.VersionedRecord),
		byKey:     make(map[key][]*storage.VersionedRecord),
	}
}

func (s *Store) latestLocked(k key) *storage.VersionedRecord {
	versions := s.byKey[k]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

func (s *Store) nextSequenceLocked(tenant string) int64 {
	s.seq[tenant]++
	return s.seq[tenant]
}

func (s *Store) appendLocked(rec *storage.VersionedRecord) {
	s.records = append(s.records, rec)
	s.byVersion[rec.VersionID] = rec
	k := keyFor(rec.Tenant, rec.Project, rec.ResourceType, rec.ResourceID)
	s.byKey[k] = append(s.byKey[k], rec)
}

func (s *Store) Create(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if resourceID == "" {
		resourceID = uuid.NewString()
	}
	k := keyFor(tenant, project, resourceType, resourceID)
	if current := s.latestLocked(k); current != nil && !current.Deleted {
		return nil, ferrors.Conflictf("AlreadyExists", "%s/%s already exists", resourceType, resourceID)
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodCreate,
		Sequence: s.nextSequenceLocked(tenant), Resource: payload, CreatedAt: time.Now().UTC(),
	}
	s.appendLocked(rec)
	return rec, nil
}

func (s *Store) Update(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(tenant, project, resourceType, resourceID)
	current := s.latestLocked(k)
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodUpdate,
		Sequence: s.nextSequenceLocked(tenant), Resource: payload, CreatedAt: time.Now().UTC(),
	}
	s.appendLocked(rec)
	return rec, nil
}

func (s *Store) Delete(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyFor(tenant, project, resourceType, resourceID)
	current := s.latestLocked(k)
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodDelete,
		Sequence: s.nextSequenceLocked(tenant), Deleted: true, Resource: current.Resource, CreatedAt: time.Now().UTC(),
	}
	s.appendLocked(rec)
	return rec, nil
}

func (s *Store) ReadLatest(ctx context.Context, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.latestLocked(keyFor(tenant, project, resourceType, resourceID))
	if current == nil || current.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}
	return current, nil
}

func (s *Store) ReadByVersionIDs(ctx context.Context, tenant, project string, versionIDs []string) ([]*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.VersionedRecord, len(versionIDs))
	for i, vid := range versionIDs {
		rec, ok := s.byVersion[vid]
		if !ok || rec.Tenant != tenant || rec.Project != project {
			continue
		}
		out[i] = rec
	}
	return out, nil
}

func (s *Store) History(ctx context.Context, tenant, project string, scope storage.HistoryScope, pageSize int) ([]*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pageSize <= 0 {
		pageSize = storage.DefaultHistoryPageSize
	}

	var matches []*storage.VersionedRecord
	switch {
	case scope.IsInstance():
		rt, rid := scope.Instance()
		matches = append(matches, s.byKey[keyFor(tenant, project, rt, rid)]...)
	case scope.IsType():
		rt := scope.Type()
		for k, versions := range s.byKey {
			if k.tenant == tenant && k.project == project && k.resourceType == rt {
				matches = append(matches, versions...)
			}
		}
	default: // system scope
		for k, versions := range s.byKey {
			if k.tenant == tenant && k.project == project {
				matches = append(matches, versions...)
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Sequence > matches[j].Sequence })
	if len(matches) > pageSize {
		matches = matches[:pageSize]
	}
	return matches, nil
}

func (s *Store) Poll(ctx context.Context, tenant string, fromSequence int64, count int) ([]*storage.VersionedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.VersionedRecord
	for _, rec := range s.records {
		if rec.Tenant != tenant || rec.Sequence <= fromSequence {
			continue
		}
		out = append(out, rec)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// Transaction returns a Tx that buffers writes until Commit, at which point
// they're applied atomically under the store's single lock — consistent
// with spec §5's "last commit wins" ordering guarantee, since no other
// writer can interleave sequence assignment mid-commit.
func (s *Store) Transaction(ctx context.Context) (storage.Tx, error) {
	return &tx{store: s}, nil
}

type pendingWrite struct {
	apply func(*Store) (*storage.VersionedRecord, error)
}

type tx struct {
	store    *Store
	mu       sync.Mutex
	pending  []pendingWrite
	overlay  []*storage.VersionedRecord // writes already "applied" to the overlay view, in order
	finished bool
}

func (t *tx) finishedErr() error {
	if t.finished {
		return fmt.Errorf("transaction already committed or rolled back")
	}
	return nil
}

// overlayLatest returns the most recent overlay record for k, if any.
func (t *tx) overlayLatest(k key) (*storage.VersionedRecord, bool) {
	for i := len(t.overlay) - 1; i >= 0; i-- {
		r := t.overlay[i]
		if keyFor(r.Tenant, r.Project, r.ResourceType, r.ResourceID) == k {
			return r, true
		}
	}
	return nil, false
}

func (t *tx) Create(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishedErr(); err != nil {
		return nil, err
	}

	if resourceID == "" {
		resourceID = uuid.NewString()
	}
	k := keyFor(tenant, project, resourceType, resourceID)
	if overlay, ok := t.overlayLatest(k); ok {
		if !overlay.Deleted {
			return nil, ferrors.Conflictf("AlreadyExists", "%s/%s already exists", resourceType, resourceID)
		}
	} else {
		t.store.mu.Lock()
		current := t.store.latestLocked(k)
		t.store.mu.Unlock()
		if current != nil && !current.Deleted {
			return nil, ferrors.Conflictf("AlreadyExists", "%s/%s already exists", resourceType, resourceID)
		}
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodCreate, Resource: payload, CreatedAt: time.Now().UTC(),
	}
	t.overlay = append(t.overlay, rec)
	t.pending = append(t.pending, pendingWrite{apply: func(s *Store) (*storage.VersionedRecord, error) {
		committed := *rec
		committed.Sequence = s.nextSequenceLocked(tenant)
		s.appendLocked(&committed)
		return &committed, nil
	}})
	return rec, nil
}

func (t *tx) Update(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string, payload json.RawMessage) (*storage.VersionedRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishedErr(); err != nil {
		return nil, err
	}

	k := keyFor(tenant, project, resourceType, resourceID)
	overlay, hasOverlay := t.overlayLatest(k)
	if !hasOverlay {
		t.store.mu.Lock()
		current := t.store.latestLocked(k)
		t.store.mu.Unlock()
		if current == nil || current.Deleted {
			return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
		}
	} else if overlay.Deleted {
		return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodUpdate, Resource: payload, CreatedAt: time.Now().UTC(),
	}
	t.overlay = append(t.overlay, rec)
	t.pending = append(t.pending, pendingWrite{apply: func(s *Store) (*storage.VersionedRecord, error) {
		committed := *rec
		committed.Sequence = s.nextSequenceLocked(tenant)
		s.appendLocked(&committed)
		return &committed, nil
	}})
	return rec, nil
}

func (t *tx) Delete(ctx context.Context, tenant, project string, author storage.Author, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishedErr(); err != nil {
		return nil, err
	}

	k := keyFor(tenant, project, resourceType, resourceID)
	var existingBody json.RawMessage
	overlay, hasOverlay := t.overlayLatest(k)
	if hasOverlay {
		if overlay.Deleted {
			return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
		}
		existingBody = overlay.Resource
	} else {
		t.store.mu.Lock()
		current := t.store.latestLocked(k)
		t.store.mu.Unlock()
		if current == nil || current.Deleted {
			return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
		}
		existingBody = current.Resource
	}

	rec := &storage.VersionedRecord{
		Tenant: tenant, Project: project, Author: author,
		ResourceType: resourceType, ResourceID: resourceID,
		VersionID: uuid.NewString(), Method: storage.MethodDelete,
		Deleted: true, Resource: existingBody, CreatedAt: time.Now().UTC(),
	}
	t.overlay = append(t.overlay, rec)
	t.pending = append(t.pending, pendingWrite{apply: func(s *Store) (*storage.VersionedRecord, error) {
		committed := *rec
		committed.Sequence = s.nextSequenceLocked(tenant)
		s.appendLocked(&committed)
		return &committed, nil
	}})
	return rec, nil
}

func (t *tx) ReadLatest(ctx context.Context, tenant, project, resourceType, resourceID string) (*storage.VersionedRecord, error) {
	t.mu.Lock()
	k := keyFor(tenant, project, resourceType, resourceID)
	overlay, hasOverlay := t.overlayLatest(k)
	t.mu.Unlock()
	if hasOverlay {
		if overlay.Deleted {
			return nil, ferrors.NotFoundf("NotFound", "%s/%s not found", resourceType, resourceID)
		}
		return overlay, nil
	}
	return t.store.ReadLatest(ctx, tenant, project, resourceType, resourceID)
}

func (t *tx) ReadByVersionIDs(ctx context.Context, tenant, project string, versionIDs []string) ([]*storage.VersionedRecord, error) {
	return t.store.ReadByVersionIDs(ctx, tenant, project, versionIDs)
}

func (t *tx) History(ctx context.Context, tenant, project string, scope storage.HistoryScope, pageSize int) ([]*storage.VersionedRecord, error) {
	return t.store.History(ctx, tenant, project, scope, pageSize)
}

func (t *tx) Poll(ctx context.Context, tenant string, fromSequence int64, count int) ([]*storage.VersionedRecord, error) {
	return t.store.Poll(ctx, tenant, fromSequence, count)
}

func (t *tx) Transaction(ctx context.Context) (storage.Tx, error) {
	return nil, fmt.Errorf("nested transactions are not supported")
}

func (t *tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishedErr(); err != nil {
		return err
	}
	t.finished = true

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, w := range t.pending {
		if _, err := w.apply(t.store); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.finishedErr(); err != nil {
		return err
	}
	t.finished = true
	t.pending = nil
	t.overlay = nil
	return nil
}

package memstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

var testAuthor = storage.Author{ID: "user-1", Kind: storage.AuthorUser}

func patientPayload(active bool) json.RawMessage {
	if active {
		return json.RawMessage(`{"resourceType":"Patient","active":true}`)
	}
	return json.RawMessage(`{"resourceType":"Patient","active":false}`)
}

func TestCreate_AssignsIDAndVersion(t *testing.T) {
	s := New()
	rec, err := s.Create(context.Background(), "t1", "p1", testAuthor, "Patient", "", patientPayload(true))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ResourceID == "" || rec.VersionID == "" {
		t.Fatalf("rec = %+v, want assigned id and version", rec)
	}
	if rec.Sequence != 1 {
		t.Fatalf("rec.Sequence = %d, want 1", rec.Sequence)
	}
}

func TestCreate_WithCallerSuppliedIDConflictsOnSecondCreate(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindConflict {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

func TestUpdate_RequiresExistingCurrentRecord(t *testing.T) {
	s := New()
	_, err := s.Update(context.Background(), "t1", "p1", testAuthor, "Patient", "missing", patientPayload(true))
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindNotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestUpdate_BumpsSequenceAndVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	created, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	updated, err := s.Update(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(false))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.VersionID == created.VersionID {
		t.Fatalf("updated.VersionID == created.VersionID, want fresh version")
	}
	if updated.Sequence <= created.Sequence {
		t.Fatalf("updated.Sequence = %d, want > created.Sequence %d", updated.Sequence, created.Sequence)
	}
}

func TestDelete_TombstonesAndHidesFromReadLatest(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "t1", "p1", testAuthor, "Patient", "pt-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err := s.ReadLatest(ctx, "t1", "p1", "Patient", "pt-1")
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindNotFound {
		t.Fatalf("ReadLatest after delete err = %v, want NotFound", err)
	}
}

func TestDelete_ThenCreateSucceedsAgain(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Delete(ctx, "t1", "p1", testAuthor, "Patient", "pt-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func TestReadByVersionIDs_PreservesInputOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	v1, _ := s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	v2, _ := s.Update(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(false))

	recs, err := s.ReadByVersionIDs(ctx, "t1", "p1", []string{v2.VersionID, v1.VersionID, "does-not-exist"})
	if err != nil {
		t.Fatalf("ReadByVersionIDs: %v", err)
	}
	if len(recs) != 3 || recs[0].VersionID != v2.VersionID || recs[1].VersionID != v1.VersionID || recs[2] != nil {
		t.Fatalf("recs = %+v, want [v2, v1, nil] in that order", recs)
	}
}

func TestHistory_OrderedBySequenceDescending(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	s.Update(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(false))
	s.Delete(ctx, "t1", "p1", testAuthor, "Patient", "pt-1")

	recs, err := s.History(ctx, "t1", "p1", storage.ScopeInstance("Patient", "pt-1"), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(recs) = %d, want 3", len(recs))
	}
	for i := 0; i < len(recs)-1; i++ {
		if recs[i].Sequence <= recs[i+1].Sequence {
			t.Fatalf("recs not descending at %d: %+v", i, recs)
		}
	}
	if recs[0].Method != storage.MethodDelete {
		t.Fatalf("recs[0].Method = %v, want Delete (most recent)", recs[0].Method)
	}
}

func TestHistory_TypeScopeIncludesAllInstances(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-2", patientPayload(true))
	s.Create(ctx, "t1", "p1", testAuthor, "Observation", "obs-1", patientPayload(true))

	recs, err := s.History(ctx, "t1", "p1", storage.ScopeType("Patient"), 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2 (Patient only)", len(recs))
	}
}

func TestPoll_ReturnsRecordsAfterCursorAscending(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-2", patientPayload(true))
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-3", patientPayload(true))

	recs, err := s.Poll(ctx, "t1", 1, 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 2 || recs[0].Sequence != 2 || recs[1].Sequence != 3 {
		t.Fatalf("recs = %+v, want sequences [2,3]", recs)
	}
}

func TestPoll_ScopedPerTenant(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	s.Create(ctx, "t2", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))

	recs, err := s.Poll(ctx, "t1", 0, 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(recs) != 1 || recs[0].Tenant != "t1" {
		t.Fatalf("recs = %+v, want only t1's record", recs)
	}
}

func TestTransaction_CommitMakesWritesVisible(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, err := s.Transaction(ctx)
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if _, err := tx.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("tx.Create: %v", err)
	}
	if _, err := s.ReadLatest(ctx, "t1", "p1", "Patient", "pt-1"); ferrors.As(err) == nil || ferrors.As(err).Kind != ferrors.KindNotFound {
		t.Fatalf("store should not see uncommitted write, err = %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := s.ReadLatest(ctx, "t1", "p1", "Patient", "pt-1"); err != nil {
		t.Fatalf("ReadLatest after commit: %v", err)
	}
}

func TestTransaction_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx)
	if _, err := tx.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("tx.Create: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if _, err := s.ReadLatest(ctx, "t1", "p1", "Patient", "pt-1"); ferrors.As(err) == nil || ferrors.As(err).Kind != ferrors.KindNotFound {
		t.Fatalf("rolled-back write should not be visible, err = %v", err)
	}
}

func TestTransaction_ReadsOwnUncommittedWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx)
	if _, err := tx.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("tx.Create: %v", err)
	}
	rec, err := tx.ReadLatest(ctx, "t1", "p1", "Patient", "pt-1")
	if err != nil {
		t.Fatalf("tx.ReadLatest: %v", err)
	}
	if rec.ResourceID != "pt-1" {
		t.Fatalf("rec = %+v, want pt-1", rec)
	}
}

func TestTransaction_SecondCreateInSameTxConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	tx, _ := s.Transaction(ctx)
	if _, err := tx.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true)); err != nil {
		t.Fatalf("tx.Create: %v", err)
	}
	_, err := tx.Create(ctx, "t1", "p1", testAuthor, "Patient", "pt-1", patientPayload(true))
	fe := ferrors.As(err)
	if fe == nil || fe.Kind != ferrors.KindConflict {
		t.Fatalf("err = %v, want Conflict", err)
	}
}

//go:build integration

package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fhirforge/fhirforge/internal/platform/db"
	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// startPostgres boots a disposable Postgres container and returns a
// connected, migrated pool, grounded on the pack's own testcontainers-go
// usage (codeninja55-go-radx's dimse/integration/orthanc.StartOrthanc):
// a GenericContainerRequest with an image, exposed port and wait
// condition, torn down via t.Cleanup instead of a manual Stop call.
func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "fhirforge",
			"POSTGRES_PASSWORD": "fhirforge",
			"POSTGRES_DB":       "fhirforge",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}

	dsn := "postgres://fhirforge:fhirforge@" + host + ":" + port.Port() + "/fhirforge?sslmode=disable"
	pool, err := db.NewPool(ctx, dsn, 5, 1)
	if err != nil {
		t.Fatalf("connect to postgres container: %v", err)
	}
	t.Cleanup(pool.Close)

	migrator := db.NewMigrator(pool, "migrations")
	if _, err := migrator.Up(ctx); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return pool
}

func TestStore_CreateReadUpdateHistoryPoll_AgainstRealPostgres(t *testing.T) {
	pool := startPostgres(t)
	s := New(pool)
	ctx := context.Background()
	author := storage.Author{ID: "user-1", Kind: storage.AuthorUser}

	created, err := s.Create(ctx, "tenant-a", "project-a", author, "Patient", "", patientPayload(true))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.Sequence != 1 {
		t.Fatalf("created.Sequence = %d, want 1", created.Sequence)
	}

	updated, err := s.Update(ctx, "tenant-a", "project-a", author, "Patient", created.ResourceID, patientPayload(false))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.VersionID == created.VersionID {
		t.Fatalf("Update did not bump the version id")
	}

	latest, err := s.ReadLatest(ctx, "tenant-a", "project-a", "Patient", created.ResourceID)
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if latest.VersionID != updated.VersionID {
		t.Fatalf("ReadLatest.VersionID = %q, want %q", latest.VersionID, updated.VersionID)
	}

	hist, err := s.History(ctx, "tenant-a", "project-a", storage.ScopeInstance("Patient", created.ResourceID), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("len(History) = %d, want 2", len(hist))
	}

	polled, err := s.Poll(ctx, "tenant-a", 0, 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(polled) != 2 {
		t.Fatalf("len(Poll) = %d, want 2", len(polled))
	}
}

func patientPayload(active bool) []byte {
	if active {
		return []byte(`{"resourceType":"Patient","active":true}`)
	}
	return []byte(`{"resourceType":"Patient","active":false}`)
}

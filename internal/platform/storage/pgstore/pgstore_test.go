package pgstore

import (
	"strings"
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/storage"
)

// These exercise the pure SQL-building helpers only, with no live
// connection, matching the teacher's own db package tests (migrate_test.go).
// The live-database Create/Update/History/Poll suite lives in
// pgstore_integration_test.go, gated behind the "integration" build tag so
// the default `go test ./...` run stays hermetic.

func TestHistoryQuery_InstanceScope(t *testing.T) {
	sql, args := historyQuery("tenant-1", "proj-1", storage.ScopeInstance("Patient", "pt-1"), 50)
	if len(args) != 5 {
		t.Fatalf("args = %v, want 5 positional args", args)
	}
	if args[0] != "tenant-1" || args[1] != "proj-1" || args[2] != "Patient" || args[3] != "pt-1" || args[4] != 50 {
		t.Fatalf("args = %v, want [tenant-1 proj-1 Patient pt-1 50]", args)
	}
	if !containsAll(sql, "resource_type=$3", "resource_id=$4", "LIMIT $5") {
		t.Fatalf("sql = %q, missing instance-scope predicates", sql)
	}
}

func TestHistoryQuery_TypeScope(t *testing.T) {
	sql, args := historyQuery("tenant-1", "proj-1", storage.ScopeType("Observation"), 25)
	if len(args) != 4 {
		t.Fatalf("args = %v, want 4 positional args", args)
	}
	if args[2] != "Observation" || args[3] != 25 {
		t.Fatalf("args = %v, want [... Observation 25]", args)
	}
	if !containsAll(sql, "resource_type=$3", "LIMIT $4") {
		t.Fatalf("sql = %q, missing type-scope predicate", sql)
	}
	if containsAll(sql, "resource_id") {
		t.Fatalf("sql = %q, type scope must not filter by resource_id", sql)
	}
}

func TestHistoryQuery_SystemScope(t *testing.T) {
	sql, args := historyQuery("tenant-1", "proj-1", storage.ScopeSystem(), 10)
	if len(args) != 3 {
		t.Fatalf("args = %v, want 3 positional args (tenant, project, pageSize)", args)
	}
	if containsAll(sql, "resource_type") || containsAll(sql, "resource_id") {
		t.Fatalf("sql = %q, system scope must not filter by resource type or id", sql)
	}
	if !containsAll(sql, "LIMIT $3") {
		t.Fatalf("sql = %q, want LIMIT $3", sql)
	}
}

func TestNotifyChannel_IsTenantScoped(t *testing.T) {
	a := notifyChannel("tenant-a")
	b := notifyChannel("tenant-b")
	if a == b {
		t.Fatalf("notifyChannel collided for distinct tenants: %q", a)
	}
	if a != "resources_tenant_tenant-a" {
		t.Fatalf("notifyChannel(tenant-a) = %q", a)
	}
}

func containsAll(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

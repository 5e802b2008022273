// Package storage implements the append-only versioned record log (spec
// §4.6): every create/update/delete appends a new row keyed by a
// per-tenant monotonic sequence, never mutating or removing a prior one.
package storage

import (
	"encoding/json"
	"time"
)

// AuthorKind classifies who performed a write, carried into every
// VersionedRecord for audit purposes.
type AuthorKind string

const (
	AuthorSystem     AuthorKind = "system"
	AuthorUser       AuthorKind = "user"
	AuthorClientApp  AuthorKind = "client-app"
	AuthorMembership AuthorKind = "membership"
)

// Author identifies the actor responsible for a write.
type Author struct {
	ID   string
	Kind AuthorKind
}

// Method is the FHIR interaction that produced a VersionedRecord.
type Method string

const (
	MethodCreate Method = "Create"
	MethodUpdate Method = "Update"
	MethodDelete Method = "Delete"
	MethodPatch  Method = "Patch"
)

// VersionedRecord is one immutable row in the storage log (spec §3). The
// max-sequence row for a (tenant, project, resource_type, resource_id) key
// is the current state; a Delete tombstone hides it from reads but is
// never removed, preserving history.
type VersionedRecord struct {
	Tenant       string
	Project      string
	Author       Author
	ResourceType string
	ResourceID   string
	VersionID    string
	Method       Method
	Sequence     int64
	Deleted      bool
	Resource     json.RawMessage
	CreatedAt    time.Time
}

// HistoryScope selects the set of records History returns.
type HistoryScope struct {
	kind         historyScopeKind
	resourceType string
	resourceID   string
}

type historyScopeKind int

const (
	scopeInstance historyScopeKind = iota
	scopeType
	scopeSystem
)

// ScopeInstance scopes History to one resource's own version log.
func ScopeInstance(resourceType, resourceID string) HistoryScope {
	return HistoryScope{kind: scopeInstance, resourceType: resourceType, resourceID: resourceID}
}

// ScopeType scopes History to every record of one resource type.
func ScopeType(resourceType string) HistoryScope {
	return HistoryScope{kind: scopeType, resourceType: resourceType}
}

// ScopeSystem scopes History to every record in the tenant/project.
func ScopeSystem() HistoryScope {
	return HistoryScope{kind: scopeSystem}
}

// IsInstance reports whether the scope is ScopeInstance.
func (s HistoryScope) IsInstance() bool { return s.kind == scopeInstance }

// IsType reports whether the scope is ScopeType.
func (s HistoryScope) IsType() bool { return s.kind == scopeType }

// IsSystem reports whether the scope is ScopeSystem.
func (s HistoryScope) IsSystem() bool { return s.kind == scopeSystem }

// Instance returns the (resourceType, resourceID) pair for an instance
// scope; callers must check IsInstance first.
func (s HistoryScope) Instance() (string, string) { return s.resourceType, s.resourceID }

// Type returns the resource type for a type scope; callers must check
// IsType first.
func (s HistoryScope) Type() string { return s.resourceType }

// DefaultHistoryPageSize bounds History results absent an explicit page size.
const DefaultHistoryPageSize = 100

// Package request implements the closed FHIR interaction algebra of spec
// §4.7: a pure function mapping an HTTP method/path/query/content-type/body
// tuple to a typed Request, so the dispatcher (internal/platform/pipeline)
// and every middleware switch on a closed Go type rather than re-parsing
// URLs themselves.
package request

import (
	"encoding/json"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// Interaction is the closed set of FHIR RESTful interactions spec §4.7
// names. Every Request carries exactly one.
type Interaction string

const (
	Capabilities      Interaction = "Capabilities"
	Create            Interaction = "Create"
	Read              Interaction = "Read"
	VersionRead       Interaction = "VersionRead"
	UpdateInstance    Interaction = "UpdateInstance"
	ConditionalUpdate Interaction = "ConditionalUpdate"
	Patch             Interaction = "Patch"
	DeleteInstance    Interaction = "DeleteInstance"
	DeleteType        Interaction = "DeleteType"
	DeleteSystem      Interaction = "DeleteSystem"
	SearchType        Interaction = "SearchType"
	SearchSystem      Interaction = "SearchSystem"
	HistoryInstance   Interaction = "HistoryInstance"
	HistoryType       Interaction = "HistoryType"
	HistorySystem     Interaction = "HistorySystem"
	InvokeInstance    Interaction = "InvokeInstance"
	InvokeType        Interaction = "InvokeType"
	InvokeSystem      Interaction = "InvokeSystem"
	Batch             Interaction = "Batch"
	Transaction       Interaction = "Transaction"
)

// Request is the parsed, typed representation of one inbound FHIR HTTP
// request, consumed by the middleware pipeline (C8/C9) instead of a raw
// http.Request.
type Request struct {
	Interaction Interaction

	ResourceType string // "" for Capabilities/SearchSystem/DeleteSystem/HistorySystem/Batch/Transaction/InvokeSystem
	ResourceID   string // set for instance-scoped interactions
	VersionID    string // set only for VersionRead

	OperationCode string // set only for Invoke{Instance,Type,System}, without the leading "$"

	Query map[string][]string // raw query parameters, for SearchType/SearchSystem/conditional interactions

	// Resource is the decoded request body for interactions that carry a
	// Resource (Create/UpdateInstance/ConditionalUpdate). Nil otherwise.
	Resource fhirmodel.Value

	// Parameters is the decoded Parameters resource body for Invoke*
	// interactions. Nil otherwise.
	Parameters fhirmodel.Value

	// Bundle is the decoded transaction/batch Bundle body for
	// Batch/Transaction. Nil otherwise.
	Bundle fhirmodel.Value

	// PatchBody is the raw JSON Patch document for a Patch interaction.
	PatchBody json.RawMessage

	// Conditional headers, when present (spec.md §7/§9 conditional create
	// and update semantics).
	IfNoneExist string // conditional create criteria (query-string form)
	IfMatch     string // conditional update's expected version id
}

// IsInstanceScoped reports whether the interaction addresses exactly one
// resource instance (Read, VersionRead, UpdateInstance, Patch,
// DeleteInstance, HistoryInstance, InvokeInstance).
func (i Interaction) IsInstanceScoped() bool {
	switch i {
	case Read, VersionRead, UpdateInstance, Patch, DeleteInstance, HistoryInstance, InvokeInstance:
		return true
	}
	return false
}

// IsWrite reports whether the interaction mutates storage.
func (i Interaction) IsWrite() bool {
	switch i {
	case Create, UpdateInstance, ConditionalUpdate, Patch, DeleteInstance, DeleteType, DeleteSystem, Batch, Transaction:
		return true
	}
	return false
}

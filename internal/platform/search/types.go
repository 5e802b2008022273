// Package search implements the FHIRPath-driven search indexer (C4) and the
// FHIR search URL query compiler (C5): turning a resource version into a set
// of typed index entries, and turning a parsed search URL into a neutral
// query tree two different backends can execute.
package search

import "math"

// ParamType is the FHIR SearchParameter.type enumeration.
type ParamType string

const (
	TypeNumber    ParamType = "number"
	TypeString    ParamType = "string"
	TypeURI       ParamType = "uri"
	TypeToken     ParamType = "token"
	TypeDate      ParamType = "date"
	TypeReference ParamType = "reference"
	TypeQuantity  ParamType = "quantity"
	TypeComposite ParamType = "composite"
	TypeSpecial   ParamType = "special"
)

// NegInf/PosInf stand in for the unbounded ends of a range-typed index entry
// (spec's "±∞" for quantity/number ranges, "0"/"i64::MAX" for dates).
var (
	NegInf = math.Inf(-1)
	PosInf = math.Inf(1)
)

// TokenEntry is one {system?, code?} pair projected from a Coding,
// CodeableConcept, Identifier, ContactPoint, bare code, or boolean.
type TokenEntry struct {
	System string
	Code   string
}

// StringEntry is one case-preserved string value.
type StringEntry string

// URIEntry is one URI/canonical string value.
type URIEntry string

// NumberEntry is one decimal value.
type NumberEntry float64

// DateEntry is one [start,end] millisecond-epoch range. Unset endpoints are
// represented as 0 / math.MaxInt64, matching spec.md's "0 / i64::MAX".
type DateEntry struct {
	StartMS int64
	EndMS   int64
}

const DateUnsetStart int64 = 0
const DateUnsetEnd int64 = math.MaxInt64

// ReferenceEntry is one parsed reference target.
type ReferenceEntry struct {
	ResourceType string
	ID           string
	URI          string
}

// QuantityEntry is one [low,high] numeric range with optional unit coding,
// using ±∞ for the open ends of a Range-derived entry.
type QuantityEntry struct {
	Low       float64
	High      float64
	Code      string
	System    string
	HasCode   bool
	HasSystem bool
}

// IndexEntry is the sum of the seven index entry shapes a single resource
// version/parameter pair may produce. Exactly one field is populated,
// discriminated by Type.
type IndexEntry struct {
	Type      ParamType
	Token     TokenEntry
	String    StringEntry
	URI       URIEntry
	Number    NumberEntry
	Date      DateEntry
	Reference ReferenceEntry
	Quantity  QuantityEntry
}

// ResourceIndex is the full set of index entries produced for one resource
// version, grouped by SearchParameter name.
type ResourceIndex struct {
	ResourceType string
	ResourceID   string
	VersionID    string
	Entries      map[string][]IndexEntry
}

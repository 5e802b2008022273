package fhirpath

import "github.com/fhirforge/fhirforge/internal/platform/fhirmodel"

// arena amortizes the small, short-lived single-element collections that
// lambda evaluation (where, select, all, exists) allocates once per input
// item. Evaluating a cached search-parameter expression against every
// resource in a reindex pass would otherwise put real pressure on the
// allocator for slices that live for a single eval step.
type arena struct {
	free [][]fhirmodel.Value
}

func newArena() *arena {
	return &arena{}
}

// singleton borrows a one-element collection wrapping v. The caller must
// release it via release once done; nothing may retain a reference to the
// returned slice past that point.
func (a *arena) singleton(v fhirmodel.Value) []fhirmodel.Value {
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		s = s[:1]
		s[0] = v
		return s
	}
	return []fhirmodel.Value{v}
}

func (a *arena) release(s []fhirmodel.Value) {
	if cap(s) == 1 {
		a.free = append(a.free, s[:0])
	}
}

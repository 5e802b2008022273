// Package memadapter evaluates a compiled search query tree directly
// against in-process ResourceIndex entries — the default backend for the
// reference single-node deployment and for tests that don't need a real
// search backend.
package memadapter

import (
	"sort"
	"strings"

	"github.com/fhirforge/fhirforge/internal/platform/search"
)

// Record pairs a ResourceIndex with the sequence number it was produced
// from, so Evaluate can return matches in a stable, sequence-derived order
// before _sort is applied.
type Record struct {
	Index    *search.ResourceIndex
	Sequence int64
}

// Evaluate filters records to those matching cq.Query, then applies
// cq.Result.Sort, returning the matched sequence numbers in final order.
func Evaluate(cq *search.CompiledQuery, records []Record) []int64 {
	var matched []Record
	for _, r := range records {
		if matchNode(cq.Query, r.Index) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Sequence < matched[j].Sequence })
	applySort(matched, cq.Result.Sort)
	out := make([]int64, 0, len(matched))
	for _, r := range matched {
		out = append(out, r.Sequence)
	}
	if cq.Result.Count >= 0 && len(out) > cq.Result.Count {
		out = out[:cq.Result.Count]
	}
	return out
}

func matchNode(n search.Node, idx *search.ResourceIndex) bool {
	switch node := n.(type) {
	case search.AndNode:
		for _, c := range node.Children {
			if !matchNode(c, idx) {
				return false
			}
		}
		return true
	case search.OrNode:
		if len(node.Children) == 0 {
			return true
		}
		for _, c := range node.Children {
			if matchNode(c, idx) {
				return true
			}
		}
		return false
	case search.LeafClause:
		result := matchLeaf(node, idx)
		if node.Not {
			return !result
		}
		return result
	}
	return false
}

func matchLeaf(leaf search.LeafClause, idx *search.ResourceIndex) bool {
	if leaf.Param == "resource_type" {
		return idx.ResourceType == leaf.TokenCode
	}
	entries := idx.Entries[leaf.Param]
	for _, e := range entries {
		if matchEntry(leaf, e) {
			return true
		}
	}
	return false
}

func matchEntry(leaf search.LeafClause, e search.IndexEntry) bool {
	switch leaf.Type {
	case search.TypeString:
		return matchString(leaf, string(e.String))
	case search.TypeURI:
		return string(e.URI) == leaf.StringVal
	case search.TypeToken:
		if leaf.HasSystem && e.Token.System != leaf.TokenSystem {
			return false
		}
		if leaf.TokenCode != "" && e.Token.Code != leaf.TokenCode {
			return false
		}
		return true
	case search.TypeReference:
		if leaf.RefType != "" && e.Reference.ResourceType != leaf.RefType {
			return false
		}
		return e.Reference.ID == leaf.RefID
	case search.TypeDate:
		return matchDate(leaf, e.Date)
	case search.TypeNumber:
		return matchRange(leaf.Predicate, leaf.NumLow, leaf.NumHigh, float64(e.Number), float64(e.Number))
	case search.TypeQuantity:
		if leaf.HasSystem && e.Quantity.System != leaf.TokenSystem {
			return false
		}
		if leaf.TokenCode != "" && e.Quantity.Code != leaf.TokenCode {
			return false
		}
		return matchRange(leaf.Predicate, leaf.NumLow, leaf.NumHigh, e.Quantity.Low, e.Quantity.High)
	}
	return false
}

func matchString(leaf search.LeafClause, val string) bool {
	lv, lt := strings.ToLower(val), strings.ToLower(leaf.StringVal)
	switch leaf.Predicate {
	case search.PredEq:
		return lv == lt
	case search.PredContains:
		return strings.Contains(lv, lt)
	default: // prefix
		return strings.HasPrefix(lv, lt)
	}
}

func matchDate(leaf search.LeafClause, d search.DateEntry) bool {
	switch leaf.Predicate {
	case search.PredGt:
		return d.StartMS > leaf.DateHigh
	case search.PredLt:
		return d.EndMS < leaf.DateLow
	case search.PredGe:
		return d.StartMS >= leaf.DateLow
	case search.PredLe:
		return d.EndMS <= leaf.DateHigh
	case search.PredNe:
		return d.StartMS > leaf.DateHigh || d.EndMS < leaf.DateLow
	case search.PredRangeContains:
		return d.StartMS >= leaf.DateLow && d.EndMS <= leaf.DateHigh
	default: // range_overlaps
		return d.StartMS <= leaf.DateHigh && d.EndMS >= leaf.DateLow
	}
}

func matchRange(pred search.Predicate, qLow, qHigh, eLow, eHigh float64) bool {
	switch pred {
	case search.PredGt:
		return eLow > qHigh
	case search.PredLt:
		return eHigh < qLow
	case search.PredGe:
		return eLow >= qLow
	case search.PredLe:
		return eHigh <= qHigh
	case search.PredNe:
		return eHigh < qLow || eLow > qHigh
	default: // range_overlaps: indexing precision window intersects query's
		return eLow <= qHigh && eHigh >= qLow
	}
}

func applySort(records []Record, specs []search.SortSpec) {
	if len(specs) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, spec := range specs {
			cmp := compareBySpec(records[i].Index, records[j].Index, spec)
			if cmp != 0 {
				if spec.Descending {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		return false
	})
}

func compareBySpec(a, b *search.ResourceIndex, spec search.SortSpec) int {
	av, aok := sortValue(a, spec)
	bv, bok := sortValue(b, spec)
	if !aok && !bok {
		return 0
	}
	if !aok {
		return 1
	}
	if !bok {
		return -1
	}
	switch {
	case av < bv:
		return -1
	case av > bv:
		return 1
	default:
		return 0
	}
}

// sortValue extracts the sort key for spec.Param from idx's first entry: date
// params sort by .start ascending / .end descending (per spec.md §4.5),
// numbers by value, quantities by their low bound, and strings by
// stringSortKey. Token, reference and uri entries yield no key.
func sortValue(idx *search.ResourceIndex, spec search.SortSpec) (float64, bool) {
	entries := idx.Entries[spec.Param]
	if len(entries) == 0 {
		return 0, false
	}
	switch entries[0].Type {
	case search.TypeDate:
		if spec.Descending {
			return float64(entries[0].Date.EndMS), true
		}
		return float64(entries[0].Date.StartMS), true
	case search.TypeNumber:
		return float64(entries[0].Number), true
	case search.TypeQuantity:
		return entries[0].Quantity.Low, true
	case search.TypeString:
		return stringSortKey(string(entries[0].String)), true
	default:
		return 0, false
	}
}

// stringSortKey maps a string to a rough lexicographic float so strings can
// share the numeric comparison path above without a second code path.
func stringSortKey(s string) float64 {
	var key float64
	for i, r := range s {
		if i >= 8 {
			break
		}
		key = key*256 + float64(r&0xff)
	}
	return key
}

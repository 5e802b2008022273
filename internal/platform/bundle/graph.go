// Package bundle implements the transaction/batch Bundle processor of spec
// §4.9 (C10): build a reference dependency graph over a Bundle's entries,
// topologically sort it, dispatch each entry through the server in order,
// and rewrite internal references once their target's real id is known.
//
// Grounded on the teacher's internal/platform/fhir/transaction.go /
// bundle_handler.go entry-translation and sort-then-execute shape,
// generalized to discover references via FHIRPath
// ($this.descendants().ofType(Reference)) over the C1 object model instead
// of hand-rolled JSON walking, and to dispatch entries through this
// server's typed request.Request/pipeline.Router contract instead of a
// caller-supplied method/url/resource handler closure.
package bundle

import (
	"encoding/json"
	"net/url"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
)

// entry is one Bundle.entry, decoded into the fields the graph and
// dispatcher need. raw is the live decoded resource tree — reference
// rewriting mutates nested maps inside it directly, since a Go map is
// itself a reference type and so doubles as the "mutable handle" spec.md
// §4.9 step 1 describes capturing.
type entry struct {
	index       int
	fullURL     string
	method      string
	requestURL  string
	ifNoneExist string
	ifMatch     string
	raw         map[string]interface{} // nil for entries with no resource (GET, DELETE)
}

// referenceHandle is a captured Reference.reference field awaiting
// rewriting once its target entry's canonical id is known.
type referenceHandle struct {
	raw map[string]interface{} // the Reference object's own raw map
}

// parseEntries decodes a Bundle's entry list (as a raw nested JSON value,
// see decodeBundle) into entries in input order.
func parseEntries(bundleJSON map[string]interface{}) ([]*entry, error) {
	rawEntries, _ := bundleJSON["entry"].([]interface{})
	entries := make([]*entry, 0, len(rawEntries))
	for i, re := range rawEntries {
		em, ok := re.(map[string]interface{})
		if !ok {
			return nil, ferrors.Invalidf("InvalidBody", "Bundle.entry[%d] is not an object", i)
		}
		e := &entry{index: i}
		e.fullURL, _ = em["fullUrl"].(string)
		if reqMap, ok := em["request"].(map[string]interface{}); ok {
			e.method, _ = reqMap["method"].(string)
			e.requestURL, _ = reqMap["url"].(string)
			e.ifNoneExist, _ = reqMap["ifNoneExist"].(string)
			e.ifMatch, _ = reqMap["ifMatch"].(string)
		}
		if e.method == "" {
			return nil, ferrors.Invalidf("InvalidBody", "Bundle.entry[%d].request.method is required", i)
		}
		if e.requestURL == "" {
			return nil, ferrors.Invalidf("InvalidBody", "Bundle.entry[%d].request.url is required", i)
		}
		if res, ok := em["resource"].(map[string]interface{}); ok {
			e.raw = res
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// graph is the dependency structure built over a bundle's entries: edges
// run from a referenced entry to the entry that references it (spec.md
// §4.9 step 1: "add an edge (referenced → referrer)").
type graph struct {
	entries   []*entry
	inDegree  []int
	dependsOn [][]int // dependsOn[i] lists entries that must run before i
	rewrites  map[int][]referenceHandle
}

// buildGraph evaluates $this.descendants().ofType(Reference) over every
// entry's resource via engine, and wires an edge (plus a rewrite handle)
// whenever a Reference's value matches another entry's fullUrl.
func buildGraph(entries []*entry, engine *fhirpath.Engine, catalog *fhirmodel.Catalog) (*graph, error) {
	byFullURL := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.fullURL != "" {
			byFullURL[e.fullURL] = e.index
		}
	}

	g := &graph{
		entries:   entries,
		inDegree:  make([]int, len(entries)),
		dependsOn: make([][]int, len(entries)),
		rewrites:  make(map[int][]referenceHandle),
	}

	for _, e := range entries {
		if e.raw == nil {
			continue
		}
		resourceType, _ := e.raw["resourceType"].(string)
		if resourceType == "" {
			resourceType = "BackboneElement"
		}
		root := fhirmodel.NewObject(resourceType, e.raw, catalog)
		refs, err := engine.Evaluate(root, "$this.descendants().ofType(Reference)")
		if err != nil {
			return nil, ferrors.Invalidf("InvalidBody", "entry[%d]: evaluating reference expression: %v", e.index, err)
		}
		seenTarget := map[int]bool{}
		for _, refValue := range refs {
			field, ok := refValue.GetField("reference")
			if !ok {
				continue
			}
			items := field.Flatten()
			if len(items) == 0 {
				continue
			}
			refString, _ := fhirmodel.ScalarOf(items[0]).(string)
			if refString == "" || refString == e.fullURL {
				continue
			}
			targetIdx, ok := byFullURL[refString]
			if !ok {
				continue
			}
			refRaw, _ := refValue.AsAny().(map[string]interface{})
			if refRaw == nil {
				continue
			}
			g.rewrites[targetIdx] = append(g.rewrites[targetIdx], referenceHandle{raw: refRaw})
			if !seenTarget[targetIdx] {
				seenTarget[targetIdx] = true
				g.dependsOn[e.index] = append(g.dependsOn[e.index], targetIdx)
				g.inDegree[e.index]++
			}
		}
	}
	return g, nil
}

// topoSort returns entry indices in dependency order, stable among entries
// with no remaining unresolved dependency (spec.md §5: "the topo-sort
// tie-break is stable, input order among independent nodes"). A remaining
// cycle is reported as a CyclicDependency error (spec.md §4.9 step 2).
func topoSort(g *graph) ([]int, error) {
	inDegree := make([]int, len(g.inDegree))
	copy(inDegree, g.inDegree)

	order := make([]int, 0, len(g.entries))
	remaining := len(g.entries)
	for remaining > 0 {
		progressed := false
		for i := 0; i < len(g.entries); i++ {
			if inDegree[i] != 0 {
				continue
			}
			if isDone(order, i) {
				continue
			}
			order = append(order, i)
			remaining--
			progressed = true
			for _, dependent := range g.dependsOnReverse(i) {
				inDegree[dependent]--
			}
		}
		if !progressed {
			return nil, ferrors.New(ferrors.KindInvalid, "CyclicDependency", "bundle entries form a circular reference and cannot be ordered")
		}
	}
	return order, nil
}

func isDone(order []int, i int) bool {
	for _, o := range order {
		if o == i {
			return true
		}
	}
	return false
}

// dependsOnReverse returns the entries that depend on i — i.e. the entries
// whose dependsOn list names i — computed on demand since graph only
// stores the forward (dependent -> dependency) direction.
func (g *graph) dependsOnReverse(i int) []int {
	var out []int
	for dependent, deps := range g.dependsOn {
		for _, d := range deps {
			if d == i {
				out = append(out, dependent)
			}
		}
	}
	return out
}

// applyRewrites sets every captured Reference handle waiting on
// targetEntry to canonicalRef, once targetEntry's dispatch has produced a
// real resource id.
func (g *graph) applyRewrites(targetEntry int, canonicalRef string) {
	for _, h := range g.rewrites[targetEntry] {
		h.raw["reference"] = canonicalRef
	}
}

// splitRequestURL separates a Bundle entry's relative request.url into the
// path request.Parse expects and its decoded query parameters.
func splitRequestURL(raw string) (path string, query map[string][]string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, ferrors.Invalidf("InvalidBody", "invalid entry request.url %q: %v", raw, err)
	}
	return u.Path, u.Query(), nil
}

func marshalEntryResource(raw map[string]interface{}) ([]byte, error) {
	if raw == nil {
		return nil, nil
	}
	return json.Marshal(raw)
}

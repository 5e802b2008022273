// Package esadapter translates a compiled search query tree into an
// Elasticsearch-compatible query body. It is a reference adapter only: no
// live Elasticsearch client is introduced (the concrete full-text backend is
// explicitly out of scope), and the package has no unit tests of its own.
package esadapter

import (
	"fmt"

	"github.com/fhirforge/fhirforge/internal/platform/search"
)

// Body builds the top-level Elasticsearch query body for cq: a bool query
// whose "filter" clauses are the AND children, plus "size" from the
// compiled _count and "sort" from the compiled _sort. No "from" offset is
// set.
func Body(cq *search.CompiledQuery) map[string]interface{} {
	body := map[string]interface{}{
		"query": translate(cq.Query),
		"size":  cq.Result.Count,
	}
	if sort := translateSort(cq.Result.Sort); len(sort) > 0 {
		body["sort"] = sort
	}
	return body
}

func translate(n search.Node) map[string]interface{} {
	switch node := n.(type) {
	case search.AndNode:
		clauses := make([]map[string]interface{}, 0, len(node.Children))
		for _, c := range node.Children {
			clauses = append(clauses, translate(c))
		}
		return map[string]interface{}{"bool": map[string]interface{}{"filter": clauses}}
	case search.OrNode:
		clauses := make([]map[string]interface{}, 0, len(node.Children))
		for _, c := range node.Children {
			clauses = append(clauses, translate(c))
		}
		return map[string]interface{}{"bool": map[string]interface{}{"should": clauses, "minimum_should_match": 1}}
	case search.LeafClause:
		leaf := translateLeaf(node)
		if node.Not {
			return map[string]interface{}{"bool": map[string]interface{}{"must_not": []map[string]interface{}{leaf}}}
		}
		return leaf
	}
	return map[string]interface{}{"match_all": map[string]interface{}{}}
}

func translateLeaf(leaf search.LeafClause) map[string]interface{} {
	field := fieldName(leaf)
	switch leaf.Type {
	case search.TypeString:
		switch leaf.Predicate {
		case search.PredEq:
			return map[string]interface{}{"term": map[string]interface{}{field + ".keyword": leaf.StringVal}}
		case search.PredContains:
			return map[string]interface{}{"wildcard": map[string]interface{}{field: "*" + leaf.StringVal + "*"}}
		default:
			return map[string]interface{}{"prefix": map[string]interface{}{field: leaf.StringVal}}
		}
	case search.TypeURI:
		return map[string]interface{}{"term": map[string]interface{}{field + ".keyword": leaf.StringVal}}
	case search.TypeToken:
		if leaf.HasSystem {
			return map[string]interface{}{"bool": map[string]interface{}{"filter": []map[string]interface{}{
				{"term": map[string]interface{}{field + ".system": leaf.TokenSystem}},
				{"term": map[string]interface{}{field + ".code": leaf.TokenCode}},
			}}}
		}
		return map[string]interface{}{"term": map[string]interface{}{field + ".code": leaf.TokenCode}}
	case search.TypeReference:
		filters := []map[string]interface{}{{"term": map[string]interface{}{field + ".id": leaf.RefID}}}
		if leaf.RefType != "" {
			filters = append(filters, map[string]interface{}{"term": map[string]interface{}{field + ".resource_type": leaf.RefType}})
		}
		return map[string]interface{}{"bool": map[string]interface{}{"filter": filters}}
	case search.TypeDate:
		return map[string]interface{}{"range": map[string]interface{}{field: dateRangeParams(leaf)}}
	case search.TypeNumber, search.TypeQuantity:
		return map[string]interface{}{"range": map[string]interface{}{field: numericRangeParams(leaf)}}
	}
	return map[string]interface{}{"match_all": map[string]interface{}{}}
}

func fieldName(leaf search.LeafClause) string {
	return fmt.Sprintf("search.%s", leaf.Param)
}

func dateRangeParams(leaf search.LeafClause) map[string]interface{} {
	switch leaf.Predicate {
	case search.PredGt:
		return map[string]interface{}{"gt": leaf.DateHigh}
	case search.PredLt:
		return map[string]interface{}{"lt": leaf.DateLow}
	case search.PredGe:
		return map[string]interface{}{"gte": leaf.DateLow}
	case search.PredLe:
		return map[string]interface{}{"lte": leaf.DateHigh}
	case search.PredRangeContains:
		return map[string]interface{}{"gte": leaf.DateLow, "lte": leaf.DateHigh}
	default:
		return map[string]interface{}{"gte": leaf.DateLow, "lte": leaf.DateHigh}
	}
}

func numericRangeParams(leaf search.LeafClause) map[string]interface{} {
	switch leaf.Predicate {
	case search.PredGt:
		return map[string]interface{}{"gt": leaf.NumHigh}
	case search.PredLt:
		return map[string]interface{}{"lt": leaf.NumLow}
	case search.PredGe:
		return map[string]interface{}{"gte": leaf.NumLow}
	case search.PredLe:
		return map[string]interface{}{"lte": leaf.NumHigh}
	default:
		return map[string]interface{}{"gte": leaf.NumLow, "lte": leaf.NumHigh}
	}
}

func translateSort(specs []search.SortSpec) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(specs))
	for _, s := range specs {
		order := "asc"
		if s.Descending {
			order = "desc"
		}
		field := fmt.Sprintf("search.%s", s.Param)
		out = append(out, map[string]interface{}{field: map[string]interface{}{"order": order}})
	}
	return out
}

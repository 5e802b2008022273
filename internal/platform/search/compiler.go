package search

import (
	"strconv"
	"strings"
	"time"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

// SearchPrefix is a FHIR search prefix for ordered values, carried over from
// the teacher's internal/platform/fhir/search.go (its SQL-clause generators
// are replaced here by neutral-query-tree construction, but the prefix
// vocabulary and parsing are identical).
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
	PrefixSa SearchPrefix = "sa"
	PrefixEb SearchPrefix = "eb"
	PrefixAp SearchPrefix = "ap"
)

// SearchModifier is a FHIR search parameter modifier (":exact", ":not", ...).
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierContains SearchModifier = "contains"
	ModifierText     SearchModifier = "text"
	ModifierNot      SearchModifier = "not"
	ModifierMissing  SearchModifier = "missing"
)

const DefaultMaxCount = 50

// ParsedValue holds one search value split into its prefix and remainder.
type ParsedValue struct {
	Prefix SearchPrefix
	Value  string
}

// ParseSearchValue extracts the ordered-comparison prefix from a raw search
// value, e.g. "gt2023-01-01" -> (gt, "2023-01-01"); "100" -> (eq, "100").
func ParseSearchValue(raw string) ParsedValue {
	if len(raw) >= 2 {
		prefix := SearchPrefix(strings.ToLower(raw[:2]))
		switch prefix {
		case PrefixEq, PrefixNe, PrefixGt, PrefixLt, PrefixGe, PrefixLe, PrefixSa, PrefixEb, PrefixAp:
			return ParsedValue{Prefix: prefix, Value: raw[2:]}
		}
	}
	return ParsedValue{Prefix: PrefixEq, Value: raw}
}

// ParseParamModifier splits "name:modifier" into ("name", "modifier").
func ParseParamModifier(paramName string) (string, SearchModifier) {
	parts := strings.SplitN(paramName, ":", 2)
	if len(parts) == 2 {
		return parts[0], SearchModifier(parts[1])
	}
	return parts[0], ""
}

// resultParamNames are the reserved query keys handled as result parameters
// rather than resource search parameters.
var resultParamNames = map[string]bool{
	"_count": true, "_total": true, "_sort": true,
	"_include": true, "_revinclude": true,
}

// Compile lowers raw URL query values (as decoded by the HTTP layer, one
// entry per repeated key) into a CompiledQuery for resourceType, per
// spec.md §4.5. maxCount caps _count per the configured MAX_COUNT.
func Compile(catalog *Catalog, resourceType string, query map[string][]string, maxCount int) (*CompiledQuery, error) {
	if maxCount <= 0 {
		maxCount = DefaultMaxCount
	}
	cq := &CompiledQuery{
		ResourceType: resourceType,
		Result:       ResultParams{Count: maxCount},
	}

	var clauses []Node
	for rawName, values := range query {
		if resultParamNames[rawName] {
			if err := compileResultParam(cq, rawName, values, maxCount); err != nil {
				return nil, err
			}
			continue
		}
		name, modifier := ParseParamModifier(rawName)
		param, ok := catalog.Lookup(resourceType, name)
		if !ok {
			return nil, ferrors.Invalidf("MissingParameter", "unknown search parameter %q for resource type %q", name, resourceType)
		}
		clause, err := compileResourceParam(param, modifier, values)
		if err != nil {
			return nil, err
		}
		if clause != nil {
			clauses = append(clauses, clause)
		}
	}

	if resourceType != "" {
		clauses = append(clauses, LeafClause{Param: "resource_type", Type: TypeToken, Predicate: PredEq, TokenCode: resourceType})
	}
	cq.Query = AndNode{Children: clauses}
	return cq, nil
}

func compileResultParam(cq *CompiledQuery, name string, values []string, maxCount int) error {
	if len(values) == 0 {
		return nil
	}
	switch name {
	case "_count":
		n, err := strconv.Atoi(values[0])
		if err != nil || n < 0 {
			return ferrors.Invalidf("InvalidParameterValue", "_count must be a non-negative integer, got %q", values[0])
		}
		if n > maxCount {
			n = maxCount
		}
		cq.Result.Count = n
	case "_total":
		cq.Result.TotalMode = values[0]
	case "_sort":
		for _, part := range strings.Split(values[0], ",") {
			spec := SortSpec{Param: part}
			if strings.HasPrefix(part, "-") {
				spec.Descending = true
				spec.Param = strings.TrimPrefix(part, "-")
			}
			cq.Result.Sort = append(cq.Result.Sort, spec)
		}
	case "_include":
		cq.Result.Include = append(cq.Result.Include, values...)
	case "_revinclude":
		cq.Result.RevInclude = append(cq.Result.RevInclude, values...)
	}
	return nil
}

func compileResourceParam(param *Parameter, modifier SearchModifier, values []string) (Node, error) {
	if param.Type == TypeComposite || param.Type == TypeSpecial {
		return nil, nil // feature-gated: accepted, compiled to nothing
	}

	var ors []Node
	for _, raw := range values {
		clause, err := compileOneValue(param, modifier, raw)
		if err != nil {
			return nil, err
		}
		ors = append(ors, clause)
	}
	if len(ors) == 1 {
		return ors[0], nil
	}
	return OrNode{Children: ors}, nil
}

func compileOneValue(param *Parameter, modifier SearchModifier, raw string) (Node, error) {
	switch param.Type {
	case TypeString:
		return compileString(param.Name, modifier, raw), nil
	case TypeURI:
		return LeafClause{Param: param.Name, Type: TypeURI, Predicate: PredEq, StringVal: raw}, nil
	case TypeToken:
		return compileToken(param.Name, modifier, raw)
	case TypeReference:
		return compileReference(param.Name, raw), nil
	case TypeDate:
		return compileDate(param.Name, raw)
	case TypeQuantity:
		return compileQuantity(param.Name, raw)
	case TypeNumber:
		return compileNumber(param.Name, raw)
	}
	return AndNode{}, nil
}

func compileString(name string, modifier SearchModifier, raw string) Node {
	switch modifier {
	case ModifierExact:
		return LeafClause{Param: name, Type: TypeString, Predicate: PredEq, StringVal: raw}
	case ModifierContains:
		return LeafClause{Param: name, Type: TypeString, Predicate: PredContains, StringVal: raw}
	default:
		return LeafClause{Param: name, Type: TypeString, Predicate: PredPrefix, StringVal: raw}
	}
}

func compileToken(name string, modifier SearchModifier, raw string) (Node, error) {
	clause := LeafClause{Param: name, Type: TypeToken, Predicate: PredEq, Not: modifier == ModifierNot}
	if strings.Count(raw, "|") > 1 {
		return nil, ferrors.Invalidf("InvalidParameterValue", "token parameter %q has more than two pieces: %q", name, raw)
	}
	if strings.Contains(raw, "|") {
		parts := strings.SplitN(raw, "|", 2)
		if len(parts) != 2 {
			return nil, ferrors.Invalidf("InvalidParameterValue", "token parameter %q has more than two pipe-separated pieces: %q", name, raw)
		}
		clause.TokenSystem, clause.TokenCode = parts[0], parts[1]
		clause.HasSystem = true
		return clause, nil
	}
	clause.TokenCode = raw
	return clause, nil
}

func compileReference(name, raw string) Node {
	clause := LeafClause{Param: name, Type: TypeReference, Predicate: PredEq}
	if idx := strings.LastIndex(raw, "/"); idx >= 0 {
		clause.RefType, clause.RefID = raw[:idx], raw[idx+1:]
		return clause
	}
	clause.RefID = raw
	return clause
}

func compileDate(name, raw string) (Node, error) {
	parsed := ParseSearchValue(raw)
	rng, ok := fhirpathDateRange(parsed.Value)
	if !ok {
		return nil, ferrors.Invalidf("InvalidParameterValue", "date parameter %q has unparseable value %q", name, raw)
	}
	clause := LeafClause{Param: name, Type: TypeDate, DateLow: rng[0], DateHigh: rng[1]}
	switch parsed.Prefix {
	case PrefixGt, PrefixSa:
		clause.Predicate = PredGt
	case PrefixLt, PrefixEb:
		clause.Predicate = PredLt
	case PrefixGe:
		clause.Predicate = PredGe
	case PrefixLe:
		clause.Predicate = PredLe
	case PrefixNe:
		clause.Predicate = PredNe
	case PrefixAp:
		oneDayMS := int64(24 * time.Hour / time.Millisecond)
		clause.DateLow -= oneDayMS
		clause.DateHigh += oneDayMS
		clause.Predicate = PredRangeOverlaps
	default:
		// Containment semantics per spec.md §9's flagged open question:
		// indexed.start >= value.start AND indexed.end <= value.end.
		clause.Predicate = PredRangeContains
	}
	return clause, nil
}

func compileQuantity(name, raw string) (Node, error) {
	pieces := strings.SplitN(raw, "|", 3)
	valuePart := pieces[0]
	parsed := ParseSearchValue(valuePart)
	val, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return nil, ferrors.Invalidf("InvalidParameterValue", "quantity parameter %q has unparseable value %q", name, raw)
	}
	lo, hi := quantityPrecisionRange(parsed.Value, val)
	clause := LeafClause{Param: name, Type: TypeQuantity, NumLow: lo, NumHigh: hi, Predicate: prefixToPredicate(parsed.Prefix)}
	if len(pieces) >= 2 && pieces[1] != "" {
		clause.TokenSystem, clause.HasSystem = pieces[1], true
	}
	if len(pieces) >= 3 && pieces[2] != "" {
		clause.TokenCode = pieces[2]
	}
	return clause, nil
}

func compileNumber(name, raw string) (Node, error) {
	parsed := ParseSearchValue(raw)
	val, err := strconv.ParseFloat(parsed.Value, 64)
	if err != nil {
		return nil, ferrors.Invalidf("InvalidParameterValue", "number parameter %q has unparseable value %q", name, raw)
	}
	lo, hi := quantityPrecisionRange(parsed.Value, val)
	return LeafClause{Param: name, Type: TypeNumber, NumLow: lo, NumHigh: hi, Predicate: prefixToPredicate(parsed.Prefix)}, nil
}

func prefixToPredicate(p SearchPrefix) Predicate {
	switch p {
	case PrefixGt, PrefixSa:
		return PredGt
	case PrefixLt, PrefixEb:
		return PredLt
	case PrefixGe:
		return PredGe
	case PrefixLe:
		return PredLe
	case PrefixNe:
		return PredNe
	default:
		return PredRangeOverlaps
	}
}

package fhirpath

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

func (ctx *evalContext) evalFunction(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	name, _ := node.value.(string)

	if isStandaloneFunction(name) {
		return ctx.evalStandaloneFunction(name, node.children, input)
	}
	if len(node.children) == 0 {
		return nil, fmt.Errorf("fhirpath: function %q called with no receiver", name)
	}

	receiver := node.children[0]
	args := node.children[1:]

	coll, err := ctx.eval(receiver, input)
	if err != nil {
		return nil, err
	}

	switch name {
	case "where":
		return ctx.fnWhere(coll, args)
	case "select":
		return ctx.fnSelect(coll, args)
	case "exists":
		return ctx.fnExists(coll, args)
	case "all":
		return ctx.fnAll(coll, args)
	case "count":
		return []fhirmodel.Value{intValue(len(coll))}, nil
	case "first":
		if len(coll) == 0 {
			return []fhirmodel.Value{}, nil
		}
		return coll[:1], nil
	case "last":
		if len(coll) == 0 {
			return []fhirmodel.Value{}, nil
		}
		return coll[len(coll)-1:], nil
	case "tail":
		if len(coll) <= 1 {
			return []fhirmodel.Value{}, nil
		}
		return coll[1:], nil
	case "skip":
		n, err := ctx.singleIntArg(args, input)
		if err != nil {
			return nil, err
		}
		if n >= len(coll) {
			return []fhirmodel.Value{}, nil
		}
		if n < 0 {
			n = 0
		}
		return coll[n:], nil
	case "take":
		n, err := ctx.singleIntArg(args, input)
		if err != nil {
			return nil, err
		}
		if n <= 0 {
			return []fhirmodel.Value{}, nil
		}
		if n > len(coll) {
			n = len(coll)
		}
		return coll[:n], nil
	case "single":
		if len(coll) != 1 {
			return nil, fmt.Errorf("fhirpath: single() called on collection of size %d", len(coll))
		}
		return coll, nil
	case "empty":
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", len(coll) == 0)}, nil
	case "not":
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", !collectionToBool(coll))}, nil
	case "distinct":
		return fnDistinct(coll), nil
	case "hasValue":
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", len(coll) == 1 && fhirmodel.ScalarOf(coll[0]) != nil)}, nil
	case "ofType":
		return fnOfType(coll, args), nil
	case "is":
		return ctx.fnIs(coll, args)
	case "as":
		return fnOfType(coll, args), nil
	case "children":
		return fnChildren(coll), nil
	case "descendants":
		return fnDescendants(coll), nil
	case "resolve":
		return ctx.fnResolve(coll)
	case "type":
		return fnType(coll), nil
	case "toInteger":
		return fnToInteger(coll), nil
	case "toDecimal":
		return fnToDecimal(coll), nil
	case "toString":
		return fnToString(coll), nil
	case "startsWith":
		return ctx.fnStringPredicate(coll, args, input, strings.HasPrefix)
	case "endsWith":
		return ctx.fnStringPredicate(coll, args, input, strings.HasSuffix)
	case "contains":
		return ctx.fnStringPredicate(coll, args, input, strings.Contains)
	case "matches":
		return ctx.fnMatches(coll, args, input)
	case "length":
		return fnLength(coll), nil
	case "upper":
		return fnStringTransform(coll, strings.ToUpper), nil
	case "lower":
		return fnStringTransform(coll, strings.ToLower), nil
	case "trim":
		return fnStringTransform(coll, strings.TrimSpace), nil
	case "replace":
		return ctx.fnReplace(coll, args, input)
	case "substring":
		return ctx.fnSubstring(coll, args, input)
	case "split":
		return ctx.fnSplit(coll, args, input)
	case "join":
		return ctx.fnJoin(coll, args, input)
	case "abs":
		return fnMathUnary(coll, func(d float64) float64 { return math.Abs(d) }), nil
	case "ceiling":
		return fnMathUnary(coll, math.Ceil), nil
	case "floor":
		return fnMathUnary(coll, math.Floor), nil
	case "round":
		return fnMathUnary(coll, math.Round), nil
	case "sqrt":
		return fnMathUnary(coll, math.Sqrt), nil
	case "truncate":
		return fnMathUnary(coll, math.Trunc), nil
	case "toDate":
		return fnToDate(coll, "date"), nil
	case "toDateTime":
		return fnToDate(coll, "dateTime"), nil
	}
	return nil, fmt.Errorf("fhirpath: unknown function %q", name)
}

func isStandaloneFunction(name string) bool {
	switch name {
	case "now", "today", "iif":
		return true
	}
	return false
}

func (ctx *evalContext) evalStandaloneFunction(name string, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	switch name {
	case "now":
		return []fhirmodel.Value{fhirmodel.NewPrimitive("dateTime", time.Now().UTC().Format(time.RFC3339))}, nil
	case "today":
		return []fhirmodel.Value{fhirmodel.NewPrimitive("date", time.Now().UTC().Format("2006-01-02"))}, nil
	case "iif":
		return ctx.fnIif(args, input)
	}
	return nil, fmt.Errorf("fhirpath: unknown function %q", name)
}

func intValue(n int) fhirmodel.Value {
	return fhirmodel.NewPrimitive("integer", json.Number(fmt.Sprintf("%d", n)))
}

func (ctx *evalContext) singleIntArg(args []*astNode, input []fhirmodel.Value) (int, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("fhirpath: expected one numeric argument")
	}
	coll, err := ctx.eval(args[0], input)
	if err != nil {
		return 0, err
	}
	if len(coll) == 0 {
		return 0, fmt.Errorf("fhirpath: argument evaluated to empty collection")
	}
	n, ok := intOf(coll[0])
	if !ok {
		return 0, fmt.Errorf("fhirpath: argument is not an integer")
	}
	return n, nil
}

// ============================================================================
// Lambda functions (where/select/exists/all) evaluate their argument once
// per item, with $this bound to that single item via the arena.
// ============================================================================

func (ctx *evalContext) fnWhere(coll []fhirmodel.Value, args []*astNode) ([]fhirmodel.Value, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []fhirmodel.Value
	for _, item := range coll {
		itemColl := ctx.arena.singleton(item)
		val, err := ctx.eval(args[0], itemColl)
		ctx.arena.release(itemColl)
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			result = append(result, item)
		}
	}
	return result, nil
}

func (ctx *evalContext) fnSelect(coll []fhirmodel.Value, args []*astNode) ([]fhirmodel.Value, error) {
	if len(args) == 0 {
		return coll, nil
	}
	var result []fhirmodel.Value
	for _, item := range coll {
		itemColl := ctx.arena.singleton(item)
		val, err := ctx.eval(args[0], itemColl)
		ctx.arena.release(itemColl)
		if err != nil {
			return nil, err
		}
		result = append(result, val...)
	}
	return result, nil
}

func (ctx *evalContext) fnExists(coll []fhirmodel.Value, args []*astNode) ([]fhirmodel.Value, error) {
	if len(args) == 0 {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", len(coll) > 0)}, nil
	}
	for _, item := range coll {
		itemColl := ctx.arena.singleton(item)
		val, err := ctx.eval(args[0], itemColl)
		ctx.arena.release(itemColl)
		if err != nil {
			return nil, err
		}
		if collectionToBool(val) {
			return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", true)}, nil
		}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", false)}, nil
}

func (ctx *evalContext) fnAll(coll []fhirmodel.Value, args []*astNode) ([]fhirmodel.Value, error) {
	if len(args) == 0 {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", true)}, nil
	}
	for _, item := range coll {
		itemColl := ctx.arena.singleton(item)
		val, err := ctx.eval(args[0], itemColl)
		ctx.arena.release(itemColl)
		if err != nil {
			return nil, err
		}
		if !collectionToBool(val) {
			return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", false)}, nil
		}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", true)}, nil
}

func (ctx *evalContext) fnIif(args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if len(args) < 2 {
		return []fhirmodel.Value{}, nil
	}
	cond, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(cond) {
		return ctx.eval(args[1], input)
	}
	if len(args) >= 3 {
		return ctx.eval(args[2], input)
	}
	return []fhirmodel.Value{}, nil
}

func (ctx *evalContext) fnIs(coll []fhirmodel.Value, args []*astNode) ([]fhirmodel.Value, error) {
	typeName := typeArgName(args)
	if len(coll) != 1 || typeName == "" {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", false)}, nil
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", matchesType(coll[0], typeName))}, nil
}

func typeArgName(args []*astNode) string {
	if len(args) == 0 {
		return ""
	}
	if args[0].kind == ndPath {
		return args[0].value.(string)
	}
	return ""
}

func matchesType(v fhirmodel.Value, typeName string) bool {
	return strings.EqualFold(v.TypeName(), typeName)
}

func fnOfType(coll []fhirmodel.Value, args []*astNode) []fhirmodel.Value {
	typeName := typeArgName(args)
	if typeName == "" {
		return coll
	}
	var result []fhirmodel.Value
	for _, item := range coll {
		if matchesType(item, typeName) {
			result = append(result, item)
		}
	}
	return result
}

func fnDistinct(coll []fhirmodel.Value) []fhirmodel.Value {
	seen := map[string]bool{}
	var result []fhirmodel.Value
	for _, v := range coll {
		key := identityKey(v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result
}

// fnChildren returns the immediate child values of every item in coll,
// across all of that item's declared and structurally-inferred fields.
// Primitives terminate the tree: their "value" pseudo-field just re-wraps
// their own scalar, which would make descendants() loop forever, so only
// their extensions (if any) count as children.
func fnChildren(coll []fhirmodel.Value) []fhirmodel.Value {
	var result []fhirmodel.Value
	for _, item := range coll {
		if fhirmodel.IsPrimitive(item) {
			if f, ok := item.GetField("extension"); ok {
				result = append(result, f.Flatten()...)
			}
			continue
		}
		for _, name := range item.Fields() {
			f, ok := item.GetField(name)
			if !ok {
				continue
			}
			result = append(result, f.Flatten()...)
		}
	}
	return result
}

// fnDescendants returns the transitive closure of children() over coll,
// excluding coll's own items — the backbone of reference discovery for
// transaction bundle processing ($this.descendants().ofType(Reference)).
func fnDescendants(coll []fhirmodel.Value) []fhirmodel.Value {
	var result []fhirmodel.Value
	frontier := fnChildren(coll)
	for len(frontier) > 0 {
		result = append(result, frontier...)
		frontier = fnChildren(frontier)
	}
	return result
}

func (ctx *evalContext) fnResolve(coll []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if ctx.resolver == nil {
		return []fhirmodel.Value{}, nil
	}
	var result []fhirmodel.Value
	for _, item := range coll {
		refField, ok := item.GetField("reference")
		if !ok {
			continue
		}
		elems := refField.Flatten()
		if len(elems) == 0 {
			continue
		}
		ref, ok := stringScalarOf(elems[0])
		if !ok {
			continue
		}
		target, found, err := ctx.resolver(ref)
		if err != nil {
			return nil, err
		}
		if found {
			result = append(result, target)
		}
	}
	return result, nil
}

func fnType(coll []fhirmodel.Value) []fhirmodel.Value {
	var result []fhirmodel.Value
	for _, item := range coll {
		result = append(result, fhirmodel.NewPrimitive("string", item.TypeName()))
	}
	return result
}

func fnToInteger(coll []fhirmodel.Value) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	n, ok := intOf(coll[0])
	if !ok {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{intValue(n)}
}

func fnToDecimal(coll []fhirmodel.Value) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	d, ok := decimalOf(coll[0])
	if !ok {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("decimal", json.Number(d.String()))}
}

func fnToString(coll []fhirmodel.Value) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("string", stringOf(coll[0]))}
}

// ============================================================================
// String functions
// ============================================================================

func (ctx *evalContext) fnStringPredicate(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value, fn func(string, string) bool) ([]fhirmodel.Value, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []fhirmodel.Value{}, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []fhirmodel.Value{}, nil
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", fn(stringOf(coll[0]), stringOf(argColl[0])))}, nil
}

func (ctx *evalContext) fnMatches(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []fhirmodel.Value{}, nil
	}
	argColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(argColl) == 0 {
		return []fhirmodel.Value{}, nil
	}
	re, err := regexp.Compile(stringOf(argColl[0]))
	if err != nil {
		return nil, fmt.Errorf("fhirpath: invalid regex: %w", err)
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", re.MatchString(stringOf(coll[0])))}, nil
}

func fnLength(coll []fhirmodel.Value) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{intValue(len([]rune(stringOf(coll[0]))))}
}

func fnStringTransform(coll []fhirmodel.Value, fn func(string) string) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("string", fn(stringOf(coll[0])))}
}

func (ctx *evalContext) fnReplace(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if len(coll) == 0 || len(args) < 2 {
		return []fhirmodel.Value{}, nil
	}
	patternColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	replacementColl, err := ctx.eval(args[1], input)
	if err != nil {
		return nil, err
	}
	if len(patternColl) == 0 || len(replacementColl) == 0 {
		return coll, nil
	}
	result := strings.ReplaceAll(stringOf(coll[0]), stringOf(patternColl[0]), stringOf(replacementColl[0]))
	return []fhirmodel.Value{fhirmodel.NewPrimitive("string", result)}, nil
}

func (ctx *evalContext) fnSubstring(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []fhirmodel.Value{}, nil
	}
	startColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(startColl) == 0 {
		return []fhirmodel.Value{}, nil
	}
	s := []rune(stringOf(coll[0]))
	start, ok := intOf(startColl[0])
	if !ok || start < 0 {
		return []fhirmodel.Value{}, nil
	}
	if start >= len(s) {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("string", "")}, nil
	}
	end := len(s)
	if len(args) >= 2 {
		lenColl, err := ctx.eval(args[1], input)
		if err != nil {
			return nil, err
		}
		if len(lenColl) > 0 {
			if n, ok := intOf(lenColl[0]); ok {
				if start+n < end {
					end = start + n
				}
			}
		}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("string", string(s[start:end]))}, nil
}

func (ctx *evalContext) fnSplit(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if len(coll) == 0 || len(args) == 0 {
		return []fhirmodel.Value{}, nil
	}
	sepColl, err := ctx.eval(args[0], input)
	if err != nil {
		return nil, err
	}
	if len(sepColl) == 0 {
		return []fhirmodel.Value{}, nil
	}
	parts := strings.Split(stringOf(coll[0]), stringOf(sepColl[0]))
	result := make([]fhirmodel.Value, 0, len(parts))
	for _, p := range parts {
		result = append(result, fhirmodel.NewPrimitive("string", p))
	}
	return result, nil
}

func (ctx *evalContext) fnJoin(coll []fhirmodel.Value, args []*astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	sep := ""
	if len(args) > 0 {
		sepColl, err := ctx.eval(args[0], input)
		if err != nil {
			return nil, err
		}
		if len(sepColl) > 0 {
			sep = stringOf(sepColl[0])
		}
	}
	parts := make([]string, 0, len(coll))
	for _, v := range coll {
		parts = append(parts, stringOf(v))
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("string", strings.Join(parts, sep))}, nil
}

// ============================================================================
// Math functions
// ============================================================================

func fnMathUnary(coll []fhirmodel.Value, fn func(float64) float64) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	d, ok := decimalOf(coll[0])
	if !ok {
		return []fhirmodel.Value{}
	}
	f, _ := d.Float64()
	result := fn(f)
	if result == math.Trunc(result) {
		return []fhirmodel.Value{intValue(int(result))}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("decimal", json.Number(fmt.Sprintf("%g", result)))}
}

// ============================================================================
// Date/time functions
// ============================================================================

func fnToDate(coll []fhirmodel.Value, typ string) []fhirmodel.Value {
	if len(coll) == 0 {
		return []fhirmodel.Value{}
	}
	s, ok := stringScalarOf(coll[0])
	if !ok {
		return []fhirmodel.Value{}
	}
	if _, err := parseDateTimeLiteral(s); err != nil {
		return []fhirmodel.Value{}
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive(typ, s)}
}

package fhirpath

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// eval evaluates an AST node against an input collection and returns a
// result collection.
func (ctx *evalContext) eval(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	if node == nil {
		return input, nil
	}
	switch node.kind {
	case ndLiteral:
		return []fhirmodel.Value{ctx.literalValue(node.value)}, nil

	case ndPath:
		return ctx.evalPath(node, input)

	case ndDot:
		left, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		return ctx.eval(node.children[1], left)

	case ndIndex:
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		idxColl, err := ctx.eval(node.children[1], input)
		if err != nil {
			return nil, err
		}
		if len(idxColl) == 0 {
			return []fhirmodel.Value{}, nil
		}
		idx, ok := intOf(idxColl[0])
		if !ok || idx < 0 || int(idx) >= len(coll) {
			return []fhirmodel.Value{}, nil
		}
		return []fhirmodel.Value{coll[idx]}, nil

	case ndFunction:
		return ctx.evalFunction(node, input)

	case ndCompare:
		return ctx.evalCompare(node, input)

	case ndArith:
		return ctx.evalArith(node, input)

	case ndAnd:
		return ctx.evalAnd(node, input)

	case ndOr:
		return ctx.evalOr(node, input)

	case ndXor:
		return ctx.evalXor(node, input)

	case ndImplies:
		return ctx.evalImplies(node, input)

	case ndUnion:
		return ctx.evalUnion(node, input)

	default:
		return nil, fmt.Errorf("fhirpath: unknown node kind %d", node.kind)
	}
}

func (ctx *evalContext) literalValue(v interface{}) fhirmodel.Value {
	switch lit := v.(type) {
	case string:
		return fhirmodel.NewPrimitive("string", lit)
	case bool:
		return fhirmodel.NewPrimitive("boolean", lit)
	case numberLiteral:
		typ := "decimal"
		if isIntegerLiteralText(string(lit)) {
			typ = "integer"
		}
		return fhirmodel.NewPrimitive(typ, json.Number(lit))
	case dateTimeLiteral:
		return fhirmodel.NewPrimitive("dateTime", string(lit))
	default:
		return fhirmodel.NullValue
	}
}

// evalPath resolves an identifier against the input collection: a field
// name navigates into each item, an uppercase type name filters the
// collection to items of that type, $this returns the context unchanged,
// and %name resolves an external constant.
func (ctx *evalContext) evalPath(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	name, _ := node.value.(string)

	switch {
	case name == "$this":
		return input, nil
	case strings.HasPrefix(name, "%"):
		return ctx.evalConstant(name[1:])
	case isTypeName(name):
		var result []fhirmodel.Value
		for _, item := range input {
			if item.TypeName() == name {
				result = append(result, item)
			}
		}
		return result, nil
	}

	var result []fhirmodel.Value
	for _, item := range input {
		result = append(result, navigateField(item, name)...)
	}
	return result, nil
}

func (ctx *evalContext) evalConstant(name string) ([]fhirmodel.Value, error) {
	if name == "resource" || name == "context" {
		return []fhirmodel.Value{ctx.root}, nil
	}
	val, ok := ctx.constants[name]
	if !ok {
		return []fhirmodel.Value{}, nil
	}
	return []fhirmodel.Value{scalarToValue(val)}, nil
}

func scalarToValue(v interface{}) fhirmodel.Value {
	switch t := v.(type) {
	case fhirmodel.Value:
		return t
	case string:
		return fhirmodel.NewPrimitive("string", t)
	case bool:
		return fhirmodel.NewPrimitive("boolean", t)
	case json.Number:
		return fhirmodel.NewPrimitive("decimal", t)
	case int, int64, float64:
		return fhirmodel.NewPrimitive("decimal", json.Number(fmt.Sprintf("%v", t)))
	default:
		return fhirmodel.NewPrimitive("string", fmt.Sprintf("%v", t))
	}
}

func navigateField(item fhirmodel.Value, field string) []fhirmodel.Value {
	f, ok := item.GetField(field)
	if !ok {
		return nil
	}
	return f.Flatten()
}

// isTypeName reports whether name looks like a FHIR type name rather than a
// field name, by FHIR's own naming convention: types are UpperCamelCase,
// fields are lowerCamelCase.
func isTypeName(name string) bool {
	if name == "" {
		return false
	}
	return unicode.IsUpper(rune(name[0]))
}

// ============================================================================
// Comparison
// ============================================================================

func (ctx *evalContext) evalCompare(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	op, _ := node.value.(string)

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []fhirmodel.Value{}, nil
	}

	result, err := compareValues(leftColl[0], rightColl[0], op)
	if err != nil {
		return nil, err
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", result)}, nil
}

func compareValues(lv, rv fhirmodel.Value, op string) (bool, error) {
	if ld, lok := decimalOf(lv); lok {
		if rd, rok := decimalOf(rv); rok {
			return compareOrdered(ld.Cmp(rd), op), nil
		}
	}
	if lb, lok := boolOf(lv); lok {
		if rb, rok := boolOf(rv); rok {
			switch op {
			case "=", "~":
				return lb == rb, nil
			case "!=":
				return lb != rb, nil
			}
			return false, nil
		}
	}
	if lt, lok := timeOf(lv); lok {
		if rt, rok := timeOf(rv); rok {
			switch op {
			case "=", "~":
				return lt.Equal(rt), nil
			case "!=":
				return !lt.Equal(rt), nil
			case "<":
				return lt.Before(rt), nil
			case ">":
				return lt.After(rt), nil
			case "<=":
				return !lt.After(rt), nil
			case ">=":
				return !lt.Before(rt), nil
			}
		}
	}

	switch op {
	case "<", ">", "<=", ">=":
		_, lStr := stringScalarOf(lv)
		_, rStr := stringScalarOf(rv)
		if !lStr || !rStr {
			return false, fmt.Errorf("fhirpath: cannot compare %s with %s using %q", lv.TypeName(), rv.TypeName(), op)
		}
	}

	ls, rs := stringOf(lv), stringOf(rv)
	if op == "~" {
		ls = strings.Join(strings.Fields(strings.ToLower(ls)), " ")
		rs = strings.Join(strings.Fields(strings.ToLower(rs)), " ")
		return ls == rs, nil
	}
	switch op {
	case "=":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("fhirpath: unknown comparison operator %q", op)
}

func compareOrdered(cmp int, op string) bool {
	switch op {
	case "=", "~":
		return cmp == 0
	case "!=":
		return cmp != 0
	case "<":
		return cmp < 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case ">=":
		return cmp >= 0
	}
	return false
}

// ============================================================================
// Arithmetic
// ============================================================================

func (ctx *evalContext) evalArith(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	op, _ := node.value.(string)

	if op == "neg" {
		coll, err := ctx.eval(node.children[0], input)
		if err != nil {
			return nil, err
		}
		if len(coll) == 0 {
			return []fhirmodel.Value{}, nil
		}
		d, ok := decimalOf(coll[0])
		if !ok {
			return nil, fmt.Errorf("fhirpath: unary '-' on non-numeric value")
		}
		return []fhirmodel.Value{fhirmodel.NewPrimitive("decimal", json.Number(d.Neg().String()))}, nil
	}

	leftColl, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	rightColl, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	if len(leftColl) == 0 || len(rightColl) == 0 {
		return []fhirmodel.Value{}, nil
	}

	if op == "+" {
		ls, lok := stringScalarOf(leftColl[0])
		rs, rok := stringScalarOf(rightColl[0])
		if lok && rok {
			return []fhirmodel.Value{fhirmodel.NewPrimitive("string", ls+rs)}, nil
		}
	}

	ld, lok := decimalOf(leftColl[0])
	rd, rok := decimalOf(rightColl[0])
	if !lok || !rok {
		return nil, fmt.Errorf("fhirpath: arithmetic operator %q requires numeric operands", op)
	}

	var result decimal.Decimal
	typ := "decimal"
	if _, lInt := intOf(leftColl[0]); lInt {
		if _, rInt := intOf(rightColl[0]); rInt && op != "/" {
			typ = "integer"
		}
	}
	switch op {
	case "+":
		result = ld.Add(rd)
	case "-":
		result = ld.Sub(rd)
	case "*":
		result = ld.Mul(rd)
	case "/":
		if rd.IsZero() {
			return []fhirmodel.Value{}, nil
		}
		result = ld.DivRound(rd, 12)
	default:
		return nil, fmt.Errorf("fhirpath: unknown arithmetic operator %q", op)
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive(typ, json.Number(result.String()))}, nil
}

// ============================================================================
// Logical operators
// ============================================================================

func (ctx *evalContext) evalAnd(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(left) {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", false)}, nil
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", collectionToBool(right))}, nil
}

func (ctx *evalContext) evalOr(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if collectionToBool(left) {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", true)}, nil
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", collectionToBool(right))}, nil
}

func (ctx *evalContext) evalXor(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", collectionToBool(left) != collectionToBool(right))}, nil
}

func (ctx *evalContext) evalImplies(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	if !collectionToBool(left) {
		return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", true)}, nil
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	return []fhirmodel.Value{fhirmodel.NewPrimitive("boolean", collectionToBool(right))}, nil
}

// ============================================================================
// Union
// ============================================================================

func (ctx *evalContext) evalUnion(node *astNode, input []fhirmodel.Value) ([]fhirmodel.Value, error) {
	left, err := ctx.eval(node.children[0], input)
	if err != nil {
		return nil, err
	}
	right, err := ctx.eval(node.children[1], input)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var result []fhirmodel.Value
	for _, v := range append(left, right...) {
		key := identityKey(v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, nil
}

func identityKey(v fhirmodel.Value) string {
	return fmt.Sprintf("%s:%v", v.TypeName(), v.AsAny())
}

// ============================================================================
// Scalar conversion helpers
// ============================================================================

func decimalOf(v fhirmodel.Value) (decimal.Decimal, bool) {
	if !fhirmodel.IsPrimitive(v) {
		return decimal.Decimal{}, false
	}
	switch s := fhirmodel.ScalarOf(v).(type) {
	case json.Number:
		d, err := decimal.NewFromString(s.String())
		return d, err == nil
	case int64:
		return decimal.NewFromInt(s), true
	case float64:
		return decimal.NewFromFloat(s), true
	case string:
		d, err := decimal.NewFromString(s)
		return d, err == nil
	}
	return decimal.Decimal{}, false
}

func intOf(v fhirmodel.Value) (int, bool) {
	d, ok := decimalOf(v)
	if !ok || !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return int(d.IntPart()), true
}

func boolOf(v fhirmodel.Value) (bool, bool) {
	if !fhirmodel.IsPrimitive(v) {
		return false, false
	}
	b, ok := fhirmodel.ScalarOf(v).(bool)
	return b, ok
}

func stringScalarOf(v fhirmodel.Value) (string, bool) {
	if !fhirmodel.IsPrimitive(v) {
		return "", false
	}
	s, ok := fhirmodel.ScalarOf(v).(string)
	return s, ok
}

func stringOf(v fhirmodel.Value) string {
	if fhirmodel.IsPrimitive(v) {
		return fmt.Sprintf("%v", fhirmodel.ScalarOf(v))
	}
	return fmt.Sprintf("%v", v.AsAny())
}

func timeOf(v fhirmodel.Value) (time.Time, bool) {
	s, ok := stringScalarOf(v)
	if !ok {
		return time.Time{}, false
	}
	t, err := parseDateTimeLiteral(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// collectionToBool converts a FHIRPath collection to a boolean using
// singleton-evaluation: empty → false, single boolean → that value, single
// non-nil non-boolean → true, multiple items → true.
func collectionToBool(coll []fhirmodel.Value) bool {
	if len(coll) == 0 {
		return false
	}
	if len(coll) == 1 {
		if b, ok := boolOf(coll[0]); ok {
			return b
		}
		return true
	}
	return true
}

// parseDateTimeLiteral parses the date/dateTime/instant formats FHIR allows,
// including partial precision (year-only, year-month).
func parseDateTimeLiteral(s string) (time.Time, error) {
	formats := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04Z07:00",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
		"15:04:05",
		"15:04",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("fhirpath: cannot parse datetime %q", s)
}

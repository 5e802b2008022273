package fhirpath

type nodeKind int

const (
	ndLiteral  nodeKind = iota // string, number, bool, datetime literal
	ndPath                     // identifier: field name, resource type, $this, %constant
	ndDot                      // a.b
	ndIndex                    // a[n]
	ndFunction                 // a.fn(args...)
	ndCompare                  // a op b  (=, !=, <, >, <=, >=, ~)
	ndArith                    // a op b  (+, -, *, /)
	ndAnd                      // a and b
	ndOr                       // a or b
	ndXor                      // a xor b
	ndImplies                  // a implies b
	ndUnion                    // a | b
)

type astNode struct {
	kind     nodeKind
	value    interface{} // literal value, identifier name, or operator string
	children []*astNode  // operands / arguments
}

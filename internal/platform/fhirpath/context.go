package fhirpath

import (
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
)

// Resolver looks up the resource a Reference.reference string points at, for
// the resolve() function. Returns ok=false (not an error) when the target
// simply isn't known to the caller — resolve() then yields an empty
// collection rather than failing the whole expression.
type Resolver func(reference string) (target fhirmodel.Value, ok bool, err error)

// Engine evaluates FHIRPath expressions against fhirmodel.Value trees. It
// holds no per-evaluation state, so a single Engine is shared across
// requests; AST parsing is memoized in its Cache.
type Engine struct {
	cache     *Cache
	catalog   *fhirmodel.Catalog
	resolver  Resolver
	constants map[string]interface{}
}

// NewEngine builds an Engine backed by the process-wide expression cache.
func NewEngine(catalog *fhirmodel.Catalog) *Engine {
	return &Engine{cache: defaultCache, catalog: catalog}
}

// WithResolver returns a copy of the engine that resolves Reference values
// via resolver, for contexts (e.g. transaction bundle processing) that can
// look up sibling entries.
func (e *Engine) WithResolver(resolver Resolver) *Engine {
	cp := *e
	cp.resolver = resolver
	return &cp
}

// WithConstants returns a copy of the engine with the given %name external
// constants available to evaluated expressions.
func (e *Engine) WithConstants(constants map[string]interface{}) *Engine {
	cp := *e
	cp.constants = constants
	return &cp
}

// Evaluate runs expression against root, returning the result collection.
// An expression that resolves to nothing yields an empty, non-nil slice.
func (e *Engine) Evaluate(root fhirmodel.Value, expression string) ([]fhirmodel.Value, error) {
	if root == nil {
		return []fhirmodel.Value{}, nil
	}
	node, err := e.cache.Compile(expression)
	if err != nil {
		return nil, err
	}
	ctx := &evalContext{
		root:      root,
		catalog:   e.catalog,
		resolver:  e.resolver,
		constants: e.constants,
		arena:     newArena(),
	}
	result, err := ctx.eval(node, []fhirmodel.Value{root})
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []fhirmodel.Value{}
	}
	return result, nil
}

// EvaluateBool evaluates expression and applies FHIRPath's singleton
// boolean-evaluation rule to the result collection.
func (e *Engine) EvaluateBool(root fhirmodel.Value, expression string) (bool, error) {
	result, err := e.Evaluate(root, expression)
	if err != nil {
		return false, err
	}
	return collectionToBool(result), nil
}

// evalContext is the mutable, per-Evaluate-call state threaded through
// recursive evaluation.
type evalContext struct {
	root      fhirmodel.Value
	catalog   *fhirmodel.Catalog
	resolver  Resolver
	constants map[string]interface{}
	arena     *arena
}

package search

import (
	"testing"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
)

func newCompilerTestCatalog() *Catalog {
	c := NewCatalog()
	c.Register(&Parameter{Name: "family", Type: TypeString, Expression: "name.family", ResourceType: "Patient"})
	c.Register(&Parameter{Name: "gender", Type: TypeToken, Expression: "gender", ResourceType: "Patient"})
	c.Register(&Parameter{Name: "birthdate", Type: TypeDate, Expression: "birthDate", ResourceType: "Patient"})
	c.Register(&Parameter{Name: "general-practitioner", Type: TypeReference, Expression: "generalPractitioner", ResourceType: "Patient"})
	c.Register(&Parameter{Name: "value-quantity", Type: TypeQuantity, Expression: "valueQuantity", ResourceType: "Observation"})
	c.Register(&Parameter{Name: "value-number", Type: TypeNumber, Expression: "valueQuantity.value", ResourceType: "Observation"})
	c.Register(&Parameter{Name: "_id", Type: TypeToken, Expression: "id", ResourceType: ""})
	return c
}

func firstLeaf(t *testing.T, cq *CompiledQuery, param string) LeafClause {
	t.Helper()
	and, ok := cq.Query.(AndNode)
	if !ok {
		t.Fatalf("cq.Query = %T, want AndNode", cq.Query)
	}
	for _, c := range and.Children {
		if leaf, ok := c.(LeafClause); ok && leaf.Param == param {
			return leaf
		}
	}
	t.Fatalf("no LeafClause for param %q in %v", param, and.Children)
	return LeafClause{}
}

func TestCompile_StringDefaultModifierIsPrefix(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"family": {"Doe"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "family")
	if leaf.Predicate != PredPrefix || leaf.StringVal != "Doe" {
		t.Fatalf("family leaf = %+v, want prefix match on Doe", leaf)
	}
}

func TestCompile_StringExactModifier(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"family:exact": {"Doe"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "family")
	if leaf.Predicate != PredEq {
		t.Fatalf("family:exact leaf predicate = %v, want eq", leaf.Predicate)
	}
}

func TestCompile_StringContainsModifier(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"family:contains": {"oe"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "family")
	if leaf.Predicate != PredContains {
		t.Fatalf("family:contains leaf predicate = %v, want contains", leaf.Predicate)
	}
}

func TestCompile_TokenWithSystemPipe(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"gender": {"http://hl7.org/fhir/administrative-gender|female"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "gender")
	if !leaf.HasSystem || leaf.TokenSystem != "http://hl7.org/fhir/administrative-gender" || leaf.TokenCode != "female" {
		t.Fatalf("gender leaf = %+v, want system+code split", leaf)
	}
}

func TestCompile_TokenBareCode(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"gender": {"female"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "gender")
	if leaf.HasSystem || leaf.TokenCode != "female" {
		t.Fatalf("gender leaf = %+v, want bare code without system", leaf)
	}
}

func TestCompile_TokenTooManyPipesIsInvalid(t *testing.T) {
	_, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"gender": {"a|b|c"}}, 0)
	fe := ferrors.As(err)
	if fe == nil || fe.Code != "InvalidParameterValue" {
		t.Fatalf("err = %v, want InvalidParameterValue", err)
	}
}

func TestCompile_TokenNotModifierNegates(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"gender:not": {"female"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "gender")
	if !leaf.Not {
		t.Fatalf("gender:not leaf.Not = false, want true")
	}
}

func TestCompile_DateWithoutPrefixUsesContainmentSemantics(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"birthdate": {"2020-01-01"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "birthdate")
	if leaf.Predicate != PredRangeContains {
		t.Fatalf("birthdate leaf predicate = %v, want range_contains (the containment open-question decision)", leaf.Predicate)
	}
	if leaf.DateHigh-leaf.DateLow != 24*60*60*1000-1 {
		t.Fatalf("birthdate whole-day range = [%d,%d], want a 24h-minus-1ms span", leaf.DateLow, leaf.DateHigh)
	}
}

func TestCompile_DateGtPrefix(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"birthdate": {"gt2020-01-01"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "birthdate")
	if leaf.Predicate != PredGt {
		t.Fatalf("birthdate gt leaf predicate = %v, want gt", leaf.Predicate)
	}
}

func TestCompile_DateApPrefixWidensByOneDay(t *testing.T) {
	exact, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"birthdate": {"2020-01-01"}}, 0)
	if err != nil {
		t.Fatalf("Compile exact: %v", err)
	}
	ap, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"birthdate": {"ap2020-01-01"}}, 0)
	if err != nil {
		t.Fatalf("Compile ap: %v", err)
	}
	exactLeaf := firstLeaf(t, exact, "birthdate")
	apLeaf := firstLeaf(t, ap, "birthdate")
	oneDayMS := int64(24 * 60 * 60 * 1000)
	if apLeaf.DateLow != exactLeaf.DateLow-oneDayMS || apLeaf.DateHigh != exactLeaf.DateHigh+oneDayMS {
		t.Fatalf("ap range = [%d,%d], want exact range widened by one day on each side", apLeaf.DateLow, apLeaf.DateHigh)
	}
	if apLeaf.Predicate != PredRangeOverlaps {
		t.Fatalf("ap predicate = %v, want range_overlaps", apLeaf.Predicate)
	}
}

func TestCompile_DateUnparseableIsInvalid(t *testing.T) {
	_, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"birthdate": {"not-a-date"}}, 0)
	fe := ferrors.As(err)
	if fe == nil || fe.Code != "InvalidParameterValue" {
		t.Fatalf("err = %v, want InvalidParameterValue", err)
	}
}

func TestCompile_QuantityThreePiece(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Observation", map[string][]string{"value-quantity": {"5.4|http://unitsofmeasure.org|mg"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "value-quantity")
	if !leaf.HasSystem || leaf.TokenSystem != "http://unitsofmeasure.org" || leaf.TokenCode != "mg" {
		t.Fatalf("value-quantity leaf = %+v, want system+code parsed", leaf)
	}
	if leaf.NumLow != 5.35 || leaf.NumHigh != 5.45 {
		t.Fatalf("value-quantity range = [%v,%v], want [5.35,5.45]", leaf.NumLow, leaf.NumHigh)
	}
}

func TestCompile_QuantityValueOnly(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Observation", map[string][]string{"value-quantity": {"5.4"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "value-quantity")
	if leaf.HasSystem || leaf.TokenCode != "" {
		t.Fatalf("value-quantity leaf = %+v, want no system/code", leaf)
	}
}

func TestCompile_QuantityUnparseableIsInvalid(t *testing.T) {
	_, err := Compile(newCompilerTestCatalog(), "Observation", map[string][]string{"value-quantity": {"nope"}}, 0)
	fe := ferrors.As(err)
	if fe == nil || fe.Code != "InvalidParameterValue" {
		t.Fatalf("err = %v, want InvalidParameterValue", err)
	}
}

func TestCompile_NumberPrecisionExpansion(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Observation", map[string][]string{"value-number": {"100"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "value-number")
	if leaf.NumLow != 99.5 || leaf.NumHigh != 100.5 {
		t.Fatalf("value-number range = [%v,%v], want [99.5,100.5] (integer-literal precision)", leaf.NumLow, leaf.NumHigh)
	}
}

func TestCompile_ReferenceWithResourceType(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"general-practitioner": {"Practitioner/123"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "general-practitioner")
	if leaf.RefType != "Practitioner" || leaf.RefID != "123" {
		t.Fatalf("general-practitioner leaf = %+v, want {Practitioner, 123}", leaf)
	}
}

func TestCompile_ReferenceBareID(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"general-practitioner": {"123"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "general-practitioner")
	if leaf.RefType != "" || leaf.RefID != "123" {
		t.Fatalf("general-practitioner leaf = %+v, want bare id with no type", leaf)
	}
}

func TestCompile_UnknownParameterIsMissingParameter(t *testing.T) {
	_, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"nonexistent": {"x"}}, 0)
	fe := ferrors.As(err)
	if fe == nil || fe.Code != "MissingParameter" {
		t.Fatalf("err = %v, want MissingParameter", err)
	}
}

func TestCompile_CommonParameterFallsBackAcrossResourceTypes(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Observation", map[string][]string{"_id": {"obs-1"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	leaf := firstLeaf(t, cq, "_id")
	if leaf.TokenCode != "obs-1" {
		t.Fatalf("_id leaf = %+v, want code obs-1", leaf)
	}
}

func TestCompile_MultipleValuesForSameParamCompileToOr(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"gender": {"male", "female"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	and, ok := cq.Query.(AndNode)
	if !ok {
		t.Fatalf("cq.Query = %T, want AndNode", cq.Query)
	}
	var found bool
	for _, c := range and.Children {
		if or, ok := c.(OrNode); ok && len(or.Children) == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an OrNode with 2 children among %v", and.Children)
	}
}

func TestCompile_CountClampsToMaxCount(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"_count": {"500"}}, 20)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if cq.Result.Count != 20 {
		t.Fatalf("cq.Result.Count = %d, want clamped to 20", cq.Result.Count)
	}
}

func TestCompile_CountNegativeIsInvalid(t *testing.T) {
	_, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"_count": {"-1"}}, 0)
	fe := ferrors.As(err)
	if fe == nil || fe.Code != "InvalidParameterValue" {
		t.Fatalf("err = %v, want InvalidParameterValue", err)
	}
}

func TestCompile_SortDescendingPrefix(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{"_sort": {"-birthdate,family"}}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(cq.Result.Sort) != 2 {
		t.Fatalf("cq.Result.Sort = %v, want 2 entries", cq.Result.Sort)
	}
	if cq.Result.Sort[0].Param != "birthdate" || !cq.Result.Sort[0].Descending {
		t.Fatalf("first sort spec = %+v, want descending birthdate", cq.Result.Sort[0])
	}
	if cq.Result.Sort[1].Param != "family" || cq.Result.Sort[1].Descending {
		t.Fatalf("second sort spec = %+v, want ascending family", cq.Result.Sort[1])
	}
}

func TestCompile_ResourceTypeClauseAlwaysPresent(t *testing.T) {
	cq, err := Compile(newCompilerTestCatalog(), "Patient", map[string][]string{}, 0)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	firstLeaf(t, cq, "resource_type")
}

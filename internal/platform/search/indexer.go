package search

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/fhirforge/fhirforge/internal/platform/ferrors"
	"github.com/fhirforge/fhirforge/internal/platform/fhirmodel"
	"github.com/fhirforge/fhirforge/internal/platform/fhirpath"
)

// Indexer projects resource versions through the SearchParameter catalog
// into typed index entries (spec.md §4.4), grounded on the teacher's
// internal/platform/fhir/search.go FHIRPath-per-parameter evaluation loop,
// generalized from SQL column values to the typed IndexEntry shapes of §3.
type Indexer struct {
	catalog *Catalog
	engine  *fhirpath.Engine
}

// NewIndexer builds an Indexer evaluating expressions via engine against the
// SearchParameter definitions in catalog.
func NewIndexer(catalog *Catalog, engine *fhirpath.Engine) *Indexer {
	return &Indexer{catalog: catalog, engine: engine}
}

// Index evaluates every SearchParameter applicable to root's resource type
// against root, producing one ResourceIndex. A parameter whose expression
// fails to evaluate at all surfaces as InvalidType; an individual projected
// value that can't be typed for its parameter's declared type is silently
// skipped (other values and other parameters proceed), per §4.4.
func (ix *Indexer) Index(root fhirmodel.Value, resourceID, versionID string) (*ResourceIndex, error) {
	resourceType := root.TypeName()
	idx := &ResourceIndex{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		VersionID:    versionID,
		Entries:      map[string][]IndexEntry{},
	}

	for _, param := range ix.catalog.ForType(resourceType) {
		if param.Type == TypeComposite || param.Type == TypeSpecial {
			continue
		}
		values, err := ix.engine.Evaluate(root, param.Expression)
		if err != nil {
			return nil, ferrors.Invalidf("InvalidType", "search parameter %q expression %q failed: %v", param.Name, param.Expression, err)
		}
		var entries []IndexEntry
		for _, v := range values {
			projected, ok := project(v, param.Type)
			if !ok {
				continue
			}
			entries = append(entries, projected...)
		}
		if len(entries) > 0 {
			idx.Entries[param.Name] = entries
		}
	}
	return idx, nil
}

func project(v fhirmodel.Value, typ ParamType) ([]IndexEntry, bool) {
	switch typ {
	case TypeToken:
		return projectToken(v)
	case TypeString:
		return projectString(v)
	case TypeURI:
		return projectURI(v)
	case TypeNumber:
		return projectNumber(v)
	case TypeDate:
		return projectDate(v)
	case TypeReference:
		return projectReference(v)
	case TypeQuantity:
		return projectQuantity(v)
	}
	return nil, false
}

// ============================================================================
// token
// ============================================================================

func projectToken(v fhirmodel.Value) ([]IndexEntry, bool) {
	switch v.TypeName() {
	case "Coding":
		return tokenFromCoding(v)
	case "CodeableConcept":
		if codings, ok := v.GetField("coding"); ok {
			var out []IndexEntry
			for _, c := range codings.Flatten() {
				if entries, ok := tokenFromCoding(c); ok {
					out = append(out, entries...)
				}
			}
			return out, len(out) > 0
		}
		return nil, false
	case "Identifier":
		system, _ := scalarField(v, "system")
		value, ok := scalarField(v, "value")
		if !ok {
			return nil, false
		}
		return []IndexEntry{{Type: TypeToken, Token: TokenEntry{System: system, Code: value}}}, true
	case "ContactPoint":
		value, ok := scalarField(v, "value")
		if !ok {
			return nil, false
		}
		return []IndexEntry{{Type: TypeToken, Token: TokenEntry{Code: value}}}, true
	case "boolean":
		b, ok := fhirmodel.ScalarOf(v).(bool)
		if !ok {
			return nil, false
		}
		code := "false"
		if b {
			code = "true"
		}
		return []IndexEntry{{Type: TypeToken, Token: TokenEntry{System: "http://hl7.org/fhir/special-values", Code: code}}}, true
	default:
		if fhirmodel.IsPrimitive(v) {
			s := scalarString(v)
			if s == "" {
				return nil, false
			}
			return []IndexEntry{{Type: TypeToken, Token: TokenEntry{Code: s}}}, true
		}
	}
	return nil, false
}

func tokenFromCoding(v fhirmodel.Value) ([]IndexEntry, bool) {
	system, _ := scalarField(v, "system")
	code, ok := scalarField(v, "code")
	if !ok {
		return nil, false
	}
	return []IndexEntry{{Type: TypeToken, Token: TokenEntry{System: system, Code: code}}}, true
}

// ============================================================================
// string / uri
// ============================================================================

func projectString(v fhirmodel.Value) ([]IndexEntry, bool) {
	s := stringLikeScalar(v)
	if s == "" {
		return nil, false
	}
	return []IndexEntry{{Type: TypeString, String: StringEntry(s)}}, true
}

func projectURI(v fhirmodel.Value) ([]IndexEntry, bool) {
	s := stringLikeScalar(v)
	if s == "" {
		return nil, false
	}
	return []IndexEntry{{Type: TypeURI, URI: URIEntry(s)}}, true
}

func stringLikeScalar(v fhirmodel.Value) string {
	if fhirmodel.IsPrimitive(v) {
		return scalarString(v)
	}
	// HumanName / Address composite types index their constituent text.
	if text, ok := scalarField(v, "text"); ok {
		return text
	}
	if family, ok := scalarField(v, "family"); ok {
		return family
	}
	return ""
}

// ============================================================================
// number
// ============================================================================

func projectNumber(v fhirmodel.Value) ([]IndexEntry, bool) {
	f, ok := numericScalar(v)
	if !ok {
		return nil, false
	}
	return []IndexEntry{{Type: TypeNumber, Number: NumberEntry(f)}}, true
}

// ============================================================================
// date
// ============================================================================

func projectDate(v fhirmodel.Value) ([]IndexEntry, bool) {
	switch v.TypeName() {
	case "Period":
		start, hasStart := scalarField(v, "start")
		end, hasEnd := scalarField(v, "end")
		startMS := DateUnsetStart
		endMS := DateUnsetEnd
		if hasStart {
			if t, ok := fhirpathDateRange(start); ok {
				startMS = t[0]
			}
		}
		if hasEnd {
			if t, ok := fhirpathDateRange(end); ok {
				endMS = t[1]
			}
		}
		return []IndexEntry{{Type: TypeDate, Date: DateEntry{StartMS: startMS, EndMS: endMS}}}, true
	case "Timing":
		event, ok := v.GetField("event")
		if !ok {
			return nil, false
		}
		var out []IndexEntry
		for _, e := range event.Flatten() {
			s := scalarString(e)
			if rng, ok := fhirpathDateRange(s); ok {
				out = append(out, IndexEntry{Type: TypeDate, Date: DateEntry{StartMS: rng[0], EndMS: rng[1]}})
			}
		}
		return out, len(out) > 0
	default:
		s := scalarString(v)
		if s == "" {
			return nil, false
		}
		rng, ok := fhirpathDateRange(s)
		if !ok {
			return nil, false
		}
		return []IndexEntry{{Type: TypeDate, Date: DateEntry{StartMS: rng[0], EndMS: rng[1]}}}, true
	}
}

// fhirpathDateRange expands a FHIR date/dateTime/instant literal into its
// [start_ms, end_ms] range, widening partial-precision literals to the
// whole-year/whole-month/whole-day span they denote (spec.md §4.4).
func fhirpathDateRange(s string) ([2]int64, bool) {
	instantLayouts := []string{
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05",
	}
	for _, layout := range instantLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ms := t.UnixMilli()
			return [2]int64{ms, ms}, true
		}
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return [2]int64{t.UnixMilli(), t.AddDate(0, 0, 1).Add(-time.Millisecond).UnixMilli()}, true
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return [2]int64{t.UnixMilli(), t.AddDate(0, 1, 0).Add(-time.Millisecond).UnixMilli()}, true
	}
	if t, err := time.Parse("2006", s); err == nil {
		return [2]int64{t.UnixMilli(), t.AddDate(1, 0, 0).Add(-time.Millisecond).UnixMilli()}, true
	}
	return [2]int64{}, false
}

// ============================================================================
// reference
// ============================================================================

func projectReference(v fhirmodel.Value) ([]IndexEntry, bool) {
	if v.TypeName() == "Reference" {
		ref, hasRef := scalarField(v, "reference")
		if hasRef {
			if strings.Contains(ref, "://") {
				return []IndexEntry{{Type: TypeReference, Reference: ReferenceEntry{URI: ref}}}, true
			}
			if idx := strings.LastIndex(ref, "/"); idx > 0 {
				return []IndexEntry{{Type: TypeReference, Reference: ReferenceEntry{ResourceType: ref[:idx], ID: ref[idx+1:]}}}, true
			}
			return []IndexEntry{{Type: TypeReference, Reference: ReferenceEntry{ID: ref}}}, true
		}
		if uri, ok := scalarField(v, "identifier"); ok {
			return []IndexEntry{{Type: TypeReference, Reference: ReferenceEntry{URI: uri}}}, true
		}
		return nil, false
	}
	s := scalarString(v)
	if s == "" {
		return nil, false
	}
	return []IndexEntry{{Type: TypeReference, Reference: ReferenceEntry{URI: s}}}, true
}

// ============================================================================
// quantity
// ============================================================================

func projectQuantity(v fhirmodel.Value) ([]IndexEntry, bool) {
	switch v.TypeName() {
	case "Range":
		low := NegInf
		high := PosInf
		if lowVal, ok := v.GetField("low"); ok {
			if f, ok := numericScalar(firstOf(lowVal.Flatten())); ok {
				low = f
			}
		}
		if highVal, ok := v.GetField("high"); ok {
			if f, ok := numericScalar(firstOf(highVal.Flatten())); ok {
				high = f
			}
		}
		return []IndexEntry{{Type: TypeQuantity, Quantity: QuantityEntry{Low: low, High: high}}}, true
	case "Money":
		f, ok := scalarField(v, "value")
		if !ok {
			return nil, false
		}
		val, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, false
		}
		lo, hi := quantityPrecisionRange(f, val)
		return []IndexEntry{{Type: TypeQuantity, Quantity: QuantityEntry{
			Low: lo, High: hi, System: "urn:iso:std:iso:4217", HasSystem: true,
		}}}, true
	case "Quantity":
		rawVal, hasVal := scalarField(v, "value")
		if !hasVal {
			return nil, false
		}
		val, err := strconv.ParseFloat(rawVal, 64)
		if err != nil {
			return nil, false
		}
		lo, hi := quantityPrecisionRange(rawVal, val)
		entry := QuantityEntry{Low: lo, High: hi}
		if code, ok := scalarField(v, "code"); ok {
			entry.Code, entry.HasCode = code, true
		}
		if system, ok := scalarField(v, "system"); ok {
			entry.System, entry.HasSystem = system, true
		}
		return []IndexEntry{{Type: TypeQuantity, Quantity: entry}}, true
	default:
		f, ok := numericScalar(v)
		if !ok {
			return nil, false
		}
		lo, hi := quantityPrecisionRange(scalarString(v), f)
		return []IndexEntry{{Type: TypeQuantity, Quantity: QuantityEntry{Low: lo, High: hi}}}, true
	}
}

// quantityPrecisionRange implements the FHIR R4 decimal-precision expansion
// rule (spec.md §4.4): a value with p digits after the decimal point expands
// to [v - 0.5*10^-p, v + 0.5*10^-p].
func quantityPrecisionRange(literal string, val float64) (float64, float64) {
	precision := 0
	if idx := strings.IndexByte(literal, '.'); idx >= 0 {
		precision = len(literal) - idx - 1
	}
	delta := 0.5 * math.Pow(10, float64(-precision))
	// Round each bound to precision+1 decimals so it is the float64 nearest
	// the exact decimal endpoint (5.4 gives 5.35, not 5.3500000000000005).
	lo, _ := strconv.ParseFloat(strconv.FormatFloat(val-delta, 'f', precision+1, 64), 64)
	hi, _ := strconv.ParseFloat(strconv.FormatFloat(val+delta, 'f', precision+1, 64), 64)
	return lo, hi
}

// ============================================================================
// scalar helpers
// ============================================================================

func scalarField(v fhirmodel.Value, name string) (string, bool) {
	f, ok := v.GetField(name)
	if !ok {
		return "", false
	}
	items := f.Flatten()
	if len(items) == 0 {
		return "", false
	}
	s := scalarString(items[0])
	return s, s != ""
}

func scalarString(v fhirmodel.Value) string {
	if v == nil || !fhirmodel.IsPrimitive(v) {
		return ""
	}
	raw := fhirmodel.ScalarOf(v)
	if raw == nil {
		return ""
	}
	switch t := raw.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return strOf(t)
	}
}

func strOf(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

func numericScalar(v fhirmodel.Value) (float64, bool) {
	if v == nil || !fhirmodel.IsPrimitive(v) {
		return 0, false
	}
	raw := fhirmodel.ScalarOf(v)
	switch t := raw.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		s := strOf(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
}

func firstOf(vs []fhirmodel.Value) fhirmodel.Value {
	if len(vs) == 0 {
		return nil
	}
	return vs[0]
}

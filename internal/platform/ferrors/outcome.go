package ferrors

// OperationOutcome is the FHIR resource errors and results are surfaced as
// at the HTTP boundary (spec §7).
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// severityFor maps a Kind to an OperationOutcome issue severity.
func severityFor(k Kind) string {
	switch k {
	case KindException:
		return "fatal"
	default:
		return "error"
	}
}

// issueCodeFor maps a Kind to the FHIR-defined IssueType code.
func issueCodeFor(k Kind) string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindNotFound:
		return "not-found"
	case KindNotSupported:
		return "not-supported"
	case KindConflict:
		return "conflict"
	case KindForbidden:
		return "forbidden"
	case KindTransient:
		return "transient"
	default:
		return "exception"
	}
}

// ToOutcome renders a FHIRError as an OperationOutcome. The Cause is
// deliberately never surfaced; only Diagnostic (vetted as safe for external
// consumption) is serialized.
func (e *FHIRError) ToOutcome() *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severityFor(e.Kind),
				Code:        issueCodeFor(e.Kind),
				Diagnostics: e.Diagnostic,
			},
		},
	}
}

// SuccessOutcome builds an informational OperationOutcome, used by operations
// like $validate that report success without returning a resource.
func SuccessOutcome(message string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: "information", Code: "informational", Diagnostics: message},
		},
	}
}

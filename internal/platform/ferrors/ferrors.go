// Package ferrors classifies server errors into the FHIR OperationOutcome
// issue taxonomy and renders them at the HTTP boundary.
package ferrors

import "fmt"

// Kind is the OperationOutcome issue type a FHIRError maps to.
type Kind string

const (
	KindInvalid      Kind = "invalid"
	KindNotFound     Kind = "not-found"
	KindNotSupported Kind = "not-supported"
	KindConflict     Kind = "conflict"
	KindException    Kind = "exception"
	KindForbidden    Kind = "forbidden"
	KindTransient    Kind = "transient"
)

// httpStatus maps a Kind to the HTTP status code the boundary should return.
var httpStatus = map[Kind]int{
	KindInvalid:      400,
	KindNotFound:     404,
	KindNotSupported: 422,
	KindConflict:     409,
	KindException:    500,
	KindForbidden:    403,
	KindTransient:    503,
}

// FHIRError is a server error carrying enough information to render an
// OperationOutcome at the HTTP boundary without leaking internal detail.
type FHIRError struct {
	Kind       Kind
	Code       string // specific machine code, e.g. "MissingRequiredField"
	Diagnostic string // safe-for-external-consumption message
	Cause      error  // internal cause, logged but never serialized
}

func (e *FHIRError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Diagnostic, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Diagnostic)
}

func (e *FHIRError) Unwrap() error { return e.Cause }

// HTTPStatus returns the HTTP status code this error should render as.
func (e *FHIRError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

func New(kind Kind, code, diagnostic string) *FHIRError {
	return &FHIRError{Kind: kind, Code: code, Diagnostic: diagnostic}
}

func Wrap(kind Kind, code, diagnostic string, cause error) *FHIRError {
	return &FHIRError{Kind: kind, Code: code, Diagnostic: diagnostic, Cause: cause}
}

func Invalidf(code, format string, a ...interface{}) *FHIRError {
	return New(KindInvalid, code, fmt.Sprintf(format, a...))
}

func NotFoundf(code, format string, a ...interface{}) *FHIRError {
	return New(KindNotFound, code, fmt.Sprintf(format, a...))
}

func Conflictf(code, format string, a ...interface{}) *FHIRError {
	return New(KindConflict, code, fmt.Sprintf(format, a...))
}

func NotSupportedf(code, format string, a ...interface{}) *FHIRError {
	return New(KindNotSupported, code, fmt.Sprintf(format, a...))
}

func Forbiddenf(code, format string, a ...interface{}) *FHIRError {
	return New(KindForbidden, code, fmt.Sprintf(format, a...))
}

func Exceptionf(cause error, format string, a ...interface{}) *FHIRError {
	return Wrap(KindException, "InternalError", fmt.Sprintf(format, a...), cause)
}

// As extracts a *FHIRError from err, wrapping unrecognized errors as
// KindException so nothing reaches the boundary unclassified.
func As(err error) *FHIRError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FHIRError); ok {
		return fe
	}
	var fe *FHIRError
	if ok := asTarget(err, &fe); ok {
		return fe
	}
	return Exceptionf(err, "%v", err)
}

func asTarget(err error, target **FHIRError) bool {
	for err != nil {
		if fe, ok := err.(*FHIRError); ok {
			*target = fe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the interaction-level error carried from the engine to the
// transport layer. Status maps directly to the HTTP response code and
// Code/Diagnostics populate the OperationOutcome issue.
type Error struct {
	Status      int
	Code        string // FHIR issue type code
	Diagnostics string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Diagnostics)
}

// Outcome renders the error as an OperationOutcome resource.
func (e *Error) Outcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, e.Code, e.Diagnostics)
}

// ValidationError reports malformed input detected before any storage
// mutation (for example a client-supplied id on create).
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Code: IssueTypeInvalid, Diagnostics: fmt.Sprintf(format, args...)}
}

// InvalidParameterError reports an unknown or unsupported search or match
// parameter.
func InvalidParameterError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusBadRequest, Code: IssueTypeInvalid, Diagnostics: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an absent resource or version.
func NotFoundError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusNotFound, Code: IssueTypeNotFound, Diagnostics: fmt.Sprintf(format, args...)}
}

// GoneError reports a read of a deleted resource. The 410/404 split is part
// of the store contract: deleted ids keep their history and answer Gone.
func GoneError(resourceType, id string) *Error {
	return &Error{Status: http.StatusGone, Code: IssueTypeDeleted, Diagnostics: fmt.Sprintf("%s/%s has been deleted", resourceType, id)}
}

// ConflictError reports a version mismatch or an ambiguous certain match.
func ConflictError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusConflict, Code: IssueTypeConflict, Diagnostics: fmt.Sprintf(format, args...)}
}

// InternalError reports an unexpected storage failure or an unsupported
// query operator. Unrecognized value prefixes deliberately surface here
// rather than as a 400.
func InternalError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: IssueTypeException, Diagnostics: fmt.Sprintf(format, args...)}
}

// WorkerTimeoutError reports a scoring worker that never completed.
func WorkerTimeoutError(format string, args ...interface{}) *Error {
	return &Error{Status: http.StatusInternalServerError, Code: IssueTypeTimeout, Diagnostics: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from err, wrapping unknown errors as an
// internal error so storage failures propagate with a 500 outcome.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError("%s", err.Error())
}

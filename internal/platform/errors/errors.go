// Package errors defines the error taxonomy surfaced by the release engine.
//
// Callers classify failures by Code: validation and not-found errors are
// client-input problems; template-source and storage errors are transient
// infrastructure problems that are safe to retry because every engine
// operation is idempotent.
package errors

import (
	stderrors "errors"
	"net/http"
)

// Code is a machine-readable error classification.
type Code string

const (
	CodeValidation     Code = "VALIDATION"
	CodeNotFound       Code = "NOT_FOUND"
	CodeTemplateSource Code = "TEMPLATE_SOURCE"
	CodeStorage        Code = "STORAGE"
	CodeInternal       Code = "INTERNAL"
)

// Sentinels for errors.Is; matching is by code only.
var (
	ErrValidation     = &Error{Code: CodeValidation}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrTemplateSource = &Error{Code: CodeTemplateSource}
	ErrStorage        = &Error{Code: CodeStorage}
)

// Error is the engine error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus maps the code to the status an HTTP surface should return.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeTemplateSource, CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether re-invoking the failed operation may succeed.
func (c Code) Retryable() bool {
	return c == CodeTemplateSource || c == CodeStorage
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation reports malformed input for field.
func Validation(field, message string) *Error {
	return WithMetadata(CodeValidation, message, map[string]string{"field": field})
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return WithMetadata(CodeNotFound, resource+" not found", map[string]string{"resource": resource, "id": id})
}

// TemplateSource wraps a checklist template source failure.
func TemplateSource(cause error) *Error {
	return Wrap(CodeTemplateSource, "checklist templates unavailable", cause)
}

// Storage wraps a persistence failure during op. Errors that already carry a
// code are returned unchanged.
func Storage(op string, cause error) error {
	var coded *Error
	if stderrors.As(cause, &coded) {
		return cause
	}
	return &Error{Code: CodeStorage, Message: op, Cause: cause}
}

// CodeOf extracts the code of err, or CodeInternal when err is not coded.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// Package errors provides structured error types for the Quarry store.
// All errors include a category, code, message and optional cause so
// callers can classify failures with errors.Is/As across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySession    ErrorCategory = "SESSION"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryResolution ErrorCategory = "RESOLUTION"
	ErrCategoryData       ErrorCategory = "DATA"
	ErrCategoryEngine     ErrorCategory = "ENGINE"
)

// Error codes for each category.
const (
	// Session codes
	CodeNotOpen       = "NOT_OPEN"
	CodeAlreadyOpen   = "ALREADY_OPEN"
	CodeClosed        = "CLOSED"

	// Schema codes
	CodeInvalidSchema      = "INVALID_SCHEMA"
	CodeStructuralConflict = "STRUCTURAL_CONFLICT"
	CodeVersionRegression  = "VERSION_REGRESSION"

	// Resolution codes
	CodeKeyResolutionFailed = "KEY_RESOLUTION_FAILED"
	CodeUnknownCollection   = "UNKNOWN_COLLECTION"
	CodeUnknownIndex        = "UNKNOWN_INDEX"

	// Data codes
	CodeNotFound     = "NOT_FOUND"
	CodeDuplicateKey = "DUPLICATE_KEY"
	CodeInvalidKey   = "INVALID_KEY"

	// Engine codes
	CodeEngineFault = "ENGINE_FAULT"
)

// QuarryError is the structured error type used throughout the system.
type QuarryError struct {
	Category ErrorCategory
	Code     string
	Message  string
	Cause    error
}

// Error returns a formatted error string.
func (e *QuarryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *QuarryError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *QuarryError) Is(target error) bool {
	var t *QuarryError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new QuarryError.
func New(category ErrorCategory, code, message string) *QuarryError {
	return &QuarryError{
		Category: category,
		Code:     code,
		Message:  message,
	}
}

// Newf creates a new QuarryError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...any) *QuarryError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new QuarryError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *QuarryError {
	return &QuarryError{
		Category: category,
		Code:     code,
		Message:  message,
		Cause:    cause,
	}
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a QuarryError.
func GetCategory(err error) ErrorCategory {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a QuarryError.
func GetCode(err error) string {
	var qe *QuarryError
	if errors.As(err, &qe) {
		return qe.Code
	}
	return ""
}

// Sentinel matchers for errors.Is checks. Each carries only a category and
// code; Is matching ignores message and cause.
var (
	ErrNotOpen             = New(ErrCategorySession, CodeNotOpen, "store is not open")
	ErrAlreadyOpen         = New(ErrCategorySession, CodeAlreadyOpen, "store is already open")
	ErrClosed              = New(ErrCategorySession, CodeClosed, "store is closed")
	ErrInvalidSchema       = New(ErrCategorySchema, CodeInvalidSchema, "invalid schema")
	ErrStructuralConflict  = New(ErrCategorySchema, CodeStructuralConflict, "structural conflict")
	ErrVersionRegression   = New(ErrCategorySchema, CodeVersionRegression, "schema version regression")
	ErrKeyResolutionFailed = New(ErrCategoryResolution, CodeKeyResolutionFailed, "index lookup matched no record")
	ErrUnknownCollection   = New(ErrCategoryResolution, CodeUnknownCollection, "unknown collection")
	ErrUnknownIndex        = New(ErrCategoryResolution, CodeUnknownIndex, "unknown index")
	ErrNotFound            = New(ErrCategoryData, CodeNotFound, "record not found")
	ErrDuplicateKey        = New(ErrCategoryData, CodeDuplicateKey, "duplicate primary key")
	ErrInvalidKey          = New(ErrCategoryData, CodeInvalidKey, "invalid key value")
	ErrEngineFault         = New(ErrCategoryEngine, CodeEngineFault, "engine fault")
)

// Convenience constructors for common errors.

func NewSchemaError(code, message string, cause error) *QuarryError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewResolutionError(code, message string) *QuarryError {
	return New(ErrCategoryResolution, code, message)
}

func NewDataError(code, message string) *QuarryError {
	return New(ErrCategoryData, code, message)
}

func NewEngineError(message string, cause error) *QuarryError {
	return Wrap(ErrCategoryEngine, CodeEngineFault, message, cause)
}

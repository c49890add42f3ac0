// Package errors provides structured error types for conflictatlas.
// All errors include a category, code, message, and retryable flag so the
// CLI can decide whether a failed step is worth re-running.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategorySource     ErrorCategory = "SOURCE"
	ErrCategoryGeometry   ErrorCategory = "GEOMETRY"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategoryDocs       ErrorCategory = "DOCS"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidConfig   = "INVALID_CONFIG"
	CodeMalformedRecord = "MALFORMED_RECORD"
	CodeMissingColumn   = "MISSING_COLUMN"
	CodeEmptyInput      = "EMPTY_INPUT"

	// Source codes
	CodeUnreachable = "UNREACHABLE"
	CodeRateLimited = "RATE_LIMITED"
	CodeBadResponse = "BAD_RESPONSE"
	CodeNoFeatures  = "NO_FEATURES"

	// Geometry codes
	CodeInvalidRing     = "INVALID_RING"
	CodeInvalidGeometry = "INVALID_GEOMETRY"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Store codes
	CodeBusy        = "BUSY"
	CodeQueryFailed = "QUERY_FAILED"
	CodeWriteFailed = "WRITE_FAILED"

	// Docs codes
	CodeBrokenTOC  = "BROKEN_TOC"
	CodeBrokenLink = "BROKEN_LINK"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// AtlasError is the structured error type used throughout the system.
type AtlasError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *AtlasError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *AtlasError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *AtlasError) Is(target error) bool {
	var t *AtlasError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new AtlasError.
func New(category ErrorCategory, code, message string) *AtlasError {
	return &AtlasError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new AtlasError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *AtlasError {
	return &AtlasError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *AtlasError) WithDetails(details map[string]interface{}) *AtlasError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *AtlasError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an AtlasError.
func GetCategory(err error) ErrorCategory {
	var ae *AtlasError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an AtlasError.
func GetCode(err error) string {
	var ae *AtlasError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategorySource && code == CodeUnreachable:
		return true
	case category == ErrCategorySource && code == CodeRateLimited:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryStore && code == CodeBusy:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *AtlasError {
	return New(ErrCategoryValidation, code, message)
}

func NewSourceError(code, message string, cause error) *AtlasError {
	return Wrap(ErrCategorySource, code, message, cause)
}

func NewGeometryError(code, message string) *AtlasError {
	return New(ErrCategoryGeometry, code, message)
}

func NewStorageError(code, message string, cause error) *AtlasError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewStoreError(code, message string, cause error) *AtlasError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewDocsError(code, message string) *AtlasError {
	return New(ErrCategoryDocs, code, message)
}

func NewInternalError(message string, cause error) *AtlasError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

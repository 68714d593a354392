// Package errors provides structured error types for the conversion and join
// pipeline. Every error carries a category, a code, a message and a retryable
// flag so callers can branch on the failure class without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategorySource     ErrorCategory = "SOURCE"
	ErrCategoryConversion ErrorCategory = "CONVERSION"
	ErrCategoryJoin       ErrorCategory = "JOIN"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryConfig     ErrorCategory = "CONFIG"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeUnsupportedType   = "UNSUPPORTED_TYPE"
	CodeDatasetNotFound   = "DATASET_NOT_FOUND"
	CodeInvalidSchema     = "INVALID_SCHEMA"
	CodeUnknownCollection = "UNKNOWN_COLLECTION"

	// Conversion codes
	CodeSchemaMismatch = "SCHEMA_MISMATCH"

	// Join codes
	CodeKeyCollision    = "KEY_COLLISION"
	CodeEmptyResult     = "EMPTY_RESULT"
	CodeInvalidArgument = "INVALID_ARGUMENT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// PipelineError is the structured error type used throughout the module.
type PipelineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new PipelineError.
func New(category ErrorCategory, code, message string) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new PipelineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *PipelineError {
	return &PipelineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *PipelineError) WithDetails(details map[string]interface{}) *PipelineError {
	cp := *e
	cp.Details = details
	return &cp
}

// Detail returns a single detail value, or nil.
func (e *PipelineError) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCategory(err error) ErrorCategory {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a PipelineError.
func GetCode(err error) string {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// isRetryable reports whether a failure class may succeed on a later attempt.
// Only publishing to object storage qualifies; every other failure is a
// property of the inputs.
func isRetryable(category ErrorCategory, code string) bool {
	return category == ErrCategoryStorage && code == CodeUploadFailed
}

// Named constructors for the failure classes callers branch on.

// UnsupportedType reports a source element type with no columnar mapping.
func UnsupportedType(path, typ string) *PipelineError {
	return New(ErrCategorySchema, CodeUnsupportedType,
		fmt.Sprintf("dataset %s has unsupported type %s", path, typ)).
		WithDetails(map[string]interface{}{"path": path, "type": typ})
}

// DatasetNotFound reports a catalog path absent from the sample granule.
func DatasetNotFound(path, beam string) *PipelineError {
	return New(ErrCategorySchema, CodeDatasetNotFound,
		fmt.Sprintf("dataset %s not found in %s", path, beam)).
		WithDetails(map[string]interface{}{"path": path, "beam": beam})
}

// SchemaMismatch reports a granule dataset whose shape or type disagrees
// with the persisted schema.
func SchemaMismatch(beam, path, reason string) *PipelineError {
	return New(ErrCategoryConversion, CodeSchemaMismatch,
		fmt.Sprintf("%s/%s: %s", beam, path, reason)).
		WithDetails(map[string]interface{}{"beam": beam, "path": path})
}

// JoinKeyCollision reports a key that occurs more than once in one input.
func JoinKeyCollision(input string, key uint64) *PipelineError {
	return New(ErrCategoryJoin, CodeKeyCollision,
		fmt.Sprintf("shot_number %d occurs more than once in %s", key, input)).
		WithDetails(map[string]interface{}{"input": input, "key": key})
}

// EmptyResult reports a join whose key intersection is empty.
func EmptyResult(inputs []string) *PipelineError {
	return New(ErrCategoryJoin, CodeEmptyResult,
		fmt.Sprintf("no shot_number common to all %d inputs", len(inputs))).
		WithDetails(map[string]interface{}{"inputs": inputs})
}

func NewSchemaError(code, message string) *PipelineError {
	return New(ErrCategorySchema, code, message)
}

func NewSourceError(message string, cause error) *PipelineError {
	return Wrap(ErrCategorySource, CodeUnexpected, message, cause)
}

func NewJoinError(code, message string) *PipelineError {
	return New(ErrCategoryJoin, code, message)
}

func NewStorageError(code, message string, cause error) *PipelineError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string) *PipelineError {
	return New(ErrCategoryConfig, CodeInvalidArgument, message)
}

func NewInternalError(message string, cause error) *PipelineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

var (
	errUnsupportedType = New(ErrCategorySchema, CodeUnsupportedType, "")
	errDatasetNotFound = New(ErrCategorySchema, CodeDatasetNotFound, "")
	errSchemaMismatch  = New(ErrCategoryConversion, CodeSchemaMismatch, "")
	errKeyCollision    = New(ErrCategoryJoin, CodeKeyCollision, "")
	errEmptyResult     = New(ErrCategoryJoin, CodeEmptyResult, "")
)

func IsUnsupportedType(err error) bool  { return errors.Is(err, errUnsupportedType) }
func IsDatasetNotFound(err error) bool  { return errors.Is(err, errDatasetNotFound) }
func IsSchemaMismatch(err error) bool   { return errors.Is(err, errSchemaMismatch) }
func IsJoinKeyCollision(err error) bool { return errors.Is(err, errKeyCollision) }
func IsEmptyResult(err error) bool      { return errors.Is(err, errEmptyResult) }

package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for revgraph errors.
type ErrorCode string

// Artifact error codes
const (
	ARTIFACT_MALFORMED ErrorCode = "ARTIFACT_MALFORMED"
	ARTIFACT_DECODE    ErrorCode = "ARTIFACT_DECODE"
)

// Graph store error codes
const (
	GRAPH_CONNECTION_FAILED ErrorCode = "GRAPH_CONNECTION_FAILED"
	GRAPH_CONNECTION_CLOSED ErrorCode = "GRAPH_CONNECTION_CLOSED"
	GRAPH_QUERY_FAILED      ErrorCode = "GRAPH_QUERY_FAILED"
	GRAPH_INVALID_CONFIG    ErrorCode = "GRAPH_INVALID_CONFIG"
)

// Schema and loader error codes
const (
	SCHEMA_NOT_READY    ErrorCode = "SCHEMA_NOT_READY"
	SCHEMA_APPLY_FAILED ErrorCode = "SCHEMA_APPLY_FAILED"
	DANGLING_REFERENCE  ErrorCode = "DANGLING_REFERENCE"
	LOAD_FAILED         ErrorCode = "LOAD_FAILED"
)

// Embedding and similarity error codes
const (
	EMBEDDING_MODEL_MISMATCH   ErrorCode = "EMBEDDING_MODEL_MISMATCH"
	EMBEDDING_MISSING          ErrorCode = "EMBEDDING_MISSING"
	EMBEDDING_PROVIDER_FAILED  ErrorCode = "EMBEDDING_PROVIDER_FAILED"
	EMBEDDING_INVALID_CONFIG   ErrorCode = "EMBEDDING_INVALID_CONFIG"
	EMBEDDING_DIMENSION_ERROR  ErrorCode = "EMBEDDING_DIMENSION_ERROR"
	CLUSTERING_INVALID_METHOD  ErrorCode = "CLUSTERING_INVALID_METHOD"
	ANALYSIS_INVALID_PARAMETER ErrorCode = "ANALYSIS_INVALID_PARAMETER"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Observability error codes
const (
	TRACING_INIT_FAILED ErrorCode = "TRACING_INIT_FAILED"
)

// Error represents a structured error with error code, message, and optional cause.
// It supports error wrapping and retryability hints for error handling logic.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface, returning a formatted error message.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error by error code.
func (e *Error) Is(target error) bool {
	var re *Error
	if errors.As(target, &re) {
		return e.Code == re.Code
	}
	return false
}

// NewError creates a new non-retryable Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// NewErrorf creates a new non-retryable Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewRetryableError creates a new retryable Error with the given code and message.
// Use this for transient errors that may succeed on retry (e.g., network timeouts).
func NewRetryableError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable Error that wraps an existing error.
// The wrapped error is accessible via Unwrap() for error chain inspection.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapRetryableError creates a retryable Error that wraps an existing error.
func WrapRetryableError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Retryable: true,
		Cause:     cause,
	}
}

// CodeOf extracts the ErrorCode from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// IsRetryable reports whether err (or any error in its chain) is marked retryable.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsCode reports whether err carries the given error code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

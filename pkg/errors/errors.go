// Package errors provides a structured error system for perfopt with error codes, categories, and context.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for perfopt operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Cache tier errors
	ErrCodeCacheRead      ErrorCode = "CACHE_READ"
	ErrCodeCacheWrite     ErrorCode = "CACHE_WRITE"
	ErrCodeCacheCorrupt   ErrorCode = "CACHE_CORRUPT"
	ErrCodeCacheSerialize ErrorCode = "CACHE_SERIALIZE"
	ErrCodeCacheClear     ErrorCode = "CACHE_CLEAR"

	// Task execution errors
	ErrCodeTaskFailed  ErrorCode = "TASK_FAILED"
	ErrCodeTaskTimeout ErrorCode = "TASK_TIMEOUT"
	ErrCodeTaskPanic   ErrorCode = "TASK_PANIC"

	// Resource monitor errors
	ErrCodeSampleFailed  ErrorCode = "SAMPLE_FAILED"
	ErrCodeSampleTimeout ErrorCode = "SAMPLE_TIMEOUT"

	// State management errors
	ErrCodeAlreadyStarted   ErrorCode = "ALREADY_STARTED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryCache         ErrorCategory = "cache"
	CategoryTask          ErrorCategory = "task"
	CategoryMonitor       ErrorCategory = "monitor"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// PerfOptError represents a structured error with context and metadata.
type PerfOptError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks transient failures that the caller may retry.
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *PerfOptError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *PerfOptError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *PerfOptError) Is(target error) bool {
	if t, ok := target.(*PerfOptError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *PerfOptError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("PerfOptError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new perfopt error with default values.
func NewError(code ErrorCode, message string) *PerfOptError {
	return &PerfOptError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new perfopt error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *PerfOptError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new perfopt error around an existing cause.
func Wrap(cause error, code ErrorCode, message string) *PerfOptError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case codeStr == string(ErrCodeInvalidConfig) || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "CACHE_"):
		return CategoryCache
	case strings.HasPrefix(codeStr, "TASK_"):
		return CategoryTask
	case strings.HasPrefix(codeStr, "SAMPLE_"):
		return CategoryMonitor
	case strings.HasPrefix(codeStr, "ALREADY_") || strings.HasPrefix(codeStr, "COMPONENT_"):
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeCacheRead:     true,
		ErrCodeCacheWrite:    true,
		ErrCodeTaskTimeout:   true,
		ErrCodeSampleFailed:  true,
		ErrCodeSampleTimeout: true,
	}
	return retryableCodes[code]
}

// WithContext adds contextual information to an error
func (e *PerfOptError) WithContext(key, value string) *PerfOptError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *PerfOptError) WithDetail(key string, value interface{}) *PerfOptError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *PerfOptError) WithComponent(component string) *PerfOptError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *PerfOptError) WithOperation(operation string) *PerfOptError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *PerfOptError) WithCause(cause error) *PerfOptError {
	e.Cause = cause
	return e
}

// GetCode extracts the error code from any error in the chain.
// Context cancellation and deadline errors map to the timeout codes of the
// task category; everything else unknown is INTERNAL_ERROR.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var pe *PerfOptError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return ErrCodeTaskTimeout
	}
	return ErrCodeInternalError
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var pe *PerfOptError
	if stderrors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// IsTransient reports whether err is a recoverable failure (sampling hiccups,
// timeouts, tier I/O) as opposed to a fatal one such as a configuration error.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *PerfOptError
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil || err.Context == nil {
			t.Error("Details/Context maps not initialized")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets correct retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeSampleFailed, "psutil hiccup").Retryable {
			t.Error("SampleFailed should be retryable by default")
		}
		if NewError(ErrCodeConfigValidation, "bad").Retryable {
			t.Error("ConfigValidation should not be retryable by default")
		}
	})
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code ErrorCode
		want ErrorCategory
	}{
		{ErrCodeInvalidConfig, CategoryConfiguration},
		{ErrCodeConfigLoad, CategoryConfiguration},
		{ErrCodeCacheCorrupt, CategoryCache},
		{ErrCodeCacheWrite, CategoryCache},
		{ErrCodeTaskPanic, CategoryTask},
		{ErrCodeSampleTimeout, CategoryMonitor},
		{ErrCodeAlreadyStarted, CategoryState},
		{ErrCodeInternalError, CategoryInternal},
	}

	for _, tt := range tests {
		if got := GetCategory(tt.code); got != tt.want {
			t.Errorf("GetCategory(%s) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestErrorFormatting(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("disk full")
	err := NewError(ErrCodeCacheWrite, "write record").
		WithComponent("cache").
		WithOperation("put").
		WithCause(cause).
		WithDetail("key", "k1")

	msg := err.Error()
	if !strings.HasPrefix(msg, "[cache:put] CACHE_WRITE: write record") {
		t.Errorf("unexpected Error() = %q", msg)
	}
	if !strings.Contains(msg, "disk full") {
		t.Errorf("Error() should include cause, got %q", msg)
	}

	s := err.String()
	for _, want := range []string{"Code=CACHE_WRITE", "Category=cache", `Cause="disk full"`, `"key":"k1"`} {
		if !strings.Contains(s, want) {
			t.Errorf("String() missing %q: %s", want, s)
		}
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("boom")
	err := Wrap(cause, ErrCodeTaskFailed, "item 3 failed")
	wrapped := fmt.Errorf("batch: %w", err)

	if !stderrors.Is(wrapped, NewError(ErrCodeTaskFailed, "")) {
		t.Error("errors.Is should match on code")
	}
	if stderrors.Is(wrapped, NewError(ErrCodeTaskPanic, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !stderrors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}

	var pe *PerfOptError
	if !stderrors.As(wrapped, &pe) || pe.Code != ErrCodeTaskFailed {
		t.Errorf("errors.As failed, got %v", pe)
	}
}

func TestGetCodeAndIsCode(t *testing.T) {
	t.Parallel()

	if GetCode(nil) != "" {
		t.Error("GetCode(nil) should be empty")
	}
	if got := GetCode(Newf(ErrCodeCacheCorrupt, "record %s", "abc")); got != ErrCodeCacheCorrupt {
		t.Errorf("GetCode = %s", got)
	}
	if got := GetCode(context.DeadlineExceeded); got != ErrCodeTaskTimeout {
		t.Errorf("deadline should map to TASK_TIMEOUT, got %s", got)
	}
	if got := GetCode(fmt.Errorf("plain")); got != ErrCodeInternalError {
		t.Errorf("plain error should map to INTERNAL_ERROR, got %s", got)
	}
	if !IsCode(fmt.Errorf("x: %w", NewError(ErrCodeSampleTimeout, "t")), ErrCodeSampleTimeout) {
		t.Error("IsCode should see through wrapping")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sample failure", NewError(ErrCodeSampleFailed, "x"), true},
		{"sample timeout wrapped", fmt.Errorf("tick: %w", NewError(ErrCodeSampleTimeout, "x")), true},
		{"config", NewError(ErrCodeConfigValidation, "x"), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", fmt.Errorf("x"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}

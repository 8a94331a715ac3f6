package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(ErrCodeValidation, "title is required")

	if err == nil {
		t.Fatal("New should return non-nil error")
	}

	if err.Code != ErrCodeValidation {
		t.Errorf("Code = %v, want %v", err.Code, ErrCodeValidation)
	}

	if err.Message != "title is required" {
		t.Errorf("Message = %v, want 'title is required'", err.Message)
	}

	if err.Underlying != nil {
		t.Error("Underlying should be nil for New error")
	}

	if len(err.Stack) == 0 {
		t.Error("Stack should be captured")
	}

	if err.Retryable {
		t.Error("Retryable should default to false")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ErrCodeNotFound, "test %s not found", "test_01")
	if err.Message != "test test_01 not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestWrap(t *testing.T) {
	underlying := errors.New("disk full")
	err := Wrap(underlying, ErrCodeStorageWrite, "failed to save result")

	if err == nil {
		t.Fatal("Wrap should return non-nil error")
	}

	if err.Underlying != underlying {
		t.Error("Underlying should be preserved")
	}

	if !strings.Contains(err.Error(), "disk full") {
		t.Error("Error string should include underlying error")
	}

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should see through Wrap")
	}
}

func TestWrap_Nil(t *testing.T) {
	if err := Wrap(nil, ErrCodeInternal, "test"); err != nil {
		t.Error("Wrap of nil should return nil")
	}
}

func TestWithContext_SortedOutput(t *testing.T) {
	err := New(ErrCodeValidation, "invalid specification").
		WithContext("steps", 11).
		WithContext("field", "steps")

	got := err.Error()
	if !strings.Contains(got, "{field: steps, steps: 11}") {
		t.Errorf("Error() = %q, want sorted context", got)
	}
}

func TestIsCode_ThroughWrapping(t *testing.T) {
	base := New(ErrCodeValidation, "url is required")
	wrapped := fmt.Errorf("submit: %w", base)

	if !IsCode(wrapped, ErrCodeValidation) {
		t.Error("IsCode should find the code through fmt.Errorf wrapping")
	}
	if !IsValidation(wrapped) {
		t.Error("IsValidation should be true")
	}
	if IsNotFound(wrapped) {
		t.Error("IsNotFound should be false")
	}
	if GetCode(wrapped) != ErrCodeValidation {
		t.Errorf("GetCode = %v", GetCode(wrapped))
	}
}

func TestGetCode_PlainError(t *testing.T) {
	if got := GetCode(errors.New("boom")); got != ErrCodeInternal {
		t.Errorf("GetCode(plain) = %v, want %v", got, ErrCodeInternal)
	}
	if got := GetCode(nil); got != "" {
		t.Errorf("GetCode(nil) = %v, want empty", got)
	}
}

func TestIsRetryable(t *testing.T) {
	err := New(ErrCodeAgentTimeout, "step timed out").WithRetryable(true)
	if !IsRetryable(err) {
		t.Error("IsRetryable should be true")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestPublic(t *testing.T) {
	err := New(ErrCodeInternal, "sqlite: database is locked")
	if err.Public() != "sqlite: database is locked" {
		t.Errorf("Public() without user message = %q", err.Public())
	}
	err.WithUserMessage("result storage is temporarily unavailable")
	if err.Public() != "result storage is temporarily unavailable" {
		t.Errorf("Public() = %q", err.Public())
	}
}

func TestStackTrace(t *testing.T) {
	err := New(ErrCodeInternal, "boom")
	trace := err.StackTrace()
	if !strings.HasPrefix(trace, "Stack trace:\n") {
		t.Errorf("unexpected trace header: %q", trace)
	}
	if !strings.Contains(trace, "TestStackTrace") {
		t.Error("stack should include the calling test")
	}
}

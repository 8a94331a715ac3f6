package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrUnavailable   = errors.New("browsing agent unavailable")
	ErrSessionClosed = errors.New("agent session closed")
	ErrStepTimeout   = errors.New("agent step timed out")
)

// Fault codes reported by agent adapters.
const (
	CodeUnavailable = "unavailable"
	CodeTimeout     = "timeout"
	CodeRejected    = "rejected"
	CodeProtocol    = "protocol"
)

// Error wraps faults raised by an agent adapter with a stable code.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("agent error [%s]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError wraps an existing error with agent context.
func WrapError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// IsTimeout reports whether err is a step or transport deadline.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStepTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code == CodeTimeout
	}
	return false
}

// IsRetryable returns true if the error might succeed on retry. The
// orchestrator never retries on its own; adapters may use this.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || IsTimeout(err) {
		return true
	}
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Code == CodeUnavailable
	}
	return false
}

// Describe renders a fault as a single line suitable for a step observation.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if IsTimeout(err) {
		return "agent fault: step timed out: " + err.Error()
	}
	return "agent fault: " + err.Error()
}

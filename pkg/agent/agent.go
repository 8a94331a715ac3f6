// Package agent defines the boundary to the browsing agent: an external
// collaborator that performs one natural-language instruction against a live
// browser page and reports what happened.
package agent

import (
	"context"
	"time"
)

// Runtime opens browsing sessions.
type Runtime interface {
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)
	Close() error
}

// Session is one browser owned by a single test run.
type Session interface {
	ID() string
	// Perform executes one instruction against the current page state.
	// A returned error is a transport or timeout fault; an agent that ran
	// but could not complete the instruction reports OutcomeFailed instead.
	Perform(ctx context.Context, req StepRequest) (*StepOutcome, error)
	Close() error
}

// Outcome is the per-step result reported by the agent.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Viewport defines the browser viewport size.
type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// SessionConfig configures a browsing session.
type SessionConfig struct {
	SessionID string   `json:"session_id"`
	StartURL  string   `json:"start_url"`
	Viewport  Viewport `json:"viewport"`
	Headless  bool     `json:"headless"`
}

// DefaultSessionConfig returns the recommended session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Viewport: Viewport{Width: 1280, Height: 720},
		Headless: true,
	}
}

// StepRequest is the input for a single agent call.
type StepRequest struct {
	// Index is 1-based.
	Index             int      `json:"index"`
	Instruction       string   `json:"instruction"`
	PriorObservations []string `json:"prior_observations"`
}

// StepOutcome is what the agent returns for one step.
type StepOutcome struct {
	Observation string      `json:"observation"`
	Screenshot  *Screenshot `json:"-"`
	Outcome     Outcome     `json:"outcome"`
}

// ScreenshotFormat identifies the image encoding of a screenshot.
type ScreenshotFormat string

const (
	FormatPNG  ScreenshotFormat = "png"
	FormatJPEG ScreenshotFormat = "jpeg"
	FormatWebP ScreenshotFormat = "webp"
)

// ParseFormat maps a format name or MIME type to a ScreenshotFormat.
// Unknown values fall back to PNG.
func ParseFormat(s string) ScreenshotFormat {
	switch s {
	case "jpeg", "jpg", "image/jpeg":
		return FormatJPEG
	case "webp", "image/webp":
		return FormatWebP
	default:
		return FormatPNG
	}
}

// Ext returns the file extension without a dot.
func (f ScreenshotFormat) Ext() string {
	if f == FormatJPEG {
		return "jpg"
	}
	if f == "" {
		return string(FormatPNG)
	}
	return string(f)
}

// ContentType returns the MIME type for the format.
func (f ScreenshotFormat) ContentType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

// Screenshot is an opaque image captured after a step.
type Screenshot struct {
	Format     ScreenshotFormat
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
}

// Package logging provides the structured slog logger used across
// browsertest components.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Options configures NewLogger.
type Options struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File is appended to in addition to stderr when set.
	File string `yaml:"file"`
}

// DefaultOptions logs text at info level and mirrors to test_execution.log.
func DefaultOptions() Options {
	return Options{Level: "info", Format: "text", File: "test_execution.log"}
}

// Logger is a structured logger for browsertest components.
type Logger struct {
	*slog.Logger
}

// ParseLevel maps a level name to slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger creates a logger writing to stderr and, when opts.File is set,
// to that file. The returned closer releases the file.
func NewLogger(component string, opts Options) (*Logger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f
	}

	return New(out, component, level, opts.Format), closer, nil
}

// New builds a logger on an arbitrary writer.
func New(w io.Writer, component string, level slog.Level, format string) *Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return &Logger{Logger: slog.New(handler).With(
		slog.String("component", component),
	)}
}

// Nop discards everything.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithContext adds the trace and span ids of the active span, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return l
	}
	return &Logger{Logger: l.Logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)}
}

// WithRun returns a logger scoped to one test run.
func (l *Logger) WithRun(testID, title string) *Logger {
	return &Logger{Logger: l.Logger.With(
		slog.String("test_id", testID),
		slog.String("title", title),
	)}
}

// RunStarted logs run acceptance.
func (l *Logger) RunStarted(url string, totalSteps int) {
	l.Info("run started",
		slog.String("url", url),
		slog.Int("total_steps", totalSteps),
	)
}

// StepFinished logs one executed step.
func (l *Logger) StepFinished(index int, instruction, outcome string, elapsed time.Duration, observation string) {
	level := slog.LevelInfo
	if outcome != "succeeded" {
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "step finished",
		slog.Int("step", index),
		slog.String("instruction", instruction),
		slog.String("outcome", outcome),
		slog.Duration("elapsed", elapsed),
		slog.String("observation", observation),
	)
}

// RunFinished logs the terminal verdict.
func (l *Logger) RunFinished(state, status, signal string, confidence float64, elapsed time.Duration) {
	l.Info("run finished",
		slog.String("run_state", state),
		slog.String("status", status),
		slog.String("signal", signal),
		slog.Float64("confidence", confidence),
		slog.Duration("elapsed", elapsed),
	)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Package artifact holds the per-step evidence of a test run: the append-only
// step log and the screenshot blobs, which are stored once and handled by
// reference afterwards.
package artifact

import (
	"fmt"
	"time"

	"github.com/odvcencio/browsertest/pkg/agent"
)

// ScreenshotRef points at a stored screenshot.
type ScreenshotRef struct {
	Key    string                 `json:"key"`
	Format agent.ScreenshotFormat `json:"format"`
	Size   int64                  `json:"size"`
	SHA256 string                 `json:"sha256"`
}

// StepRecord is the evidence for one executed step. Records are immutable
// once appended to a RunLog.
type StepRecord struct {
	Index       int            `json:"index"`
	Instruction string         `json:"instruction"`
	Observation string         `json:"observation"`
	Screenshot  *ScreenshotRef `json:"screenshot,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Duration    time.Duration  `json:"duration_ns"`
	Outcome     agent.Outcome  `json:"outcome"`
}

// Failed reports whether the step did not complete.
func (r StepRecord) Failed() bool {
	return r.Outcome != agent.OutcomeSucceeded
}

// LogLine renders the record as one execution log entry.
func (r StepRecord) LogLine() string {
	return fmt.Sprintf("Step %d [%s] %s: %s", r.Index, r.Outcome, r.Instruction, r.Observation)
}

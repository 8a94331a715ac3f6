// Package report defines the terminal Result of a test run and its export form.
package report

import (
	"time"

	"github.com/odvcencio/browsertest/pkg/artifact"
	"github.com/odvcencio/browsertest/pkg/compare"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	StateRunning     RunState = "running"
	StateCompleted   RunState = "completed"
	StateFailedEarly RunState = "failed_early"
	StateCancelled   RunState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailedEarly || s == StateCancelled
}

// Result is produced once per run and never modified afterwards. It is
// shared by pointer between the tracker, the store and API readers; callers
// must treat it as read-only.
type Result struct {
	TestID               string                   `json:"test_id"`
	Title                string                   `json:"title"`
	URL                  string                   `json:"url"`
	Status               compare.Status           `json:"status"`
	RunState             RunState                 `json:"run_state"`
	ExpectedOutcome      string                   `json:"expected_outcome"`
	ActualOutcome        string                   `json:"actual_outcome"`
	ComparisonResult     string                   `json:"comparison_result"`
	VerdictSignal        compare.Signal           `json:"verdict_signal"`
	Confidence           float64                  `json:"confidence"`
	ExecutionLog         []string                 `json:"execution_log"`
	Steps                []artifact.StepRecord    `json:"steps"`
	Screenshots          []artifact.ScreenshotRef `json:"screenshots"`
	StartedAt            time.Time                `json:"started_at"`
	EndedAt              time.Time                `json:"ended_at"`
	Timestamp            time.Time                `json:"timestamp"`
	ExecutionTimeSeconds float64                  `json:"execution_time_seconds"`
}

// Params carries what the orchestrator knows when a run ends.
type Params struct {
	TestID    string
	Spec      testcase.Specification
	State     RunState
	Verdict   compare.Verdict
	Records   []artifact.StepRecord
	StartedAt time.Time
	EndedAt   time.Time
}

// Build assembles the Result. The execution log has exactly one line per
// record, in step order.
func Build(p Params) *Result {
	records := make([]artifact.StepRecord, len(p.Records))
	copy(records, p.Records)

	log := make([]string, len(records))
	shots := make([]artifact.ScreenshotRef, 0, len(records))
	for i, rec := range records {
		log[i] = rec.LogLine()
		if rec.Screenshot != nil {
			shots = append(shots, *rec.Screenshot)
		}
	}

	elapsed := p.EndedAt.Sub(p.StartedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}

	return &Result{
		TestID:               p.TestID,
		Title:                p.Spec.Title,
		URL:                  p.Spec.URL,
		Status:               p.Verdict.Status,
		RunState:             p.State,
		ExpectedOutcome:      p.Spec.ExpectedOutcome,
		ActualOutcome:        p.Verdict.ActualSummary,
		ComparisonResult:     p.Verdict.Rationale,
		VerdictSignal:        p.Verdict.Signal,
		Confidence:           p.Verdict.Confidence,
		ExecutionLog:         log,
		Steps:                records,
		Screenshots:          shots,
		StartedAt:            p.StartedAt,
		EndedAt:              p.EndedAt,
		Timestamp:            p.EndedAt,
		ExecutionTimeSeconds: elapsed,
	}
}

// ScreenshotForStep returns the screenshot reference of a 1-based step.
func (r *Result) ScreenshotForStep(step int) (artifact.ScreenshotRef, bool) {
	for _, rec := range r.Steps {
		if rec.Index == step && rec.Screenshot != nil {
			return *rec.Screenshot, true
		}
	}
	return artifact.ScreenshotRef{}, false
}

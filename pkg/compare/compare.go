// Package compare turns the evidence trail of a run into a verdict.
package compare

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/browsertest/pkg/artifact"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
)

// Status is the overall verdict of a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Signal names what drove a verdict.
type Signal string

const (
	SignalStepFailure     Signal = "step_failure"
	SignalCancelled       Signal = "cancelled"
	SignalOutcomeMatch    Signal = "outcome_match"
	SignalOutcomeMismatch Signal = "outcome_mismatch"
	SignalLowConfidence   Signal = "low_confidence"
	SignalAmbiguous       Signal = "ambiguous"
)

// Input is everything the comparator looks at.
type Input struct {
	Expected   string
	Steps      []artifact.StepRecord
	TotalSteps int
	Cancelled  bool
}

// Verdict is the comparator's decision.
type Verdict struct {
	Status        Status  `json:"status"`
	ActualSummary string  `json:"actual_summary"`
	Rationale     string  `json:"rationale"`
	Signal        Signal  `json:"signal"`
	Confidence    float64 `json:"confidence"`
	// Err is set when the matcher could not score the outcome.
	Err error `json:"-"`
}

// Match is a matcher's score for how well the observed summary satisfies the
// expected outcome.
type Match struct {
	Confidence float64
	Evidence   string
}

// Matcher scores expected against actual text. Implementations used in tests
// must be deterministic for identical inputs.
type Matcher interface {
	Name() string
	Match(ctx context.Context, expected, actual string) (Match, error)
}

// Comparator applies the verdict policy on top of a Matcher.
type Comparator struct {
	matcher Matcher
	bands   Bands
}

// New builds a comparator. A nil matcher selects the KeywordMatcher.
func New(matcher Matcher, bands Bands) (*Comparator, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	if matcher == nil {
		matcher = NewKeywordMatcher()
	}
	return &Comparator{matcher: matcher, bands: bands}, nil
}

// Bands returns the banding policy in use.
func (c *Comparator) Bands() Bands { return c.bands }

// Matcher returns the matcher in use.
func (c *Comparator) Matcher() Matcher { return c.matcher }

// Compare always returns a verdict; matcher failures become a partial verdict.
func (c *Comparator) Compare(ctx context.Context, in Input) Verdict {
	summary := Summarize(in.Steps)
	v := Verdict{ActualSummary: summary}

	if failed, ok := firstFailure(in.Steps); ok {
		v.Status = StatusFailed
		v.Signal = SignalStepFailure
		v.Rationale = fmt.Sprintf("FAILED (%s): step %d of %d failed: %s. %d step(s) completed before the run stopped.",
			v.Signal, failed.Index, total(in), failed.Observation, failed.Index-1)
		return v
	}
	if in.Cancelled {
		v.Status = StatusFailed
		v.Signal = SignalCancelled
		v.Rationale = fmt.Sprintf("FAILED (%s): run was cancelled after %d of %d steps.", v.Signal, len(in.Steps), total(in))
		return v
	}
	if len(in.Steps) == 0 {
		v.Status = StatusFailed
		v.Signal = SignalStepFailure
		v.Rationale = fmt.Sprintf("FAILED (%s): no steps were executed.", v.Signal)
		return v
	}

	m, err := c.matcher.Match(ctx, in.Expected, summary)
	if err != nil {
		v.Status = StatusPartial
		v.Signal = SignalAmbiguous
		v.Err = bterrors.Wrap(err, bterrors.ErrCodeComparatorAmbiguity, "score outcome").
			WithContext("matcher", c.matcher.Name())
		v.Rationale = fmt.Sprintf("PARTIAL (%s): all %d steps completed but the %s matcher could not score the outcome: %v.",
			v.Signal, len(in.Steps), c.matcher.Name(), err)
		return v
	}

	v.Confidence = clamp(m.Confidence)
	v.Status, v.Signal = c.bands.Classify(v.Confidence)
	var cmp string
	switch v.Signal {
	case SignalOutcomeMatch:
		cmp = fmt.Sprintf(">= pass threshold %.2f", c.bands.Pass)
	case SignalOutcomeMismatch:
		cmp = fmt.Sprintf("< fail threshold %.2f", c.bands.Fail)
	default:
		cmp = fmt.Sprintf("between fail threshold %.2f and pass threshold %.2f", c.bands.Fail, c.bands.Pass)
	}
	v.Rationale = fmt.Sprintf("%s (%s): %s confidence %.2f %s. %s",
		strings.ToUpper(string(v.Status)), v.Signal, c.matcher.Name(), v.Confidence, cmp, m.Evidence)
	v.Rationale = strings.TrimSpace(v.Rationale)
	return v
}

// Summarize concatenates observations in step order, one line per step.
func Summarize(steps []artifact.StepRecord) string {
	lines := make([]string, 0, len(steps))
	for _, s := range steps {
		lines = append(lines, fmt.Sprintf("Step %d: %s", s.Index, strings.TrimSpace(s.Observation)))
	}
	return strings.Join(lines, "\n")
}

func firstFailure(steps []artifact.StepRecord) (artifact.StepRecord, bool) {
	for _, s := range steps {
		if s.Failed() {
			return s, true
		}
	}
	return artifact.StepRecord{}, false
}

func total(in Input) int {
	if in.TotalSteps < len(in.Steps) {
		return len(in.Steps)
	}
	return in.TotalSteps
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}

package compare

import (
	"fmt"

	bterrors "github.com/odvcencio/browsertest/pkg/errors"
)

// Default banding thresholds.
const (
	DefaultPassThreshold = 0.6
	DefaultFailThreshold = 0.3
)

// Bands maps a match confidence to a status: confidence >= Pass is passed,
// confidence < Fail is failed, anything between is partial.
type Bands struct {
	Pass float64 `json:"pass" yaml:"pass"`
	Fail float64 `json:"fail" yaml:"fail"`
}

// DefaultBands returns the default policy.
func DefaultBands() Bands {
	return Bands{Pass: DefaultPassThreshold, Fail: DefaultFailThreshold}
}

// Validate requires 0 <= Fail < Pass <= 1.
func (b Bands) Validate() error {
	if b.Fail < 0 || b.Pass > 1 || b.Fail >= b.Pass {
		return bterrors.New(bterrors.ErrCodeConfigInvalid,
			fmt.Sprintf("comparator bands must satisfy 0 <= fail < pass <= 1 (fail=%.2f pass=%.2f)", b.Fail, b.Pass))
	}
	return nil
}

// Classify applies the policy to a confidence in [0, 1].
func (b Bands) Classify(confidence float64) (Status, Signal) {
	switch {
	case confidence >= b.Pass:
		return StatusPassed, SignalOutcomeMatch
	case confidence < b.Fail:
		return StatusFailed, SignalOutcomeMismatch
	default:
		return StatusPartial, SignalLowConfidence
	}
}

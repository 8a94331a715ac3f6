package artifact

import (
	"slices"
	"sync"
)

// RunLog is the append-only step history of one run. A single run goroutine
// appends; progress readers may read concurrently.
type RunLog struct {
	mu      sync.RWMutex
	records []StepRecord
}

// NewRunLog creates an empty log sized for the expected number of steps.
func NewRunLog(capacity int) *RunLog {
	return &RunLog{records: make([]StepRecord, 0, capacity)}
}

// Append adds a record and returns the new length.
func (l *RunLog) Append(rec StepRecord) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return len(l.records)
}

// Records returns a copy of the records in step order.
func (l *RunLog) Records() []StepRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.records)
}

// Len returns the number of records.
func (l *RunLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Last returns the most recent record.
func (l *RunLog) Last() (StepRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return StepRecord{}, false
	}
	return l.records[len(l.records)-1], true
}

// Observations returns the observations recorded so far, in step order.
func (l *RunLog) Observations() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.records))
	for i, rec := range l.records {
		out[i] = rec.Observation
	}
	return out
}

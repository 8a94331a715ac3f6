// Package progress tracks the live state of in-flight runs and keeps terminal
// results readable until they are evicted.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odvcencio/browsertest/pkg/artifact"
	"github.com/odvcencio/browsertest/pkg/report"
)

// Snapshot is the live view of a running test.
type Snapshot struct {
	TestID           string                  `json:"test_id"`
	Title            string                  `json:"title"`
	State            report.RunState         `json:"state"`
	CurrentStep      int                     `json:"current_step"`
	TotalSteps       int                     `json:"total_steps"`
	LatestScreenshot *artifact.ScreenshotRef `json:"latest_screenshot,omitempty"`
	LatestLog        string                  `json:"latest_log,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
}

// Entry is either a live snapshot or a terminal result.
type Entry struct {
	Snapshot Snapshot       `json:"progress"`
	Result   *report.Result `json:"result,omitempty"`
}

// Terminal reports whether the run has finished.
func (e Entry) Terminal() bool { return e.Result != nil }

// State returns the run state carried by the entry.
func (e Entry) State() report.RunState {
	if e.Result != nil {
		return e.Result.RunState
	}
	return e.Snapshot.State
}

// Config controls eviction of terminal entries. Live entries are never evicted.
type Config struct {
	RetentionTTL  time.Duration `yaml:"retention_ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the default eviction policy.
func DefaultConfig() Config {
	return Config{
		RetentionTTL:  time.Hour,
		MaxEntries:    1000,
		SweepInterval: time.Minute,
	}
}

const subscriberBuffer = 16

type record struct {
	entry       Entry
	completedAt time.Time
}

// Tracker maps test identifiers to their latest entry. Each identifier has a
// single writer, the run that owns it; any number of readers may poll.
type Tracker struct {
	cfg Config
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*record
	subs    map[string]map[chan Entry]struct{}
	onEvict func(ids []string)
}

// New creates a tracker. Zero config fields take their defaults.
func New(cfg Config) *Tracker {
	def := DefaultConfig()
	if cfg.RetentionTTL <= 0 {
		cfg.RetentionTTL = def.RetentionTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Tracker{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*record),
		subs:    make(map[string]map[chan Entry]struct{}),
	}
}

// Publish overwrites the live snapshot for id. Updates for a run that has
// already completed are ignored so terminal entries never change.
func (t *Tracker) Publish(id string, snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.entries[id]; ok && rec.entry.Terminal() {
		return
	}
	snap.TestID = id
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = t.now()
	}
	entry := Entry{Snapshot: snap}
	t.entries[id] = &record{entry: entry}
	t.notifyLocked(id, entry, false)
}

// Complete replaces the live entry with the terminal result. Only the first
// call for an id has an effect.
func (t *Tracker) Complete(id string, res *report.Result) {
	if res == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var snap Snapshot
	if rec, ok := t.entries[id]; ok {
		if rec.entry.Terminal() {
			return
		}
		snap = rec.entry.Snapshot
	}
	now := t.now()
	snap.TestID = id
	snap.State = res.RunState
	snap.UpdatedAt = now
	entry := Entry{Snapshot: snap, Result: res}
	t.entries[id] = &record{entry: entry, completedAt: now}
	t.notifyLocked(id, entry, true)
}

// Read returns the latest entry for id.
func (t *Tracker) Read(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return rec.entry, true
}

// Remove evicts an entry regardless of its state.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Counts returns the number of live and terminal entries.
func (t *Tracker) Counts() (live, terminal int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, rec := range t.entries {
		if rec.entry.Terminal() {
			terminal++
		} else {
			live++
		}
	}
	return live, terminal
}

// Live returns the snapshots of all running tests, oldest first.
func (t *Tracker) Live() []Snapshot {
	t.mu.RLock()
	out := make([]Snapshot, 0, len(t.entries))
	for _, rec := range t.entries {
		if !rec.entry.Terminal() {
			out = append(out, rec.entry.Snapshot)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TestID < out[j].TestID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// OnEvict registers fn to receive the ids removed by each Sweep. fn runs on
// the sweeping goroutine, outside the tracker lock.
func (t *Tracker) OnEvict(fn func(ids []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEvict = fn
}

// Sweep evicts terminal entries older than the retention TTL, then the
// oldest terminal entries beyond MaxEntries. It returns the evicted ids in
// sorted order.
func (t *Tracker) Sweep() []string {
	evicted, onEvict := t.sweep()
	if onEvict != nil && len(evicted) > 0 {
		onEvict(evicted)
	}
	return evicted
}

func (t *Tracker) sweep() ([]string, func([]string)) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	type aged struct {
		id string
		at time.Time
	}
	var terminal []aged
	for id, rec := range t.entries {
		if !rec.entry.Terminal() {
			continue
		}
		if now.Sub(rec.completedAt) >= t.cfg.RetentionTTL {
			delete(t.entries, id)
			evicted = append(evicted, id)
			continue
		}
		terminal = append(terminal, aged{id: id, at: rec.completedAt})
	}

	if over := len(terminal) - t.cfg.MaxEntries; over > 0 {
		sort.Slice(terminal, func(i, j int) bool {
			if terminal[i].at.Equal(terminal[j].at) {
				return terminal[i].id < terminal[j].id
			}
			return terminal[i].at.Before(terminal[j].at)
		})
		for _, a := range terminal[:over] {
			delete(t.entries, a.id)
			evicted = append(evicted, a.id)
		}
	}
	sort.Strings(evicted)
	return evicted, t.onEvict
}

// Run sweeps on the configured interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// Subscribe returns a channel of updates for id and a cancel func. The
// channel is closed after the terminal entry is delivered. Slow subscribers
// miss intermediate snapshots but always receive the terminal entry.
func (t *Tracker) Subscribe(id string) (<-chan Entry, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Entry, subscriberBuffer)
	if rec, ok := t.entries[id]; ok {
		ch <- rec.entry
		if rec.entry.Terminal() {
			close(ch)
			return ch, func() {}
		}
	}
	if t.subs[id] == nil {
		t.subs[id] = make(map[chan Entry]struct{})
	}
	t.subs[id][ch] = struct{}{}

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if set, ok := t.subs[id]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(t.subs, id)
			}
		}
	}
	return ch, cancel
}

func (t *Tracker) notifyLocked(id string, entry Entry, terminal bool) {
	set := t.subs[id]
	for ch := range set {
		select {
		case ch <- entry:
		default:
			if terminal {
				// Make room so the terminal entry is never lost.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- entry:
				default:
				}
			}
		}
		if terminal {
			close(ch)
		}
	}
	if terminal {
		delete(t.subs, id)
	}
}

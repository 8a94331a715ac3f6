// Package orchestrator runs browser tests: it validates a specification,
// drives a browsing agent session through the steps in order, and turns the
// collected evidence into a terminal Result.
package orchestrator

//go:generate mockgen -package=orchestrator -destination=mock_agent_test.go github.com/odvcencio/browsertest/pkg/agent Runtime,Session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/artifact"
	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/compare"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/export"
	"github.com/odvcencio/browsertest/pkg/logging"
	"github.com/odvcencio/browsertest/pkg/progress"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

var (
	// ErrNotFound is returned for identifiers that are neither tracked nor stored.
	ErrNotFound = errors.New("test not found")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("test run already finished")
	// ErrShuttingDown is returned by Submit and Execute after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Config tunes run execution.
type Config struct {
	// StepTimeout bounds each agent call. Exceeding it fails the step.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// MaxConcurrentRuns caps runs holding an agent session at once. Accepted
	// runs beyond the cap wait for a slot.
	MaxConcurrentRuns int  `yaml:"max_concurrent_runs"`
	Headless          bool `yaml:"headless"`
	ViewportWidth     int  `yaml:"viewport_width"`
	ViewportHeight    int  `yaml:"viewport_height"`
	// FinalizeTimeout bounds persisting and exporting a finished result.
	FinalizeTimeout time.Duration `yaml:"finalize_timeout"`
	// ExportOnComplete uploads every terminal report when an exporter is set.
	ExportOnComplete bool `yaml:"export_on_complete"`
}

// DefaultConfig returns the default execution settings.
func DefaultConfig() Config {
	def := agent.DefaultSessionConfig()
	return Config{
		StepTimeout:       2 * time.Minute,
		MaxConcurrentRuns: 4,
		Headless:          def.Headless,
		ViewportWidth:     def.Viewport.Width,
		ViewportHeight:    def.Viewport.Height,
		FinalizeTimeout:   30 * time.Second,
	}
}

// Validate checks the execution settings.
func (c Config) Validate() error {
	if c.StepTimeout <= 0 {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, "step_timeout must be positive")
	}
	if c.MaxConcurrentRuns <= 0 {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, "max_concurrent_runs must be positive")
	}
	if c.ViewportWidth <= 0 || c.ViewportHeight <= 0 {
		return bterrors.New(bterrors.ErrCodeConfigInvalid, "viewport dimensions must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = def.MaxConcurrentRuns
	}
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = def.ViewportWidth
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = def.ViewportHeight
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = def.FinalizeTimeout
	}
	return c
}

// ResultStore persists terminal results beyond tracker retention.
type ResultStore interface {
	SaveResult(ctx context.Context, res *report.Result) error
	GetResult(ctx context.Context, testID string) (*report.Result, error)
}

// Exporter uploads a finished report.
type Exporter interface {
	Upload(ctx context.Context, res *report.Result, store artifact.Store) (export.Location, error)
}

// Deps are the collaborators of an Orchestrator. Runtime is required; the
// rest fall back to in-memory defaults or are skipped when nil.
type Deps struct {
	Runtime    agent.Runtime
	Artifacts  artifact.Store
	Tracker    *progress.Tracker
	Comparator *compare.Comparator
	Results    ResultStore
	Events     *bus.Publisher
	Exporter   Exporter
	Logger     *logging.Logger
}

// Orchestrator owns the lifecycle of every run it accepts.
type Orchestrator struct {
	cfg        Config
	sessions   *agent.Manager
	artifacts  artifact.Store
	tracker    *progress.Tracker
	comparator *compare.Comparator
	results    ResultStore
	events     *bus.Publisher
	exporter   Exporter
	log        *logging.Logger
	slots      *semaphore.Weighted

	now   func() time.Time
	newID func() string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*runHandle
	closing bool
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	result *report.Result
}

// New wires an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Runtime == nil {
		return nil, bterrors.New(bterrors.ErrCodeConfigInvalid, "browsing agent runtime is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if deps.Artifacts == nil {
		deps.Artifacts = artifact.NewMemoryStore()
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.New(progress.DefaultConfig())
	}
	if deps.Comparator == nil {
		cmp, err := compare.New(nil, compare.DefaultBands())
		if err != nil {
			return nil, err
		}
		deps.Comparator = cmp
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		sessions:   agent.NewManager(deps.Runtime),
		artifacts:  deps.Artifacts,
		tracker:    deps.Tracker,
		comparator: deps.Comparator,
		results:    deps.Results,
		events:     deps.Events,
		exporter:   deps.Exporter,
		log:        deps.Logger,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		now:        time.Now,
		newID:      NewTestID,
		ctx:        ctx,
		stop:       stop,
		runs:       make(map[string]*runHandle),
	}
	// Without a result store an evicted run is gone for good, so its
	// screenshots go with it. With one, storage retention owns cleanup.
	if o.results == nil {
		o.tracker.OnEvict(o.discardArtifacts)
	}
	return o, nil
}

// NewTestID returns a unique, time-sortable test identifier.
func NewTestID() string {
	return "test_" + ulid.Make().String()
}

// Tracker exposes the live progress tracker.
func (o *Orchestrator) Tracker() *progress.Tracker { return o.tracker }

// Artifacts exposes the screenshot store.
func (o *Orchestrator) Artifacts() artifact.Store { return o.artifacts }

// Execute runs spec to completion on the caller's goroutine. Cancelling ctx
// cancels the run between steps; a Result is still returned.
func (o *Orchestrator) Execute(ctx context.Context, spec testcase.Specification) (*report.Result, error) {
	rc, err := o.accept(ctx, spec)
	if err != nil {
		return nil, err
	}
	return o.run(rc), nil
}

// Submit validates and accepts spec, then runs it in the background. The
// returned identifier is immediately pollable.
func (o *Orchestrator) Submit(ctx context.Context, spec testcase.Specification) (string, error) {
	rc, err := o.accept(o.ctx, spec)
	if err != nil {
		return "", err
	}
	go o.run(rc)
	return rc.id, nil
}

// Poll returns the live snapshot or terminal result of a run.
func (o *Orchestrator) Poll(ctx context.Context, testID string) (progress.Entry, error) {
	if entry, ok := o.tracker.Read(testID); ok {
		return entry, nil
	}
	if o.results != nil {
		res, err := o.results.GetResult(ctx, testID)
		if err == nil {
			return entryFromResult(res), nil
		}
		if !bterrors.IsNotFound(err) {
			return progress.Entry{}, err
		}
	}
	return progress.Entry{}, notFound(testID)
}

// Wait blocks until the run finishes and returns its Result.
func (o *Orchestrator) Wait(ctx context.Context, testID string) (*report.Result, error) {
	o.mu.Lock()
	h, ok := o.runs[testID]
	o.mu.Unlock()
	if ok {
		select {
		case <-h.done:
			return h.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	entry, err := o.Poll(ctx, testID)
	if err != nil {
		return nil, err
	}
	if !entry.Terminal() {
		// Accepted by another process sharing the store; not ours to wait on.
		return nil, notFound(testID)
	}
	return entry.Result, nil
}

// Cancel asks a run to stop. The step in flight, if any, completes first.
// Runs that already ended, tracked or stored, return ErrRunFinished.
func (o *Orchestrator) Cancel(ctx context.Context, testID string) error {
	o.mu.Lock()
	h, ok := o.runs[testID]
	o.mu.Unlock()
	if ok {
		h.cancel()
		return nil
	}
	entry, err := o.Poll(ctx, testID)
	if err != nil {
		return err
	}
	if entry.Terminal() {
		return ErrRunFinished
	}
	return notFound(testID)
}

// DiscardArtifacts deletes the screenshots of finished runs.
func (o *Orchestrator) DiscardArtifacts(ctx context.Context, testIDs []string) {
	for _, id := range testIDs {
		if err := o.artifacts.DeleteRun(ctx, id); err != nil {
			o.log.Warn("discard screenshots failed", "test_id", id, "error", err)
		}
	}
}

func (o *Orchestrator) discardArtifacts(testIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.FinalizeTimeout)
	defer cancel()
	o.DiscardArtifacts(ctx, testIDs)
}

// Active returns the number of runs not yet finished.
func (o *Orchestrator) Active() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.runs)
}

// Shutdown stops accepting runs, cancels in-flight runs between steps and
// waits for them to reach their terminal Result. The agent runtime is closed
// afterwards.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for runs: %w", ctx.Err())
	}
	return o.sessions.Close()
}

func notFound(testID string) error {
	return bterrors.Wrap(ErrNotFound, bterrors.ErrCodeNotFound, "unknown test id").
		WithContext("test_id", testID).
		WithUserMessage("test not found")
}

func entryFromResult(res *report.Result) progress.Entry {
	total := len(res.Steps)
	return progress.Entry{
		Snapshot: progress.Snapshot{
			TestID:      res.TestID,
			Title:       res.Title,
			State:       res.RunState,
			CurrentStep: total,
			TotalSteps:  total,
			StartedAt:   res.StartedAt,
			UpdatedAt:   res.EndedAt,
		},
		Result: res,
	}
}

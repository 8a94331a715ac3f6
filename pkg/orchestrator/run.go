package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/artifact"
	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/compare"
	"github.com/odvcencio/browsertest/pkg/logging"
	"github.com/odvcencio/browsertest/pkg/progress"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/telemetry"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

// runContext is owned by the goroutine executing the run.
type runContext struct {
	id        string
	spec      testcase.Specification
	log       *artifact.RunLog
	state     report.RunState
	startedAt time.Time
	endedAt   time.Time

	ctx    context.Context
	handle *runHandle
	logger *logging.Logger
}

// accept validates spec and registers the run. Nothing is created when the
// specification is invalid.
func (o *Orchestrator) accept(parent context.Context, spec testcase.Specification) (*runContext, error) {
	spec = spec.Normalize()
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return nil, ErrShuttingDown
	}
	id := o.newID()
	ctx, cancel := context.WithCancel(parent)
	stopWithOrchestrator := context.AfterFunc(o.ctx, cancel)
	handle := &runHandle{
		cancel: func() {
			stopWithOrchestrator()
			cancel()
		},
		done: make(chan struct{}),
	}
	o.runs[id] = handle
	o.wg.Add(1)
	o.mu.Unlock()

	rc := &runContext{
		id:        id,
		spec:      spec,
		log:       artifact.NewRunLog(len(spec.Steps)),
		state:     report.StateRunning,
		startedAt: o.now(),
		ctx:       ctx,
		handle:    handle,
		logger:    o.log.WithRun(id, spec.Title),
	}

	o.tracker.Publish(id, o.snapshot(rc, nil))
	recordRunStarted()
	rc.logger.RunStarted(spec.URL, len(spec.Steps))
	o.publish(rc, bus.EventAccepted, acceptedEvent{
		Title:      spec.Title,
		URL:        spec.URL,
		TotalSteps: len(spec.Steps),
	})
	return rc, nil
}

type acceptedEvent struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	TotalSteps int    `json:"total_steps"`
}

type finishedEvent struct {
	Status     compare.Status  `json:"status"`
	RunState   report.RunState `json:"run_state"`
	Signal     compare.Signal  `json:"verdict_signal"`
	Confidence float64         `json:"confidence"`
	Elapsed    float64         `json:"execution_time_seconds"`
}

// run executes the step loop and always produces a terminal Result.
func (o *Orchestrator) run(rc *runContext) *report.Result {
	defer o.wg.Done()

	ctx, span := telemetry.StartSpan(rc.ctx, "browsertest.run", trace.WithAttributes(
		telemetry.AttrTestID.String(rc.id),
		telemetry.AttrURL.String(rc.spec.URL),
		telemetry.AttrTotalSteps.Int(len(rc.spec.Steps)),
	))
	defer span.End()

	var session agent.Session
	if err := o.slots.Acquire(ctx, 1); err != nil {
		rc.state = report.StateCancelled
	} else {
		defer o.slots.Release(1)
		session = o.openSession(ctx, rc)
	}

	if session != nil {
		o.stepLoop(ctx, rc, session)
	}

	res := o.finish(ctx, rc, session != nil)

	span.SetAttributes(
		telemetry.AttrStatus.String(string(res.Status)),
		telemetry.AttrSignal.String(string(res.VerdictSignal)),
		telemetry.AttrRunState.String(string(res.RunState)),
	)
	if res.Status == compare.StatusFailed {
		span.SetStatus(codes.Error, string(res.VerdictSignal))
	}
	return res
}

// openSession starts the run's own agent session. A failure to open is
// recorded as a failed first step.
func (o *Orchestrator) openSession(ctx context.Context, rc *runContext) agent.Session {
	if ctx.Err() != nil {
		rc.state = report.StateCancelled
		return nil
	}

	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StepTimeout)
	defer cancel()

	started := o.now()
	session, err := o.sessions.Open(openCtx, agent.SessionConfig{
		SessionID: rc.id,
		StartURL:  rc.spec.URL,
		Viewport:  agent.Viewport{Width: o.cfg.ViewportWidth, Height: o.cfg.ViewportHeight},
		Headless:  o.cfg.Headless,
	})
	if err == nil {
		return session
	}

	telemetry.RecordError(ctx, err)
	rec := artifact.StepRecord{
		Index:       1,
		Instruction: rc.spec.Steps[0],
		Observation: "could not open browser session: " + agent.Describe(err),
		Timestamp:   o.now(),
		Duration:    o.now().Sub(started),
		Outcome:     agent.OutcomeFailed,
	}
	o.appendStep(ctx, rc, rec)
	rc.state = report.StateFailedEarly
	return nil
}

func (o *Orchestrator) stepLoop(ctx context.Context, rc *runContext, session agent.Session) {
	for i, instruction := range rc.spec.Steps {
		if ctx.Err() != nil {
			rc.state = report.StateCancelled
			return
		}
		rec := o.performStep(ctx, rc, session, i+1, instruction)
		o.appendStep(ctx, rc, rec)
		if rec.Failed() {
			rc.state = report.StateFailedEarly
			return
		}
	}
	rc.state = report.StateCompleted
}

type stepReply struct {
	outcome *agent.StepOutcome
	err     error
}

// performStep issues one agent call. The call is detached from run
// cancellation and bounded only by the step timeout.
func (o *Orchestrator) performStep(ctx context.Context, rc *runContext, session agent.Session, index int, instruction string) artifact.StepRecord {
	ctx, span := telemetry.StartSpan(ctx, "browsertest.step", trace.WithAttributes(
		telemetry.AttrTestID.String(rc.id),
		telemetry.AttrStepIndex.Int(index),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StepTimeout)
	defer cancel()

	req := agent.StepRequest{
		Index:             index,
		Instruction:       instruction,
		PriorObservations: rc.log.Observations(),
	}

	started := o.now()
	replies := make(chan stepReply, 1)
	go func() {
		out, err := session.Perform(callCtx, req)
		replies <- stepReply{outcome: out, err: err}
	}()

	var reply stepReply
	select {
	case reply = <-replies:
	case <-callCtx.Done():
		reply.err = agent.WrapError(agent.CodeTimeout,
			fmt.Sprintf("step %d exceeded %s", index, o.cfg.StepTimeout), agent.ErrStepTimeout)
	}
	elapsed := o.now().Sub(started)

	rec := artifact.StepRecord{
		Index:       index,
		Instruction: instruction,
		Timestamp:   o.now(),
		Duration:    elapsed,
		Outcome:     agent.OutcomeFailed,
	}

	switch {
	case reply.err != nil:
		if errors.Is(reply.err, context.DeadlineExceeded) && !agent.IsTimeout(reply.err) {
			reply.err = agent.WrapError(agent.CodeTimeout, "step deadline exceeded", reply.err)
		}
		rec.Observation = agent.Describe(reply.err)
		telemetry.RecordError(ctx, reply.err)
	case reply.outcome == nil:
		rec.Observation = agent.Describe(agent.NewError(agent.CodeProtocol, "empty step outcome"))
	case !reply.outcome.Outcome.Valid():
		rec.Observation = agent.Describe(agent.NewError(agent.CodeProtocol,
			fmt.Sprintf("unknown step outcome %q", reply.outcome.Outcome)))
	default:
		rec.Observation = reply.outcome.Observation
		rec.Outcome = reply.outcome.Outcome
		if rec.Outcome == agent.OutcomeFailed && rec.Observation == "" {
			rec.Observation = "agent reported the step as failed"
		}
	}

	if reply.err == nil && reply.outcome != nil && reply.outcome.Screenshot != nil && len(reply.outcome.Screenshot.Data) > 0 {
		ref, err := o.artifacts.PutScreenshot(context.WithoutCancel(ctx), rc.id, index, *reply.outcome.Screenshot)
		if err != nil {
			rc.logger.Warn("screenshot not stored", "step", index, "error", err)
		} else {
			rec.Screenshot = &ref
		}
	}

	recordStep(string(rec.Outcome), elapsed)
	rc.logger.StepFinished(index, instruction, string(rec.Outcome), elapsed, rec.Observation)
	span.SetAttributes(telemetry.AttrOutcome.String(string(rec.Outcome)))
	if rec.Failed() {
		span.SetStatus(codes.Error, rec.Observation)
	}
	return rec
}

func (o *Orchestrator) appendStep(ctx context.Context, rc *runContext, rec artifact.StepRecord) {
	rc.log.Append(rec)
	snap := o.snapshot(rc, &rec)
	o.tracker.Publish(rc.id, snap)
	o.publish(rc, bus.EventStep, snap)
}

func (o *Orchestrator) snapshot(rc *runContext, last *artifact.StepRecord) progress.Snapshot {
	snap := progress.Snapshot{
		TestID:     rc.id,
		Title:      rc.spec.Title,
		State:      report.StateRunning,
		TotalSteps: len(rc.spec.Steps),
		StartedAt:  rc.startedAt,
		UpdatedAt:  o.now(),
	}
	if last != nil {
		snap.CurrentStep = last.Index
		snap.LatestScreenshot = last.Screenshot
		snap.LatestLog = last.LogLine()
	}
	return snap
}

// finish compares, assembles the Result and releases run resources.
func (o *Orchestrator) finish(ctx context.Context, rc *runContext, sessionOpen bool) *report.Result {
	detached := context.WithoutCancel(ctx)
	records := rc.log.Records()

	verdict := o.comparator.Compare(detached, compare.Input{
		Expected:   rc.spec.ExpectedOutcome,
		Steps:      records,
		TotalSteps: len(rc.spec.Steps),
		Cancelled:  rc.state == report.StateCancelled,
	})
	if verdict.Err != nil {
		rc.logger.Warn("comparator could not score outcome", "error", verdict.Err)
	}

	rc.endedAt = o.now()
	res := report.Build(report.Params{
		TestID:    rc.id,
		Spec:      rc.spec,
		State:     rc.state,
		Verdict:   verdict,
		Records:   records,
		StartedAt: rc.startedAt,
		EndedAt:   rc.endedAt,
	})

	if sessionOpen {
		if err := o.sessions.CloseSession(rc.id); err != nil && !errors.Is(err, agent.ErrSessionClosed) {
			rc.logger.Warn("closing agent session failed", "error", err)
		}
	}

	o.tracker.Complete(rc.id, res)
	recordRunFinished(string(res.Status))
	rc.logger.RunFinished(string(res.RunState), string(res.Status), string(res.VerdictSignal),
		res.Confidence, rc.endedAt.Sub(rc.startedAt))

	o.persist(detached, rc, res)
	o.publish(rc, bus.EventFinished, finishedEvent{
		Status:     res.Status,
		RunState:   res.RunState,
		Signal:     res.VerdictSignal,
		Confidence: res.Confidence,
		Elapsed:    res.ExecutionTimeSeconds,
	})

	o.mu.Lock()
	delete(o.runs, rc.id)
	o.mu.Unlock()
	rc.handle.result = res
	rc.handle.cancel()
	close(rc.handle.done)
	return res
}

func (o *Orchestrator) persist(ctx context.Context, rc *runContext, res *report.Result) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.FinalizeTimeout)
	defer cancel()

	if o.results != nil {
		if err := o.results.SaveResult(ctx, res); err != nil {
			rc.logger.Error("result not persisted", "error", err)
		}
	}
	if o.exporter != nil && o.cfg.ExportOnComplete {
		loc, err := o.exporter.Upload(ctx, res, o.artifacts)
		if err != nil {
			rc.logger.Error("report export failed", "error", err)
		} else {
			rc.logger.Info("report exported", "bucket", loc.Bucket, "key", loc.Key)
		}
	}
}

func (o *Orchestrator) publish(rc *runContext, typ bus.EventType, data any) {
	if err := o.events.Publish(context.Background(), rc.id, typ, data); err != nil {
		rc.logger.Debug("run event not published", "event", string(typ), "error", err)
	}
}

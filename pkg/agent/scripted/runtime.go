package scripted

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/odvcencio/browsertest/pkg/agent"
)

// Runtime opens scripted sessions.
type Runtime struct {
	script Script
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewRuntime creates a runtime that answers with the given script.
func NewRuntime(script Script) *Runtime {
	return &Runtime{script: script, now: time.Now}
}

// NewSession implements agent.Runtime.
func (r *Runtime) NewSession(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, agent.WrapError(agent.CodeUnavailable, "open session", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, agent.ErrUnavailable
	}
	return &session{runtime: r, cfg: cfg}, nil
}

// Close implements agent.Runtime.
func (r *Runtime) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type session struct {
	runtime *Runtime
	cfg     agent.SessionConfig

	mu     sync.Mutex
	closed bool
}

func (s *session) ID() string { return s.cfg.SessionID }

func (s *session) Perform(ctx context.Context, req agent.StepRequest) (*agent.StepOutcome, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, agent.ErrSessionClosed
	}

	reply := s.runtime.script.reply(req)
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, agent.WrapError(agent.CodeTimeout, "scripted step", ctx.Err())
		case <-timer.C:
		}
	}
	observation := render(reply.Observation, req, s.cfg.StartURL)
	if reply.Error != "" {
		return nil, agent.NewError(reply.Error, observation)
	}

	outcome := reply.Outcome
	if outcome == "" {
		outcome = agent.OutcomeSucceeded
	}
	out := &agent.StepOutcome{Observation: observation, Outcome: outcome}
	if s.runtime.script.Screenshots {
		shot, err := placeholder(req.Index, outcome, s.runtime.now())
		if err != nil {
			return nil, agent.WrapError(agent.CodeProtocol, "render screenshot", err)
		}
		out.Screenshot = shot
	}
	return out, nil
}

func (s *session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// placeholder renders a small solid PNG whose shade varies by step.
func placeholder(index int, outcome agent.Outcome, now time.Time) (*agent.Screenshot, error) {
	const w, h = 64, 36
	shade := uint8(40 + (index*20)%200)
	fill := color.RGBA{R: 30, G: shade, B: 90, A: 255}
	if outcome == agent.OutcomeFailed {
		fill = color.RGBA{R: 200, G: 40, B: 40, A: 255}
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return &agent.Screenshot{
		Format:     agent.FormatPNG,
		Data:       buf.Bytes(),
		Width:      w,
		Height:     h,
		CapturedAt: now.UTC(),
	}, nil
}

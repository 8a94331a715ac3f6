// Package remote adapts an out-of-process browsing agent service that speaks
// JSON over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/odvcencio/browsertest/pkg/agent"
)

const maxErrorBody = 4 << 10

// Runtime opens sessions on a remote agent service.
type Runtime struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// NewRuntime constructs a remote runtime.
func NewRuntime(cfg Config) (*Runtime, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runtime{
		cfg: cfg,
		client: &http.Client{
			Transport: defaultTransport(),
			Timeout:   cfg.RequestTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	StartURL  string         `json:"start_url"`
	Viewport  agent.Viewport `json:"viewport"`
	Headless  bool           `json:"headless"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type stepResponse struct {
	Observation      string `json:"observation"`
	Outcome          string `json:"outcome"`
	Screenshot       string `json:"screenshot,omitempty"`
	ScreenshotFormat string `json:"screenshot_format,omitempty"`
	Width            int    `json:"width,omitempty"`
	Height           int    `json:"height,omitempty"`
}

// NewSession creates a remote session starting at cfg.StartURL.
func (r *Runtime) NewSession(ctx context.Context, cfg agent.SessionConfig) (agent.Session, error) {
	if r == nil {
		return nil, agent.ErrUnavailable
	}
	body := createSessionRequest{
		SessionID: cfg.SessionID,
		StartURL:  cfg.StartURL,
		Viewport:  cfg.Viewport,
		Headless:  cfg.Headless,
	}
	var resp createSessionResponse
	if err := r.do(ctx, http.MethodPost, "/v1/sessions", body, &resp); err != nil {
		return nil, err
	}
	id := strings.TrimSpace(resp.SessionID)
	if id == "" {
		id = cfg.SessionID
	}
	return &session{runtime: r, id: id}, nil
}

// Close releases idle connections.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	r.client.CloseIdleConnections()
	return nil
}

func (r *Runtime) do(ctx context.Context, method, path string, in, out any) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return classifyTransport("rate limit wait", err)
	}

	var payload io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return agent.WrapError(agent.CodeProtocol, "encode request", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, payload)
	if err != nil {
		return agent.WrapError(agent.CodeProtocol, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return classifyTransport(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := strings.TrimSpace(string(msg))
		if detail == "" {
			detail = http.StatusText(resp.StatusCode)
		}
		code := agent.CodeRejected
		switch {
		case resp.StatusCode >= 500:
			code = agent.CodeUnavailable
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
			code = agent.CodeUnavailable
		}
		return agent.NewError(code, fmt.Sprintf("%s %s: status %d: %s", method, path, resp.StatusCode, detail))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return agent.WrapError(agent.CodeProtocol, "decode response", err)
	}
	return nil
}

func classifyTransport(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return agent.WrapError(agent.CodeTimeout, op, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return agent.WrapError(agent.CodeTimeout, op, err)
	}
	return agent.WrapError(agent.CodeUnavailable, op, err)
}

type session struct {
	runtime *Runtime
	id      string
}

func (s *session) ID() string { return s.id }

func (s *session) Perform(ctx context.Context, req agent.StepRequest) (*agent.StepOutcome, error) {
	prior := req.PriorObservations
	if prior == nil {
		prior = []string{}
	}
	body := agent.StepRequest{Index: req.Index, Instruction: req.Instruction, PriorObservations: prior}

	var resp stepResponse
	if err := s.runtime.do(ctx, http.MethodPost, "/v1/sessions/"+s.id+"/steps", body, &resp); err != nil {
		return nil, err
	}

	outcome := agent.Outcome(strings.ToLower(strings.TrimSpace(resp.Outcome)))
	if !outcome.Valid() {
		return nil, agent.NewError(agent.CodeProtocol, fmt.Sprintf("unknown outcome %q", resp.Outcome))
	}

	result := &agent.StepOutcome{Observation: resp.Observation, Outcome: outcome}
	if resp.Screenshot != "" {
		data, err := base64.StdEncoding.DecodeString(resp.Screenshot)
		if err != nil {
			return nil, agent.WrapError(agent.CodeProtocol, "decode screenshot", err)
		}
		result.Screenshot = &agent.Screenshot{
			Format:     agent.ParseFormat(resp.ScreenshotFormat),
			Data:       data,
			Width:      resp.Width,
			Height:     resp.Height,
			CapturedAt: time.Now().UTC(),
		}
	}
	return result, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.runtime.do(ctx, http.MethodDelete, "/v1/sessions/"+s.id, nil, nil)
}

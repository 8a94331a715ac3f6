package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/odvcencio/browsertest/pkg/agent"
	"github.com/odvcencio/browsertest/pkg/agent/scripted"
	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/orchestrator"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/storage"
	"github.com/odvcencio/browsertest/pkg/testcase"
)

const nativeSpec = `{
  "url": "https://example.com/login",
  "title": "Login works",
  "steps": ["Enter username", "Click login"],
  "expected_outcome": "Dashboard is visible"
}`

const legacySpec = `{
  "URL": "https://example.com/login",
  "Title": "Legacy login",
  "Steps": {"step1": "Enter username", "step2": "", "step3": "Click login"},
  "Expected_Outcome": "Dashboard is visible"
}`

type testEnv struct {
	server *Server
	orch   *orchestrator.Orchestrator
	bus    *bus.MemoryBus
	store  *storage.Store
}

func newTestEnv(t *testing.T, script scripted.Script, opts ...func(*ServerConfig)) *testEnv {
	t.Helper()

	mb := bus.NewMemoryBus()
	store, err := storage.New(filepath.Join(t.TempDir(), "results.db"))
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Config{StepTimeout: 5 * time.Second}, orchestrator.Deps{
		Runtime: scripted.NewRuntime(script),
		Results: store,
		Events:  bus.NewPublisher(mb),
	})
	require.NoError(t, err)

	cfg := ServerConfig{
		Orchestrator:    orch,
		Results:         store,
		EventBus:        mb,
		StreamHeartbeat: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
		_ = mb.Close()
		_ = store.Close()
	})
	return &testEnv{server: srv, orch: orch, bus: mb, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func mustSpec(t *testing.T, doc string) testcase.Specification {
	t.Helper()
	spec, err := testcase.Parse([]byte(doc))
	require.NoError(t, err)
	return spec
}

func failingScript() scripted.Script {
	script := scripted.DefaultScript()
	script.Rules = []scripted.Rule{{
		Match: "click",
		Reply: scripted.Reply{Observation: "Button is disabled", Outcome: agent.OutcomeFailed},
	}}
	return script
}

func TestNewServerRequiresOrchestrator(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	rec := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	_, err := time.Parse(time.RFC3339Nano, body["timestamp"].(string))
	assert.NoError(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	env.do(t, http.MethodGet, "/health", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "browsertest_http_requests_total")
}

func TestSubmitAndPoll(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/api/v1/tests", nativeSpec)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decode[SubmitResponse](t, rec)
	require.True(t, strings.HasPrefix(ack.TestID, "test_"))
	assert.Equal(t, report.StateRunning, ack.Status)
	assert.Equal(t, "/api/v1/tests/"+ack.TestID, rec.Header().Get("Location"))

	var status TestStatus
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/"+ack.TestID, nil)
		rec := httptest.NewRecorder()
		env.server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			return false
		}
		var polled TestStatus
		if err := json.Unmarshal(rec.Body.Bytes(), &polled); err != nil {
			return false
		}
		status = polled
		return status.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, status.Result)
	assert.Nil(t, status.Progress)
	assert.Equal(t, report.StateCompleted, status.State)
	assert.Equal(t, ack.TestID, status.Result.TestID)
	assert.Len(t, status.Result.Steps, 2)
	assert.Len(t, status.Result.ExecutionLog, 2)
	assert.NotEmpty(t, status.Result.ComparisonResult)
}

func TestSubmitLegacyShape(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/api/v1/tests", legacySpec)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	ack := decode[SubmitResponse](t, rec)

	res, err := env.orch.Wait(context.Background(), ack.TestID)
	require.NoError(t, err)
	assert.Equal(t, "Legacy login", res.Title)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, "Click login", res.Steps[1].Instruction)
}

func TestSubmitInvalidSpecification(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/api/v1/tests", `{"url":"not a url","title":"x","steps":[],"expected_outcome":"y"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[errorResponse](t, rec)
	assert.Equal(t, "VALIDATION", string(body.Code))
	fields := make([]string, 0, len(body.Violations))
	for _, v := range body.Violations {
		fields = append(fields, v.Field)
	}
	assert.ElementsMatch(t, []string{"url", "steps"}, fields)
	assert.Equal(t, 0, env.orch.Active())
	assert.Empty(t, env.orch.Tracker().Live())
}

func TestSubmitEmptyBody(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	rec := env.do(t, http.MethodPost, "/api/v1/tests", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitMalformedBody(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	rec := env.do(t, http.MethodPost, "/api/v1/tests", `{"url": [`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownTest(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	for _, path := range []string{
		"/api/v1/tests/test_missing",
		"/api/v1/tests/test_missing/export",
		"/api/v1/tests/test_missing/screenshots/1",
	} {
		rec := env.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := env.do(t, http.MethodPost, "/api/v1/tests/test_missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTestLegacyEndpoint(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/run-test", legacySpec)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[report.Result](t, rec)
	assert.True(t, strings.HasPrefix(res.TestID, "test_"))
	assert.Equal(t, report.StateCompleted, res.RunState)
	assert.Equal(t, "https://example.com/login", res.URL)
	assert.Equal(t, "Dashboard is visible", res.ExpectedOutcome)
	assert.Len(t, res.Screenshots, 2)
	assert.Greater(t, res.ExecutionTimeSeconds, -1.0)
}

func TestRunTestStepFailure(t *testing.T) {
	env := newTestEnv(t, failingScript())

	rec := env.do(t, http.MethodPost, "/run-test", nativeSpec)
	require.Equal(t, http.StatusOK, rec.Code)

	res := decode[report.Result](t, rec)
	assert.Equal(t, report.StateFailedEarly, res.RunState)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, agent.OutcomeFailed, res.Steps[1].Outcome)
	assert.Equal(t, "failed", string(res.Status))
}

func TestCancelFinishedTest(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/run-test", nativeSpec)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[report.Result](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/tests/"+res.TestID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelRunningTest(t *testing.T) {
	script := scripted.DefaultScript()
	script.Default.Delay = 100 * time.Millisecond
	env := newTestEnv(t, script)

	rec := env.do(t, http.MethodPost, "/api/v1/tests", nativeSpec)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ack := decode[SubmitResponse](t, rec)

	rec = env.do(t, http.MethodPost, "/api/v1/tests/"+ack.TestID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	res, err := env.orch.Wait(context.Background(), ack.TestID)
	require.NoError(t, err)
	assert.Equal(t, report.StateCancelled, res.RunState)
	assert.Less(t, len(res.Steps), 2)
}

func TestScreenshotAndExport(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodPost, "/run-test", nativeSpec)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[report.Result](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/tests/"+res.TestID+"/screenshots/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "\x89PNG", rec.Body.String()[:4])

	rec = env.do(t, http.MethodGet, "/api/v1/tests/"+res.TestID+"/screenshots/5", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tests/"+res.TestID+"/screenshots/zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tests/"+res.TestID+"/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="`+report.Filename(res.TestID)+`"`, rec.Header().Get("Content-Disposition"))

	doc := decode[report.Document](t, rec)
	assert.Equal(t, res.TestID, doc.TestID)
	require.Len(t, doc.Screenshots, 2)
	assert.NotEmpty(t, doc.Screenshots[0])
}

func TestExportWhileRunning(t *testing.T) {
	script := scripted.DefaultScript()
	script.Default.Delay = 200 * time.Millisecond
	env := newTestEnv(t, script)

	rec := env.do(t, http.MethodPost, "/api/v1/tests", nativeSpec)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ack := decode[SubmitResponse](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/tests/"+ack.TestID+"/export", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListTests(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())

	rec := env.do(t, http.MethodGet, "/api/v1/tests", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[TestList](t, rec)
	assert.Empty(t, list.Results)

	rec = env.do(t, http.MethodPost, "/run-test", nativeSpec)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[report.Result](t, rec)

	rec = env.do(t, http.MethodGet, "/api/v1/tests?limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list = decode[TestList](t, rec)
	require.Len(t, list.Results, 1)
	assert.Equal(t, res.TestID, list.Results[0].TestID)

	rec = env.do(t, http.MethodGet, "/api/v1/tests?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript(), func(cfg *ServerConfig) {
		cfg.AllowedOrigins = []string{"https://dashboard.example.com"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/tests", nil)
	req.Header.Set("Origin", "https://dashboard.example.com")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dashboard.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamDeliversRunEvents(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: connected", scanner.Text())

	spec := mustSpec(t, nativeSpec)
	go func() {
		_, _ = env.orch.Execute(context.Background(), spec)
	}()

	var seen []string
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen = append(seen, name)
			if name == string(bus.EventFinished) {
				break
			}
		}
	}
	require.NotEmpty(t, seen)
	assert.Equal(t, string(bus.EventAccepted), seen[0])
	assert.Equal(t, string(bus.EventFinished), seen[len(seen)-1])
	assert.Contains(t, seen, string(bus.EventStep))
}

func TestStreamWithoutBus(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript(), func(cfg *ServerConfig) {
		cfg.EventBus = nil
	})
	rec := env.do(t, http.MethodGet, "/api/v1/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProgressSocketFollowsRun(t *testing.T) {
	script := scripted.DefaultScript()
	script.Default.Delay = 50 * time.Millisecond
	env := newTestEnv(t, script)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	rec := env.do(t, http.MethodPost, "/api/v1/tests", nativeSpec)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ack := decode[SubmitResponse](t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/tests/" + ack.TestID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var last ProgressMessage
	for {
		var msg ProgressMessage
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		last = msg
		if msg.Type == "result" {
			break
		}
		require.NotNil(t, msg.Status.Progress)
		assert.Equal(t, report.StateRunning, msg.Status.State)
	}
	require.NotNil(t, last.Status.Result)
	assert.Equal(t, report.StateCompleted, last.Status.State)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestProgressSocketFinishedRun(t *testing.T) {
	env := newTestEnv(t, scripted.DefaultScript())
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	res, err := env.orch.Execute(context.Background(), mustSpec(t, nativeSpec))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/tests/" + res.TestID + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg ProgressMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, "result", msg.Type)
	assert.Equal(t, res.TestID, msg.Status.Result.TestID)
}

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/odvcencio/browsertest/pkg/config"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	oldWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Chdir(oldWD)
	})
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Comparator.Bands.Pass != 0.6 || cfg.Comparator.Bands.Fail != 0.3 {
		t.Fatalf("unexpected default bands: %+v", cfg.Comparator.Bands)
	}
	if cfg.Orchestrator.StepTimeout != 2*time.Minute {
		t.Fatalf("unexpected default step timeout: %v", cfg.Orchestrator.StepTimeout)
	}
	if cfg.Agent.Backend != config.AgentScripted {
		t.Fatalf("unexpected default agent backend: %s", cfg.Agent.Backend)
	}
	if cfg.Logging.File != "test_execution.log" {
		t.Fatalf("unexpected default log file: %s", cfg.Logging.File)
	}
}

func TestLoadHierarchy(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".browsertest", "config.yaml"), `
server:
  listen: 0.0.0.0:9000
orchestrator:
  step_timeout: 45s
  max_concurrent_runs: 2
comparator:
  bands:
    pass: 0.7
`)
	writeFile(t, filepath.Join(project, ".browsertest", "config.yaml"), `
orchestrator:
  max_concurrent_runs: 8
logging:
  format: json
`)
	chdir(t, project)

	t.Setenv("BROWSERTEST_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Fatalf("expected user listen override, got %s", cfg.Server.Listen)
	}
	if cfg.Orchestrator.StepTimeout != 45*time.Second {
		t.Fatalf("expected user step timeout, got %v", cfg.Orchestrator.StepTimeout)
	}
	if cfg.Orchestrator.MaxConcurrentRuns != 8 {
		t.Fatalf("expected project concurrency override, got %d", cfg.Orchestrator.MaxConcurrentRuns)
	}
	if cfg.Comparator.Bands.Pass != 0.7 || cfg.Comparator.Bands.Fail != 0.3 {
		t.Fatalf("expected partial band override, got %+v", cfg.Comparator.Bands)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("expected project log format, got %s", cfg.Logging.Format)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env log level, got %s", cfg.Logging.Level)
	}
	if cfg.Orchestrator.ViewportWidth != 1280 {
		t.Fatalf("untouched defaults should survive merging, got width %d", cfg.Orchestrator.ViewportWidth)
	}
	if want := filepath.Join(home, ".browsertest", "results.db"); cfg.Storage.Path != want {
		t.Fatalf("expected storage path %s, got %s", want, cfg.Storage.Path)
	}
}

func TestLoadWithoutFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	if cfg.Server.Listen != config.DefaultConfig().Server.Listen {
		t.Fatalf("expected default listen address, got %s", cfg.Server.Listen)
	}
}

func TestDotEnvSuppliesKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ".env"), `
BROWSERTEST_MATCHER=model
OPENROUTER_API_KEY=sk-from-dotenv
BROWSERTEST_AGENT_BACKEND=remote
GOOGLE_API_KEY=google-from-dotenv
`)
	chdir(t, project)
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("BROWSERTEST_AGENT_API_KEY", "")
	t.Setenv("BROWSERTEST_AGENT_URL", "http://agent.internal:9000")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	if cfg.Comparator.Matcher != config.MatcherModel {
		t.Fatalf("expected model matcher from .env, got %s", cfg.Comparator.Matcher)
	}
	if cfg.Comparator.Model.APIKey != "sk-from-dotenv" {
		t.Fatalf("expected model api key from .env, got %q", cfg.Comparator.Model.APIKey)
	}
	if cfg.Agent.Backend != config.AgentRemote {
		t.Fatalf("expected remote agent, got %s", cfg.Agent.Backend)
	}
	if cfg.Agent.Remote.BaseURL != "http://agent.internal:9000" {
		t.Fatalf("expected agent url from env, got %s", cfg.Agent.Remote.BaseURL)
	}
	if cfg.Agent.Remote.APIKey != "google-from-dotenv" {
		t.Fatalf("expected agent key from GOOGLE_API_KEY, got %q", cfg.Agent.Remote.APIKey)
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		t.Fatal(".env values must not leak into the process environment")
	}
}

func TestProcessEnvBeatsDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	project := t.TempDir()
	writeFile(t, filepath.Join(project, ".env"), "BROWSERTEST_LISTEN=127.0.0.1:1111\n")
	chdir(t, project)
	t.Setenv("BROWSERTEST_LISTEN", "127.0.0.1:2222")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load returned error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:2222" {
		t.Fatalf("expected process env to win, got %s", cfg.Server.Listen)
	}
}

func TestLoadFromPath(t *testing.T) {
	chdir(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, path, `
artifacts:
  backend: file
  dir: /var/lib/browsertest/shots
storage:
  enabled: false
bus:
  backend: nats
  url: nats://bus:4222
`)
	t.Setenv("BROWSERTEST_MAX_CONCURRENT_RUNS", "6")
	t.Setenv("BROWSERTEST_TRACING", "yes")

	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath returned error: %v", err)
	}
	if cfg.Artifacts.Backend != config.ArtifactsFile || cfg.Artifacts.Dir != "/var/lib/browsertest/shots" {
		t.Fatalf("unexpected artifacts config: %+v", cfg.Artifacts)
	}
	if cfg.Storage.Enabled {
		t.Fatal("expected storage to be disabled by the file")
	}
	if cfg.Bus.Backend != "nats" || cfg.Bus.URL != "nats://bus:4222" {
		t.Fatalf("unexpected bus config: %+v", cfg.Bus)
	}
	if cfg.Orchestrator.MaxConcurrentRuns != 6 {
		t.Fatalf("expected env concurrency, got %d", cfg.Orchestrator.MaxConcurrentRuns)
	}
	if !cfg.Tracing.Enabled {
		t.Fatal("expected tracing enabled from env")
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := config.LoadFromPath(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
	if !bterrors.IsCode(err, bterrors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD, got %v", bterrors.GetCode(err))
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := config.Parse([]byte("orchestrator:\n  step_timout: 5s\n"))
	if err == nil {
		t.Fatal("expected an error for a misspelled key")
	}
	if !bterrors.IsCode(err, bterrors.ErrCodeConfigLoad) {
		t.Fatalf("expected CONFIG_LOAD, got %v", bterrors.GetCode(err))
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := config.Parse(nil)
	if err != nil {
		t.Fatalf("empty document should yield defaults: %v", err)
	}
	if cfg.Comparator.Matcher != config.MatcherKeyword {
		t.Fatalf("unexpected matcher: %s", cfg.Comparator.Matcher)
	}
}

func TestInvalidEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	chdir(t, t.TempDir())
	t.Setenv("BROWSERTEST_STEP_TIMEOUT", "soon")

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected an error for an unparsable duration")
	}
	if !bterrors.IsCode(err, bterrors.ErrCodeConfigInvalid) {
		t.Fatalf("expected CONFIG_INVALID, got %v", bterrors.GetCode(err))
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		yaml   string
		expect string
	}{
		{"unknown agent", "agent:\n  backend: selenium\n", "agent.backend"},
		{"remote without url", "agent:\n  backend: remote\n  remote:\n    base_url: not-a-url\n", "agent.remote"},
		{"inverted bands", "comparator:\n  bands:\n    pass: 0.2\n    fail: 0.4\n", "bands"},
		{"model matcher without key", "comparator:\n  matcher: model\n", "api_key"},
		{"zero step timeout", "orchestrator:\n  step_timeout: 0s\n", "step_timeout"},
		{"file artifacts without dir", "artifacts:\n  backend: file\n  dir: \"\"\n", "artifacts.dir"},
		{"storage without path", "storage:\n  enabled: true\n  path: \"\"\n", "storage.path"},
		{"unknown bus", "bus:\n  backend: kafka\n", "bus.backend"},
		{"export without bucket", "export:\n  enabled: true\n  endpoint: http://minio:9000\n", "bucket"},
		{"export on complete without export", "orchestrator:\n  export_on_complete: true\n", "export_on_complete"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !bterrors.IsCode(err, bterrors.ErrCodeConfigInvalid) {
				t.Fatalf("expected CONFIG_INVALID, got %v (%v)", bterrors.GetCode(err), err)
			}
			if !strings.Contains(err.Error(), tc.expect) {
				t.Fatalf("error %q should mention %q", err.Error(), tc.expect)
			}
		})
	}
}

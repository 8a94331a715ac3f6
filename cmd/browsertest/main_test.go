package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/browsertest/pkg/compare"
	"github.com/odvcencio/browsertest/pkg/config"
	"github.com/odvcencio/browsertest/pkg/report"
	"github.com/odvcencio/browsertest/pkg/storage"
)

const loginSpec = `
url: https://example.com/login
title: Login works
steps:
  - Enter testuser into the username field
  - Enter the password
  - Click login
expected_outcome: User should be successfully logged in
`

const passingScript = `
screenshots: true
default:
  observation: "Done: {instruction}"
  outcome: succeeded
rules:
  - match: click login
    observation: Clicked login. The user was successfully logged in and the dashboard is visible
    outcome: succeeded
`

const failingScript = `
screenshots: true
default:
  observation: "Done: {instruction}"
  outcome: succeeded
rules:
  - match: click login
    observation: login button not found
    outcome: failed
`

type cliEnv struct {
	dir        string
	configPath string
	dbPath     string
	artifacts  string
}

// newCLIEnv writes a config using the scripted agent, sqlite storage and
// file artifacts under a temp dir, and makes that dir the working directory.
func newCLIEnv(t *testing.T, script string) cliEnv {
	t.Helper()
	dir := t.TempDir()
	chdir(t, dir)
	for _, key := range []string{"BROWSERTEST_AGENT_BACKEND", "BROWSERTEST_MATCHER", "BROWSERTEST_NATS_URL", "BROWSERTEST_EXPORT_ENDPOINT", "BROWSERTEST_STORAGE_ENABLED", "BROWSERTEST_LOG_FILE"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	env := cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.yaml"),
		dbPath:     filepath.Join(dir, "results.db"),
		artifacts:  filepath.Join(dir, "artifacts"),
	}
	scriptPath := filepath.Join(dir, "agent.yaml")
	writeFile(t, scriptPath, script)

	cfg := strings.Join([]string{
		"agent:",
		"  backend: scripted",
		"  script: " + scriptPath,
		"artifacts:",
		"  backend: file",
		"  dir: " + env.artifacts,
		"storage:",
		"  enabled: true",
		"  path: " + env.dbPath,
		"logging:",
		"  level: error",
		"  file: \"\"",
		"",
	}, "\n")
	writeFile(t, env.configPath, cfg)
	return env
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetIn(strings.NewReader(""))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRunPassingTestJSON(t *testing.T) {
	env := newCLIEnv(t, passingScript)
	specPath := filepath.Join(env.dir, "login.yaml")
	writeFile(t, specPath, loginSpec)

	stdout, _, err := execute(t, "--config", env.configPath, "run", "--format", "json", specPath)
	require.NoError(t, err)

	var res report.Result
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, compare.StatusPassed, res.Status)
	assert.Equal(t, report.StateCompleted, res.RunState)
	assert.Len(t, res.Steps, 3)
	assert.Len(t, res.Screenshots, 3)
	assert.True(t, strings.HasPrefix(res.TestID, "test_"))

	shots, err := filepath.Glob(filepath.Join(env.artifacts, res.TestID, "*"))
	require.NoError(t, err)
	assert.Len(t, shots, 3)

	store, err := storage.New(env.dbPath)
	require.NoError(t, err)
	defer store.Close()
	stored, err := store.GetResult(context.Background(), res.TestID)
	require.NoError(t, err)
	assert.Equal(t, compare.StatusPassed, stored.Status)
}

func TestRunFailingTestExitCode(t *testing.T) {
	env := newCLIEnv(t, failingScript)
	specPath := filepath.Join(env.dir, "login.yaml")
	writeFile(t, specPath, loginSpec)

	stdout, _, err := execute(t, "--config", env.configPath, "run", specPath)
	require.Error(t, err)
	assert.Equal(t, exitFailed, exitCodeForError(err))

	assert.Contains(t, stdout, "FAILED  Login works")
	assert.Contains(t, stdout, "[failed] Click login")
	assert.Contains(t, stdout, string(compare.SignalStepFailure))
}

func TestRunWritesReport(t *testing.T) {
	env := newCLIEnv(t, passingScript)
	specPath := filepath.Join(env.dir, "login.yaml")
	writeFile(t, specPath, loginSpec)
	reportPath := filepath.Join(env.dir, "report.json")

	_, _, err := execute(t, "--config", env.configPath, "run", "--report", reportPath, specPath)
	require.NoError(t, err)

	data, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "passed", doc["status"])
}

func TestRunInvalidSpecification(t *testing.T) {
	env := newCLIEnv(t, passingScript)
	specPath := filepath.Join(env.dir, "empty.yaml")
	writeFile(t, specPath, "url: https://example.com\nexpected_outcome: anything\n")

	_, stderr, err := execute(t, "--config", env.configPath, "run", specPath)
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeForError(err))
	assert.Contains(t, stderr, "steps")
}

func TestRunMissingFile(t *testing.T) {
	env := newCLIEnv(t, passingScript)

	_, _, err := execute(t, "--config", env.configPath, "run", filepath.Join(env.dir, "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestRunUnknownFormat(t *testing.T) {
	_, _, err := execute(t, "run", "--format", "xml", "spec.yaml")
	require.Error(t, err)
	assert.Equal(t, exitUsage, exitCodeForError(err))
}

func TestRunBadConfig(t *testing.T) {
	env := newCLIEnv(t, passingScript)
	specPath := filepath.Join(env.dir, "login.yaml")
	writeFile(t, specPath, loginSpec)
	writeFile(t, env.configPath, "agent:\n  backend: telepathy\n")

	_, _, err := execute(t, "--config", env.configPath, "run", specPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.backend")
}

func TestVersionCommand(t *testing.T) {
	stdout, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "browsertest "+version)
	assert.Contains(t, stdout, "commit:")
}

func TestExitCodeForError(t *testing.T) {
	assert.Equal(t, 0, exitCodeForError(nil))
	assert.Equal(t, 1, exitCodeForError(errors.New("plain")))
	assert.Equal(t, exitPartial, exitCodeForError(withExitCode(errors.New("partial"), exitPartial)))
	assert.Nil(t, withExitCode(nil, exitFailed))
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestServeStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(strings.Join([]string{
		"server:",
		"  listen: 127.0.0.1:0",
		"  shutdown_timeout: 5s",
		"storage:",
		"  enabled: true",
		"  path: " + filepath.Join(dir, "results.db"),
		"  retention: 24h",
		"logging:",
		"  level: error",
		"  file: \"\"",
	}, "\n")))
	require.NoError(t, err)

	svc, err := newService(cfg, io.Discard)
	require.NoError(t, err)
	server, err := newAPIServer(svc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, svc, server) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestExpireResultsRemovesScreenshots(t *testing.T) {
	env := newCLIEnv(t, passingScript)
	cfg, err := config.LoadFromPath(env.configPath)
	require.NoError(t, err)

	svc, err := newService(cfg, io.Discard)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	spec, err := readSpecFile(strings.NewReader(loginSpec), "-")
	require.NoError(t, err)
	res, err := svc.orch.Execute(context.Background(), spec)
	require.NoError(t, err)

	runDir := filepath.Join(env.artifacts, res.TestID)
	require.DirExists(t, runDir)

	n, err := expireResults(context.Background(), svc, svc.store, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoDirExists(t, runDir)

	_, err = svc.store.GetResult(context.Background(), res.TestID)
	assert.Error(t, err)
}

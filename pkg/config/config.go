// Package config loads browsertest settings from YAML files, a .env file and
// BROWSERTEST_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/browsertest/pkg/agent/remote"
	"github.com/odvcencio/browsertest/pkg/bus"
	"github.com/odvcencio/browsertest/pkg/compare"
	bterrors "github.com/odvcencio/browsertest/pkg/errors"
	"github.com/odvcencio/browsertest/pkg/export"
	"github.com/odvcencio/browsertest/pkg/logging"
	"github.com/odvcencio/browsertest/pkg/orchestrator"
	"github.com/odvcencio/browsertest/pkg/progress"
	"github.com/odvcencio/browsertest/pkg/telemetry"
)

// Agent backends.
const (
	AgentScripted = "scripted"
	AgentRemote   = "remote"
)

// Matchers.
const (
	MatcherKeyword = "keyword"
	MatcherModel   = "model"
)

// Artifact backends.
const (
	ArtifactsMemory = "memory"
	ArtifactsFile   = "file"
)

// Config is the complete service configuration.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Agent        AgentConfig         `yaml:"agent"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Comparator   ComparatorConfig    `yaml:"comparator"`
	Progress     progress.Config     `yaml:"progress"`
	Artifacts    ArtifactsConfig     `yaml:"artifacts"`
	Storage      StorageConfig       `yaml:"storage"`
	Bus          bus.Config          `yaml:"bus"`
	Export       export.Config       `yaml:"export"`
	Logging      logging.Options     `yaml:"logging"`
	Tracing      telemetry.Config    `yaml:"tracing"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins feeds the CORS middleware. "*" allows any origin.
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// StreamHeartbeat is the interval of SSE keep-alive comments.
	StreamHeartbeat time.Duration `yaml:"stream_heartbeat"`
}

// AgentConfig selects and configures the browsing agent.
type AgentConfig struct {
	Backend string `yaml:"backend"`
	// Script is a YAML script for the scripted backend. Empty uses the
	// built-in script that succeeds every step.
	Script string        `yaml:"script"`
	Remote remote.Config `yaml:"remote"`
}

// ComparatorConfig selects the outcome matcher and banding policy.
type ComparatorConfig struct {
	Matcher string              `yaml:"matcher"`
	Bands   compare.Bands       `yaml:"bands"`
	Model   compare.ModelConfig `yaml:"model"`
}

// ArtifactsConfig selects where screenshots live.
type ArtifactsConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

// StorageConfig configures result persistence.
type StorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Retention drops stored results older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:            "127.0.0.1:8000",
			AllowedOrigins:    []string{"*"},
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
			StreamHeartbeat:   15 * time.Second,
		},
		Agent: AgentConfig{
			Backend: AgentScripted,
			Remote:  remote.DefaultConfig(),
		},
		Orchestrator: orchestrator.DefaultConfig(),
		Comparator: ComparatorConfig{
			Matcher: MatcherKeyword,
			Bands:   compare.DefaultBands(),
			Model: compare.ModelConfig{
				BaseURL: "https://openrouter.ai/api/v1",
				Model:   "openai/gpt-4o-mini",
				Timeout: 30 * time.Second,
			},
		},
		Progress: progress.DefaultConfig(),
		Artifacts: ArtifactsConfig{
			Backend: ArtifactsMemory,
			Dir:     filepath.Join("~", ".browsertest", "artifacts"),
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    filepath.Join("~", ".browsertest", "results.db"),
		},
		Bus:     bus.DefaultConfig(),
		Logging: logging.DefaultOptions(),
		Tracing: telemetry.Config{ServiceName: "browsertest"},
	}
}

// Load reads configuration from the standard locations:
// defaults, ~/.browsertest/config.yaml, ./.browsertest/config.yaml, .env and
// the process environment, in increasing precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configEnv, err := loadDotEnv(".env")
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading .env")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".browsertest", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading user config").
				WithContext("path", userConfigPath)
		}
	}

	projectConfigPath := filepath.Join(".", ".browsertest", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading project config").
			WithContext("path", projectConfigPath)
	}

	return finish(cfg, configEnv)
}

// LoadFromPath loads configuration from a specific file instead of the
// standard locations. The file must exist.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	configEnv, err := loadDotEnv(".env")
	if err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading .env")
	}

	if err := loadAndMerge(cfg, expandHomeDir(path)); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "loading config").
			WithContext("path", path)
	}

	return finish(cfg, configEnv)
}

// Parse decodes a single YAML document over the defaults, without touching
// the filesystem or the environment.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := decodeInto(cfg, data); err != nil {
		return nil, bterrors.Wrap(err, bterrors.ErrCodeConfigLoad, "parsing config")
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finish(cfg *Config, configEnv map[string]string) (*Config, error) {
	if err := applyEnvOverrides(cfg, configEnv); err != nil {
		return nil, err
	}
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadAndMerge decodes path over cfg. Keys absent from the file keep their
// current values; lists are replaced wholesale.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return decodeInto(cfg, data)
}

func decodeInto(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// loadDotEnv reads KEY=VALUE pairs without exporting them into the process
// environment. A missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	values, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (c *Config) expandPaths() {
	c.Artifacts.Dir = expandHomeDir(c.Artifacts.Dir)
	c.Storage.Path = expandHomeDir(c.Storage.Path)
	c.Agent.Script = expandHomeDir(c.Agent.Script)
	c.Logging.File = expandHomeDir(c.Logging.File)
}

// Validate checks every section and reports the first problem as a
// CONFIG_INVALID error.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return invalid("server.listen is required")
	}
	if c.Server.ShutdownTimeout < 0 || c.Server.ReadHeaderTimeout < 0 || c.Server.StreamHeartbeat < 0 {
		return invalid("server timeouts must be zero or positive")
	}

	switch c.Agent.Backend {
	case AgentScripted:
	case AgentRemote:
		if err := c.Agent.Remote.Validate(); err != nil {
			return invalid("agent.remote: " + err.Error())
		}
	default:
		return invalid(fmt.Sprintf("agent.backend must be %q or %q, got %q", AgentScripted, AgentRemote, c.Agent.Backend))
	}

	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}

	switch c.Comparator.Matcher {
	case MatcherKeyword:
	case MatcherModel:
		if strings.TrimSpace(c.Comparator.Model.APIKey) == "" {
			return invalid("comparator.model.api_key is required for the model matcher (or set OPENROUTER_API_KEY)")
		}
		if strings.TrimSpace(c.Comparator.Model.Model) == "" {
			return invalid("comparator.model.model is required for the model matcher")
		}
	default:
		return invalid(fmt.Sprintf("comparator.matcher must be %q or %q, got %q", MatcherKeyword, MatcherModel, c.Comparator.Matcher))
	}
	if err := c.Comparator.Bands.Validate(); err != nil {
		return err
	}

	if c.Progress.RetentionTTL < 0 || c.Progress.MaxEntries < 0 || c.Progress.SweepInterval < 0 {
		return invalid("progress settings must be zero or positive")
	}

	switch c.Artifacts.Backend {
	case ArtifactsMemory:
	case ArtifactsFile:
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			return invalid("artifacts.dir is required for the file backend")
		}
	default:
		return invalid(fmt.Sprintf("artifacts.backend must be %q or %q, got %q", ArtifactsMemory, ArtifactsFile, c.Artifacts.Backend))
	}

	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		return invalid("storage.path is required when storage is enabled")
	}
	if c.Storage.Retention < 0 {
		return invalid("storage.retention must be zero or positive")
	}

	switch c.Bus.Backend {
	case "memory", "":
	case "nats":
		if strings.TrimSpace(c.Bus.URL) == "" {
			return invalid("bus.url is required for the nats backend")
		}
	default:
		return invalid(fmt.Sprintf("bus.backend must be \"memory\" or \"nats\", got %q", c.Bus.Backend))
	}

	if err := c.Export.Validate(); err != nil {
		return err
	}
	if c.Orchestrator.ExportOnComplete && !c.Export.Enabled {
		return invalid("orchestrator.export_on_complete requires export.enabled")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level: " + err.Error())
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		return invalid(fmt.Sprintf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return nil
}

func invalid(msg string) error {
	return bterrors.New(bterrors.ErrCodeConfigInvalid, msg)
}

// applyEnvOverrides layers environment variables over cfg. The process
// environment wins over values read from .env.
func applyEnvOverrides(cfg *Config, configEnv map[string]string) error {
	env := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(configEnv[key])
	}

	if v := env("BROWSERTEST_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := env("BROWSERTEST_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitCommaList(v)
	}

	if v := env("BROWSERTEST_AGENT_BACKEND"); v != "" {
		cfg.Agent.Backend = strings.ToLower(v)
	}
	if v := env("BROWSERTEST_AGENT_SCRIPT"); v != "" {
		cfg.Agent.Script = v
	}
	if v := env("BROWSERTEST_AGENT_URL"); v != "" {
		cfg.Agent.Remote.BaseURL = v
	}
	if v := env("BROWSERTEST_AGENT_API_KEY"); v != "" {
		cfg.Agent.Remote.APIKey = v
	} else if v := env("GOOGLE_API_KEY"); v != "" && cfg.Agent.Remote.APIKey == "" {
		cfg.Agent.Remote.APIKey = v
	}

	if v := env("BROWSERTEST_STEP_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envInvalid("BROWSERTEST_STEP_TIMEOUT", v, err)
		}
		cfg.Orchestrator.StepTimeout = d
	}
	if v := env("BROWSERTEST_MAX_CONCURRENT_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return envInvalid("BROWSERTEST_MAX_CONCURRENT_RUNS", v, err)
		}
		cfg.Orchestrator.MaxConcurrentRuns = n
	}
	if b, ok := envBool(env("BROWSERTEST_HEADLESS")); ok {
		cfg.Orchestrator.Headless = b
	}

	if v := env("BROWSERTEST_MATCHER"); v != "" {
		cfg.Comparator.Matcher = strings.ToLower(v)
	}
	if v := env("BROWSERTEST_PASS_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envInvalid("BROWSERTEST_PASS_THRESHOLD", v, err)
		}
		cfg.Comparator.Bands.Pass = f
	}
	if v := env("BROWSERTEST_FAIL_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envInvalid("BROWSERTEST_FAIL_THRESHOLD", v, err)
		}
		cfg.Comparator.Bands.Fail = f
	}
	if v := env("BROWSERTEST_MODEL"); v != "" {
		cfg.Comparator.Model.Model = v
	}
	if v := env("OPENROUTER_API_KEY"); v != "" && cfg.Comparator.Model.APIKey == "" {
		cfg.Comparator.Model.APIKey = v
	}

	if v := env("BROWSERTEST_ARTIFACT_DIR"); v != "" {
		cfg.Artifacts.Backend = ArtifactsFile
		cfg.Artifacts.Dir = v
	}
	if b, ok := envBool(env("BROWSERTEST_STORAGE_ENABLED")); ok {
		cfg.Storage.Enabled = b
	}
	if v := env("BROWSERTEST_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	if v := env("BROWSERTEST_NATS_URL"); v != "" {
		cfg.Bus.Backend = "nats"
		cfg.Bus.URL = v
	}

	if v := env("BROWSERTEST_EXPORT_ENDPOINT"); v != "" {
		cfg.Export.Enabled = true
		cfg.Export.Endpoint = v
	}
	if v := env("BROWSERTEST_EXPORT_BUCKET"); v != "" {
		cfg.Export.Bucket = v
	}
	if v := env("BROWSERTEST_EXPORT_ACCESS_KEY"); v != "" {
		cfg.Export.AccessKeyID = v
	}
	if v := env("BROWSERTEST_EXPORT_SECRET_KEY"); v != "" {
		cfg.Export.SecretAccessKey = v
	}

	if v := env("BROWSERTEST_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := env("BROWSERTEST_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = strings.ToLower(v)
	}
	if v, ok := lookupEnv("BROWSERTEST_LOG_FILE", configEnv); ok {
		// An explicit empty value disables the log file.
		cfg.Logging.File = strings.TrimSpace(v)
	}
	if b, ok := envBool(env("BROWSERTEST_TRACING")); ok {
		cfg.Tracing.Enabled = b
	}
	return nil
}

func lookupEnv(key string, configEnv map[string]string) (string, bool) {
	if v, ok := os.LookupEnv(key); ok {
		return v, true
	}
	v, ok := configEnv[key]
	return v, ok
}

func envInvalid(key, value string, err error) error {
	return bterrors.Wrap(err, bterrors.ErrCodeConfigInvalid, "invalid environment override").
		WithContext("variable", key).
		WithContext("value", value)
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func envBool(val string) (bool, bool) {
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil && strings.TrimSpace(home) != "" {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

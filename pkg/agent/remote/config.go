package remote

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Config controls how the remote adapter reaches the agent service.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RequestsPerSecond caps calls across all sessions of one runtime.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://127.0.0.1:8765",
		RequestTimeout:    2 * time.Minute,
		RequestsPerSecond: 5,
		Burst:             10,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if strings.TrimSpace(c.BaseURL) != "" {
		defaults.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	}
	defaults.APIKey = c.APIKey
	if c.RequestTimeout != 0 {
		defaults.RequestTimeout = c.RequestTimeout
	}
	if c.RequestsPerSecond != 0 {
		defaults.RequestsPerSecond = c.RequestsPerSecond
	}
	if c.Burst != 0 {
		defaults.Burst = c.Burst
	}
	return defaults
}

// Validate checks whether the config is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("base_url must be an absolute URL")
	}
	if c.RequestTimeout < 0 {
		return errors.New("request_timeout must be zero or positive")
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second must be zero or positive")
	}
	return nil
}

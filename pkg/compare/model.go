package compare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultModelBaseURL = "https://openrouter.ai/api/v1"
	defaultModelTimeout = 60 * time.Second

	systemPrompt = `You judge browser test results. Given the expected outcome of a test and the
observations recorded after each step, reply with a JSON object
{"confidence": <number between 0 and 1>, "reason": "<one sentence>"} where confidence is how
certain you are that the observations show the expected outcome was achieved.`
)

// ModelConfig configures the language-model matcher.
type ModelConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps calls to the model endpoint.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ModelMatcher asks an OpenAI-compatible chat completion endpoint to score
// the outcome. Any failure is reported as an error, which the comparator
// turns into a partial verdict.
type ModelMatcher struct {
	cfg     ModelConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewModelMatcher builds a matcher. An API key and model are required.
func NewModelMatcher(cfg ModelConfig) (*ModelMatcher, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("model matcher: api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("model matcher: model is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultModelBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultModelTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	return &ModelMatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
	}, nil
}

// Name implements Matcher.
func (m *ModelMatcher) Name() string { return "model:" + m.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type judgement struct {
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// Match implements Matcher.
func (m *ModelMatcher) Match(ctx context.Context, expected, actual string) (Match, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return Match{}, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: m.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: "Expected outcome:\n" + expected + "\n\nObservations:\n" + actual},
		},
		Temperature:    0,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return Match{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Match{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return Match{}, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Match{}, fmt.Errorf("model request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return Match{}, fmt.Errorf("decode response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return Match{}, errors.New("model returned no choices")
	}

	var j judgement
	if err := json.Unmarshal([]byte(stripFence(chat.Choices[0].Message.Content)), &j); err != nil {
		return Match{}, fmt.Errorf("decode judgement: %w", err)
	}
	if j.Confidence == nil {
		return Match{}, errors.New("judgement is missing confidence")
	}
	if *j.Confidence < 0 || *j.Confidence > 1 {
		return Match{}, fmt.Errorf("confidence %.2f out of range", *j.Confidence)
	}
	return Match{Confidence: *j.Confidence, Evidence: strings.TrimSpace(j.Reason)}, nil
}

// stripFence removes a surrounding ```json fence some models add.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

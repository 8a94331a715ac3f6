// Package scripted provides a deterministic browsing agent driven by a YAML
// script. It serves offline runs, demos and tests.
package scripted

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odvcencio/browsertest/pkg/agent"
)

// Script describes how the agent answers instructions.
type Script struct {
	// Rules are tried in order; the first match answers the step.
	Rules   []Rule `yaml:"rules"`
	Default Reply  `yaml:"default"`
	// Screenshots controls whether a placeholder image is attached to replies.
	Screenshots bool `yaml:"screenshots"`
}

// Rule matches an instruction by step index or by case-insensitive substring.
type Rule struct {
	Step  int    `yaml:"step,omitempty"`
	Match string `yaml:"match,omitempty"`
	Reply `yaml:",inline"`
}

// Reply is the scripted answer. Observation may reference {instruction},
// {index} and {url}.
type Reply struct {
	Observation string        `yaml:"observation"`
	Outcome     agent.Outcome `yaml:"outcome"`
	Delay       time.Duration `yaml:"delay,omitempty"`
	// Error makes the step fail with a transport fault of this code.
	Error string `yaml:"error,omitempty"`
}

// DefaultScript answers every instruction with a success.
func DefaultScript() Script {
	return Script{
		Default: Reply{
			Observation: "Performed: {instruction}",
			Outcome:     agent.OutcomeSucceeded,
		},
		Screenshots: true,
	}
}

// LoadScript reads a script file.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes and validates a YAML script.
func ParseScript(data []byte) (Script, error) {
	script := DefaultScript()
	if err := yaml.Unmarshal(data, &script); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if err := script.Validate(); err != nil {
		return Script{}, err
	}
	return script, nil
}

// Validate checks whether the script is usable.
func (s Script) Validate() error {
	if err := s.Default.validate(); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	for i, rule := range s.Rules {
		if rule.Step <= 0 && strings.TrimSpace(rule.Match) == "" {
			return fmt.Errorf("rule %d: step or match is required", i)
		}
		if err := rule.Reply.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return nil
}

func (r Reply) validate() error {
	if r.Outcome != "" && !r.Outcome.Valid() {
		return fmt.Errorf("unknown outcome %q", r.Outcome)
	}
	if r.Delay < 0 {
		return errors.New("delay must be zero or positive")
	}
	switch r.Error {
	case "", agent.CodeUnavailable, agent.CodeTimeout, agent.CodeRejected, agent.CodeProtocol:
	default:
		return fmt.Errorf("unknown error code %q", r.Error)
	}
	return nil
}

func (s Script) reply(req agent.StepRequest) Reply {
	instruction := strings.ToLower(req.Instruction)
	for _, rule := range s.Rules {
		if rule.Step > 0 && rule.Step != req.Index {
			continue
		}
		if m := strings.ToLower(strings.TrimSpace(rule.Match)); m != "" && !strings.Contains(instruction, m) {
			continue
		}
		return rule.Reply
	}
	return s.Default
}

func render(tmpl string, req agent.StepRequest, startURL string) string {
	return strings.NewReplacer(
		"{instruction}", req.Instruction,
		"{index}", fmt.Sprint(req.Index),
		"{url}", startURL,
	).Replace(tmpl)
}

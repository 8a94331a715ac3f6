// Package testcase defines the browser test specification accepted by the orchestrator.
package testcase

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	bterrors "github.com/odvcencio/browsertest/pkg/errors"
)

// MaxSteps is the largest number of steps a single specification may carry.
const MaxSteps = 10

// Specification is the immutable description of one browser test.
type Specification struct {
	URL             string   `json:"url" yaml:"url"`
	Title           string   `json:"title" yaml:"title"`
	Steps           []string `json:"steps" yaml:"steps"`
	ExpectedOutcome string   `json:"expected_outcome" yaml:"expected_outcome"`
}

// Violation names one field of a test specification that fails validation.
type Violation struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Problem
}

// Violations lists every validation failure, in field order.
func (s Specification) Violations() []Violation {
	var out []Violation

	rawURL := strings.TrimSpace(s.URL)
	switch {
	case rawURL == "":
		out = append(out, Violation{Field: "url", Problem: "is required"})
	default:
		u, err := url.Parse(rawURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			out = append(out, Violation{Field: "url", Problem: "must be an absolute URI with scheme and host"})
		}
	}

	if strings.TrimSpace(s.Title) == "" {
		out = append(out, Violation{Field: "title", Problem: "is required"})
	}

	switch n := len(s.Steps); {
	case n == 0:
		out = append(out, Violation{Field: "steps", Problem: "at least one step is required"})
	case n > MaxSteps:
		out = append(out, Violation{Field: "steps", Problem: fmt.Sprintf("at most %d steps are allowed, got %d", MaxSteps, n)})
	}
	for i, step := range s.Steps {
		if strings.TrimSpace(step) == "" {
			out = append(out, Violation{Field: fmt.Sprintf("steps[%d]", i), Problem: "must not be empty"})
		}
	}

	if strings.TrimSpace(s.ExpectedOutcome) == "" {
		out = append(out, Violation{Field: "expected_outcome", Problem: "is required"})
	}

	return out
}

// Validate returns a VALIDATION error listing every violation, or nil.
func (s Specification) Validate() error {
	violations := s.Violations()
	if len(violations) == 0 {
		return nil
	}
	parts := make([]string, len(violations))
	for i, v := range violations {
		parts[i] = v.String()
	}
	return bterrors.New(bterrors.ErrCodeValidation, "invalid test specification: "+strings.Join(parts, "; ")).
		WithContext("violations", violations).
		WithUserMessage("test specification is invalid")
}

// ViolationsFrom extracts the violation list carried by a Validate error.
func ViolationsFrom(err error) []Violation {
	e, ok := bterrors.As(err)
	if !ok || e.Code != bterrors.ErrCodeValidation {
		return nil
	}
	v, _ := e.Context["violations"].([]Violation)
	return v
}

// Normalize returns a copy with surrounding whitespace removed. The step slice is
// copied so callers cannot mutate an accepted specification.
func (s Specification) Normalize() Specification {
	steps := make([]string, len(s.Steps))
	for i, step := range s.Steps {
		steps[i] = strings.TrimSpace(step)
	}
	return Specification{
		URL:             strings.TrimSpace(s.URL),
		Title:           strings.TrimSpace(s.Title),
		Steps:           steps,
		ExpectedOutcome: strings.TrimSpace(s.ExpectedOutcome),
	}
}

// LoadFile reads a YAML (or JSON) specification file.
func LoadFile(path string) (Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "read specification file").
			WithContext("path", path)
	}
	return Parse(data)
}

// Parse decodes a specification document. Both the native and the legacy
// step1..step10 shapes are accepted, as JSON or YAML.
func Parse(data []byte) (Specification, error) {
	if json.Valid(data) {
		return parseJSON(data)
	}
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "parse specification")
	}
	if _, legacy := probe["Steps"]; legacy {
		var req Request
		if err := yaml.Unmarshal(data, &req); err != nil {
			return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "parse legacy specification")
		}
		return req.Specification(), nil
	}
	var spec Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "parse specification")
	}
	return spec, nil
}

func parseJSON(data []byte) (Specification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "specification must be a JSON object")
	}
	if _, legacy := probe["Steps"]; legacy {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "parse legacy specification")
		}
		return req.Specification(), nil
	}
	var spec Specification
	if err := json.Unmarshal(data, &spec); err != nil {
		return Specification{}, bterrors.Wrap(err, bterrors.ErrCodeValidation, "parse specification")
	}
	return spec, nil
}

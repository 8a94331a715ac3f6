package testcase

import "strings"

// Request is the legacy request body: steps are carried as named fields
// step1..step10 rather than a list.
type Request struct {
	URL             string      `json:"URL" yaml:"URL"`
	Title           string      `json:"Title" yaml:"Title"`
	Steps           LegacySteps `json:"Steps" yaml:"Steps"`
	ExpectedOutcome string      `json:"Expected_Outcome" yaml:"Expected_Outcome"`
}

// LegacySteps holds up to ten optional step slots.
type LegacySteps struct {
	Step1  string `json:"step1,omitempty" yaml:"step1,omitempty"`
	Step2  string `json:"step2,omitempty" yaml:"step2,omitempty"`
	Step3  string `json:"step3,omitempty" yaml:"step3,omitempty"`
	Step4  string `json:"step4,omitempty" yaml:"step4,omitempty"`
	Step5  string `json:"step5,omitempty" yaml:"step5,omitempty"`
	Step6  string `json:"step6,omitempty" yaml:"step6,omitempty"`
	Step7  string `json:"step7,omitempty" yaml:"step7,omitempty"`
	Step8  string `json:"step8,omitempty" yaml:"step8,omitempty"`
	Step9  string `json:"step9,omitempty" yaml:"step9,omitempty"`
	Step10 string `json:"step10,omitempty" yaml:"step10,omitempty"`
}

// List returns the non-blank slots in slot order.
func (s LegacySteps) List() []string {
	slots := [MaxSteps]string{
		s.Step1, s.Step2, s.Step3, s.Step4, s.Step5,
		s.Step6, s.Step7, s.Step8, s.Step9, s.Step10,
	}
	out := make([]string, 0, MaxSteps)
	for _, step := range slots {
		if strings.TrimSpace(step) != "" {
			out = append(out, step)
		}
	}
	return out
}

// Specification converts the legacy request into the native form.
func (r Request) Specification() Specification {
	return Specification{
		URL:             r.URL,
		Title:           r.Title,
		Steps:           r.Steps.List(),
		ExpectedOutcome: r.ExpectedOutcome,
	}
}

// FromSpecification builds the legacy shape, filling slots in order.
func FromSpecification(spec Specification) Request {
	req := Request{URL: spec.URL, Title: spec.Title, ExpectedOutcome: spec.ExpectedOutcome}
	slots := []*string{
		&req.Steps.Step1, &req.Steps.Step2, &req.Steps.Step3, &req.Steps.Step4, &req.Steps.Step5,
		&req.Steps.Step6, &req.Steps.Step7, &req.Steps.Step8, &req.Steps.Step9, &req.Steps.Step10,
	}
	for i, step := range spec.Steps {
		if i >= len(slots) {
			break
		}
		*slots[i] = step
	}
	return req
}

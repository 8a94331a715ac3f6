package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// SubjectPrefix roots every run event subject.
const SubjectPrefix = "browsertest.runs"

// AllRuns matches every run event.
const AllRuns = SubjectPrefix + ".>"

// EventType names a run lifecycle event.
type EventType string

const (
	EventAccepted EventType = "accepted"
	EventStep     EventType = "step"
	EventFinished EventType = "finished"
)

// Event is the payload published for run lifecycle changes.
type Event struct {
	ID     string          `json:"id"`
	Type   EventType       `json:"type"`
	TestID string          `json:"test_id"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RunSubject returns the subject for an event of one run:
// browsertest.runs.<test_id>.<type>.
func RunSubject(testID string, typ EventType) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, sanitizeToken(testID), typ)
}

// RunSubjects matches all events of one run.
func RunSubjects(testID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, sanitizeToken(testID))
}

func sanitizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Publisher encodes run events onto a MessageBus.
type Publisher struct {
	bus MessageBus
	now func() time.Time
}

// NewPublisher returns a Publisher. A nil bus yields a Publisher that
// drops every event.
func NewPublisher(b MessageBus) *Publisher {
	return &Publisher{bus: b, now: time.Now}
}

// Publish sends one event. data is JSON encoded into Event.Data.
func (p *Publisher) Publish(ctx context.Context, testID string, typ EventType, data any) error {
	if p == nil || p.bus == nil {
		return nil
	}
	ev := Event{
		ID:     ulid.Make().String(),
		Type:   typ,
		TestID: testID,
		Time:   p.now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode %s event: %w", typ, err)
		}
		ev.Data = raw
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.bus.Publish(ctx, RunSubject(testID, typ), payload)
}

// DecodeEvent parses a message published by Publisher.
func DecodeEvent(msg *Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event on %s: %w", msg.Subject, err)
	}
	return ev, nil
}

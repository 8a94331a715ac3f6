// Package bus carries run lifecycle events between the orchestrator and
// stream consumers. The in-memory bus serves a single process; the NATS bus
// fans events out to other processes.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when operating on a closed bus or subscription.
var ErrClosed = errors.New("bus or subscription closed")

// MessageBus is a publish/subscribe transport.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends a message to all subscribers of the given subject.
	// Returns immediately; does not wait for message delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Supports wildcards: "browsertest.runs.*.finished" matches one token,
	// "browsertest.runs.>" matches the rest of the subject.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(msg *Message)

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// Backend selects "memory" or "nats".
	Backend string `yaml:"backend"`

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string `yaml:"url"`

	// Name is a client identifier for debugging/monitoring.
	Name string `yaml:"name"`

	// Timeout bounds connection attempts.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend: "memory",
		URL:     "nats://localhost:4222",
		Name:    "browsertest",
		Timeout: 10 * time.Second,
	}
}

// Open builds the bus selected by cfg.Backend.
func Open(cfg Config) (MessageBus, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBus(), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, errors.New("unknown bus backend: " + cfg.Backend)
	}
}

// Package events is the bridge's observability fanout. Run and session
// lifecycle transitions are published here; the websocket firehose and
// any external NATS consumers subscribe. Delivery is best-effort and
// never participates in run correctness.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the bridge. NATS-style wildcards work on the
// subscribe side: "run.*" matches every run transition, ">" everything.
const (
	SubjectRunStarted   = "run.started"
	SubjectRunUpdate    = "run.update"
	SubjectRunCompleted = "run.completed"
	SubjectRunCancelled = "run.cancelled"
	SubjectRunFailed    = "run.failed"

	SubjectSessionTerminated = "session.terminated"
	SubjectSessionReaped     = "session.reaped"
)

// Source identifies this service in published events.
const Source = "acp2-proxy"

// Event is a message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh UUID and current timestamp.
func NewEvent(eventType string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    Source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler is invoked for each delivered event. Errors are logged, not
// propagated to the publisher.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event bus contract shared by the in-memory and NATS
// backends.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus can deliver.
	IsConnected() bool
}

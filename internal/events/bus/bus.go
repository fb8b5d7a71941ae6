// Package bus provides the event bus used to fan out notebook session events.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Subjects published by the notebook controller.
const (
	SubjectWorkspaceRefresh = "pegasus.workspace.refresh"
	SubjectStatus           = "pegasus.session.status"
	SubjectExecutionStarted = "pegasus.execution.started"
	SubjectExecutionDone    = "pegasus.execution.completed"
	SubjectNotebookSaved    = "pegasus.notebook.saved"
)

// Event represents a message on the event bus
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is implemented by the in-memory bus and the NATS bus.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern (NATS wildcards * and >)
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	Close()

	IsConnected() bool
}

package interfaces

import "time"

// Event types published by the agent and orchestrator
const (
	EventStateChanged     = "agent.state_changed"
	EventRequestCompleted = "request.completed"
	EventPlanCompleted    = "plan.completed"
	EventSessionCreated   = "session.created"
)

// Event is a notification pushed to connected observers.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventSink receives events; implementations must not block the caller.
type EventSink interface {
	Publish(e Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// MultiSink fans each event out to every sink.
type MultiSink []EventSink

func (m MultiSink) Publish(e Event) {
	for _, s := range m {
		s.Publish(e)
	}
}

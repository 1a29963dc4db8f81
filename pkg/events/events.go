// Package events publishes relay lifecycle events (agent registration,
// breaker transitions, dropped messages, call timeouts) to observability sinks.
// Events describe what happened to requests; they never carry the requests.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/syntor/relay/pkg/models"
)

// Type identifies an event
type Type string

const (
	AgentRegistered     Type = "agent.registered"
	AgentUnregistered   Type = "agent.unregistered"
	BreakerStateChanged Type = "breaker.state_changed"
	MessageDropped      Type = "queue.message_dropped"
	CallTimedOut        Type = "call.timeout"
	LateResponse        Type = "call.late_response"
	HandlerFailed       Type = "handler.failed"
)

// Event is a single observability record
type Event struct {
	ID        string              `json:"id"`
	Type      Type                `json:"type"`
	AgentID   string              `json:"agent_id"`
	MessageID string              `json:"message_id,omitempty"`
	From      string              `json:"from,omitempty"`
	Priority  models.Priority     `json:"priority,omitempty"`
	FromState models.CircuitState `json:"from_state,omitempty"`
	ToState   models.CircuitState `json:"to_state,omitempty"`
	Detail    string              `json:"detail,omitempty"`
	Time      time.Time           `json:"time"`
}

// New creates an event with id and time set
func New(t Type, agentID string) Event {
	return Event{
		ID:      uuid.New().String(),
		Type:    t,
		AgentID: agentID,
		Time:    time.Now(),
	}
}

// Sink delivers events somewhere durable or visible
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Emitter accepts events without blocking the caller
type Emitter interface {
	Emit(event Event)
}

// NopEmitter discards events
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// MemorySink keeps events in memory. It is both a Sink and an Emitter.
type MemorySink struct {
	events []Event
	mu     sync.Mutex
}

// NewMemorySink creates an empty memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Publish(_ context.Context, event Event) error {
	m.Emit(event)
	return nil
}

func (m *MemorySink) Emit(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *MemorySink) Close() error { return nil }

// Events returns a copy of everything recorded so far
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// OfType returns the recorded events of type t
func (m *MemorySink) OfType(t Type) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit exchanged between agents. It is treated as immutable once
// enqueued: queues hold copies, never pointers.
type Message struct {
	ID            string        `json:"id"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Priority      Priority      `json:"priority"`
	Timestamp     time.Time     `json:"timestamp"`
	Payload       interface{}   `json:"payload,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	TTL           time.Duration `json:"ttl,omitempty"`
}

// NewMessage creates a new message with an id and timestamp assigned
func NewMessage(from, to string, priority Priority, payload interface{}) Message {
	return Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Priority:  priority,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Stamp fills in the id and timestamp when they are absent
func (m Message) Stamp() Message {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	return m
}

// WithCorrelationID adds a correlation ID to the message
func (m Message) WithCorrelationID(id string) Message {
	m.CorrelationID = id
	return m
}

// WithTTL sets the time-to-live for the message
func (m Message) WithTTL(ttl time.Duration) Message {
	m.TTL = ttl
	return m
}

// IsExpired checks if the message has expired based on TTL
func (m Message) IsExpired() bool {
	if m.TTL == 0 {
		return false
	}
	return time.Since(m.Timestamp) > m.TTL
}

// Validate checks if the message has all required fields
func (m Message) Validate() error {
	if m.To == "" {
		return &ValidationError{Field: "to", Message: "message target is required"}
	}
	if !m.Priority.Valid() {
		return &ValidationError{Field: "priority", Message: "message priority is invalid"}
	}
	return nil
}

// ValidationError represents a message validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// Reply is the outcome of a correlated call delivered back to the caller.
type Reply struct {
	MessageID string        `json:"message_id"`
	AgentID   string        `json:"agent_id"`
	Body      interface{}   `json:"body,omitempty"`
	Duration  time.Duration `json:"duration"`
}

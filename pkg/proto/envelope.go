// Package proto defines the message envelope and shared vocabulary used on
// the message channel between workflow services.
package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes broadcast events from point-to-point commands.
type Kind string

const (
	// KindEvent is a fact that happened; fanned out to every subscriber.
	KindEvent Kind = "event"
	// KindCommand is a request for work; delivered to exactly one consumer
	// in a group.
	KindCommand Kind = "command"
)

// Envelope is the unit of exchange on the message channel. Payload carries
// message-specific data; CorrelationID ties together all messages of one
// workflow and CausationID points at the message that directly triggered
// this one.
type Envelope struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id"`
	CausationID   string         `json:"causation_id,omitempty"`
	RoutingKey    string         `json:"routing_key"`
}

// Option adjusts an envelope at construction time.
type Option func(*Envelope)

// WithCorrelationID joins the envelope to an existing workflow.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.CorrelationID = id
		}
	}
}

// WithCausationID records the message that directly caused this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.CausationID = id }
}

// WithRoutingKey overrides the derived routing key.
func WithRoutingKey(key string) Option {
	return func(e *Envelope) { e.RoutingKey = key }
}

// WithSource overrides the publisher-supplied source component name.
func WithSource(source string) Option {
	return func(e *Envelope) {
		if source != "" {
			e.Source = source
		}
	}
}

// CausedBy propagates the workflow correlation from a parent envelope and
// marks the parent as the cause.
func CausedBy(parent *Envelope) Option {
	return func(e *Envelope) {
		if parent == nil {
			return
		}
		if parent.CorrelationID != "" {
			e.CorrelationID = parent.CorrelationID
		}
		e.CausationID = parent.ID
	}
}

// NewEvent builds an event envelope. A fresh correlation id is assigned when
// no option supplies one.
func NewEvent(eventType EventType, payload map[string]any, source string, opts ...Option) *Envelope {
	return newEnvelope(KindEvent, string(eventType), payload, source, opts...)
}

// NewCommand builds a command envelope.
func NewCommand(commandType CommandType, payload map[string]any, source string, opts ...Option) *Envelope {
	return newEnvelope(KindCommand, string(commandType), payload, source, opts...)
}

func newEnvelope(kind Kind, msgType string, payload map[string]any, source string, opts ...Option) *Envelope {
	if payload == nil {
		payload = make(map[string]any)
	}
	env := &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
	for _, opt := range opts {
		opt(env)
	}
	if env.CorrelationID == "" {
		env.CorrelationID = uuid.New().String()
	}
	if env.RoutingKey == "" {
		env.RoutingKey = fmt.Sprintf("%s.%s", kind, msgType)
	}
	return env
}

// ToJSON serializes the envelope for the wire and the event log.
func (e *Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// FromJSON deserializes an envelope received from the wire.
func FromJSON(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields every consumer relies on.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if e.Kind != KindEvent && e.Kind != KindCommand {
		return fmt.Errorf("envelope %s has invalid kind %q", e.ID, e.Kind)
	}
	if e.Type == "" {
		return fmt.Errorf("envelope %s missing type", e.ID)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("envelope %s missing correlation id", e.ID)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope %s missing timestamp", e.ID)
	}
	return nil
}

// Clone returns a deep copy so handlers can mutate payloads freely.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	clone.Payload = clonePayload(e.Payload)
	return &clone
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if nested, ok := v.(map[string]any); ok {
			out[k] = clonePayload(nested)
		} else {
			out[k] = v
		}
	}
	return out
}

// GetString extracts a string payload field, empty when absent or mistyped.
func (e *Envelope) GetString(key string) string {
	v, _ := ExtractPayload[string](e, key)
	return v
}

// ExtractPayload pulls a typed value out of the payload. JSON round-trips
// turn everything into generic types, so numeric extraction goes through
// float64.
func ExtractPayload[T any](e *Envelope, key string) (T, bool) {
	var zero T
	if e == nil || e.Payload == nil {
		return zero, false
	}
	raw, ok := e.Payload[key]
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Package bus provides the message channel between workflow services:
// broadcast events with fan-out and point-to-point commands with
// load-balanced consumer groups, behind one interface with an in-process
// and a durable NATS-backed implementation.
package bus

import (
	"context"
	"errors"
	"fmt"

	"aihive/pkg/proto"
	"aihive/pkg/resilience"
)

// Handler processes one delivered envelope. Returned errors are classified
// by the error handler; they never propagate to the publisher.
type Handler func(ctx context.Context, env *proto.Envelope) error

// ErrClosed is returned by publishes after the channel has shut down.
var ErrClosed = errors.New("message channel is closed")

// Bus is the message channel. Events fan out to every subscriber of a type;
// commands go to exactly one consumer per group. Publish is the raw
// primitive used by the observability decorator and dead letter replay.
type Bus interface {
	PublishEvent(ctx context.Context, eventType proto.EventType, payload map[string]any, opts ...proto.Option) error
	PublishCommand(ctx context.Context, commandType proto.CommandType, payload map[string]any, opts ...proto.Option) error
	Publish(ctx context.Context, env *proto.Envelope) error

	SubscribeToEvents(types []proto.EventType, h Handler) error
	SubscribeToCommands(types []proto.CommandType, group string, h Handler) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Close() error
}

// Channel variant names accepted by the factory and the CLI.
const (
	TypeMemory = "memory"
	TypeNATS   = "nats"
)

// Config selects and tunes the channel variant.
type Config struct {
	Type   string // memory | nats
	URL    string // broker url for the nats variant
	Source string // default envelope source when the publisher sets none
}

// New constructs the configured channel variant. There is no package-level
// instance; the composition root owns the returned value.
func New(cfg Config, errHandler *resilience.Handler) (Bus, error) {
	if cfg.Source == "" {
		cfg.Source = "aihive"
	}
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemory(cfg, errHandler), nil
	case TypeNATS:
		return NewNATS(cfg, errHandler)
	default:
		return nil, fmt.Errorf("unknown message channel type %q", cfg.Type)
	}
}

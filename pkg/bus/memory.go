package bus

import (
	"context"
	"sync"

	"aihive/pkg/logx"
	"aihive/pkg/proto"
	"aihive/pkg/resilience"
)

// commandGroup is one consumer group for a command type. Deliveries rotate
// through its handlers.
type commandGroup struct {
	handlers []Handler
	next     int
}

// MemoryBus is the in-process channel variant. Delivery is synchronous on
// the publisher's goroutine; delivery failures are absorbed by the error
// handler so they never surface to the publisher.
type MemoryBus struct {
	source     string
	errHandler *resilience.Handler
	logger     *logx.Logger

	mu            sync.RWMutex
	eventSubs     map[proto.EventType][]Handler
	commandGroups map[proto.CommandType]map[string]*commandGroup
	closed        bool
}

// NewMemory creates an in-process channel. errHandler may be nil (tests),
// in which case delivery errors are logged and dropped.
func NewMemory(cfg Config, errHandler *resilience.Handler) *MemoryBus {
	source := cfg.Source
	if source == "" {
		source = "aihive"
	}
	return &MemoryBus{
		source:        source,
		errHandler:    errHandler,
		logger:        logx.NewLogger("bus"),
		eventSubs:     make(map[proto.EventType][]Handler),
		commandGroups: make(map[proto.CommandType]map[string]*commandGroup),
	}
}

func (b *MemoryBus) PublishEvent(ctx context.Context, eventType proto.EventType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewEvent(eventType, payload, b.source, opts...))
}

func (b *MemoryBus) PublishCommand(ctx context.Context, commandType proto.CommandType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewCommand(commandType, payload, b.source, opts...))
}

// Publish delivers synchronously. Events fan out to every subscriber;
// commands go to one handler per consumer group, round-robin. Unknown types
// are a no-op.
func (b *MemoryBus) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}

	var targets []Handler
	switch env.Kind {
	case proto.KindEvent:
		targets = append(targets, b.eventSubs[proto.EventType(env.Type)]...)
	case proto.KindCommand:
		for _, group := range b.commandGroups[proto.CommandType(env.Type)] {
			h := group.handlers[group.next%len(group.handlers)]
			group.next++
			targets = append(targets, h)
		}
	}
	b.mu.Unlock()

	if len(targets) == 0 {
		b.logger.Debug("no subscribers for %s %s", env.Kind, env.Type)
		return nil
	}

	for _, h := range targets {
		b.deliver(ctx, env, h)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, env *proto.Envelope, h Handler) {
	// Each subscriber gets its own copy so handlers can mutate payloads.
	clone := env.Clone()
	if b.errHandler != nil {
		wrapped := b.errHandler.Wrap(resilience.DeliveryFunc(h))
		_ = wrapped(ctx, clone)
		return
	}
	if err := h(ctx, clone); err != nil {
		b.logger.Error("delivery of %s %s failed: %v", env.Kind, env.Type, err)
	}
}

func (b *MemoryBus) SubscribeToEvents(types []proto.EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, t := range types {
		b.eventSubs[t] = append(b.eventSubs[t], h)
	}
	return nil
}

func (b *MemoryBus) SubscribeToCommands(types []proto.CommandType, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if group == "" {
		group = "default"
	}
	for _, t := range types {
		groups, ok := b.commandGroups[t]
		if !ok {
			groups = make(map[string]*commandGroup)
			b.commandGroups[t] = groups
		}
		cg, ok := groups[group]
		if !ok {
			cg = &commandGroup{}
			groups[group] = cg
		}
		cg.handlers = append(cg.handlers, h)
	}
	return nil
}

// Start is a no-op for the in-process variant; delivery is synchronous.
func (b *MemoryBus) Start(_ context.Context) error {
	b.logger.Info("in-process message channel ready")
	return nil
}

// Stop is a no-op; there are no consumer loops to drain.
func (b *MemoryBus) Stop(_ context.Context) error {
	return nil
}

// Close rejects further publishes and subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

package bus

import (
	"context"

	"aihive/pkg/monitor"
	"aihive/pkg/proto"
)

// Observed decorates a Bus so every publish is recorded by the monitor and
// every delivery is counted. Explicit wrapping instead of patching the
// underlying implementation keeps both variants observable through one code
// path.
type Observed struct {
	inner Bus
	mon   *monitor.Monitor
}

// NewObserved wraps inner so all traffic flows through the monitor.
func NewObserved(inner Bus, mon *monitor.Monitor) *Observed {
	return &Observed{inner: inner, mon: mon}
}

func (o *Observed) PublishEvent(ctx context.Context, eventType proto.EventType, payload map[string]any, opts ...proto.Option) error {
	return o.Publish(ctx, proto.NewEvent(eventType, payload, "aihive", opts...))
}

func (o *Observed) PublishCommand(ctx context.Context, commandType proto.CommandType, payload map[string]any, opts ...proto.Option) error {
	return o.Publish(ctx, proto.NewCommand(commandType, payload, "aihive", opts...))
}

// Publish records the envelope before handing it to the inner channel, so
// even a failed publish is visible to the monitor.
func (o *Observed) Publish(ctx context.Context, env *proto.Envelope) error {
	o.mon.Record(env)
	publishedTotal.WithLabelValues(string(env.Kind), env.Type).Inc()

	if err := o.inner.Publish(ctx, env); err != nil {
		publishFailures.WithLabelValues(string(env.Kind), env.Type).Inc()
		return err
	}
	return nil
}

func (o *Observed) SubscribeToEvents(types []proto.EventType, h Handler) error {
	return o.inner.SubscribeToEvents(types, o.observeDelivery(h))
}

func (o *Observed) SubscribeToCommands(types []proto.CommandType, group string, h Handler) error {
	return o.inner.SubscribeToCommands(types, group, o.observeDelivery(h))
}

func (o *Observed) observeDelivery(h Handler) Handler {
	return func(ctx context.Context, env *proto.Envelope) error {
		if err := h(ctx, env); err != nil {
			return err
		}
		deliveredTotal.WithLabelValues(string(env.Kind), env.Type).Inc()
		return nil
	}
}

func (o *Observed) Start(ctx context.Context) error { return o.inner.Start(ctx) }

func (o *Observed) Stop(ctx context.Context) error { return o.inner.Stop(ctx) }

func (o *Observed) Close() error { return o.inner.Close() }

package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"aihive/pkg/logx"
	"aihive/pkg/proto"
	"aihive/pkg/resilience"
)

// JetStream streams backing the durable channel variant.
const (
	eventStream   = "AIHIVE_EVENTS"
	commandStream = "AIHIVE_COMMANDS"
)

// subscriptionSpec is a subscription registered before Start. Actual broker
// consumers are created when consuming starts.
type subscriptionSpec struct {
	subject string
	group   string // empty for event fan-out subscriptions
	handler Handler
}

// NATSBus is the durable channel variant. Events get one JetStream consumer
// per subscription (fan-out); commands get a durable queue-group consumer
// per type, so each command is delivered to exactly one group member.
// Messages are acknowledged only after the wrapped handler returns, so they
// persist until consumed.
type NATSBus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	source     string
	errHandler *resilience.Handler
	logger     *logx.Logger

	mu      sync.Mutex
	pending []subscriptionSpec
	subs    []*nats.Subscription
	started bool
	closed  bool
}

// NewNATS connects to the broker and ensures the event and command streams
// exist.
func NewNATS(cfg Config, errHandler *resilience.Handler) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url,
		nats.Name("aihive"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get jetstream context: %w", err)
	}

	for stream, subject := range map[string]string{
		eventStream:   "event.>",
		commandStream: "command.>",
	} {
		if err := ensureStream(js, stream, subject); err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &NATSBus{
		nc:         nc,
		js:         js,
		source:     cfg.Source,
		errHandler: errHandler,
		logger:     logx.NewLogger("bus"),
	}, nil
}

func ensureStream(js nats.JetStreamContext, name, subject string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

func (b *NATSBus) PublishEvent(ctx context.Context, eventType proto.EventType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewEvent(eventType, payload, b.source, opts...))
}

func (b *NATSBus) PublishCommand(ctx context.Context, commandType proto.CommandType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewCommand(commandType, payload, b.source, opts...))
}

// Publish writes the envelope to its routing key subject and waits for the
// stream's acknowledgment.
func (b *NATSBus) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	data, err := env.ToJSON()
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(env.RoutingKey, data, nats.Context(ctx)); err != nil {
		return resilience.NewTransportError(fmt.Errorf("publish %s: %w", env.RoutingKey, err))
	}
	return nil
}

func (b *NATSBus) SubscribeToEvents(types []proto.EventType, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return fmt.Errorf("subscriptions must be registered before consuming starts")
	}
	for _, t := range types {
		b.pending = append(b.pending, subscriptionSpec{
			subject: fmt.Sprintf("event.%s", t),
			handler: h,
		})
	}
	return nil
}

func (b *NATSBus) SubscribeToCommands(types []proto.CommandType, group string, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return fmt.Errorf("subscriptions must be registered before consuming starts")
	}
	if group == "" {
		group = "default"
	}
	for _, t := range types {
		b.pending = append(b.pending, subscriptionSpec{
			subject: fmt.Sprintf("command.%s", t),
			group:   group,
			handler: h,
		})
	}
	return nil
}

// Start creates the broker consumers for every registered subscription.
func (b *NATSBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if b.started {
		return fmt.Errorf("message channel already consuming")
	}

	for _, spec := range b.pending {
		sub, err := b.subscribe(ctx, spec)
		if err != nil {
			return err
		}
		b.subs = append(b.subs, sub)
	}
	b.started = true
	b.logger.Info("nats channel consuming, %d subscriptions", len(b.subs))
	return nil
}

func (b *NATSBus) subscribe(ctx context.Context, spec subscriptionSpec) (*nats.Subscription, error) {
	msgHandler := b.makeMsgHandler(ctx, spec.handler)

	if spec.group == "" {
		sub, err := b.js.Subscribe(spec.subject, msgHandler,
			nats.ManualAck(),
			nats.AckExplicit(),
			nats.DeliverNew(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", spec.subject, err)
		}
		return sub, nil
	}

	durable := durableName(spec.group, spec.subject)
	sub, err := b.js.QueueSubscribe(spec.subject, spec.group, msgHandler,
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.Durable(durable),
		nats.DeliverNew(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s (%s): %w", spec.subject, spec.group, err)
	}
	return sub, nil
}

// makeMsgHandler adapts a bus handler to a NATS message callback. The
// message is acked after the wrapped handler returns; since the error
// handler absorbs failures into retries and dead letters, a message is never
// redelivered in a tight loop.
func (b *NATSBus) makeMsgHandler(ctx context.Context, h Handler) nats.MsgHandler {
	deliver := resilience.DeliveryFunc(h)
	if b.errHandler != nil {
		deliver = b.errHandler.Wrap(deliver)
	}
	return func(m *nats.Msg) {
		env, err := proto.FromJSON(m.Data)
		if err != nil {
			// Malformed payloads can never succeed; drop them permanently.
			b.logger.Error("discarding malformed message on %s: %v", m.Subject, err)
			if termErr := m.Term(); termErr != nil {
				b.logger.Error("failed to terminate message on %s: %v", m.Subject, termErr)
			}
			return
		}
		if err := deliver(ctx, env); err != nil {
			b.logger.Error("delivery of %s failed: %v", m.Subject, err)
		}
		if err := m.Ack(); err != nil {
			b.logger.Error("failed to ack message on %s: %v", m.Subject, err)
		}
	}
}

// durableName builds a consumer name NATS accepts (no dots).
func durableName(group, subject string) string {
	return strings.ReplaceAll(fmt.Sprintf("%s-%s", group, subject), ".", "-")
}

// Stop drains all subscriptions so in-flight handlers finish.
func (b *NATSBus) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return nil
	}
	for _, sub := range b.subs {
		if err := sub.Drain(); err != nil {
			b.logger.Warn("failed to drain subscription: %v", err)
		}
	}
	b.subs = nil
	b.started = false
	b.logger.Info("nats channel stopped consuming")
	return nil
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/proto"
	"aihive/pkg/resilience"
)

func testErrHandler() (*resilience.Handler, *resilience.MemoryDeadLetterStore) {
	store := resilience.NewMemoryDeadLetterStore()
	cfg := resilience.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	return resilience.NewHandler(cfg, store), store
}

func TestEventFanOut(t *testing.T) {
	handler, _ := testErrHandler()
	b := NewMemory(Config{Source: "test"}, handler)
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	makeHandler := func(name string) Handler {
		return func(_ context.Context, env *proto.Envelope) error {
			mu.Lock()
			got = append(got, name+":"+env.Type)
			mu.Unlock()
			return nil
		}
	}

	require.NoError(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated}, makeHandler("a")))
	require.NoError(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated}, makeHandler("b")))

	require.NoError(t, b.PublishEvent(ctx, proto.EventTaskCreated, map[string]any{"task_id": "t-1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a:task_created", "b:task_created"}, got)
}

func TestCommandRoundRobinWithinGroup(t *testing.T) {
	handler, _ := testErrHandler()
	b := NewMemory(Config{Source: "test"}, handler)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	makeHandler := func(name string) Handler {
		return func(_ context.Context, _ *proto.Envelope) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}

	types := []proto.CommandType{proto.CmdUpdateTaskStatus}
	require.NoError(t, b.SubscribeToCommands(types, "workers", makeHandler("w1")))
	require.NoError(t, b.SubscribeToCommands(types, "workers", makeHandler("w2")))

	for i := 0; i < 4; i++ {
		require.NoError(t, b.PublishCommand(ctx, proto.CmdUpdateTaskStatus, nil))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, counts["w1"])
	assert.Equal(t, 2, counts["w2"])
}

func TestCommandDeliveredOncePerGroup(t *testing.T) {
	handler, _ := testErrHandler()
	b := NewMemory(Config{Source: "test"}, handler)
	ctx := context.Background()

	var mu sync.Mutex
	counts := map[string]int{}
	makeHandler := func(name string) Handler {
		return func(_ context.Context, _ *proto.Envelope) error {
			mu.Lock()
			counts[name]++
			mu.Unlock()
			return nil
		}
	}

	types := []proto.CommandType{proto.CmdSendNotification}
	require.NoError(t, b.SubscribeToCommands(types, "group-a", makeHandler("a")))
	require.NoError(t, b.SubscribeToCommands(types, "group-b", makeHandler("b")))

	require.NoError(t, b.PublishCommand(ctx, proto.CmdSendNotification, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, counts["a"], "each group receives the command once")
	assert.Equal(t, 1, counts["b"])
}

func TestPublisherIsolatedFromHandlerFailure(t *testing.T) {
	handler, store := testErrHandler()
	b := NewMemory(Config{Source: "test"}, handler)
	ctx := context.Background()

	require.NoError(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated},
		func(_ context.Context, _ *proto.Envelope) error {
			return resilience.NewValidationError("broken handler")
		}))

	// Publish succeeds even though the handler fails every time.
	require.NoError(t, b.PublishEvent(ctx, proto.EventTaskCreated, nil))

	parked, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
}

func TestUnknownTypeIsNoOp(t *testing.T) {
	handler, _ := testErrHandler()
	b := NewMemory(Config{Source: "test"}, handler)
	assert.NoError(t, b.PublishEvent(context.Background(), proto.EventTaskScanInitiated, nil))
}

func TestHandlerGetsPayloadCopy(t *testing.T) {
	b := NewMemory(Config{Source: "test"}, nil)
	ctx := context.Background()

	var second map[string]any
	require.NoError(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated},
		func(_ context.Context, env *proto.Envelope) error {
			env.Payload["task_id"] = "mutated"
			return nil
		}))
	require.NoError(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated},
		func(_ context.Context, env *proto.Envelope) error {
			second = env.Payload
			return nil
		}))

	require.NoError(t, b.PublishEvent(ctx, proto.EventTaskCreated, map[string]any{"task_id": "t-1"}))
	assert.Equal(t, "t-1", second["task_id"], "mutation in one handler must not leak into another")
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewMemory(Config{Source: "test"}, nil)
	require.NoError(t, b.Close())

	err := b.PublishEvent(context.Background(), proto.EventTaskCreated, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.SubscribeToEvents([]proto.EventType{proto.EventTaskCreated}, nil), ErrClosed)
}

func TestCorrelationPropagation(t *testing.T) {
	b := NewMemory(Config{Source: "test"}, nil)
	ctx := context.Background()

	var received *proto.Envelope
	require.NoError(t, b.SubscribeToCommands([]proto.CommandType{proto.CmdCreateTask}, "g",
		func(_ context.Context, env *proto.Envelope) error {
			received = env
			return nil
		}))

	parent := proto.NewEvent(proto.EventUserRequestSubmitted, nil, "api")
	require.NoError(t, b.PublishCommand(ctx, proto.CmdCreateTask, nil, proto.CausedBy(parent)))

	require.NotNil(t, received)
	assert.Equal(t, parent.CorrelationID, received.CorrelationID)
	assert.Equal(t, parent.ID, received.CausationID)
	assert.Equal(t, "test", received.Source)
}

func TestFactory(t *testing.T) {
	b, err := New(Config{Type: TypeMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, b)

	b, err = New(Config{}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryBus{}, b, "memory is the default variant")

	_, err = New(Config{Type: "rabbitmq"}, nil)
	assert.Error(t, err)
}

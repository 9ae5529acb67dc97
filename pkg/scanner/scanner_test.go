package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/bus"
	"aihive/pkg/notify"
	"aihive/pkg/proto"
	"aihive/pkg/task"
)

// recordingBus captures published envelopes for assertions.
type recordingBus struct {
	mu        sync.Mutex
	envelopes []*proto.Envelope
}

func (b *recordingBus) Publish(_ context.Context, env *proto.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envelopes = append(b.envelopes, env)
	return nil
}

func (b *recordingBus) PublishEvent(ctx context.Context, eventType proto.EventType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewEvent(eventType, payload, "test", opts...))
}

func (b *recordingBus) PublishCommand(ctx context.Context, cmdType proto.CommandType, payload map[string]any, opts ...proto.Option) error {
	return b.Publish(ctx, proto.NewCommand(cmdType, payload, "test", opts...))
}

func (b *recordingBus) SubscribeToEvents([]proto.EventType, bus.Handler) error { return nil }
func (b *recordingBus) SubscribeToCommands([]proto.CommandType, string, bus.Handler) error {
	return nil
}
func (b *recordingBus) Start(context.Context) error { return nil }
func (b *recordingBus) Stop(context.Context) error  { return nil }
func (b *recordingBus) Close() error                { return nil }

func (b *recordingBus) byType(t string) []*proto.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*proto.Envelope
	for _, env := range b.envelopes {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func TestScanRoutesNewTasks(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	tk := task.New("Add exports", "CSV export of all reports.", proto.PriorityHigh)
	require.NoError(t, store.Create(context.Background(), tk))

	s.Scan(context.Background())

	updates := rb.byType(string(proto.CmdUpdateTaskStatus))
	require.Len(t, updates, 1)
	assert.Equal(t, tk.ID, updates[0].Payload["task_id"])
	assert.Equal(t, string(proto.StatusRequestValidation), updates[0].Payload["status"])
	assert.Equal(t, tk.CorrelationID, updates[0].CorrelationID)
	assert.Equal(t, Source, updates[0].Source)

	assigns := rb.byType(string(proto.CmdAssignTask))
	require.Len(t, assigns, 1)
	assert.Equal(t, PMPool, assigns[0].Payload["assignee"])
	assert.Equal(t, tk.CorrelationID, assigns[0].CorrelationID)
}

func TestScanNotifiesClarificationNeeded(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	tk := task.New("Search", "vague", proto.PriorityMedium)
	tk.Status = proto.StatusClarificationNeeded
	tk.Comments = []task.Comment{{Author: "pm_agent", Body: "Clarification needed:\n- Which regions?"}}
	require.NoError(t, store.Create(context.Background(), tk))

	s.Scan(context.Background())

	notes := rb.byType(string(proto.CmdSendNotification))
	require.Len(t, notes, 1)
	assert.Equal(t, notify.ChannelRequester, notes[0].Payload["channel"])
	assert.Contains(t, notes[0].Payload["subject"], "Search")
	assert.Contains(t, notes[0].Payload["body"], "Which regions?")
}

func TestScanNotifiesValidationPending(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	tk := task.New("Billing", "desc", proto.PriorityLow)
	tk.Status = proto.StatusPRDValidation
	tk.RequirementID = "req-1"
	require.NoError(t, store.Create(context.Background(), tk))

	s.Scan(context.Background())

	notes := rb.byType(string(proto.CmdSendNotification))
	require.Len(t, notes, 1)
	assert.Equal(t, notify.ChannelReviewer, notes[0].Payload["channel"])
	assert.Equal(t, "req-1", notes[0].Payload["requirement_id"])
}

func TestScanIgnoresOtherStatuses(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	tk := task.New("Done already", "desc", proto.PriorityLow)
	tk.Status = proto.StatusCompleted
	require.NoError(t, store.Create(context.Background(), tk))

	s.Scan(context.Background())

	assert.Empty(t, rb.byType(string(proto.CmdUpdateTaskStatus)))
	assert.Empty(t, rb.byType(string(proto.CmdSendNotification)))
}

func TestScanEmitsLifecycleEvents(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	require.NoError(t, store.Create(context.Background(), task.New("A", "desc", proto.PriorityLow)))

	s.Scan(context.Background())

	initiated := rb.byType(string(proto.EventTaskScanInitiated))
	completed := rb.byType(string(proto.EventTaskScanCompleted))
	require.Len(t, initiated, 1)
	require.Len(t, completed, 1)
	assert.Equal(t, initiated[0].Payload["scan_id"], completed[0].Payload["scan_id"])
	assert.Equal(t, 1, completed[0].Payload["scanned"])
	assert.Equal(t, 1, completed[0].Payload["routed"])
	assert.Equal(t, 0, completed[0].Payload["failures"])
}

func TestStartRunsImmediateSweep(t *testing.T) {
	store := task.NewMemoryStore()
	rb := &recordingBus{}
	s := New(rb, store, time.Hour)

	require.NoError(t, store.Create(context.Background(), task.New("A", "desc", proto.PriorityLow)))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	deadline := time.After(2 * time.Second)
	for len(rb.byType(string(proto.EventTaskScanCompleted))) == 0 {
		select {
		case <-deadline:
			t.Fatal("first sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}

	assert.Error(t, s.Start(context.Background()), "double start must fail")
}

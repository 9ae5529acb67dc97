package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/proto"
)

func testMonitor() *Monitor {
	return New(Config{
		MaxEntries:     10,
		CheckInterval:  time.Hour, // stall checks driven manually in tests
		StallThreshold: time.Minute,
	}, nil)
}

func TestRecordTracksWorkflows(t *testing.T) {
	m := testMonitor()

	event := proto.NewEvent(proto.EventTaskCreated, nil, "scanner", proto.WithCorrelationID("wf-1"))
	command := proto.NewCommand(proto.CmdAssignTask, nil, "scanner", proto.WithCorrelationID("wf-1"))
	m.Record(event)
	m.Record(command)

	rec, ok := m.Snapshot("wf-1")
	require.True(t, ok)
	assert.Equal(t, 1, rec.Events)
	assert.Equal(t, 1, rec.Commands)
	assert.Equal(t, "assign_task", rec.LastType)
	assert.Equal(t, WorkflowActive, rec.Status)

	_, ok = m.Snapshot("unknown")
	assert.False(t, ok)
}

func TestRingBounded(t *testing.T) {
	m := testMonitor()
	for i := 0; i < 25; i++ {
		m.Record(proto.NewEvent(proto.EventTaskCreated, nil, "test"))
	}
	assert.Len(t, m.Recent(0), 10)
	assert.Len(t, m.Recent(3), 3)
}

func TestCompletionClosesRecord(t *testing.T) {
	m := testMonitor()

	m.Record(proto.NewEvent(proto.EventTaskCreated, nil, "test", proto.WithCorrelationID("wf-2")))
	m.Record(proto.NewEvent(proto.EventWorkflowCompleted, nil, "workflow", proto.WithCorrelationID("wf-2")))

	rec, ok := m.Snapshot("wf-2")
	require.True(t, ok)
	assert.Equal(t, WorkflowCompleted, rec.Status)
}

func TestApprovedValidationCompletes(t *testing.T) {
	m := testMonitor()

	m.Record(proto.NewEvent(proto.EventHumanValidationProvided,
		map[string]any{"decision": "approved"}, "api", proto.WithCorrelationID("wf-3")))
	rec, _ := m.Snapshot("wf-3")
	assert.Equal(t, WorkflowCompleted, rec.Status)

	m.Record(proto.NewEvent(proto.EventHumanValidationProvided,
		map[string]any{"decision": "rejected"}, "api", proto.WithCorrelationID("wf-4")))
	rec, _ = m.Snapshot("wf-4")
	assert.Equal(t, WorkflowActive, rec.Status)
}

func TestStallDetectionAndRecovery(t *testing.T) {
	m := testMonitor()

	var mu sync.Mutex
	var alerts []Alert
	m.RegisterAlertFunc(func(a Alert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	m.Record(proto.NewEvent(proto.EventTaskCreated, nil, "test", proto.WithCorrelationID("wf-5")))

	// Not yet past the threshold.
	m.checkStalls(time.Now().UTC().Add(30 * time.Second))
	mu.Lock()
	assert.Empty(t, alerts)
	mu.Unlock()

	m.checkStalls(time.Now().UTC().Add(2 * time.Minute))
	mu.Lock()
	require.Len(t, alerts, 1)
	assert.Equal(t, "stalled_workflow", alerts[0].Type)
	assert.Equal(t, "wf-5", alerts[0].CorrelationID)
	assert.Equal(t, "task_created", alerts[0].LastType)
	mu.Unlock()

	rec, _ := m.Snapshot("wf-5")
	assert.Equal(t, WorkflowStalled, rec.Status)

	// A stalled workflow alerts once, not on every sweep.
	m.checkStalls(time.Now().UTC().Add(3 * time.Minute))
	mu.Lock()
	assert.Len(t, alerts, 1)
	mu.Unlock()

	// Fresh activity resolves the stall.
	m.Record(proto.NewEvent(proto.EventTaskStatusChanged, nil, "test", proto.WithCorrelationID("wf-5")))
	rec, _ = m.Snapshot("wf-5")
	assert.Equal(t, WorkflowActive, rec.Status)

	assert.Len(t, m.Workflows(WorkflowActive), 1)
	assert.Empty(t, m.Workflows(WorkflowStalled))
}

func TestCompletedWorkflowsNeverStall(t *testing.T) {
	m := testMonitor()
	m.Record(proto.NewEvent(proto.EventWorkflowCompleted, nil, "test", proto.WithCorrelationID("wf-6")))

	var alerts []Alert
	m.RegisterAlertFunc(func(a Alert) { alerts = append(alerts, a) })

	m.checkStalls(time.Now().UTC().Add(time.Hour))
	assert.Empty(t, alerts)
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewWriter(dir)
	require.NoError(t, err)

	m := New(Config{MaxEntries: 10, CheckInterval: time.Hour, StallThreshold: time.Minute}, writer)
	env := proto.NewEvent(proto.EventProductRequirementCreated,
		map[string]any{"requirement_id": "req-1"}, "poller")
	m.Record(env)

	require.NoError(t, writer.Close())

	files, err := ListLogFiles(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	envelopes, err := ReadEnvelopes(files[0])
	require.NoError(t, err)
	require.Len(t, envelopes, 1)
	assert.Equal(t, env.ID, envelopes[0].ID)
	assert.Equal(t, "req-1", envelopes[0].GetString("requirement_id"))
}

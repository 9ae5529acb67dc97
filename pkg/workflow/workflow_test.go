package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/agent"
	"aihive/pkg/bus"
	"aihive/pkg/monitor"
	"aihive/pkg/notify"
	"aihive/pkg/poller"
	"aihive/pkg/prd"
	"aihive/pkg/proto"
	"aihive/pkg/resilience"
	"aihive/pkg/scanner"
	"aihive/pkg/task"
)

// fixture holds a fully wired in-memory workflow with the periodic loops
// stopped so tests can drive cycles by hand.
type fixture struct {
	svc         *Service
	bus         bus.Bus
	tasks       *task.MemoryStore
	prds        *prd.MemoryStore
	notifier    *notify.Recorder
	deadLetters *resilience.MemoryDeadLetterStore
	scanner     *scanner.Scanner
	poller      *poller.Poller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	deadLetters := resilience.NewMemoryDeadLetterStore()
	errHandler := resilience.NewHandler(resilience.DefaultRetryConfig, deadLetters)

	b, err := bus.New(bus.Config{Type: bus.TypeMemory, Source: "test"}, errHandler)
	require.NoError(t, err)

	tasks := task.NewMemoryStore()
	prds := prd.NewMemoryStore()
	notifier := notify.NewRecorder()

	sc := scanner.New(b, tasks, time.Hour)
	pl := poller.New(poller.Config{Interval: time.Hour}, b, tasks, prds, agent.NewRuleAgent())

	svc, err := NewService(Deps{
		Bus:      b,
		Tasks:    tasks,
		PRDs:     prds,
		Notifier: notifier,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	return &fixture{
		svc:         svc,
		bus:         b,
		tasks:       tasks,
		prds:        prds,
		notifier:    notifier,
		deadLetters: deadLetters,
		scanner:     sc,
		poller:      pl,
	}
}

func (f *fixture) submitRequest(t *testing.T, title, description string) *task.Task {
	t.Helper()
	err := f.bus.PublishEvent(context.Background(), proto.EventUserRequestSubmitted, map[string]any{
		"title":       title,
		"description": description,
		"priority":    "high",
		"requester":   "alice",
	})
	require.NoError(t, err)

	listed, err := f.tasks.List(context.Background(), task.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, listed, "request should have created a task")
	return listed[len(listed)-1]
}

func (f *fixture) reload(t *testing.T, id string) *task.Task {
	t.Helper()
	got, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return got
}

const richDescription = "Users need full text search across all their projects, " +
	"with filtering by owner and date and results ranked by recency."

func TestLifecycleStates(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, StateRunning, f.svc.State())
	assert.Error(t, f.svc.Start(context.Background()), "double start must fail")

	require.NoError(t, f.svc.Stop(context.Background()))
	assert.Equal(t, StateStopped, f.svc.State())
	assert.NoError(t, f.svc.Stop(context.Background()), "stop is idempotent")
}

func TestHappyPathToApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Add search", richDescription)
	assert.Equal(t, proto.StatusNew, created.Status)
	assert.Equal(t, proto.PriorityHigh, created.Priority)

	// Sweep routes the new task into analysis.
	f.scanner.Scan(ctx)
	afterScan := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusRequestValidation, afterScan.Status)
	assert.Equal(t, scanner.PMPool, afterScan.Assignee)

	// Poll runs the agent and produces a document.
	f.poller.Poll(ctx)
	afterPoll := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusPRDValidation, afterPoll.Status)
	require.NotEmpty(t, afterPoll.RequirementID)

	stored, err := f.prds.Get(ctx, afterPoll.RequirementID)
	require.NoError(t, err)
	assert.Equal(t, prd.StatusDraft, stored.Status)
	assert.Contains(t, stored.Content, "full text search")

	// Reviewer approves.
	err = f.bus.PublishEvent(ctx, proto.EventHumanValidationProvided, map[string]any{
		"task_id":  created.ID,
		"decision": "approved",
	})
	require.NoError(t, err)

	final := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusApproved, final.Status)

	approved, err := f.prds.Get(ctx, afterPoll.RequirementID)
	require.NoError(t, err)
	assert.Equal(t, prd.StatusApproved, approved.Status)
}

func TestClarificationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Search", "make it searchable?")

	f.scanner.Scan(ctx)
	f.poller.Poll(ctx)

	parked := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusClarificationNeeded, parked.Status)
	require.NotEmpty(t, parked.Comments)
	assert.Equal(t, poller.AgentAuthor, parked.Comments[0].Author)

	// The next sweep reminds the requester.
	f.scanner.Scan(ctx)
	var reminded bool
	for _, n := range f.notifier.Sent() {
		if n.Channel == notify.ChannelRequester && strings.Contains(n.Subject, "Clarification") {
			reminded = true
		}
	}
	assert.True(t, reminded, "requester should be notified about pending questions")

	// The requester answers and the task resumes.
	err := f.bus.PublishEvent(ctx, proto.EventClarificationProvided, map[string]any{
		"task_id": created.ID,
		"answer":  "Search should cover all projects in the EU region only.",
		"author":  "alice",
	})
	require.NoError(t, err)

	resumed := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusRequestValidation, resumed.Status)

	f.poller.Poll(ctx)
	drafted := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusPRDValidation, drafted.Status)
	assert.NotEmpty(t, drafted.RequirementID)
}

func TestRejectionRecordsReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Add export", richDescription)
	f.scanner.Scan(ctx)
	f.poller.Poll(ctx)

	err := f.bus.PublishEvent(ctx, proto.EventHumanValidationProvided, map[string]any{
		"task_id":  created.ID,
		"decision": "rejected",
		"reason":   "Scope is too broad for this quarter.",
	})
	require.NoError(t, err)

	final := f.reload(t, created.ID)
	assert.Equal(t, proto.StatusRejected, final.Status)

	var reviewerComment bool
	for _, c := range final.Comments {
		if c.Author == "reviewer" && strings.Contains(c.Body, "too broad") {
			reviewerComment = true
		}
	}
	assert.True(t, reviewerComment, "rejection reason should land on the task")

	rejected, err := f.prds.Get(ctx, final.RequirementID)
	require.NoError(t, err)
	assert.Equal(t, prd.StatusRejected, rejected.Status)
}

func TestMalformedCommandIsParked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No title: the handler raises a validation error, the channel's error
	// handler parks the envelope, and the publisher is unaffected.
	err := f.bus.PublishCommand(ctx, proto.CmdCreateTask, map[string]any{
		"description": "orphan",
	})
	require.NoError(t, err)

	parked, err := f.deadLetters.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, string(proto.CmdCreateTask), parked[0].Envelope.Type)

	listed, err := f.tasks.List(ctx, task.Filter{})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestStaleTransitionIsTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Add search", richDescription)

	// A transition that skips ahead of the state machine is ignored, not
	// retried or parked.
	err := f.bus.PublishCommand(ctx, proto.CmdUpdateTaskStatus, map[string]any{
		"task_id": created.ID,
		"status":  string(proto.StatusApproved),
	})
	require.NoError(t, err)

	parked, err := f.deadLetters.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, parked)
	assert.Equal(t, proto.StatusNew, f.reload(t, created.ID).Status)
}

func TestStallAlertReachesOperator(t *testing.T) {
	f := newFixture(t)

	f.svc.onStallAlert(monitor.Alert{
		Type:          "stalled_workflow",
		CorrelationID: "wf-1",
		Idle:          90 * time.Second,
		LastType:      "task_created",
		At:            time.Now().UTC(),
	})

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ChannelOperator, sent[0].Channel)
	assert.Contains(t, sent[0].Subject, "wf-1")
	assert.Equal(t, "wf-1", sent[0].CorrelationID)
}

func TestRequirementCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Add search", richDescription)

	err := f.bus.PublishCommand(ctx, proto.CmdCreateProductRequirement, map[string]any{
		"task_id": created.ID,
		"title":   "Imported PRD",
		"content": "# Imported PRD\n\nBrought in from an external tool.",
	})
	require.NoError(t, err)

	linked := f.reload(t, created.ID)
	require.NotEmpty(t, linked.RequirementID)
	stored, err := f.prds.Get(ctx, linked.RequirementID)
	require.NoError(t, err)
	assert.Equal(t, "Imported PRD", stored.Title)
	assert.Equal(t, 1, stored.Version)

	err = f.bus.PublishCommand(ctx, proto.CmdUpdateProductRequirement, map[string]any{
		"requirement_id": stored.ID,
		"title":          "Imported PRD",
		"content":        "# Imported PRD\n\nRevised after feedback.",
	})
	require.NoError(t, err)

	revised, err := f.prds.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Version)
	assert.Contains(t, revised.Content, "Revised")
}

func TestRequestClarificationCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.submitRequest(t, "Add search", richDescription)

	err := f.bus.PublishCommand(ctx, proto.CmdRequestClarification, map[string]any{
		"task_id":   created.ID,
		"questions": []any{"Which regions?", "Which users?"},
	})
	require.NoError(t, err)

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ChannelRequester, sent[0].Channel)
	assert.Contains(t, sent[0].Body, "Which regions?")
}

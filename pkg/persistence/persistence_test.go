package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aihive/pkg/prd"
	"aihive/pkg/proto"
	"aihive/pkg/resilience"
	"aihive/pkg/task"
)

func openTestDB(t *testing.T) *TaskStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTaskStore(db)
}

func TestTaskStoreRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	tk := task.New("Search", "Add full text search", proto.PriorityHigh)
	require.NoError(t, store.Create(ctx, tk))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.Title, got.Title)
	assert.Equal(t, proto.StatusNew, got.Status)
	assert.Equal(t, proto.PriorityHigh, got.Priority)
	assert.Equal(t, tk.CorrelationID, got.CorrelationID)
	assert.WithinDuration(t, tk.CreatedAt, got.CreatedAt, time.Millisecond)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)
}

func TestTaskStoreStatusTransitions(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	tk := task.New("T", "D", proto.PriorityMedium)
	require.NoError(t, store.Create(ctx, tk))

	require.NoError(t, store.UpdateStatus(ctx, tk.ID, proto.StatusRequestValidation))
	require.NoError(t, store.UpdateStatus(ctx, tk.ID, proto.StatusRequestValidation), "same status is a no-op")

	err := store.UpdateStatus(ctx, tk.ID, proto.StatusApproved)
	assert.ErrorIs(t, err, task.ErrInvalidTransition)

	assert.ErrorIs(t, store.UpdateStatus(ctx, "missing", proto.StatusNew), task.ErrNotFound)
}

func TestTaskStoreListOrdering(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	older := task.New("older", "", proto.PriorityLow)
	older.CreatedAt = time.Now().UTC().Add(-time.Hour)
	newer := task.New("newer", "", proto.PriorityUrgent)
	require.NoError(t, store.Create(ctx, newer))
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Assign(ctx, older.ID, "product_manager_pool"))

	all, err := store.List(ctx, task.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "older", all[0].Title)

	pool, err := store.List(ctx, task.Filter{
		Assignee: "product_manager_pool",
		Statuses: []proto.TaskStatus{proto.StatusNew},
	})
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, "older", pool[0].Title)
}

func TestTaskStoreCommentsAndLinks(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	tk := task.New("T", "D", proto.PriorityMedium)
	require.NoError(t, store.Create(ctx, tk))

	require.NoError(t, store.AddComment(ctx, tk.ID, task.Comment{Author: "pm_agent", Body: "Scope?"}))
	require.NoError(t, store.AddComment(ctx, tk.ID, task.Comment{Author: "user", Body: "EU only"}))
	require.NoError(t, store.LinkRequirement(ctx, tk.ID, "req-7"))
	require.NoError(t, store.Unassign(ctx, tk.ID))

	got, err := store.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, got.Comments, 2)
	assert.Equal(t, "EU only", got.Comments[1].Body)
	assert.Equal(t, "req-7", got.RequirementID)
}

func TestRequirementStore(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewRequirementStore(db)
	ctx := context.Background()

	r := prd.New("task-1", "Search PRD", "# Search")
	require.NoError(t, store.Create(ctx, r))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, prd.StatusDraft, got.Status)

	byTask, err := store.GetByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, r.ID, byTask.ID)

	require.NoError(t, store.Update(ctx, r.ID, "Search PRD", "# Search v2"))
	require.NoError(t, store.SetStatus(ctx, r.ID, prd.StatusInReview))

	got, err = store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, prd.StatusInReview, got.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, prd.ErrNotFound)
	assert.ErrorIs(t, store.SetStatus(ctx, "missing", prd.StatusApproved), prd.ErrNotFound)
}

func TestDeadLetterStore(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := NewDeadLetterStore(db)
	ctx := context.Background()

	env := proto.NewCommand(proto.CmdCreateTask, map[string]any{"title": "X"}, "test")
	dl := &resilience.DeadLetter{
		ID:             "dl-1",
		Envelope:       env,
		Reason:         "validation error: bad payload",
		Attempts:       1,
		FirstSeen:      time.Now().UTC(),
		DeadLetteredAt: time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, dl))

	got, err := store.Get(ctx, "dl-1")
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.Envelope.ID)
	assert.Equal(t, "X", got.Envelope.GetString("title"))

	listed, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.NoError(t, store.Delete(ctx, "dl-1"))
	assert.ErrorIs(t, store.Delete(ctx, "dl-1"), resilience.ErrDeadLetterNotFound)
	_, err = store.Get(ctx, "dl-1")
	assert.ErrorIs(t, err, resilience.ErrDeadLetterNotFound)
}

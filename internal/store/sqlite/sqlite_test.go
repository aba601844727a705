package sqlite

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/fuelrun/fuel/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// A single shared in-memory connection plays both writer and reader
	// roles in tests; file-backed WAL mode (used in Open) is what gives a
	// real separate reader connection in production.
	db, err := sqlx.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	s, err := NewWithDB(db, db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTask(t *testing.T, s *Store, id, shortID string, priority int) {
	t.Helper()
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks (id, short_id, title, status, priority, created_at) VALUES (?, ?, ?, ?, ?, datetime('now'))`,
		id, shortID, "task "+shortID, string(model.TaskReady), priority)
	require.NoError(t, err)
}

func TestReadyTasks_OrderedByPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedTask(t, s, "t-2", "t-002", 1)
	seedTask(t, s, "t-1", "t-001", 0)

	tasks, err := s.ReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "t-1", tasks[0].ID)
	require.Equal(t, "t-2", tasks[1].ID)
}

func TestAllTasks_IncludesNonReadyTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t-1", "t-001", 0)
	seedTask(t, s, "t-2", "t-002", 1)
	ok, err := s.TransitionTask(ctx, "t-2", model.TaskReady, model.TaskDone)
	require.NoError(t, err)
	require.True(t, ok)

	all, err := s.AllTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "AllTasks must return tasks regardless of status")

	ready, err := s.ReadyTasks(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1, "sanity check: ReadyTasks excludes the done task")
}

func TestTransitionTask_FailsOnStatusMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t-1", "t-001", 0)

	ok, err := s.TransitionTask(ctx, "t-1", model.TaskInProgress, model.TaskReview)
	require.NoError(t, err)
	require.False(t, ok, "CAS should fail: task is actually ready, not in_progress")

	ok, err = s.TransitionTask(ctx, "t-1", model.TaskReady, model.TaskInProgress)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateAndFinalizeRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t-1", "t-001", 0)

	runID, err := s.CreateRun(ctx, "t-1", "claude", model.ProcessTypeTask, 1234, "inst-a")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	err = s.FinalizeRun(ctx, runID, model.RunSucceeded, 0, "sess-1", "claude-sonnet", 0.1, model.ErrorNone, "done")
	require.NoError(t, err)

	orphans, err := s.OrphanRuns(ctx, "inst-b")
	require.NoError(t, err)
	require.Empty(t, orphans, "finalized run should no longer be 'running'")
}

func TestOrphanRuns_FindsOtherInstances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t-1", "t-001", 0)

	runID, err := s.CreateRun(ctx, "t-1", "claude", model.ProcessTypeTask, 1234, "inst-old")
	require.NoError(t, err)

	orphans, err := s.OrphanRuns(ctx, "inst-new")
	require.NoError(t, err)
	require.Equal(t, []model.OrphanRun{{RunID: runID, TaskID: "t-1", Type: model.ProcessTypeTask}}, orphans)

	require.NoError(t, s.MarkFailed(ctx, runID, model.ErrorOrphaned))

	orphans, err = s.OrphanRuns(ctx, "inst-new")
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestHealthUpsertRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	h := model.AgentHealth{Agent: "claude", ConsecutiveFailures: 2, TotalRuns: 5, TotalSuccesses: 3}
	require.NoError(t, s.UpsertHealth(ctx, h))

	all, err := s.ReadAllHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "claude", all[0].Agent)
	require.Equal(t, 2, all[0].ConsecutiveFailures)

	h.ConsecutiveFailures = 0
	require.NoError(t, s.UpsertHealth(ctx, h))
	all, err = s.ReadAllHealth(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert should update, not duplicate")
	require.Equal(t, 0, all[0].ConsecutiveFailures)
}

func TestAddFollowUpTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddFollowUpTask(ctx, "t-1", "fix tests for t-001", "tests failing", []string{"review-fix"}, "t-1", "claude")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.TaskReady, task.Status)
	require.Equal(t, "claude", task.AgentPref, "follow-up task must inherit the agent that worked its parent")
}

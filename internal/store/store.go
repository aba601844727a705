// Package store defines the TaskStore interface the core consumes. The task
// board itself — schema ownership, CRUD over tasks/epics — is an external
// collaborator per spec.md §1; this interface is the only way the core
// touches it.
package store

import (
	"context"
	"errors"

	"github.com/fuelrun/fuel/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// TaskStore is the minimum set of operations the core consumes, per
// spec.md §6. The only shared mutable external resource in this system;
// all writes are optimistic compare-and-swap on status.
type TaskStore interface {
	// ReadyTasks returns tasks in TaskReady status ordered by
	// (priority asc, created_at asc).
	ReadyTasks(ctx context.Context) ([]model.Task, error)

	// TransitionTask atomically moves a task from one status to another.
	// The returned bool is false, with a nil error, if the stored status
	// did not match from (a benign compare-and-swap miss, not a storage
	// failure) — taskID not existing at all is reported as ErrNotFound.
	TransitionTask(ctx context.Context, taskID string, from, to model.TaskStatus) (bool, error)

	// CreateRun records a new running Run row.
	CreateRun(ctx context.Context, taskID, agent string, ptype model.ProcessType, pid int, runnerInstanceID string) (runID string, err error)

	// FinalizeRun records the terminal outcome of a run.
	FinalizeRun(ctx context.Context, runID string, status model.RunStatus, exitCode int, sessionID, agentModel string, costUSD float64, errType model.ErrorType, output string) error

	// OrphanRuns returns runs in "running" status belonging to any
	// instance other than thisInstanceID, along with enough identifying
	// information (task id, process type) for the caller to release the
	// owning task.
	OrphanRuns(ctx context.Context, thisInstanceID string) ([]model.OrphanRun, error)

	// MarkFailed marks a run row failed with the given error type, used
	// for orphan reconciliation at startup.
	MarkFailed(ctx context.Context, runID string, errType model.ErrorType) error

	// CreateReview records a new Review row in running status.
	CreateReview(ctx context.Context, taskID string, originalStatus model.TaskStatus, runID string) (reviewID string, err error)

	// FinalizeReview persists the reviewer's verdict.
	FinalizeReview(ctx context.Context, reviewID string, result model.ReviewStatus, issues []model.Issue) error

	// PendingReviews returns every review in pending/running state, whichever
	// instance started it. ReviewService uses it both to find the row a
	// reaped reviewer belongs to and for its startup recovery pass.
	PendingReviews(ctx context.Context) ([]model.Review, error)

	// UpsertHealth persists a snapshot of one agent's health row.
	UpsertHealth(ctx context.Context, h model.AgentHealth) error

	// ReadAllHealth returns every persisted agent health row.
	ReadAllHealth(ctx context.Context) ([]model.AgentHealth, error)

	// AddFollowUpTask files a new task blocked by parentTaskID, preferring
	// agentPref so it dispatches to the same agent that worked the parent.
	AddFollowUpTask(ctx context.Context, parentTaskID, title, description string, labels []string, blockedBy, agentPref string) (taskID string, err error)

	// GetTask fetches a single task by id.
	GetTask(ctx context.Context, taskID string) (model.Task, error)

	// AllTasks returns every task on the board, ordered the same way as
	// ReadyTasks, for snapshot assembly (board view, epic list, done/blocked
	// counts per spec.md §4.5).
	AllTasks(ctx context.Context) ([]model.Task, error)
}

// Package sqlite implements store.TaskStore over a sqlite database, using
// jmoiron/sqlx with a writer/reader connection split and idempotent
// CREATE-TABLE-IF-NOT-EXISTS schema bootstrap. Grounded on the teacher's
// internal/task/repository/sqlite package (base.go's initSchema sequence,
// task_repository.go's ExecContext/QueryRowContext/Rebind usage).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fuelrun/fuel/internal/model"
	"github.com/fuelrun/fuel/internal/store"
)

// Store is a sqlite-backed store.TaskStore.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// Open creates (or attaches to) a sqlite database at path and bootstraps
// its schema.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; one writer connection avoids SQLITE_BUSY churn

	ro, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}

	s := &Store{db: db, ro: ro}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps existing writer/reader handles, primarily for tests
// (":memory:" databases need a single shared connection for both).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases both connections.
func (s *Store) Close() error {
	err1 := s.db.Close()
	err2 := s.ro.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			short_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			agent_pref TEXT NOT NULL DEFAULT '',
			priority INTEGER NOT NULL DEFAULT 0,
			complexity TEXT NOT NULL DEFAULT 'moderate',
			depends_on TEXT NOT NULL DEFAULT '[]',
			epic_id TEXT NOT NULL DEFAULT '',
			epic_short_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			labels TEXT NOT NULL DEFAULT '[]',
			blocked_by TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			short_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME,
			exit_code INTEGER NOT NULL DEFAULT 0,
			session_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			cost_usd REAL NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			runner_instance_id TEXT NOT NULL DEFAULT '',
			error_type TEXT NOT NULL DEFAULT '',
			output TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_instance_status ON runs(runner_instance_id, status)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			short_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			status TEXT NOT NULL,
			original_status TEXT NOT NULL,
			issues TEXT NOT NULL DEFAULT '[]',
			run_id TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_task ON reviews(task_id)`,
		`CREATE TABLE IF NOT EXISTS agent_health (
			agent TEXT PRIMARY KEY,
			last_success_at DATETIME,
			last_failure_at DATETIME,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			backoff_until DATETIME,
			total_runs INTEGER NOT NULL DEFAULT 0,
			total_successes INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func newID() string { return uuid.New().String() }

func shortOf(id string) string {
	if len(id) < 8 {
		return id
	}
	return id[:8]
}

// ReadyTasks returns tasks in TaskReady status ordered by
// (priority asc, created_at asc).
func (s *Store) ReadyTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(
		`SELECT id, short_id, title, description, status, agent_pref, priority, complexity,
			depends_on, epic_id, epic_short_id, created_at
		 FROM tasks WHERE status = ? ORDER BY priority ASC, created_at ASC, short_id ASC`),
		string(model.TaskReady))
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		var dependsOn string
		if err := rows.Scan(&t.ID, &t.ShortID, &t.Title, &t.Description, &t.Status, &t.AgentPref,
			&t.Priority, &t.Complexity, &dependsOn, &t.EpicID, &t.EpicShortID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	var t model.Task
	var dependsOn string
	err := s.ro.QueryRowxContext(ctx, s.ro.Rebind(
		`SELECT id, short_id, title, description, status, agent_pref, priority, complexity,
			depends_on, epic_id, epic_short_id, created_at FROM tasks WHERE id = ?`), taskID).
		Scan(&t.ID, &t.ShortID, &t.Title, &t.Description, &t.Status, &t.AgentPref,
			&t.Priority, &t.Complexity, &dependsOn, &t.EpicID, &t.EpicShortID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, store.ErrNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task: %w", err)
	}
	_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
	return t, nil
}

// AllTasks returns every task, ordered the same way as ReadyTasks.
func (s *Store) AllTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.ro.QueryxContext(ctx,
		`SELECT id, short_id, title, description, status, agent_pref, priority, complexity,
			depends_on, epic_id, epic_short_id, created_at
		 FROM tasks ORDER BY priority ASC, created_at ASC, short_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query all tasks: %w", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var t model.Task
		var dependsOn string
		if err := rows.Scan(&t.ID, &t.ShortID, &t.Title, &t.Description, &t.Status, &t.AgentPref,
			&t.Priority, &t.Complexity, &dependsOn, &t.EpicID, &t.EpicShortID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		_ = json.Unmarshal([]byte(dependsOn), &t.DependsOn)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTask atomically moves a task's status, failing if the stored
// status does not match from.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to model.TaskStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE tasks SET status = ? WHERE id = ? AND status = ?`),
		string(to), taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task rows affected: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM tasks WHERE id = ?`), taskID).Scan(&count); err != nil {
		return false, fmt.Errorf("transition task lookup: %w", err)
	}
	if count == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

// CreateRun records a new running Run row.
func (s *Store) CreateRun(ctx context.Context, taskID, agent string, ptype model.ProcessType, pid int, runnerInstanceID string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO runs (id, short_id, task_id, agent, type, status, started_at, pid, runner_instance_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, shortOf(id), taskID, agent, string(ptype), string(model.RunRunning), time.Now(), pid, runnerInstanceID)
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	return id, nil
}

// FinalizeRun records the terminal outcome of a run.
func (s *Store) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, exitCode int, sessionID, agentModel string, costUSD float64, errType model.ErrorType, output string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE runs SET status = ?, ended_at = ?, exit_code = ?, session_id = ?, model = ?,
			cost_usd = ?, error_type = ?, output = ? WHERE id = ?`),
		string(status), time.Now(), exitCode, sessionID, agentModel, costUSD, string(errType), output, runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	return nil
}

// OrphanRuns returns runs in "running" status belonging to any instance
// other than thisInstanceID.
func (s *Store) OrphanRuns(ctx context.Context, thisInstanceID string) ([]model.OrphanRun, error) {
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(
		`SELECT id, task_id, type FROM runs WHERE status = ? AND runner_instance_id != ?`),
		string(model.RunRunning), thisInstanceID)
	if err != nil {
		return nil, fmt.Errorf("query orphan runs: %w", err)
	}
	defer rows.Close()

	var out []model.OrphanRun
	for rows.Next() {
		var o model.OrphanRun
		var ptype string
		if err := rows.Scan(&o.RunID, &o.TaskID, &ptype); err != nil {
			return nil, fmt.Errorf("scan orphan run: %w", err)
		}
		o.Type = model.ProcessType(ptype)
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkFailed marks a run row failed with the given error type.
func (s *Store) MarkFailed(ctx context.Context, runID string, errType model.ErrorType) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE runs SET status = ?, ended_at = ?, error_type = ? WHERE id = ?`),
		string(model.RunFailed), time.Now(), string(errType), runID)
	if err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

// CreateReview records a new Review row in running status.
func (s *Store) CreateReview(ctx context.Context, taskID string, originalStatus model.TaskStatus, runID string) (string, error) {
	id := newID()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO reviews (id, short_id, task_id, status, original_status, run_id, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id, shortOf(id), taskID, string(model.ReviewRunning), string(originalStatus), runID, time.Now())
	if err != nil {
		return "", fmt.Errorf("create review: %w", err)
	}
	return id, nil
}

// FinalizeReview persists the reviewer's verdict.
func (s *Store) FinalizeReview(ctx context.Context, reviewID string, result model.ReviewStatus, issues []model.Issue) error {
	issuesJSON, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("marshal review issues: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE reviews SET status = ?, issues = ?, ended_at = ? WHERE id = ?`),
		string(result), string(issuesJSON), time.Now(), reviewID)
	if err != nil {
		return fmt.Errorf("finalize review: %w", err)
	}
	return nil
}

// PendingReviews returns reviews in pending/running state.
func (s *Store) PendingReviews(ctx context.Context) ([]model.Review, error) {
	rows, err := s.ro.QueryxContext(ctx, s.ro.Rebind(
		`SELECT id, short_id, task_id, status, original_status, issues, run_id, started_at
		 FROM reviews WHERE status IN (?, ?)`),
		string(model.ReviewPending), string(model.ReviewRunning))
	if err != nil {
		return nil, fmt.Errorf("query pending reviews: %w", err)
	}
	defer rows.Close()

	var out []model.Review
	for rows.Next() {
		var r model.Review
		var issuesJSON string
		if err := rows.Scan(&r.ID, &r.ShortID, &r.TaskID, &r.Status, &r.OriginalStatus, &issuesJSON, &r.RunID, &r.StartedAt); err != nil {
			return nil, fmt.Errorf("scan pending review: %w", err)
		}
		_ = json.Unmarshal([]byte(issuesJSON), &r.Issues)
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertHealth persists a snapshot of one agent's health row.
func (s *Store) UpsertHealth(ctx context.Context, h model.AgentHealth) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO agent_health (agent, last_success_at, last_failure_at, consecutive_failures, backoff_until, total_runs, total_successes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent) DO UPDATE SET
			last_success_at = excluded.last_success_at,
			last_failure_at = excluded.last_failure_at,
			consecutive_failures = excluded.consecutive_failures,
			backoff_until = excluded.backoff_until,
			total_runs = excluded.total_runs,
			total_successes = excluded.total_successes`),
		h.Agent, nullTime(h.LastSuccessAt), nullTime(h.LastFailureAt), h.ConsecutiveFailures,
		nullTime(h.BackoffUntil), h.TotalRuns, h.TotalSuccesses)
	if err != nil {
		return fmt.Errorf("upsert health: %w", err)
	}
	return nil
}

// ReadAllHealth returns every persisted agent health row.
func (s *Store) ReadAllHealth(ctx context.Context) ([]model.AgentHealth, error) {
	rows, err := s.ro.QueryxContext(ctx, `SELECT agent, last_success_at, last_failure_at, consecutive_failures, backoff_until, total_runs, total_successes FROM agent_health`)
	if err != nil {
		return nil, fmt.Errorf("query all health: %w", err)
	}
	defer rows.Close()

	var out []model.AgentHealth
	for rows.Next() {
		var h model.AgentHealth
		var lastSuccess, lastFailure, backoffUntil sql.NullTime
		if err := rows.Scan(&h.Agent, &lastSuccess, &lastFailure, &h.ConsecutiveFailures, &backoffUntil, &h.TotalRuns, &h.TotalSuccesses); err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		h.LastSuccessAt = lastSuccess.Time
		h.LastFailureAt = lastFailure.Time
		h.BackoffUntil = backoffUntil.Time
		out = append(out, h)
	}
	return out, rows.Err()
}

// AddFollowUpTask files a new task blocked by parentTaskID.
func (s *Store) AddFollowUpTask(ctx context.Context, parentTaskID, title, description string, labels []string, blockedBy, agentPref string) (string, error) {
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("marshal labels: %w", err)
	}
	id := newID()
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO tasks (id, short_id, title, description, status, agent_pref, priority, complexity, created_at, labels, blocked_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, shortOf(id), title, description, string(model.TaskReady), agentPref, 0, string(model.ComplexityModerate),
		time.Now(), string(labelsJSON), blockedBy)
	if err != nil {
		return "", fmt.Errorf("add follow-up task: %w", err)
	}
	return id, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

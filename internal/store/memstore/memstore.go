// Package memstore is an in-memory store.TaskStore, grounded on the
// teacher's mock repositories (cmd/orchestrator/main.go wires a
// scheduler.NewMockTaskRepository for local runs without a database).
// Used by tests across the repository; the consume command itself always
// opens the sqlite store.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/fuelrun/fuel/internal/model"
	"github.com/fuelrun/fuel/internal/store"
)

// Store is a goroutine-safe in-memory TaskStore.
type Store struct {
	mu      sync.Mutex
	tasks   map[string]*model.Task
	runs    map[string]*model.Run
	reviews map[string]*model.Review
	health  map[string]*model.AgentHealth
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tasks:   make(map[string]*model.Task),
		runs:    make(map[string]*model.Run),
		reviews: make(map[string]*model.Review),
		health:  make(map[string]*model.AgentHealth),
	}
}

// Seed inserts a task directly, for test setup.
func (s *Store) Seed(t model.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
}

func (s *Store) ReadyTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskReady {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ShortID < out[j].ShortID
	})
	return out, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, store.ErrNotFound
	}
	return *t, nil
}

func (s *Store) AllTasks(ctx context.Context) ([]model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ShortID < out[j].ShortID
	})
	return out, nil
}

func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to model.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return false, store.ErrNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	return true, nil
}

func (s *Store) CreateRun(ctx context.Context, taskID, agent string, ptype model.ProcessType, pid int, runnerInstanceID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.runs[id] = &model.Run{
		ID: id, TaskID: taskID, Agent: agent, Type: ptype,
		Status: model.RunRunning, PID: pid, RunnerInstanceID: runnerInstanceID,
	}
	return id, nil
}

func (s *Store) FinalizeRun(ctx context.Context, runID string, status model.RunStatus, exitCode int, sessionID, agentModel string, costUSD float64, errType model.ErrorType, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.ExitCode = exitCode
	r.SessionID = sessionID
	r.Model = agentModel
	r.CostUSD = costUSD
	r.ErrorType = errType
	r.Output = output
	return nil
}

func (s *Store) OrphanRuns(ctx context.Context, thisInstanceID string) ([]model.OrphanRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.OrphanRun
	for id, r := range s.runs {
		if r.Status == model.RunRunning && r.RunnerInstanceID != thisInstanceID {
			out = append(out, model.OrphanRun{RunID: id, TaskID: r.TaskID, Type: r.Type})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

func (s *Store) MarkFailed(ctx context.Context, runID string, errType model.ErrorType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = model.RunFailed
	r.ErrorType = errType
	return nil
}

func (s *Store) CreateReview(ctx context.Context, taskID string, originalStatus model.TaskStatus, runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.reviews[id] = &model.Review{
		ID: id, TaskID: taskID, Status: model.ReviewRunning,
		OriginalStatus: originalStatus, RunID: runID,
	}
	return id, nil
}

func (s *Store) FinalizeReview(ctx context.Context, reviewID string, result model.ReviewStatus, issues []model.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reviews[reviewID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = result
	r.Issues = issues
	return nil
}

func (s *Store) PendingReviews(ctx context.Context) ([]model.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Review
	for _, r := range s.reviews {
		if r.Status == model.ReviewPending || r.Status == model.ReviewRunning {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Store) UpsertHealth(ctx context.Context, h model.AgentHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := h
	s.health[h.Agent] = &cp
	return nil
}

func (s *Store) ReadAllHealth(ctx context.Context) ([]model.AgentHealth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AgentHealth
	for _, h := range s.health {
		out = append(out, *h)
	}
	return out, nil
}

func (s *Store) AddFollowUpTask(ctx context.Context, parentTaskID, title, description string, labels []string, blockedBy, agentPref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.New().String()
	s.tasks[id] = &model.Task{
		ID: id, ShortID: id[:8], Title: title, Description: description,
		Status: model.TaskReady, AgentPref: agentPref, DependsOn: []string{blockedBy},
	}
	return id, nil
}

var _ store.TaskStore = (*Store)(nil)

// Package model defines the entities the consume core owns or consults:
// Task, Run, Review, AgentHealth, Process, and their derived summaries.
package model

import "time"

// TaskStatus is the lifecycle state of a task as consulted from the board.
type TaskStatus string

const (
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskBlocked    TaskStatus = "blocked"
	TaskHuman      TaskStatus = "human"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
)

// Complexity classifies how involved a task is expected to be.
type Complexity string

const (
	ComplexityTrivial  Complexity = "trivial"
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// Task is consulted, not owned, by the core: the TaskStore is authoritative.
type Task struct {
	ID             string
	ShortID        string
	Title          string
	Description    string
	Status         TaskStatus
	AgentPref      string
	Priority       int // lower = higher priority
	Complexity     Complexity
	DependsOn      []string
	EpicID         string
	EpicShortID    string
	CreatedAt      time.Time
}

// RunStatus is the lifecycle state of a single agent execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// ProcessType distinguishes a task execution from a review execution, since
// both flow through the same ProcessManager and Run table.
type ProcessType string

const (
	ProcessTypeTask   ProcessType = "task"
	ProcessTypeReview ProcessType = "review"
)

// ErrorType classifies why a run did not succeed.
type ErrorType string

const (
	ErrorNone         ErrorType = ""
	ErrorTimeout      ErrorType = "timeout"
	ErrorSpawnFailed  ErrorType = "spawn_failed"
	ErrorNonZeroExit  ErrorType = "non_zero_exit"
	ErrorDriverError  ErrorType = "driver_error"
	ErrorKilledByUser ErrorType = "killed_by_user"
	ErrorOrphaned     ErrorType = "orphaned"
)

// Run is owned by the core and persisted through the TaskStore.
type Run struct {
	ID               string
	ShortID          string
	TaskID           string
	Agent            string
	Type             ProcessType
	Status           RunStatus
	StartedAt        time.Time
	EndedAt          time.Time
	ExitCode         int
	SessionID        string
	Model            string
	CostUSD          float64
	PID              int
	RunnerInstanceID string
	ErrorType        ErrorType
	Output           string
}

// ReviewStatus is the lifecycle state of a review.
type ReviewStatus string

const (
	ReviewPending ReviewStatus = "pending"
	ReviewRunning ReviewStatus = "running"
	ReviewPassed  ReviewStatus = "passed"
	ReviewFailed  ReviewStatus = "failed"
)

// IssueType classifies a reviewer-filed issue.
type IssueType string

const (
	IssueUncommittedChanges IssueType = "uncommitted_changes"
	IssueTestsFailing       IssueType = "tests_failing"
	IssueIncomplete         IssueType = "incomplete"
	IssueOther              IssueType = "other"
)

// Issue is one structured complaint a reviewer filed against a task.
type Issue struct {
	Type        IssueType `json:"type"`
	Description string    `json:"description"`
}

// Review is owned by the core: created at reviewer spawn, mutated only by
// the reviewer-reap path.
type Review struct {
	ID             string
	ShortID        string
	TaskID         string
	Status         ReviewStatus
	OriginalStatus TaskStatus
	Issues         []Issue
	RunID          string
	StartedAt      time.Time
	EndedAt        time.Time
}

// OrphanRun identifies a run left in "running" status by a prior instance,
// enough for the new instance to both mark it failed and release the task
// it belonged to.
type OrphanRun struct {
	RunID  string
	TaskID string
	Type   ProcessType
}

// AgentHealth is one row per agent, updated exactly once per task-run
// terminal transition.
type AgentHealth struct {
	Agent              string
	LastSuccessAt      time.Time
	LastFailureAt      time.Time
	ConsecutiveFailures int
	BackoffUntil       time.Time
	TotalRuns          int
	TotalSuccesses     int
}

// AgentHealthSummary is derived from AgentHealth at snapshot time.
type AgentHealthSummary struct {
	Agent                 string
	StatusLabel           string
	BackoffSecondsRemaining int
	InBackoff             bool
	IsDead                bool
}

// Process is an in-memory-only handle pairing a logical run with its OS
// child, owned exclusively by ProcessManager for the child's lifetime.
type Process struct {
	TaskID         string
	RunID          string
	Agent          string
	PID            int
	Type           ProcessType
	StartedAt      time.Time
	LastOutputAt   time.Time
}

// Package review turns a just-succeeded task into a review run, parses the
// reviewer's verdict, and persists results. Grounded on the teacher's
// executor.Executor (session-lifecycle orchestration style,
// callback-driven side effects) and pkg/claudecode's verdict-adjacent
// JSON-from-stdout parsing idiom.
package review

import (
	"context"
	"fmt"

	"github.com/fuelrun/fuel/internal/agentdriver"
	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/model"
	"github.com/fuelrun/fuel/internal/store"
)

// DiffProvider supplies the git diff and status used to build a review
// prompt. Git plumbing is an out-of-scope external collaborator per
// spec.md §1; this is the seam the core depends on instead.
type DiffProvider interface {
	Diff(ctx context.Context, taskID string) (diff string, status string, err error)
}

// Spawner is the subset of procmgr.Manager the service needs, so tests can
// substitute a fake.
type Spawner interface {
	Spawn(taskID, runID, agent string, ptype model.ProcessType, command string, argv []string, cwd string) (model.Process, error)
}

// Service is the ReviewService.
type Service struct {
	store    store.TaskStore
	procs    Spawner
	drivers  *agentdriver.Registry
	diffs    DiffProvider
	logger   *corelog.Logger
	instance string
}

// New creates a ReviewService.
func New(st store.TaskStore, procs Spawner, drivers *agentdriver.Registry, diffs DiffProvider, logger *corelog.Logger, instanceID string) *Service {
	return &Service{store: st, procs: procs, drivers: drivers, diffs: diffs, logger: logger, instance: instanceID}
}

// TriggerReview transitions task to review, builds the reviewer prompt,
// and spawns a reviewer via ProcessManager. Returns immediately; review
// runs concurrently with further dispatch.
//
// Called right after a task's run succeeds, while the task is still
// in_progress from dispatch — so in_progress is not a useful originalStatus
// to restore on a failed verdict, since selectAndDispatch only ever
// re-considers ready tasks. The only status a normal dispatch ever comes
// from is ready, so that is what a failed review restores to here; the
// recovery path (RecoverStuckReviews) carries its own previously-captured
// originalStatus through triggerReview instead.
func (s *Service) TriggerReview(ctx context.Context, taskID, agent string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("trigger review: get task: %w", err)
	}
	return s.triggerReview(ctx, task, agent, model.TaskReady)
}

// triggerReview is TriggerReview with the originalStatus supplied
// explicitly, for RecoverStuckReviews: the task there is already in
// TaskReview, so its current status cannot be used to recover the
// pre-review status a failed verdict should restore.
func (s *Service) triggerReview(ctx context.Context, task model.Task, agent string, originalStatus model.TaskStatus) error {
	taskID := task.ID
	ok, err := s.store.TransitionTask(ctx, taskID, task.Status, model.TaskReview)
	if err != nil {
		return fmt.Errorf("trigger review: transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("trigger review: task %s was not in expected status %s", taskID, task.Status)
	}

	diff, gitStatus, err := s.diffs.Diff(ctx, taskID)
	if err != nil {
		diff, gitStatus = "", ""
		s.logger.WithTaskID(taskID).WithError(err).Warn("failed to collect diff for review, proceeding with empty diff")
	}
	prompt := BuildPrompt(task.Title, task.Description, diff, gitStatus)

	driver, err := s.drivers.DriverFor(agent, "")
	if err != nil {
		return fmt.Errorf("trigger review: resolve driver: %w", err)
	}

	runID, err := s.store.CreateRun(ctx, taskID, agent, model.ProcessTypeReview, 0, s.instance)
	if err != nil {
		return fmt.Errorf("trigger review: create run: %w", err)
	}
	if _, err := s.store.CreateReview(ctx, taskID, originalStatus, runID); err != nil {
		return fmt.Errorf("trigger review: create review: %w", err)
	}

	argv := driver.BuildArgv(prompt)
	if _, err := s.procs.Spawn(taskID, runID, agent, model.ProcessTypeReview, driver.Command(), argv, ""); err != nil {
		return fmt.Errorf("trigger review: spawn: %w", err)
	}
	return nil
}

// CompleteReview is invoked from the review-reap path of ConsumeLoop with
// the reviewer's stdout/stderr. It scans for the verdict, marks the run
// succeeded/failed, and either marks the task done or restores it and
// files follow-up tasks.
func (s *Service) CompleteReview(ctx context.Context, taskID, runID string, agent string, exitCode int, stdout, stderr []byte) error {
	// The review row itself (not the task's current status, which is
	// always "review" by the time a reap reaches here) is the source of
	// truth for what status to restore the task to on a failed verdict.
	reviewRow, err := s.pendingReviewByRun(ctx, runID)
	if err != nil {
		return err
	}
	if reviewRow == nil {
		return fmt.Errorf("complete review: no pending review found for run %s", runID)
	}

	verdict, ok := ParseVerdict(stdout)
	if !ok {
		verdict = Verdict{
			Result: "fail",
			Issues: []model.Issue{{Type: model.IssueOther, Description: "reviewer produced no parseable verdict"}},
		}
	}

	parsed := s.parseOutput(agent, stdout, stderr)

	// The reviewer process itself ran to completion unless its own driver
	// reports a fatal error; "fail" is a verdict on the reviewed task, not
	// a failure of the review run.
	runStatus := model.RunSucceeded
	errType := model.ErrorNone
	if parsed.HasError {
		runStatus = model.RunFailed
		errType = model.ErrorDriverError
	}
	if err := s.store.FinalizeRun(ctx, runID, runStatus, exitCode, parsed.SessionID, parsed.Model, parsed.CostUSD, errType, string(stdout)); err != nil {
		return fmt.Errorf("complete review: finalize run: %w", err)
	}

	if verdict.Result == "pass" {
		if err := s.store.FinalizeReview(ctx, reviewRow.ID, model.ReviewPassed, verdict.Issues); err != nil {
			return fmt.Errorf("complete review: finalize review: %w", err)
		}
		if ok, err := s.store.TransitionTask(ctx, taskID, model.TaskReview, model.TaskDone); err != nil {
			return fmt.Errorf("complete review: mark done: %w", err)
		} else if !ok {
			return fmt.Errorf("complete review: task %s was not in review status when marking done", taskID)
		}
		return nil
	}

	if err := s.store.FinalizeReview(ctx, reviewRow.ID, model.ReviewFailed, verdict.Issues); err != nil {
		return fmt.Errorf("complete review: finalize review: %w", err)
	}
	if ok, err := s.store.TransitionTask(ctx, taskID, model.TaskReview, reviewRow.OriginalStatus); err != nil {
		return fmt.Errorf("complete review: restore status: %w", err)
	} else if !ok {
		return fmt.Errorf("complete review: task %s was not in review status when restoring", taskID)
	}

	for _, issue := range verdict.Issues {
		title := fmt.Sprintf("review-fix for %s: %s", taskID, issue.Type)
		if _, err := s.store.AddFollowUpTask(ctx, taskID, title, issue.Description, []string{"review-fix"}, taskID, agent); err != nil {
			return fmt.Errorf("complete review: file follow-up: %w", err)
		}
	}
	return nil
}

// pendingReviewByRun finds the review row for runID rather than for a task
// id: a task can have more than one review row on the books (a stuck review
// recovered at startup files a fresh run alongside the old one), and
// matching by task id risks operating on the wrong row. Returns nil, nil if
// no pending review has this run id.
func (s *Service) pendingReviewByRun(ctx context.Context, runID string) (*model.Review, error) {
	reviews, err := s.store.PendingReviews(ctx)
	if err != nil {
		return nil, fmt.Errorf("find review by run: list pending: %w", err)
	}
	for _, r := range reviews {
		if r.RunID == runID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

// parseOutput resolves agent's driver and extracts session/model/cost/error
// metadata from a terminated process's output. Returns the zero value if no
// driver matches, rather than failing the caller.
func (s *Service) parseOutput(agent string, stdout, stderr []byte) agentdriver.ParsedOutput {
	driver, err := s.drivers.DriverFor(agent, "")
	if err != nil {
		s.logger.WithError(err).Warn("no driver to parse output, metadata will be empty")
		return agentdriver.ParsedOutput{}
	}
	return driver.ParseOutput(stdout, stderr)
}

// RecoverStuckReviews finds tasks in review status with no live process in
// the current instance (per isLive) and a pending/running review row, and
// re-triggers the review. Returns the recovered task ids. It does not look
// at which instance started the review row's run: every pending/running
// row whose task passes the isLive and status checks is recovered.
func (s *Service) RecoverStuckReviews(ctx context.Context, isLive func(taskID string) bool) ([]string, error) {
	reviews, err := s.store.PendingReviews(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover stuck reviews: %w", err)
	}

	var recovered []string
	for _, r := range reviews {
		if isLive(r.TaskID) {
			continue
		}
		task, err := s.store.GetTask(ctx, r.TaskID)
		if err != nil {
			s.logger.WithTaskID(r.TaskID).WithError(err).Warn("recover stuck review: could not load task, skipping")
			continue
		}
		if task.Status != model.TaskReview {
			continue
		}
		abandoned := []model.Issue{{Type: model.IssueOther, Description: "review abandoned: prior runner instance did not complete it"}}
		if err := s.store.FinalizeReview(ctx, r.ID, model.ReviewFailed, abandoned); err != nil {
			s.logger.WithTaskID(r.TaskID).WithError(err).Warn("failed to finalize stale review row before re-triggering")
		}
		if err := s.triggerReview(ctx, task, task.AgentPref, r.OriginalStatus); err != nil {
			s.logger.WithTaskID(r.TaskID).WithError(err).Warn("failed to re-trigger stuck review")
			continue
		}
		recovered = append(recovered, r.TaskID)
	}
	return recovered, nil
}

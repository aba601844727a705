// Package consume implements the ConsumeLoop: the tick-driven state
// machine that reaps finished processes, selects dispatchable tasks,
// spawns them, and publishes a snapshot every tick. Grounded on the
// teacher's scheduler.Scheduler processLoop (ticker + stopCh + WaitGroup
// shutdown), generalized from a single in-process queue to a board
// consulted through TaskStore.
package consume

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fuelrun/fuel/internal/agentdriver"
	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/health"
	"github.com/fuelrun/fuel/internal/model"
	"github.com/fuelrun/fuel/internal/procmgr"
	"github.com/fuelrun/fuel/internal/review"
	"github.com/fuelrun/fuel/internal/snapshot"
	"github.com/fuelrun/fuel/internal/store"
)

// consecutiveTickFailureThreshold is the number of consecutive failed
// ticks (store errors during Select) after which the loop pauses itself
// and raises the unhealthy flag, per spec.md §4.7.
const consecutiveTickFailureThreshold = 3

// Publisher is the subset of ipc.Server the loop needs, so tests can
// substitute a fake and cmd/consume can wire the real server.
type Publisher interface {
	Broadcast(snap snapshot.Snapshot)
}

// Config tunes per-agent and global concurrency caps and the tick period.
type Config struct {
	Interval              time.Duration
	MaxConcurrentPerAgent map[string]int
	DefaultPerAgentLimit  int
	MaxTotalConcurrent    int
	WorkDir               func(task model.Task) string

	// EffectiveConfig is published verbatim in every snapshot's
	// EffectiveConfig field, per spec.md §4.5.
	EffectiveConfig map[string]interface{}
	// BrowserDaemonUp reports liveness of the browser-automation daemon
	// external collaborator. May be nil if no check is configured.
	BrowserDaemonUp func() bool
}

func (c Config) maxConcurrentFor(agent string) int {
	if n, ok := c.MaxConcurrentPerAgent[agent]; ok {
		return n
	}
	if c.DefaultPerAgentLimit > 0 {
		return c.DefaultPerAgentLimit
	}
	return 1
}

// Loop is the ConsumeLoop.
type Loop struct {
	store      store.TaskStore
	procs      *procmgr.Manager
	healthT    *health.Tracker
	drivers    *agentdriver.Registry
	reviews    *review.Service
	publisher  Publisher
	logger     *corelog.Logger
	instanceID string
	cfg        Config

	mu                  sync.RWMutex
	state               snapshot.LoopState
	unhealthy           bool
	consecutiveFailures int
	lastSnapshot        snapshot.Snapshot
}

// New creates a ConsumeLoop in the Starting state.
func New(st store.TaskStore, procs *procmgr.Manager, healthT *health.Tracker, drivers *agentdriver.Registry,
	reviews *review.Service, publisher Publisher, logger *corelog.Logger, instanceID string, cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	return &Loop{
		store:      st,
		procs:      procs,
		healthT:    healthT,
		drivers:    drivers,
		reviews:    reviews,
		publisher:  publisher,
		logger:     logger,
		instanceID: instanceID,
		cfg:        cfg,
		state:      snapshot.StateStarting,
	}
}

// State returns the loop's current state.
func (l *Loop) State() snapshot.LoopState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastSnapshot returns the most recently published snapshot, for IPC
// handlers that need to answer a status/snapshot request synchronously
// instead of waiting for the next broadcast.
func (l *Loop) LastSnapshot() snapshot.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSnapshot
}

func (l *Loop) setState(s snapshot.LoopState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Pause transitions Running -> Paused. A no-op from any other state.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == snapshot.StateRunning {
		l.state = snapshot.StatePaused
	}
}

// Resume transitions Paused -> Running and clears the unhealthy flag.
func (l *Loop) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == snapshot.StatePaused {
		l.state = snapshot.StateRunning
		l.unhealthy = false
		l.consecutiveFailures = 0
	}
}

// Drain transitions Running/Paused -> Draining. Dispatch stops; the tick
// loop keeps running to reap and publish until every owned process exits.
func (l *Loop) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == snapshot.StateRunning || l.state == snapshot.StatePaused {
		l.state = snapshot.StateDraining
	}
}

// Start runs recovery once, then ticks until ctx is cancelled or the loop
// fully drains after a Drain() call.
func (l *Loop) Start(ctx context.Context) {
	l.recoverOnStartup(ctx)
	l.setState(snapshot.StateRunning)

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.setState(snapshot.StateStopped)
			return
		case <-ticker.C:
			l.tick(ctx)
			if l.State() == snapshot.StateDraining && l.procs.RunningCount() == 0 {
				l.setState(snapshot.StateStopped)
				return
			}
		}
	}
}

// RunOnce performs startup recovery and exactly one tick, for the CLI's
// --once mode. It does not start the ticker loop.
func (l *Loop) RunOnce(ctx context.Context) {
	l.recoverOnStartup(ctx)
	l.setState(snapshot.StateRunning)
	l.tick(ctx)
	l.setState(snapshot.StateStopped)
}

// recoverOnStartup reconciles runs left "running" by a prior instance and
// re-triggers reviews stuck mid-flight, per spec.md §4.7 and invariant 6.
func (l *Loop) recoverOnStartup(ctx context.Context) {
	orphans, err := l.store.OrphanRuns(ctx, l.instanceID)
	if err != nil {
		l.logger.WithError(err).Warn("startup recovery: failed to list orphan runs")
	}
	for _, o := range orphans {
		l.logger.WithRunID(o.RunID).WithTaskID(o.TaskID).Warn("startup recovery: marking orphaned run failed")
		if err := l.store.MarkFailed(ctx, o.RunID, model.ErrorOrphaned); err != nil {
			l.logger.WithError(err).Warn("startup recovery: failed to mark orphan run failed")
			continue
		}
		if o.Type == model.ProcessTypeTask {
			task, err := l.store.GetTask(ctx, o.TaskID)
			if err != nil {
				l.logger.WithTaskID(o.TaskID).WithError(err).Warn("startup recovery: failed to load orphaned task")
				continue
			}
			if task.Status == model.TaskInProgress {
				if _, err := l.store.TransitionTask(ctx, o.TaskID, model.TaskInProgress, model.TaskReady); err != nil {
					l.logger.WithTaskID(o.TaskID).WithError(err).Warn("startup recovery: failed to release orphaned task")
				}
			}
		}
	}

	recovered, err := l.reviews.RecoverStuckReviews(ctx, func(taskID string) bool {
		return l.procs.IsRunning(taskID)
	})
	if err != nil {
		l.logger.WithError(err).Warn("startup recovery: failed to recover stuck reviews")
	} else if len(recovered) > 0 {
		for _, taskID := range recovered {
			l.logger.WithTaskID(taskID).Warn("startup recovery: re-triggered stuck review")
		}
		l.logger.Info("startup recovery: re-triggered stuck reviews", zap.Int("count", len(recovered)))
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.reap(ctx)

	state := l.State()
	if state == snapshot.StateRunning {
		if err := l.selectAndDispatch(ctx); err != nil {
			l.logger.WithError(err).Warn("tick: select/dispatch failed, aborting this tick")
			l.recordTickFailure()
		} else {
			l.recordTickSuccess()
		}
	}

	l.publish(ctx)
}

func (l *Loop) recordTickFailure() {
	l.mu.Lock()
	l.consecutiveFailures++
	pause := l.consecutiveFailures >= consecutiveTickFailureThreshold
	if pause {
		l.state = snapshot.StatePaused
		l.unhealthy = true
	}
	l.mu.Unlock()
}

func (l *Loop) recordTickSuccess() {
	l.mu.Lock()
	l.consecutiveFailures = 0
	l.mu.Unlock()
}

// reap drains every terminal process result currently buffered and routes
// each to the health tracker and, for task processes, ReviewService.
func (l *Loop) reap(ctx context.Context) {
	for {
		result, ok := l.procs.WaitForAny(0)
		if !ok {
			return
		}
		l.handleResult(ctx, result)
	}
}

func (l *Loop) handleResult(ctx context.Context, result procmgr.Result) {
	parsed := l.parseOutput(result.Agent, result.Stdout, result.Stderr)

	// Exit code 0 is necessary but not sufficient: per spec.md §4.1, a
	// process only succeeds if its driver's own output parser also reports
	// no fatal error (e.g. claude's terminal "result" message with
	// is_error=true despite a zero exit).
	succeeded := result.Outcome == procmgr.OutcomeSucceeded
	errType := errorTypeFor(result.Outcome)
	if succeeded && parsed.HasError {
		succeeded = false
		errType = model.ErrorDriverError
	}

	if succeeded {
		l.healthT.RecordSuccess(result.Agent)
	} else {
		l.healthT.RecordFailure(result.Agent, errType)
	}
	l.syncHealthRow(ctx, result.Agent)

	if result.Type == model.ProcessTypeReview {
		if err := l.reviews.CompleteReview(ctx, result.TaskID, result.RunID, result.Agent, result.ExitCode, result.Stdout, result.Stderr); err != nil {
			l.logger.WithTaskID(result.TaskID).WithError(err).Warn("reap: failed to complete review")
		}
		return
	}

	status := model.RunFailed
	if succeeded {
		status = model.RunSucceeded
	}
	if err := l.store.FinalizeRun(ctx, result.RunID, status, result.ExitCode, parsed.SessionID, parsed.Model, parsed.CostUSD, errType, string(result.Stdout)); err != nil {
		l.logger.WithTaskID(result.TaskID).WithError(err).Warn("reap: failed to finalize run")
	}

	if !succeeded {
		if _, err := l.store.TransitionTask(ctx, result.TaskID, model.TaskInProgress, model.TaskReady); err != nil {
			l.logger.WithTaskID(result.TaskID).WithError(err).Warn("reap: failed to release failed task back to ready")
		}
		return
	}

	if err := l.reviews.TriggerReview(ctx, result.TaskID, result.Agent); err != nil {
		l.logger.WithTaskID(result.TaskID).WithError(err).Warn("reap: failed to trigger review for succeeded task")
	}
}

// parseOutput resolves agent's driver and extracts session/model/cost/error
// metadata from a terminated process's output. Returns the zero value if no
// driver matches, rather than failing the reap path.
func (l *Loop) parseOutput(agent string, stdout, stderr []byte) agentdriver.ParsedOutput {
	driver, err := l.drivers.DriverFor(agent, "")
	if err != nil {
		l.logger.WithError(err).Warn("reap: no driver to parse output, metadata will be empty")
		return agentdriver.ParsedOutput{}
	}
	return driver.ParseOutput(stdout, stderr)
}

func (l *Loop) syncHealthRow(ctx context.Context, agent string) {
	h := l.healthT.GetHealthStatus(agent)
	if err := l.store.UpsertHealth(ctx, h); err != nil {
		l.logger.WithError(err).Warn("reap: failed to persist health row")
	}
}

func errorTypeFor(outcome procmgr.Outcome) model.ErrorType {
	switch outcome {
	case procmgr.OutcomeSucceeded:
		return model.ErrorNone
	case procmgr.OutcomeFailedTimeout:
		return model.ErrorTimeout
	case procmgr.OutcomeFailedSignal:
		return model.ErrorKilledByUser
	case procmgr.OutcomeFailedSpawn:
		return model.ErrorSpawnFailed
	default:
		return model.ErrorNonZeroExit
	}
}

// selectAndDispatch queries ready tasks, filters to dispatchable ones under
// health and concurrency caps, and spawns each in priority order. Tie
// breaking is inherited from TaskStore.ReadyTasks's own ordering
// (priority, created_at, short_id).
func (l *Loop) selectAndDispatch(ctx context.Context) error {
	ready, err := l.store.ReadyTasks(ctx)
	if err != nil {
		return fmt.Errorf("select: ready tasks: %w", err)
	}

	running := l.procs.RunningProcesses()
	perAgent := make(map[string]int, len(running))
	total := len(running)
	for _, p := range running {
		perAgent[p.Agent]++
	}

	maxTotal := l.cfg.MaxTotalConcurrent
	if maxTotal <= 0 {
		maxTotal = sumLimits(l.cfg.MaxConcurrentPerAgent)
		if maxTotal <= 0 {
			maxTotal = len(ready) + total // effectively unbounded when unconfigured
		}
	}

	for _, task := range ready {
		if total >= maxTotal {
			break
		}
		agent := task.AgentPref
		if agent == "" {
			continue
		}
		if !l.healthT.IsAvailable(agent) || l.healthT.IsDead(agent) {
			continue
		}
		if perAgent[agent] >= l.cfg.maxConcurrentFor(agent) {
			continue
		}

		if err := l.dispatch(ctx, task); err != nil {
			l.logger.WithTaskID(task.ID).WithError(err).Warn("dispatch failed")
			continue
		}
		perAgent[agent]++
		total++
	}
	return nil
}

func sumLimits(limits map[string]int) int {
	total := 0
	for _, n := range limits {
		total += n
	}
	return total
}

func (l *Loop) dispatch(ctx context.Context, task model.Task) error {
	ok, err := l.store.TransitionTask(ctx, task.ID, model.TaskReady, model.TaskInProgress)
	if err != nil {
		return fmt.Errorf("transition to in_progress: %w", err)
	}
	if !ok {
		return nil // raced with another dispatcher; not an error
	}

	driver, err := l.drivers.DriverFor(task.AgentPref, "")
	if err != nil {
		l.releaseAndRecordFailure(ctx, task.ID, task.AgentPref, model.ErrorDriverError)
		return fmt.Errorf("resolve driver: %w", err)
	}

	runID, err := l.store.CreateRun(ctx, task.ID, task.AgentPref, model.ProcessTypeTask, 0, l.instanceID)
	if err != nil {
		l.releaseAndRecordFailure(ctx, task.ID, task.AgentPref, model.ErrorSpawnFailed)
		return fmt.Errorf("create run: %w", err)
	}

	cwd := ""
	if l.cfg.WorkDir != nil {
		cwd = l.cfg.WorkDir(task)
	}

	prompt := buildTaskPrompt(task)
	argv := driver.BuildArgv(prompt)
	if _, err := l.procs.Spawn(task.ID, runID, task.AgentPref, model.ProcessTypeTask, driver.Command(), argv, cwd); err != nil {
		_ = l.store.FinalizeRun(ctx, runID, model.RunFailed, 0, "", "", 0, model.ErrorSpawnFailed, err.Error())
		l.releaseAndRecordFailure(ctx, task.ID, task.AgentPref, model.ErrorSpawnFailed)
		return fmt.Errorf("spawn: %w", err)
	}
	return nil
}

func (l *Loop) releaseAndRecordFailure(ctx context.Context, taskID, agent string, errType model.ErrorType) {
	if _, err := l.store.TransitionTask(ctx, taskID, model.TaskInProgress, model.TaskReady); err != nil {
		l.logger.WithTaskID(taskID).WithError(err).Warn("failed to release task back to ready after dispatch failure")
	}
	l.healthT.RecordFailure(agent, errType)
	l.syncHealthRow(ctx, agent)
}

func buildTaskPrompt(task model.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n\n")
	b.WriteString(task.Description)
	return b.String()
}

func (l *Loop) publish(ctx context.Context) {
	if l.publisher == nil {
		return
	}
	allHealth := l.healthT.GetAllHealthStatus()
	summaries := make([]model.AgentHealthSummary, 0, len(allHealth))
	for _, h := range allHealth {
		summaries = append(summaries, l.healthT.Summary(h.Agent))
	}

	tasks, err := l.store.AllTasks(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("publish: failed to list tasks for snapshot")
	}
	epics := epicsFromTasks(tasks)

	b := &snapshot.Builder{
		Tasks: func() []model.Task { return tasks },
		Processes: func() []snapshot.ProcessView {
			procs := l.procs.RunningProcesses()
			out := make([]snapshot.ProcessView, 0, len(procs))
			for _, p := range procs {
				out = append(out, snapshot.ProcessView{
					TaskID: p.TaskID, RunID: p.RunID, Agent: p.Agent, PID: p.PID,
					Type: p.Type, StartedAt: p.StartedAt, LastOutputAt: p.LastOutputAt,
				})
			}
			return out
		},
		HealthSummaries: func() []model.AgentHealthSummary { return summaries },
		Epics:           func() []snapshot.EpicView { return epics },
		BrowserDaemonUp: l.cfg.BrowserDaemonUp,
		EffectiveConfig: func() map[string]interface{} { return l.cfg.EffectiveConfig },
	}

	l.mu.RLock()
	state, unhealthy := l.state, l.unhealthy
	l.mu.RUnlock()

	snap := b.Build(l.instanceID, state, unhealthy)

	l.mu.Lock()
	l.lastSnapshot = snap
	l.mu.Unlock()

	l.publisher.Broadcast(snap)
}

// epicsFromTasks derives the flattened epic list from each task's epic
// reference, since TaskStore exposes no separate epic listing operation.
func epicsFromTasks(tasks []model.Task) []snapshot.EpicView {
	seen := make(map[string]struct{})
	var out []snapshot.EpicView
	for _, t := range tasks {
		if t.EpicID == "" {
			continue
		}
		if _, ok := seen[t.EpicID]; ok {
			continue
		}
		seen[t.EpicID] = struct{}{}
		out = append(out, snapshot.EpicView{ID: t.EpicID, ShortID: t.EpicShortID, Title: t.EpicShortID})
	}
	return out
}

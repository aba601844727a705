package consume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuelrun/fuel/internal/agentdriver"
	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/health"
	"github.com/fuelrun/fuel/internal/model"
	"github.com/fuelrun/fuel/internal/procmgr"
	"github.com/fuelrun/fuel/internal/review"
	"github.com/fuelrun/fuel/internal/snapshot"
	"github.com/fuelrun/fuel/internal/store/memstore"
)

// shDriver runs /bin/sh -c <script> as a stand-in for a real agent binary,
// so tests can exercise real process spawn/reap without any external tool.
type shDriver struct {
	name   string
	script string
}

func (d shDriver) Name() string    { return d.name }
func (d shDriver) Command() string { return "/bin/sh" }
func (d shDriver) BuildArgv(prompt string) []string {
	return []string{"-c", d.script}
}
func (d shDriver) ParseOutput(stdout, stderr []byte) agentdriver.ParsedOutput {
	return agentdriver.ParsedOutput{}
}

// erroringDriver exits 0 but reports a fatal error from its output parser,
// the case spec.md §4.1 calls out: exit code alone is not sufficient for
// "succeeded".
type erroringDriver struct {
	shDriver
}

func (d erroringDriver) ParseOutput(stdout, stderr []byte) agentdriver.ParsedOutput {
	return agentdriver.ParsedOutput{HasError: true}
}

type fakePublisher struct {
	snaps []snapshot.Snapshot
}

func (f *fakePublisher) Broadcast(snap snapshot.Snapshot) {
	f.snaps = append(f.snaps, snap)
}

type fakeDiffs struct{}

func (fakeDiffs) Diff(ctx context.Context, taskID string) (string, string, error) {
	return "", "", nil
}

func newTestLoop(t *testing.T, script string, cfg Config) (*Loop, *memstore.Store, *fakePublisher) {
	t.Helper()
	return newTestLoopWithDriver(t, shDriver{name: "claude", script: script}, cfg)
}

func newTestLoopWithDriver(t *testing.T, driver agentdriver.Driver, cfg Config) (*Loop, *memstore.Store, *fakePublisher) {
	t.Helper()
	st := memstore.New()
	log, err := corelog.New(corelog.Config{Level: "error"})
	require.NoError(t, err)

	procs := procmgr.New(log, procmgr.Options{})
	t.Cleanup(procs.Shutdown)

	drivers := agentdriver.NewRegistry()
	drivers.Register(driver)

	healthT := health.New()
	reviews := review.New(st, procs, drivers, fakeDiffs{}, log, "inst-a")
	pub := &fakePublisher{}

	loop := New(st, procs, healthT, drivers, reviews, pub, log, "inst-a", cfg)
	return loop, st, pub
}

func waitForTaskStatus(t *testing.T, st *memstore.Store, taskID string, want model.TaskStatus, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	t.Fatalf("task %s did not reach status %s within %s, last status: %s", taskID, want, timeout, task.Status)
}

func TestConsumeLoop_HappyPathDispatchesAndReviewsPass(t *testing.T) {
	// Task agent and reviewer agent share the driver, so the reviewer's
	// script must also emit a pass verdict.
	loop, st, pub := newTestLoop(t, `echo '{"result":"pass","issues":[]}'`, Config{
		Interval:              20 * time.Millisecond,
		MaxConcurrentPerAgent: map[string]int{"claude": 1},
	})
	st.Seed(model.Task{ID: "t-1", ShortID: "t-001", Title: "do thing", Status: model.TaskReady, AgentPref: "claude"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Start(ctx)

	waitForTaskStatus(t, st, "t-1", model.TaskDone, 3*time.Second)
	require.NotEmpty(t, pub.snaps)

	last := pub.snaps[len(pub.snaps)-1]
	require.Len(t, last.Tasks, 1, "snapshot must include the board, not just process/health state")
	require.Equal(t, 1, last.DoneCount)
}

func TestConsumeLoop_DriverErrorOverridesZeroExit(t *testing.T) {
	loop, st, _ := newTestLoopWithDriver(t, erroringDriver{shDriver{name: "claude", script: "exit 0"}}, Config{
		Interval:              20 * time.Millisecond,
		MaxConcurrentPerAgent: map[string]int{"claude": 1},
	})
	st.Seed(model.Task{ID: "t-1", ShortID: "t-001", Title: "do thing", Status: model.TaskReady, AgentPref: "claude"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Start(ctx)

	waitForTaskStatus(t, st, "t-1", model.TaskInProgress, 2*time.Second)
	waitForTaskStatus(t, st, "t-1", model.TaskReady, 3*time.Second)
}

func TestConsumeLoop_FailedReviewReturnsTaskToReadyNotStuckInReview(t *testing.T) {
	// The task run and the reviewer run share a driver/script in this test
	// harness; exiting 0 with a fail verdict means the task's own run
	// succeeded but the review rejected it.
	loop, st, _ := newTestLoop(t, `sleep 0.05 && echo '{"result":"fail","issues":[{"type":"other","description":"nope"}]}'`, Config{
		Interval:              20 * time.Millisecond,
		MaxConcurrentPerAgent: map[string]int{"claude": 1},
	})
	st.Seed(model.Task{ID: "t-1", ShortID: "t-001", Title: "do thing", Status: model.TaskReady, AgentPref: "claude"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Start(ctx)

	waitForTaskStatus(t, st, "t-1", model.TaskInProgress, 2*time.Second)
	waitForTaskStatus(t, st, "t-1", model.TaskReady, 3*time.Second)
}

func TestConsumeLoop_PerAgentCapRespected(t *testing.T) {
	loop, st, _ := newTestLoop(t, `sleep 0.3`, Config{
		Interval:              20 * time.Millisecond,
		MaxConcurrentPerAgent: map[string]int{"claude": 1},
	})
	st.Seed(model.Task{ID: "t-1", ShortID: "t-001", Title: "a", Status: model.TaskReady, AgentPref: "claude", Priority: 0})
	st.Seed(model.Task{ID: "t-2", ShortID: "t-002", Title: "b", Status: model.TaskReady, AgentPref: "claude", Priority: 1})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Start(ctx)

	require.Eventually(t, func() bool {
		task1, _ := st.GetTask(context.Background(), "t-1")
		return task1.Status == model.TaskInProgress
	}, 2*time.Second, 10*time.Millisecond)

	task2, err := st.GetTask(context.Background(), "t-2")
	require.NoError(t, err)
	require.Equal(t, model.TaskReady, task2.Status, "second task must not dispatch while cap is full")
}

func TestConsumeLoop_PauseStopsDispatch(t *testing.T) {
	loop, st, _ := newTestLoop(t, `echo ok`, Config{
		Interval:              20 * time.Millisecond,
		MaxConcurrentPerAgent: map[string]int{"claude": 1},
	})
	loop.setState(snapshot.StateRunning)
	loop.Pause()
	st.Seed(model.Task{ID: "t-1", ShortID: "t-001", Title: "a", Status: model.TaskReady, AgentPref: "claude"})

	loop.tick(context.Background())

	task, err := st.GetTask(context.Background(), "t-1")
	require.NoError(t, err)
	require.Equal(t, model.TaskReady, task.Status, "paused loop must not dispatch")
}

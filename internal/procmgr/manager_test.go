package procmgr

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/model"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	log, err := corelog.New(corelog.Config{Level: "error", Format: "text", OutputPath: "stdout"})
	require.NoError(t, err)
	return New(log, Options{PollInterval: 50 * time.Millisecond})
}

func TestManager_SpawnSucceeds(t *testing.T) {
	m := testManager(t)

	info, err := m.Spawn("t-1", "r-1", "claude", model.ProcessTypeTask, "/bin/echo", []string{"hi"}, "")
	require.NoError(t, err)
	require.NotZero(t, info.PID)

	result, ok := m.WaitForAny(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, OutcomeSucceeded, result.Outcome)
	require.Equal(t, "t-1", result.TaskID)
}

func TestManager_SpawnRejectsDuplicateTaskID(t *testing.T) {
	m := testManager(t)

	_, err := m.Spawn("t-2", "r-1", "claude", model.ProcessTypeTask, "/bin/sleep", []string{"1"}, "")
	require.NoError(t, err)

	_, err = m.Spawn("t-2", "r-2", "claude", model.ProcessTypeTask, "/bin/sleep", []string{"1"}, "")
	require.Error(t, err)

	m.Kill("t-2")
	m.WaitForAny(2 * time.Second)
}

func TestManager_NonZeroExitClassified(t *testing.T) {
	m := testManager(t)

	_, err := m.Spawn("t-3", "r-1", "claude", model.ProcessTypeTask, "/bin/sh", []string{"-c", "exit 7"}, "")
	require.NoError(t, err)

	result, ok := m.WaitForAny(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, OutcomeFailedExit, result.Outcome)
	require.Equal(t, 7, result.ExitCode)
}

func TestManager_SpawnRejectsMissingCwd(t *testing.T) {
	m := testManager(t)

	_, err := m.Spawn("t-4", "r-1", "claude", model.ProcessTypeTask, "/bin/echo", nil, "/no/such/dir")
	require.Error(t, err)
}

func TestManager_HandlesOversizedSingleLine(t *testing.T) {
	m := testManager(t)

	// 500000 bytes exceeds bufio.Scanner's default 64KB token ceiling but
	// stays under the manager's 1MiB default ring buffer capacity, so a
	// failure here isolates the line-reading fix from ring-buffer eviction.
	const lineSize = 500000
	script := "head -c " + strconv.Itoa(lineSize) + " /dev/zero | tr '\\0' 'x'; echo"
	_, err := m.Spawn("t-7", "r-1", "claude", model.ProcessTypeTask, "/bin/sh", []string{"-c", script}, "")
	require.NoError(t, err)

	result, ok := m.WaitForAny(5 * time.Second)
	require.True(t, ok)
	require.Equal(t, OutcomeSucceeded, result.Outcome, "a single oversized output line must not hang the reader")
	require.GreaterOrEqual(t, len(result.Stdout), lineSize,
		"the full oversized line must reach the ring buffer, not be cut short by a fixed scan buffer")
}

func TestManager_IdleTimeoutClassifiedAsTimeoutNotSignal(t *testing.T) {
	m := testManager(t)
	m.opts.IdleTimeout = 50 * time.Millisecond

	_, err := m.Spawn("t-6", "r-1", "claude", model.ProcessTypeTask, "/bin/sleep", []string{"30"}, "")
	require.NoError(t, err)

	m.PollTimeouts() // first poll: not idle yet, no-op
	time.Sleep(100 * time.Millisecond)
	m.PollTimeouts() // now past IdleTimeout, kills it

	result, ok := m.WaitForAny(2 * time.Second)
	require.True(t, ok)
	require.Equal(t, OutcomeFailedTimeout, result.Outcome, "a timeout kill must not be reported as an ordinary signal kill")
}

func TestManager_ShutdownForceKillsSleepers(t *testing.T) {
	m := testManager(t)
	m.opts.ShutdownGrace = 50 * time.Millisecond

	_, err := m.Spawn("t-5", "r-1", "claude", model.ProcessTypeTask, "/bin/sleep", []string{"30"}, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not force-kill in time")
	}
}

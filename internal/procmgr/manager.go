// Package procmgr owns every child process spawned by the runner: it spawns,
// tracks, buffers output for, and reaps agent and reviewer subprocesses, and
// classifies their termination. Grounded on the teacher's
// internal/agentctl/process.Manager, generalized from one process per
// Manager instance to a map of concurrently live processes.
package procmgr

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fuelrun/fuel/internal/corelog"
	"github.com/fuelrun/fuel/internal/model"
)

// Outcome classifies how a process terminated.
type Outcome string

const (
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeFailedExit    Outcome = "failed_exit"
	OutcomeFailedSignal  Outcome = "failed_signal"
	OutcomeFailedTimeout Outcome = "failed_timeout"
	OutcomeFailedSpawn   Outcome = "failed_spawn"
)

// Result is the terminal outcome of one spawned process.
type Result struct {
	TaskID   string
	RunID    string
	Agent    string
	Type     model.ProcessType
	Outcome  Outcome
	ExitCode int
	Signal   string
	Stdout   []byte
	Stderr   []byte
	Err      error
}

// SpawnError is returned by Spawn when the child could not be started, or a
// process for this task id is already live.
type SpawnError struct {
	TaskID string
	Reason string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s", e.TaskID, e.Reason)
}

const (
	defaultStreamBufferBytes = 1 << 20 // 1 MiB per stream
	defaultIdleTimeout       = 10 * time.Minute
	defaultMaxRuntime        = 60 * time.Minute
	defaultShutdownGrace     = 5 * time.Second
)

// Options tunes the policies ProcessManager enforces.
type Options struct {
	StreamBufferBytes int
	IdleTimeout       time.Duration
	MaxRuntime        time.Duration
	ShutdownGrace     time.Duration
	PollInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.StreamBufferBytes <= 0 {
		o.StreamBufferBytes = defaultStreamBufferBytes
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	if o.MaxRuntime <= 0 {
		o.MaxRuntime = defaultMaxRuntime
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	return o
}

type proc struct {
	info   model.Process
	runID  string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *RingBuffer
	stderr *RingBuffer

	mu           sync.Mutex
	lastOutputAt time.Time
	timedOut     bool

	killOnce sync.Once
}

// Manager owns every child process spawned by the runner.
type Manager struct {
	logger  *corelog.Logger
	opts    Options
	results chan Result

	mu    sync.Mutex
	procs map[string]*proc // keyed by task id

	wg sync.WaitGroup
}

// New creates a ProcessManager.
func New(logger *corelog.Logger, opts Options) *Manager {
	return &Manager{
		logger:  logger,
		opts:    opts.withDefaults(),
		results: make(chan Result, 64),
		procs:   make(map[string]*proc),
	}
}

// Spawn starts a child with stdout and stderr piped, non-blocking.
func (m *Manager) Spawn(taskID, runID, agent string, ptype model.ProcessType, command string, argv []string, cwd string) (model.Process, error) {
	m.mu.Lock()
	if _, exists := m.procs[taskID]; exists {
		m.mu.Unlock()
		return model.Process{}, &SpawnError{TaskID: taskID, Reason: "process already live for this task"}
	}
	m.mu.Unlock()

	if cwd != "" {
		if fi, err := os.Stat(cwd); err != nil || !fi.IsDir() {
			return model.Process{}, &SpawnError{TaskID: taskID, Reason: "cwd does not exist"}
		}
	}

	// exec.Command, not exec.CommandContext: the lifetime of an agent
	// process must not be tied to a request-scoped context. Shutdown is
	// driven explicitly through Kill/Shutdown instead.
	cmd := exec.Command(command, argv...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return model.Process{}, &SpawnError{TaskID: taskID, Reason: err.Error()}
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return model.Process{}, &SpawnError{TaskID: taskID, Reason: err.Error()}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return model.Process{}, &SpawnError{TaskID: taskID, Reason: err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return model.Process{}, &SpawnError{TaskID: taskID, Reason: err.Error()}
	}

	now := time.Now()
	p := &proc{
		info: model.Process{
			TaskID:       taskID,
			RunID:        runID,
			Agent:        agent,
			PID:          cmd.Process.Pid,
			Type:         ptype,
			StartedAt:    now,
			LastOutputAt: now,
		},
		runID:        runID,
		cmd:          cmd,
		stdin:        stdin,
		stdout:       NewRingBuffer(m.opts.StreamBufferBytes),
		stderr:       NewRingBuffer(m.opts.StreamBufferBytes),
		lastOutputAt: now,
	}

	m.mu.Lock()
	m.procs[taskID] = p
	m.mu.Unlock()

	m.wg.Add(3)
	go m.readStream(p, "stdout", stdoutPipe, p.stdout)
	go m.readStream(p, "stderr", stderrPipe, p.stderr)
	go m.waitForExit(p)

	m.logger.WithTaskID(taskID).Info("spawned process",
		zap.Int("pid", p.info.PID), zap.String("agent", agent))

	return p.info, nil
}

// readStream drains r line by line into buf until EOF. A bufio.Reader
// rather than a Scanner: Scanner gives up (bufio.ErrTooLong) on any single
// line past its fixed buffer cap, which would leave the pipe undrained for
// the rest of the process's life the first time a driver emits one long
// line (e.g. a large diff embedded in one stream-json message) — ReadBytes
// has no such cap.
func (m *Manager) readStream(p *proc, stream string, r io.Reader, buf *RingBuffer) {
	defer m.wg.Done()
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			buf.Write(append([]byte{}, line...))
			p.mu.Lock()
			p.lastOutputAt = time.Now()
			p.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) waitForExit(p *proc) {
	defer m.wg.Done()
	err := p.cmd.Wait()

	result := Result{
		TaskID: p.info.TaskID,
		RunID:  p.runID,
		Agent:  p.info.Agent,
		Type:   p.info.Type,
		Stdout: p.stdout.Bytes(),
		Stderr: p.stderr.Bytes(),
	}

	p.mu.Lock()
	timedOut := p.timedOut
	p.mu.Unlock()

	switch e := err.(type) {
	case nil:
		result.Outcome = OutcomeSucceeded
		result.ExitCode = 0
	case *exec.ExitError:
		if e.ProcessState != nil && !e.ProcessState.Exited() {
			if timedOut {
				result.Outcome = OutcomeFailedTimeout
			} else {
				result.Outcome = OutcomeFailedSignal
			}
			result.Signal = e.ProcessState.String()
		} else {
			result.Outcome = OutcomeFailedExit
			result.ExitCode = e.ExitCode()
		}
	default:
		result.Outcome = OutcomeFailedSpawn
		result.Err = err
	}

	m.mu.Lock()
	delete(m.procs, p.info.TaskID)
	m.mu.Unlock()

	select {
	case m.results <- result:
	default:
		// results channel should never be this backed up in practice; log
		// and still deliver, blocking, rather than silently drop a task.
		m.logger.Warn("process result channel full, blocking")
		m.results <- result
	}
}

// IsRunning reports whether a process for taskID is currently live.
func (m *Manager) IsRunning(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[taskID]
	return ok
}

// Kill terminates the process for taskID, if any, without waiting.
func (m *Manager) Kill(taskID string) {
	m.kill(taskID, false)
}

// killForTimeout terminates the process for taskID and tags it so
// waitForExit reports OutcomeFailedTimeout instead of OutcomeFailedSignal
// for the resulting SIGKILL, per spec.md §4.1's timeout classification.
func (m *Manager) killForTimeout(taskID string) {
	m.kill(taskID, true)
}

func (m *Manager) kill(taskID string, timeout bool) {
	m.mu.Lock()
	p, ok := m.procs[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if timeout {
		p.mu.Lock()
		p.timedOut = true
		p.mu.Unlock()
	}
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// RunningCount returns the number of live processes.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}

// RunningProcesses returns a snapshot of all live process handles.
func (m *Manager) RunningProcesses() []model.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Process, 0, len(m.procs))
	for _, p := range m.procs {
		p.mu.Lock()
		info := p.info
		info.LastOutputAt = p.lastOutputAt
		p.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// GetOutput returns a snapshot of the ring buffers for taskID. Does not
// drain them.
func (m *Manager) GetOutput(taskID string) (stdout, stderr []byte, ok bool) {
	m.mu.Lock()
	p, exists := m.procs[taskID]
	m.mu.Unlock()
	if !exists {
		return nil, nil, false
	}
	return p.stdout.Bytes(), p.stderr.Bytes(), true
}

// WaitForAny suspends until any owned child exits or timeout elapses;
// returns the first terminal result observed, or false on timeout.
func (m *Manager) WaitForAny(timeout time.Duration) (Result, bool) {
	if timeout <= 0 {
		select {
		case r := <-m.results:
			return r, true
		default:
			return Result{}, false
		}
	}
	select {
	case r := <-m.results:
		return r, true
	case <-time.After(timeout):
		return Result{}, false
	}
}

// WaitForAll collects every result that arrives before timeout elapses,
// blocking until the deadline or until no further result arrives in time.
func (m *Manager) WaitForAll(timeout time.Duration) []Result {
	deadline := time.Now().Add(timeout)
	var out []Result
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return out
		}
		r, ok := m.WaitForAny(remaining)
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// PollTimeouts enforces idle and max-runtime timeouts; intended to be
// called periodically from the ProcessManager's own poll loop, not from
// ConsumeLoop.
func (m *Manager) PollTimeouts() {
	now := time.Now()
	m.mu.Lock()
	var toKill []string
	for id, p := range m.procs {
		p.mu.Lock()
		idle := now.Sub(p.lastOutputAt)
		runtime := now.Sub(p.info.StartedAt)
		p.mu.Unlock()
		if idle > m.opts.IdleTimeout || runtime > m.opts.MaxRuntime {
			toKill = append(toKill, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toKill {
		m.logger.WithTaskID(id).Warn("killing process for idle/runtime timeout")
		m.killForTimeout(id)
	}
}

// Run starts the background poll loop that enforces timeouts. Blocks until
// ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollTimeouts()
		}
	}
}

// Shutdown sends termination to all live children, waits up to the
// configured grace period, then force-kills remaining children and drains
// every handle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.mu.Lock()
		p, ok := m.procs[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if p.stdin != nil {
			_ = p.stdin.Close() // EOF signal, matching the teacher's Stop()
		}
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(m.opts.ShutdownGrace):
		for _, id := range ids {
			m.Kill(id)
		}
		<-done
	}
}

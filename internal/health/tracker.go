// Package health tracks per-agent success/failure history and computes
// exponential backoff, gating dispatch. Grounded on the retry-count
// bookkeeping in the teacher's internal/orchestrator/scheduler.Scheduler
// (per-key counters behind a mutex) and the backoff-shape constants in the
// supplementary process-supervisor example (DefaultRestartBackoffInitial/
// Max), generalized to the spec's explicit schedule.
package health

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/fuelrun/fuel/internal/model"
)

const (
	// RecoverableBase is the backoff base for timeout/non_zero_exit failures.
	RecoverableBase = 5 * time.Second
	// FatalBase is the backoff base for spawn_failed/driver_error/killed_by_user.
	FatalBase = 30 * time.Second
	// Cap bounds the exponent: ceiling before jitter is base * 2^Cap.
	Cap = 6
	// Jitter is the +/- fraction applied to the computed backoff.
	Jitter = 0.25
	// DeathThreshold is the consecutive-failure count at which an agent is
	// reported dead and dispatch is refused.
	DeathThreshold = 5
)

// FailureType classifies why a run did not succeed, matching model.ErrorType
// for the subset HealthTracker cares about.
type FailureType = model.ErrorType

// recoverable reports whether a failure type uses the recoverable backoff
// base rather than the fatal one.
func recoverable(t FailureType) bool {
	return t == model.ErrorTimeout || t == model.ErrorNonZeroExit
}

// BackoffFor computes backoff_for(n, type) per the spec's schedule:
// base * 2^min(n-1, cap) +/- jitter.
func BackoffFor(consecutiveFailures int, failureType FailureType, rng *rand.Rand) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	base := FatalBase
	if recoverable(failureType) {
		base = RecoverableBase
	}
	exp := consecutiveFailures - 1
	if exp > Cap {
		exp = Cap
	}
	backoff := time.Duration(float64(base) * math.Pow(2, float64(exp)))

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitterFrac := (rng.Float64()*2 - 1) * Jitter // uniform in [-Jitter, +Jitter]
	return time.Duration(float64(backoff) * (1 + jitterFrac))
}

type entry struct {
	mu     sync.Mutex
	health model.AgentHealth
}

// Tracker is the in-process HealthTracker. Each agent's counters are
// updated under a per-agent critical section, matching the spec's
// cross-task ordering guarantee (§5): updates across agents commute.
type Tracker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	rngMu   sync.Mutex
	rng     *rand.Rand
	now     func() time.Time
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     time.Now,
	}
}

func (t *Tracker) entryFor(agent string) *entry {
	t.mu.RLock()
	e, ok := t.entries[agent]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[agent]; ok {
		return e
	}
	e = &entry{health: model.AgentHealth{Agent: agent}}
	t.entries[agent] = e
	return e
}

// RecordSuccess sets last_success_at=now, resets consecutive_failures to 0,
// clears backoff_until, and increments total_runs/total_successes.
func (t *Tracker) RecordSuccess(agent string) {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.LastSuccessAt = t.now()
	e.health.ConsecutiveFailures = 0
	e.health.BackoffUntil = time.Time{}
	e.health.TotalRuns++
	e.health.TotalSuccesses++
}

// RecordFailure sets last_failure_at=now, increments consecutive_failures
// and total_runs, and computes a new backoff_until.
func (t *Tracker) RecordFailure(agent string, failureType FailureType) {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health.LastFailureAt = t.now()
	e.health.ConsecutiveFailures++
	e.health.TotalRuns++

	// t.rng is shared across all agents' entries (each with its own
	// critical section per the package doc), so its own access needs a
	// separate lock: math/rand.Rand is not safe for concurrent use.
	t.rngMu.Lock()
	backoff := BackoffFor(e.health.ConsecutiveFailures, failureType, t.rng)
	t.rngMu.Unlock()
	e.health.BackoffUntil = t.now().Add(backoff)
}

// IsAvailable reports whether backoff_until is absent or in the past.
func (t *Tracker) IsAvailable(agent string) bool {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.BackoffUntil.IsZero() || e.health.BackoffUntil.Before(t.now())
}

// IsDead reports whether consecutive_failures has reached DeathThreshold.
func (t *Tracker) IsDead(agent string) bool {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.ConsecutiveFailures >= DeathThreshold
}

// BackoffSeconds returns max(0, ceil(backoff_until - now)).
func (t *Tracker) BackoffSeconds(agent string) int {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.health.BackoffUntil.IsZero() {
		return 0
	}
	remaining := e.health.BackoffUntil.Sub(t.now())
	if remaining <= 0 {
		return 0
	}
	secs := int(remaining / time.Second)
	if remaining%time.Second != 0 {
		secs++
	}
	return secs
}

// GetHealthStatus returns a copy of the stored AgentHealth for agent.
func (t *Tracker) GetHealthStatus(agent string) model.AgentHealth {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health
}

// GetAllHealthStatus returns a copy of every tracked agent's health.
func (t *Tracker) GetAllHealthStatus() []model.AgentHealth {
	t.mu.RLock()
	agents := make([]string, 0, len(t.entries))
	for a := range t.entries {
		agents = append(agents, a)
	}
	t.mu.RUnlock()

	out := make([]model.AgentHealth, 0, len(agents))
	for _, a := range agents {
		out = append(out, t.GetHealthStatus(a))
	}
	return out
}

// ClearHealth resets an agent's counters, the only path back from "dead".
func (t *Tracker) ClearHealth(agent string) {
	e := t.entryFor(agent)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health = model.AgentHealth{Agent: agent}
}

// Summary builds the derived AgentHealthSummary for snapshotting.
func (t *Tracker) Summary(agent string) model.AgentHealthSummary {
	h := t.GetHealthStatus(agent)
	inBackoff := !t.IsAvailable(agent)
	isDead := h.ConsecutiveFailures >= DeathThreshold
	label := "healthy"
	switch {
	case isDead:
		label = "dead"
	case inBackoff:
		label = "backoff"
	}
	return model.AgentHealthSummary{
		Agent:                   agent,
		StatusLabel:             label,
		BackoffSecondsRemaining: t.BackoffSeconds(agent),
		InBackoff:               inBackoff,
		IsDead:                  isDead,
	}
}

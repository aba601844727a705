// Package snapshot builds the immutable ConsumeSnapshot value published
// over IPC, collecting a consistent view under each owning component's
// lock before assembling the frozen result outside any lock, per
// spec.md §9's "snapshot construction must be lock-free over live data"
// design note.
package snapshot

import (
	"time"

	"github.com/fuelrun/fuel/internal/model"
)

// LoopState is the ConsumeLoop's top-level state machine value.
type LoopState string

const (
	StateStarting LoopState = "starting"
	StateRunning  LoopState = "running"
	StatePaused   LoopState = "paused"
	StateDraining LoopState = "draining"
	StateStopped  LoopState = "stopped"
)

// ProcessView is the read-only view of a live process exposed to
// SnapshotBuilder; Process itself stays owned by ProcessManager.
type ProcessView struct {
	TaskID       string
	RunID        string
	Agent        string
	PID          int
	Type         model.ProcessType
	StartedAt    time.Time
	LastOutputAt time.Time
}

// Snapshot is the frozen ConsumeSnapshot value: pure data, safe to ship
// over IPC or persist.
type Snapshot struct {
	GeneratedAt      time.Time
	InstanceID       string
	State            LoopState
	Unhealthy        bool
	Tasks            []model.Task
	Processes        []ProcessView
	Health           []model.AgentHealthSummary
	DoneCount        int
	BlockedCount     int
	Epics            []EpicView
	BrowserDaemonUp  bool
	EffectiveConfig  map[string]interface{}
}

// EpicView is the flattened epic summary a task references by short id.
type EpicView struct {
	ID      string
	ShortID string
	Title   string
}

// Builder collects the inputs SnapshotBuilder needs from each owning
// component. Each dependency is a plain function so components are not
// forced to share a concrete type with this package.
type Builder struct {
	Tasks           func() []model.Task
	Processes       func() []ProcessView
	HealthSummaries func() []model.AgentHealthSummary
	Epics           func() []EpicView
	BrowserDaemonUp func() bool
	EffectiveConfig func() map[string]interface{}
	Now             func() time.Time
}

// Build assembles one Snapshot. Each dependency function is called once,
// under whatever lock its owner uses internally; Build itself holds no
// lock across the calls.
func (b *Builder) Build(instanceID string, state LoopState, unhealthy bool) Snapshot {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	var tasks []model.Task
	if b.Tasks != nil {
		tasks = b.Tasks()
	}
	procs := b.callProcs()
	health := b.callHealth()
	epics := b.callEpics()

	var doneCount, blockedCount int
	for _, t := range tasks {
		switch t.Status {
		case model.TaskDone:
			doneCount++
		case model.TaskBlocked:
			blockedCount++
		}
	}

	browserUp := false
	if b.BrowserDaemonUp != nil {
		browserUp = b.BrowserDaemonUp()
	}
	cfg := map[string]interface{}{}
	if b.EffectiveConfig != nil {
		cfg = b.EffectiveConfig()
	}

	return Snapshot{
		GeneratedAt:     now(),
		InstanceID:      instanceID,
		State:           state,
		Unhealthy:       unhealthy,
		Tasks:           tasks,
		Processes:       procs,
		Health:          health,
		DoneCount:       doneCount,
		BlockedCount:    blockedCount,
		Epics:           epics,
		BrowserDaemonUp: browserUp,
		EffectiveConfig: cfg,
	}
}

func (b *Builder) callProcs() []ProcessView {
	if b.Processes == nil {
		return nil
	}
	return b.Processes()
}

func (b *Builder) callHealth() []model.AgentHealthSummary {
	if b.HealthSummaries == nil {
		return nil
	}
	return b.HealthSummaries()
}

func (b *Builder) callEpics() []EpicView {
	if b.Epics == nil {
		return nil
	}
	return b.Epics()
}

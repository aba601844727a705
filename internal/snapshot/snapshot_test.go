package snapshot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fuelrun/fuel/internal/model"
)

func TestBuild_CountsDoneAndBlocked(t *testing.T) {
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := &Builder{
		Tasks: func() []model.Task {
			return []model.Task{
				{ID: "t-1", Status: model.TaskDone},
				{ID: "t-2", Status: model.TaskBlocked},
				{ID: "t-3", Status: model.TaskBlocked},
				{ID: "t-4", Status: model.TaskReady},
			}
		},
		Now: func() time.Time { return fixedNow },
	}

	snap := b.Build("inst-a", StateRunning, false)
	require.Equal(t, 1, snap.DoneCount)
	require.Equal(t, 2, snap.BlockedCount)
	require.Equal(t, fixedNow, snap.GeneratedAt)
	require.Equal(t, StateRunning, snap.State)
}

func TestBuild_NilDependenciesProduceEmptyCollections(t *testing.T) {
	b := &Builder{}
	snap := b.Build("inst-a", StateStarting, false)
	require.Empty(t, snap.Tasks)
	require.Empty(t, snap.Processes)
	require.Empty(t, snap.Health)
	require.Empty(t, snap.Epics)
}

// TestSnapshot_RoundTripsThroughJSON covers invariant 7: every published
// snapshot round-trips through serialization and back to an equal value.
func TestSnapshot_RoundTripsThroughJSON(t *testing.T) {
	b := &Builder{
		Tasks: func() []model.Task {
			return []model.Task{{ID: "t-1", ShortID: "t-001", Status: model.TaskReady, Priority: 2}}
		},
		Processes: func() []ProcessView {
			return []ProcessView{{TaskID: "t-1", Agent: "claude", PID: 123}}
		},
		HealthSummaries: func() []model.AgentHealthSummary {
			return []model.AgentHealthSummary{{Agent: "claude", StatusLabel: "healthy"}}
		},
		Now: func() time.Time { return time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC) },
	}
	original := b.Build("inst-a", StateRunning, false)

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var roundTripped Snapshot
	require.NoError(t, json.Unmarshal(data, &roundTripped))
	require.Equal(t, original, roundTripped)
}

package health

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelrun/fuel/internal/model"
)

func TestBackoffFor_StaysWithinJitterBand(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for n := 1; n <= 8; n++ {
		d := BackoffFor(n, model.ErrorTimeout, rng)
		exp := n - 1
		if exp > Cap {
			exp = Cap
		}
		nominal := float64(RecoverableBase) * pow2(exp)
		lo := time.Duration(nominal * 0.75)
		hi := time.Duration(nominal * 1.25)
		assert.GreaterOrEqual(t, int64(d), int64(lo))
		assert.LessOrEqual(t, int64(d), int64(hi))
	}
}

func TestBackoffFor_FatalUsesHigherBase(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := BackoffFor(1, model.ErrorSpawnFailed, rng)
	assert.GreaterOrEqual(t, int64(d), int64(float64(FatalBase)*0.75))
	assert.LessOrEqual(t, int64(d), int64(float64(FatalBase)*1.25))
}

func TestTracker_RecordSuccessResetsCounters(t *testing.T) {
	tr := New()
	tr.RecordFailure("claude", model.ErrorTimeout)
	tr.RecordFailure("claude", model.ErrorTimeout)
	require.False(t, tr.IsAvailable("claude"))

	tr.RecordSuccess("claude")
	h := tr.GetHealthStatus("claude")
	require.Equal(t, 0, h.ConsecutiveFailures)
	require.True(t, h.BackoffUntil.IsZero())
	require.True(t, tr.IsAvailable("claude"))
}

func TestTracker_TotalsAreConsistent(t *testing.T) {
	tr := New()
	tr.RecordSuccess("claude")
	tr.RecordFailure("claude", model.ErrorTimeout)
	tr.RecordSuccess("claude")

	h := tr.GetHealthStatus("claude")
	require.Equal(t, 3, h.TotalRuns)
	require.Equal(t, 2, h.TotalSuccesses)
}

func TestTracker_IsDeadAtThreshold(t *testing.T) {
	tr := New()
	for i := 0; i < DeathThreshold-1; i++ {
		tr.RecordFailure("claude", model.ErrorNonZeroExit)
	}
	require.False(t, tr.IsDead("claude"))

	tr.RecordFailure("claude", model.ErrorNonZeroExit)
	require.True(t, tr.IsDead("claude"))
}

func TestTracker_ClearHealthRecoversDeadAgent(t *testing.T) {
	tr := New()
	for i := 0; i < DeathThreshold; i++ {
		tr.RecordFailure("claude", model.ErrorNonZeroExit)
	}
	require.True(t, tr.IsDead("claude"))

	tr.ClearHealth("claude")
	require.False(t, tr.IsDead("claude"))
	require.True(t, tr.IsAvailable("claude"))
}

func TestTracker_AgentsAreIndependent(t *testing.T) {
	tr := New()
	tr.RecordFailure("claude", model.ErrorTimeout)
	tr.RecordSuccess("cursor")

	require.False(t, tr.IsAvailable("claude"))
	require.True(t, tr.IsAvailable("cursor"))
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

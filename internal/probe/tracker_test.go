package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/store"
)

func TestRecordProbeScoreRunningMeans(t *testing.T) {
	a := &core.Annotator{ID: "a1"}
	RecordProbeScore(a, 90, true)
	assert.Equal(t, 90.0, a.LifetimeAccuracy)
	assert.Equal(t, 100.0, a.ProbePassRate)
	assert.Equal(t, 1, a.LifetimeProbeCount)

	RecordProbeScore(a, 60, false)
	assert.Equal(t, 75.0, a.LifetimeAccuracy)
	assert.Equal(t, 50.0, a.ProbePassRate)
	assert.Equal(t, 2, a.LifetimeProbeCount)
	// Newest first.
	assert.Equal(t, []float64{60, 90}, a.RollingScores)
}

func TestRollingWindowTrims(t *testing.T) {
	a := &core.Annotator{ID: "a1"}
	for i := 0; i < core.RollingWindow+10; i++ {
		RecordProbeScore(a, 80, true)
	}
	assert.Len(t, a.RollingScores, core.RollingWindow)
	assert.Equal(t, core.RollingWindow+10, a.LifetimeProbeCount)
}

func TestLevelForBands(t *testing.T) {
	assert.Equal(t, core.WarningLevel(""), LevelFor(80))
	assert.Equal(t, core.WarningSoft, LevelFor(75))
	assert.Equal(t, core.WarningFormal, LevelFor(65.6))
	assert.Equal(t, core.WarningFinal, LevelFor(55))
	assert.Equal(t, core.WarningSuspension, LevelFor(49.9))
}

// ladderFixture scores an annotator through a sequence of evaluated probes by
// feeding the tracker and ladder directly.
func ladderStep(t *testing.T, eng *Engine, st *store.MemStore, a *core.Annotator, score float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	RecordProbeScore(a, score, score >= core.DefaultGoldenTolerance*100)
	eng.now = func() time.Time { return at }
	require.NoError(t, eng.applyWarningLadder(ctx, a, at))
	require.NoError(t, st.PutAnnotator(ctx, a))
}

func TestWarningEscalation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng := NewEngine(st, &stubRand{}, nil)
	a := &core.Annotator{ID: "a1", Status: "approved", CanReceiveAssignments: true}
	require.NoError(t, st.PutAnnotator(ctx, a))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	scores := []float64{82, 78, 65, 58, 45}
	for i, s := range scores {
		ladderStep(t, eng, st, a, s, base.Add(time.Duration(i)*time.Hour))
	}
	// Mean of the five scores is 65.6: the first qualifying probe issues a
	// formal warning directly, skipping soft.
	assert.InDelta(t, 65.6, a.RollingAccuracy(), 0.01)
	warnings, err := st.ListWarningsByAnnotator(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, core.WarningFormal, warnings[0].Level)
	assert.False(t, a.Suspended)

	// Two more bad probes drag the rolling mean below 60: final escalates
	// past the formal cooldown because severity strictly increases.
	ladderStep(t, eng, st, a, 40, base.Add(6*time.Hour))
	ladderStep(t, eng, st, a, 20, base.Add(7*time.Hour))
	assert.Less(t, a.RollingAccuracy(), 60.0)
	warnings, _ = st.ListWarningsByAnnotator(ctx, "a1")
	require.Len(t, warnings, 2)
	assert.Equal(t, core.WarningFinal, warnings[1].Level)
	assert.False(t, a.Suspended)

	// Below 50 suspends and revokes assignment eligibility.
	ladderStep(t, eng, st, a, 10, base.Add(8*time.Hour))
	ladderStep(t, eng, st, a, 10, base.Add(9*time.Hour))
	assert.Less(t, a.RollingAccuracy(), 50.0)
	warnings, _ = st.ListWarningsByAnnotator(ctx, "a1")
	require.Len(t, warnings, 3)
	assert.Equal(t, core.WarningSuspension, warnings[2].Level)
	assert.True(t, a.Suspended)
	assert.False(t, a.CanReceiveAssignments)
}

func TestNoWarningBeforeMinimumProbes(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng := NewEngine(st, &stubRand{}, nil)
	a := &core.Annotator{ID: "a1", Status: "approved", CanReceiveAssignments: true}
	require.NoError(t, st.PutAnnotator(ctx, a))

	base := time.Now()
	for i := 0; i < core.MinProbesForWarning-1; i++ {
		ladderStep(t, eng, st, a, 10, base.Add(time.Duration(i)*time.Minute))
	}
	warnings, err := st.ListWarningsByAnnotator(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestSameLevelRespectsCooldown(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng := NewEngine(st, &stubRand{}, nil)
	a := &core.Annotator{ID: "a1", Status: "approved", CanReceiveAssignments: true}
	require.NoError(t, st.PutAnnotator(ctx, a))

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		ladderStep(t, eng, st, a, 75, base.Add(time.Duration(i)*time.Hour))
	}
	// Rolling stays in the soft band; only the first event issues.
	warnings, _ := st.ListWarningsByAnnotator(ctx, "a1")
	require.Len(t, warnings, 1)
	assert.Equal(t, core.WarningSoft, warnings[0].Level)

	// Past the 7 day cooldown the same level re-issues.
	ladderStep(t, eng, st, a, 75, base.Add(8*24*time.Hour))
	warnings, _ = st.ListWarningsByAnnotator(ctx, "a1")
	require.Len(t, warnings, 2)
}

func TestRecoveryDoesNotUnsuspend(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	eng := NewEngine(st, &stubRand{}, nil)
	a := &core.Annotator{ID: "a1", Status: "approved", Suspended: true}
	for i := 0; i < 10; i++ {
		RecordProbeScore(a, 95, true)
	}
	require.NoError(t, st.PutAnnotator(ctx, a))
	require.NoError(t, eng.applyWarningLadder(ctx, a, time.Now()))
	assert.True(t, a.Suspended)
	warnings, _ := st.ListWarningsByAnnotator(ctx, "a1")
	assert.Empty(t, warnings)
}

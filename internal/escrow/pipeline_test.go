package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/store"
)

func seedEscrow(t *testing.T) (*store.MemStore, *Pipeline, *core.Assignment) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.PutAnnotator(ctx, &core.Annotator{
		ID: "a1", Status: "approved", TrustLevel: core.TrustJunior,
		CanReceiveAssignments: true, CreatedAt: time.Now(),
	}))
	// Plain classification: rate 2, complexity 1.0, base 2.00 credits.
	require.NoError(t, st.PutProject(ctx, &core.Project{
		ID: "p1", OrganizationID: "org1", AnnotationType: "classification",
	}))
	require.NoError(t, st.PutTask(ctx, &core.Task{
		ID: "t1", ProjectID: "p1", TargetAssignments: core.RequiredOverlap, CreatedAt: time.Now(),
	}))
	asg := &core.Assignment{
		ID: "as1", TaskID: "t1", ProjectID: "p1", AnnotatorID: "a1",
		Status: core.AssignmentInProgress, AssignedAt: time.Now(),
	}
	require.NoError(t, st.PutAssignment(ctx, asg))
	return st, NewPipeline(st), asg
}

func fullSubmission() *core.Submission {
	return &core.Submission{
		ID: "s1", TaskID: "t1", ProjectID: "p1", AuthorID: "a1",
		Result:   map[string]any{"type": "classification", "labels": []any{"cat"}},
		LeadTime: 42,
	}
}

func TestStageOneSplitsAndPaysPending(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)

	res, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	assert.True(t, res.Released)
	// base 2.00, immediate 40% = 0.80, junior trust ×1.0, quality 1.0.
	assert.Equal(t, core.MoneyFromFloat(0.80), res.Amount)

	got, _ := st.GetAssignment(ctx, asg.ID)
	assert.Equal(t, core.AssignmentCompleted, got.Status)
	assert.True(t, got.ImmediateReleased)
	assert.Equal(t, core.MoneyFromFloat(2.0), got.BasePayment)
	assert.Equal(t, core.MoneyFromFloat(0.80), got.ImmediatePayment)
	assert.Equal(t, core.MoneyFromFloat(0.80), got.ConsensusPayment)
	assert.Equal(t, core.MoneyFromFloat(0.40), got.ReviewPayment)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.MoneyFromFloat(0.80), a.Balances.Pending)
	assert.Equal(t, core.Money(0), a.Balances.Available)
	assert.Equal(t, core.MoneyFromFloat(0.80), a.Balances.LifetimeEarned)
	assert.Equal(t, 1, a.TasksCompleted)

	entries, err := st.ListLedger(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "immediate", entries[0].Category)
	assert.Equal(t, core.MoneyFromFloat(0.80), entries[0].BalanceAfter)
}

func TestStageTwoMovesPendingAndAddsConsensus(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)

	res, err := p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.Equal(t, core.MoneyFromFloat(0.80), res.Amount)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.Money(0), a.Balances.Pending)
	assert.Equal(t, core.MoneyFromFloat(1.60), a.Balances.Available)
	assert.Equal(t, core.MoneyFromFloat(1.60), a.Balances.LifetimeEarned)
}

func TestStageThreeReleasesReviewTier(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	_, err = p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)

	res, err := p.ReleaseReview(ctx, asg.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)
	assert.Equal(t, core.MoneyFromFloat(0.40), res.Amount)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.MoneyFromFloat(2.00), a.Balances.Available)
	assert.Equal(t, core.MoneyFromFloat(2.00), a.Balances.LifetimeEarned)

	// Ledger totals reconcile with the balance sheet.
	entries, _ := st.ListLedger(ctx, "a1")
	var sum core.Money
	for _, e := range entries {
		sum += e.Amount
	}
	assert.Equal(t, a.Balances.LifetimeEarned-a.Balances.Withdrawn, sum)
	assert.Equal(t, a.Balances.Pending+a.Balances.Available, sum)
}

func TestOutOfOrderReleaseIsZeroDelta(t *testing.T) {
	ctx := context.Background()
	_, p, asg := seedEscrow(t)

	res, err := p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.Equal(t, "out_of_order", res.Reason)
	assert.Equal(t, core.Money(0), res.Amount)

	res, err = p.ReleaseReview(ctx, asg.ID)
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.Equal(t, "out_of_order", res.Reason)
}

func TestRepeatReleaseIsZeroDelta(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)

	res, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	assert.False(t, res.Released)
	assert.Equal(t, "already_released", res.Reason)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.MoneyFromFloat(0.80), a.Balances.Pending)
}

func TestReleasedFlagsStayMonotonic(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	_, err = p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)
	_, err = p.ReleaseReview(ctx, asg.ID)
	require.NoError(t, err)

	got, _ := st.GetAssignment(ctx, asg.ID)
	assert.True(t, got.ImmediateReleased)
	assert.True(t, got.ConsensusReleased)
	assert.True(t, got.ReviewReleased)
}

func TestQualityMultiplierPenalizesThinSubmissions(t *testing.T) {
	empty := &core.Submission{Result: nil}
	assert.Equal(t, 0.5, qualityMultiplier(empty))

	untyped := &core.Submission{Result: map[string]any{"labels": []any{"cat"}}, LeadTime: 30}
	assert.Equal(t, 0.9, qualityMultiplier(untyped))

	rushed := fullSubmission()
	rushed.LeadTime = 2
	assert.InDelta(t, 0.8, qualityMultiplier(rushed), 1e-9)

	assert.Equal(t, 1.0, qualityMultiplier(fullSubmission()))
}

func TestTrustMultiplierScalesPayout(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	a, _ := st.GetAnnotator(ctx, "a1")
	a.TrustLevel = core.TrustExpert // ×1.5
	require.NoError(t, st.PutAnnotator(ctx, a))

	res, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	assert.Equal(t, core.MoneyFromFloat(1.20), res.Amount)
}

func TestAccuracyBandMultipliers(t *testing.T) {
	assert.Equal(t, 1.20, AccuracyBand(97))
	assert.Equal(t, 1.10, AccuracyBand(85))
	assert.Equal(t, 1.00, AccuracyBand(72))
	assert.Equal(t, 0.90, AccuracyBand(50))
	assert.Equal(t, 0.70, AccuracyBand(20))
}

func TestAccuracyBandScalesConsensusStage(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)

	// Poor agreement lands before stage 2, so the consensus tier shrinks
	// while the already-paid immediate tier moves over at full value.
	require.NoError(t, p.ApplyAccuracy(ctx, asg.ID, 20))
	res, err := p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)
	assert.True(t, res.Released)
	// consensus 0.80 × band 0.70
	assert.Equal(t, core.MoneyFromFloat(0.56), res.Amount)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.Money(0), a.Balances.Pending)
	assert.Equal(t, core.MoneyFromFloat(0.80+0.56), a.Balances.Available)
	assert.Equal(t, core.MoneyFromFloat(0.80+0.56), a.Balances.LifetimeEarned)
}

func TestApplyAccuracyScalesUnreleasedStages(t *testing.T) {
	ctx := context.Background()
	st, p, asg := seedEscrow(t)
	_, err := p.ReleaseImmediate(ctx, asg.ID, fullSubmission())
	require.NoError(t, err)
	_, err = p.ReleaseConsensus(ctx, asg.ID)
	require.NoError(t, err)

	require.NoError(t, p.ApplyAccuracy(ctx, asg.ID, 97))
	res, err := p.ReleaseReview(ctx, asg.ID)
	require.NoError(t, err)
	// review 0.40 × band 1.20
	assert.Equal(t, core.MoneyFromFloat(0.48), res.Amount)

	got, _ := st.GetAssignment(ctx, asg.ID)
	assert.Equal(t, 1.20, got.AccuracyMultiplier)
}

func TestTrustPromotionRequiresAllThreeThresholds(t *testing.T) {
	ctx := context.Background()
	st, _, _ := seedEscrow(t)
	p := NewPipeline(st)

	a, _ := st.GetAnnotator(ctx, "a1")
	a.TrustLevel = core.TrustNew
	a.TasksCompleted = 60
	a.ProbePassRate = 85
	a.AccuracyEMA = 0
	require.NoError(t, st.PutAnnotator(ctx, a))

	// First observation seeds the EMA above the junior gate.
	require.NoError(t, p.UpdateTrust(ctx, "a1", 75))
	a, _ = st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.TrustJunior, a.TrustLevel)
	assert.Equal(t, 75.0, a.AccuracyEMA)

	// Insufficient task count blocks the next level despite high accuracy.
	require.NoError(t, p.UpdateTrust(ctx, "a1", 100))
	a, _ = st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.TrustJunior, a.TrustLevel)
	assert.InDelta(t, 0.3*100+0.7*75, a.AccuracyEMA, 1e-9)
}

func TestTrustNeverDemotes(t *testing.T) {
	ctx := context.Background()
	st, _, _ := seedEscrow(t)
	p := NewPipeline(st)
	a, _ := st.GetAnnotator(ctx, "a1")
	a.TrustLevel = core.TrustSenior
	require.NoError(t, st.PutAnnotator(ctx, a))

	require.NoError(t, p.UpdateTrust(ctx, "a1", 10))
	a, _ = st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.TrustSenior, a.TrustLevel)
}

func TestThirdFraudFlagSuspends(t *testing.T) {
	ctx := context.Background()
	st, _, _ := seedEscrow(t)
	p := NewPipeline(st)

	for i := 0; i < core.MaxFraudFlags-1; i++ {
		require.NoError(t, p.RecordFraudFlag(ctx, "a1"))
	}
	a, _ := st.GetAnnotator(ctx, "a1")
	assert.False(t, a.Suspended)

	require.NoError(t, p.RecordFraudFlag(ctx, "a1"))
	a, _ = st.GetAnnotator(ctx, "a1")
	assert.True(t, a.Suspended)
	assert.False(t, a.CanReceiveAssignments)
}

func TestAccuracyHistoryBounded(t *testing.T) {
	ctx := context.Background()
	st, _, _ := seedEscrow(t)
	p := NewPipeline(st)
	for i := 0; i < core.AccuracyHistoryLimit+20; i++ {
		require.NoError(t, p.UpdateTrust(ctx, "a1", 80))
	}
	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Len(t, a.AccuracyHistory, core.AccuracyHistoryLimit)
}

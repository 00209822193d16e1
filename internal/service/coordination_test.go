package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/escrow"
	"github.com/annolab/backend/internal/outbox"
	"github.com/annolab/backend/internal/store"
)

type stubRand struct{ f float64 }

func (s *stubRand) Float64() float64 { return s.f }
func (s *stubRand) Intn(n int) int   { return 0 }
func (s *stubRand) Perm(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// seedPlatform wires a project with one triple-assigned task and three
// regular annotators behind a Coordination facade.
func seedPlatform(t *testing.T) (*store.MemStore, *Coordination) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemStore()
	require.NoError(t, st.PutProject(ctx, &core.Project{
		ID: "p1", OrganizationID: "org1",
		AnnotationType: "classification", Published: true,
	}))
	require.NoError(t, st.PutTask(ctx, &core.Task{
		ID: "t1", ProjectID: "p1",
		TargetAssignments: core.RequiredOverlap, AssignedCount: 3,
		CreatedAt: time.Now(),
	}))
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("a%d", i)
		require.NoError(t, st.PutAnnotator(ctx, &core.Annotator{
			ID: id, Status: "approved", CanReceiveAssignments: true,
			TrustLevel: core.TrustRegular, Skills: []string{"classification"},
			LastActiveAt: time.Now(),
		}))
		require.NoError(t, st.PutAssignment(ctx, &core.Assignment{
			ID: "asg-" + id, TaskID: "t1", ProjectID: "p1", AnnotatorID: id,
			Status: core.AssignmentAssigned, AssignedAt: time.Now(),
		}))
	}
	// 0.99 draw: no random-sample review, no probabilistic routing.
	svc := New(st, &stubRand{f: 0.99}, outbox.New(nil), nil, nil)
	return st, svc
}

func submit(t *testing.T, svc *Coordination, author string, labels ...string) SubmissionResult {
	t.Helper()
	vals := make([]any, len(labels))
	for i, l := range labels {
		vals[i] = l
	}
	res, err := svc.OnAnnotationSubmitted(context.Background(), &core.Submission{
		TaskID:    "t1",
		ProjectID: "p1",
		AuthorID:  author,
		Result:    map[string]any{"type": "classification", "labels": vals},
		LeadTime:  30,
	})
	require.NoError(t, err)
	return res
}

func TestSubmissionPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)

	res := submit(t, svc, "a1", "cat")
	assert.False(t, res.Probe)
	assert.True(t, res.Stage1.Released)
	assert.Equal(t, core.ConsensusInProgress, res.Consensus.Status)

	submit(t, svc, "a2", "cat")
	res = submit(t, svc, "a3", "cat")
	require.NotNil(t, res.Consensus)
	assert.Equal(t, core.ConsensusFinalized, res.Consensus.Status)
	assert.Equal(t, 100.0, res.Consensus.Avg)

	project, _ := st.GetProject(ctx, "p1")
	base := escrow.BaseAmount(project)
	imm := base.MulRatio(core.ImmediateShare)
	// Perfect agreement with the final result lands the excellent band on the
	// consensus tier before it releases.
	cons := base.MulRatio(core.ConsensusShare).MulRatio(1.20)

	// Stage 1 and 2 settled for everyone: immediate moved to available, the
	// consensus tier added, trust EMA seeded from perfect agreement.
	for _, id := range []string{"a1", "a2", "a3"} {
		a, err := st.GetAnnotator(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.Money(0), a.Balances.Pending, id)
		assert.Equal(t, imm+cons, a.Balances.Available, id)
		assert.Equal(t, imm+cons, a.Balances.LifetimeEarned, id)
		assert.Equal(t, 100.0, a.AccuracyEMA, id)
		assert.Equal(t, 1, a.TasksCompleted, id)

		asg, err := st.FindAssignment(ctx, "t1", id)
		require.NoError(t, err)
		assert.True(t, asg.ImmediateReleased)
		assert.True(t, asg.ConsensusReleased)
		assert.False(t, asg.ReviewReleased)
	}
}

func TestFinalizeScoresAccuracyAgainstOwnSubmission(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)

	// a1 misses one majority label; a2 and a3 match the merged result. The
	// synthetic ground-truth row lands on a1, the first submitter, and must
	// not replace their real submission in the accuracy lookup.
	submit(t, svc, "a1", "cat", "dog")
	submit(t, svc, "a2", "cat", "dog", "bird")
	res := submit(t, svc, "a3", "cat", "dog", "bird")
	require.NotNil(t, res.Consensus)
	require.Equal(t, core.ConsensusFinalized, res.Consensus.Status)

	project, _ := st.GetProject(ctx, "p1")
	base := escrow.BaseAmount(project)
	imm := base.MulRatio(core.ImmediateShare)
	cons := base.MulRatio(core.ConsensusShare)

	// 2-of-3 labels: 66.67 agreement, good band 0.90 on the consensus tier.
	asg, err := st.FindAssignment(ctx, "t1", "a1")
	require.NoError(t, err)
	assert.Equal(t, 0.90, asg.AccuracyMultiplier)
	a1, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, imm+cons.MulRatio(0.90), a1.Balances.Available)
	assert.InDelta(t, 66.67, a1.AccuracyEMA, 0.01)

	// Full agreement: excellent band for the others.
	for _, id := range []string{"a2", "a3"} {
		asg, err := st.FindAssignment(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, 1.20, asg.AccuracyMultiplier, id)
		a, _ := st.GetAnnotator(ctx, id)
		assert.Equal(t, imm+cons.MulRatio(1.20), a.Balances.Available, id)
	}
}

func TestExportReleasesFinalStage(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)
	for _, id := range []string{"a1", "a2", "a3"} {
		submit(t, svc, id, "cat")
	}

	project, _ := st.GetProject(ctx, "p1")
	base := escrow.BaseAmount(project)
	rev := base.MulRatio(core.ReviewShare)
	// Perfect agreement with the final result lands in the excellent band.
	perAnnotator := rev.MulRatio(1.20)

	out, err := svc.ReleaseFinalOnExport(ctx, "p1", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Count)
	assert.Equal(t, 3*perAnnotator, out.TotalReleased)

	a, _ := st.GetAnnotator(ctx, "a1")
	imm := base.MulRatio(core.ImmediateShare)
	cons := base.MulRatio(core.ConsensusShare).MulRatio(1.20)
	assert.Equal(t, imm+cons+perAnnotator, a.Balances.Available)

	// Re-export releases nothing further.
	out, err = svc.ReleaseFinalOnExport(ctx, "p1", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Count)
	assert.Equal(t, core.Money(0), out.TotalReleased)
}

func TestLowAgreementRoutesToExpertAndSettles(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)
	require.NoError(t, st.PutExpert(ctx, &core.Expert{
		ID: "e1", Active: true, Accepting: true, MaxConcurrent: 50,
		LastActiveAt: time.Now(),
	}))

	submit(t, svc, "a1", "cat")
	submit(t, svc, "a2", "dog")
	res := submit(t, svc, "a3", "bird")
	require.NotNil(t, res.Consensus)
	assert.Equal(t, core.ConsensusReviewRequired, res.Consensus.Status)
	require.NotNil(t, res.Review)
	assert.True(t, res.Review.Assigned)
	assert.Equal(t, "e1", res.Review.ExpertID)

	// No stage 2 before the expert rules.
	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.Money(0), a.Balances.Available)

	dr, err := svc.ExpertReviewSubmitted(ctx, res.Review.ReviewID, core.DecisionApprove, nil)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusFinalized, dr.Consensus.Status)
	assert.False(t, dr.Penalized)

	for _, id := range []string{"a1", "a2", "a3"} {
		asg, err := st.FindAssignment(ctx, "t1", id)
		require.NoError(t, err)
		assert.True(t, asg.ConsensusReleased, id)
		assert.True(t, asg.ReviewReleased, id)
		a, _ := st.GetAnnotator(ctx, id)
		assert.Greater(t, int64(a.Balances.Available), int64(0), id)
		assert.Equal(t, core.Money(0), a.Balances.Pending, id)
	}

	ex, _ := st.GetExpert(ctx, "e1")
	assert.Equal(t, 0, ex.Workload)

	rev, _ := st.GetReview(ctx, res.Review.ReviewID)
	assert.Equal(t, core.ReviewDone, rev.Status)
}

func TestProbeSubmissionSkipsEscrowAndConsensus(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)

	reference := map[string]any{"type": "classification", "labels": []any{"cat"}}
	require.NoError(t, st.PutGolden(ctx, &core.GoldenTask{
		ID: "g1", ProjectID: "p1", Reference: reference,
		Tolerance: 0.85, Active: true, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.PutTask(ctx, &core.Task{
		ID: "probe-t", ProjectID: "p1", TargetAssignments: 1, CreatedAt: time.Now(),
	}))
	require.NoError(t, st.PutProbe(ctx, &core.ProbeAssignment{
		ID: "pr1", AnnotatorID: "a1", GoldenID: "g1", ProjectID: "p1",
		TaskID: "probe-t", Status: core.ProbePending, CreatedAt: time.Now(),
	}))

	res, err := svc.OnAnnotationSubmitted(ctx, &core.Submission{
		TaskID: "probe-t", ProjectID: "p1", AuthorID: "a1",
		Result: reference, LeadTime: 30,
	})
	require.NoError(t, err)
	assert.True(t, res.Probe)
	assert.False(t, res.Stage1.Released)
	assert.Nil(t, res.Consensus)

	a, _ := st.GetAnnotator(ctx, "a1")
	assert.Equal(t, core.Money(0), a.Balances.Pending+a.Balances.Available)
	assert.Equal(t, 100.0, a.LifetimeAccuracy)
	assert.Equal(t, 1, a.LifetimeProbeCount)

	pr, _ := st.GetProbe(ctx, "pr1")
	assert.Equal(t, core.ProbeEvaluated, pr.Status)
	assert.True(t, pr.Passed)
}

func TestDepositFacadeCollectAndRefund(t *testing.T) {
	ctx := context.Background()
	st, svc := seedPlatform(t)
	require.NoError(t, st.PutOrganization(ctx, &core.Organization{
		ID: "org1", Credits: core.MoneyFromCredits(10000),
	}))

	b, err := svc.CalculateDeposit(ctx, "p1", nil)
	require.NoError(t, err)

	collected, err := svc.CollectDeposit(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, b.TotalDeposit, collected)

	org, _ := st.GetOrganization(ctx, "org1")
	assert.Equal(t, core.MoneyFromCredits(10000)-b.TotalDeposit, org.Credits)

	// Nothing completed: everything but the security fee returns.
	refunded, err := svc.RefundDeposit(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, b.TotalDeposit-b.SecurityFee, refunded)

	billing, err := st.GetBilling(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, core.BillingDeleted, billing.State)
}

func TestAssignThenQueueInjectsNothingWithoutGoldens(t *testing.T) {
	ctx := context.Background()
	_, svc := seedPlatform(t)

	queue, err := svc.AnnotatorQueue(ctx, "a1", "p1")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.False(t, queue[0].IsProbe)
	assert.Equal(t, "t1", queue[0].Task.ID)
}

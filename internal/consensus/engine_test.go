package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annolab/backend/internal/core"
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

func seedTask(t *testing.T, st *store.MemStore) *core.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutProject(ctx, &core.Project{ID: "p1", OrganizationID: "org1", AnnotationType: "classification"}))
	task := &core.Task{ID: "t1", ProjectID: "p1", TargetAssignments: core.RequiredOverlap, AssignedCount: 3, CreatedAt: time.Now()}
	require.NoError(t, st.PutTask(ctx, task))
	return task
}

func submitClassification(t *testing.T, st *store.MemStore, taskID, author string, labels ...string) {
	t.Helper()
	vals := make([]any, len(labels))
	for i, l := range labels {
		vals[i] = l
	}
	require.NoError(t, st.PutSubmission(context.Background(), &core.Submission{
		ID:        fmt.Sprintf("s-%s-%s", taskID, author),
		TaskID:    taskID,
		ProjectID: "p1",
		AuthorID:  author,
		Result:    map[string]any{"type": "classification", "labels": vals},
		CreatedAt: time.Now(),
	}))
}

func TestAutoFinalizeOnIdenticalSubmissions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	for _, a := range []string{"a1", "a2", "a3"} {
		submitClassification(t, st, task.ID, a, "cat")
	}

	eng := NewEngine(st, &stubRand{f: 0.99})
	out, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, core.ConsensusFinalized, out.Status)
	assert.Equal(t, 100.0, out.Avg)
	assert.Equal(t, 100.0, out.Min)
	assert.Equal(t, 100.0, out.Max)

	c, err := st.GetConsensusByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusFinalized, c.Status)
	require.NotNil(t, c.ConsolidatedResult)

	// Finalize writes a synthetic ground-truth submission attributed to the
	// first annotator, alongside their real row. The store's uniqueness rule
	// only covers active non-ground-truth rows, so both persist.
	subs, err := st.ListSubmissionsByTask(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subs, 4)
	var gt *core.Submission
	for _, s := range subs {
		if s.GroundTruth {
			gt = s
		}
	}
	require.NotNil(t, gt)
	assert.Equal(t, "a1", gt.AuthorID)

	own, err := st.FindSubmissionByAuthor(ctx, task.ID, "a1")
	require.NoError(t, err)
	assert.False(t, own.GroundTruth)
	assert.NotEqual(t, gt.ID, own.ID)

	// Three pairwise rows persisted.
	rows, err := st.ListPairwiseAgreements(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestLowAgreementRoutesToReview(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	submitClassification(t, st, task.ID, "a1", "cat", "dog")
	submitClassification(t, st, task.ID, "a2", "cat")
	submitClassification(t, st, task.ID, "a3", "bird")

	eng := NewEngine(st, &stubRand{f: 0.99})
	out, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)

	// Pair scores 50, 0, 0: avg is 16.67, far below the threshold.
	assert.Equal(t, core.ConsensusReviewRequired, out.Status)
	assert.InDelta(t, 16.67, out.Avg, 0.01)
	require.NotEmpty(t, out.ReviewID)

	r, err := st.GetReview(ctx, out.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, "disagreement", r.Tag)
	assert.InDelta(t, 83.33, r.DisagreementScore, 0.01)
	assert.Equal(t, core.ReviewPending, r.Status)
}

func TestRandomSampleRoutesHighAgreementToQA(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	for _, a := range []string{"a1", "a2", "a3"} {
		submitClassification(t, st, task.ID, a, "cat")
	}

	// Draw below the sample rate forces the QA branch.
	eng := NewEngine(st, &stubRand{f: 0.01})
	out, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, core.ConsensusReached, out.Status)
	require.NotEmpty(t, out.ReviewID)
	r, err := st.GetReview(ctx, out.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, "random_sample", r.Tag)

	// No ground-truth submission yet; the expert decision finalizes.
	subs, _ := st.ListSubmissionsByTask(ctx, task.ID)
	for _, s := range subs {
		assert.False(t, s.GroundTruth)
	}
}

func TestUnderOverlapStaysInProgress(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	submitClassification(t, st, task.ID, "a1", "cat")
	submitClassification(t, st, task.ID, "a2", "cat")

	eng := NewEngine(st, &stubRand{f: 0.99})
	out, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusInProgress, out.Status)
	assert.Zero(t, out.Avg)
}

func TestRepeatedConsolidationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	for _, a := range []string{"a1", "a2", "a3"} {
		submitClassification(t, st, task.ID, a, "cat")
	}

	eng := NewEngine(st, &stubRand{f: 0.99})
	first, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)
	second, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Avg, second.Avg)

	c, _ := st.GetConsensusByTask(ctx, task.ID)
	rows, err := st.ListPairwiseAgreements(ctx, c.ID)
	require.NoError(t, err)
	// No duplicate pairwise rows from the second call.
	assert.Len(t, rows, 3)

	// And exactly one ground-truth row despite the repeat.
	subs, err := st.ListSubmissionsByTask(ctx, task.ID)
	require.NoError(t, err)
	gtRows := 0
	for _, s := range subs {
		if s.GroundTruth {
			gtRows++
		}
	}
	assert.Equal(t, 1, gtRows)
}

func TestCancelledAndGroundTruthExcluded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	submitClassification(t, st, task.ID, "a1", "cat")
	submitClassification(t, st, task.ID, "a2", "cat")
	require.NoError(t, st.PutSubmission(ctx, &core.Submission{
		ID: "s-cancelled", TaskID: task.ID, ProjectID: "p1", AuthorID: "a3",
		Result: map[string]any{"type": "classification", "labels": []any{"cat"}}, Cancelled: true,
		CreatedAt: time.Now(),
	}))

	eng := NewEngine(st, &stubRand{f: 0.99})
	out, err := eng.ConsolidateTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusInProgress, out.Status)
}

func TestSweepStaleConsensusRetries(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	task := seedTask(t, st)
	for _, a := range []string{"a1", "a2", "a3"} {
		submitClassification(t, st, task.ID, a, "cat")
	}
	require.NoError(t, st.PutConsensus(ctx, &core.Consensus{
		ID: "c1", TaskID: task.ID, ProjectID: "p1",
		RequiredAnnotations: core.RequiredOverlap,
		Status:              core.ConsensusInProgress,
		UpdatedAt:           time.Now().Add(-10 * time.Minute),
		CreatedAt:           time.Now().Add(-10 * time.Minute),
	}))

	eng := NewEngine(st, &stubRand{f: 0.99})
	retried, err := eng.SweepStaleConsensus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)

	c, err := st.GetConsensusByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, core.ConsensusFinalized, c.Status)
}

// Package consensus drives per-task aggregation: the pairwise agreement
// matrix, the merged result, per-annotator quality records and the
// auto-finalize versus expert-review decision.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/comparator"
	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/store"
)

// Outcome is the result of one consolidation run.
type Outcome struct {
	ConsensusID string               `json:"consensus_id"`
	Status      core.ConsensusStatus `json:"status"`
	Avg         float64              `json:"avg"`
	Min         float64              `json:"min"`
	Max         float64              `json:"max"`
	Method      string               `json:"consolidation_method,omitempty"`
	ReviewID    string               `json:"review_id,omitempty"`
}

// Engine aggregates overlapping submissions into a consensus.
type Engine struct {
	store  store.Store
	rand   core.Randomizer
	logger *log.Logger
	now    func() time.Time
}

func NewEngine(st store.Store, rnd core.Randomizer) *Engine {
	return &Engine{
		store:  st,
		rand:   rnd,
		logger: log.New(log.Writer(), "[ConsensusEngine] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ConsolidateTask runs consolidation for a task once its completed, non-probe
// annotation count reaches the required overlap. A repeated call for the same
// annotation count returns the stored outcome without recomputing; concurrent
// triggers serialize on the task row.
func (e *Engine) ConsolidateTask(ctx context.Context, taskID string) (Outcome, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load task: %w", err)
	}
	subs, err := e.eligibleSubmissions(ctx, taskID)
	if err != nil {
		return Outcome{}, err
	}

	c, err := e.store.GetConsensusByTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		c = &core.Consensus{
			ID:                  uuid.NewString(),
			TaskID:              taskID,
			ProjectID:           task.ProjectID,
			RequiredAnnotations: core.RequiredOverlap,
			Status:              core.ConsensusPending,
			CreatedAt:           e.now(),
		}
	} else if err != nil {
		return Outcome{}, fmt.Errorf("load consensus: %w", err)
	}

	// At-most-once per annotation count: a terminal or routed consensus for
	// the same count is returned as-is.
	if c.CurrentAnnotations == len(subs) && c.Status != core.ConsensusPending && c.Status != core.ConsensusInProgress {
		return Outcome{ConsensusID: c.ID, Status: c.Status, Avg: c.AvgAgreement, Min: c.MinAgreement, Max: c.MaxAgreement, Method: c.Method}, nil
	}

	if len(subs) < core.RequiredOverlap {
		c.CurrentAnnotations = len(subs)
		if len(subs) > 0 {
			c.Status = core.ConsensusInProgress
		}
		c.UpdatedAt = e.now()
		if err := e.store.PutConsensus(ctx, c); err != nil {
			return Outcome{}, err
		}
		return Outcome{ConsensusID: c.ID, Status: c.Status}, nil
	}

	subs = subs[:core.RequiredOverlap]
	c.CurrentAnnotations = len(subs)
	c.Status = core.ConsensusInProgress
	c.UpdatedAt = e.now()
	if err := e.store.PutConsensus(ctx, c); err != nil {
		return Outcome{}, err
	}

	outcome, err := e.consolidate(ctx, c, subs)
	if err != nil {
		// Route to review rather than leaving the task stuck.
		e.logger.Printf("consolidation of task %s failed, routing to review: %v", taskID, err)
		c.Status = core.ConsensusReviewRequired
		c.UpdatedAt = e.now()
		if putErr := e.store.PutConsensus(ctx, c); putErr != nil {
			return Outcome{}, putErr
		}
		reviewID, putErr := e.createReview(ctx, c, "error", 0)
		if putErr != nil {
			return Outcome{}, putErr
		}
		return Outcome{ConsensusID: c.ID, Status: c.Status, ReviewID: reviewID}, nil
	}
	return outcome, nil
}

// eligibleSubmissions returns completed, non-cancelled, non-ground-truth,
// non-probe submissions in creation order.
func (e *Engine) eligibleSubmissions(ctx context.Context, taskID string) ([]*core.Submission, error) {
	all, err := e.store.ListSubmissionsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	var subs []*core.Submission
	for _, s := range all {
		if s.Cancelled || s.GroundTruth {
			continue
		}
		subs = append(subs, s)
	}
	return subs, nil
}

func (e *Engine) consolidate(ctx context.Context, c *core.Consensus, subs []*core.Submission) (Outcome, error) {
	results := make([]map[string]any, len(subs))
	for i, s := range subs {
		results[i] = s.Result
	}

	// Pairwise agreement matrix over all unordered pairs.
	type pair struct {
		i, j  int
		score float64
	}
	var pairs []pair
	for i := 0; i < len(subs); i++ {
		for j := i + 1; j < len(subs); j++ {
			ag := comparator.Compare(results[i], results[j])
			pairs = append(pairs, pair{i: i, j: j, score: ag.Overall})
			row := &core.PairwiseAgreement{
				ID:            uuid.NewString(),
				ConsensusID:   c.ID,
				AnnotatorA:    subs[i].AuthorID,
				AnnotatorB:    subs[j].AuthorID,
				Overall:       ag.Overall,
				IoU:           ag.IoU,
				LabelMatch:    ag.LabelMatch,
				PositionMatch: ag.PositionMatch,
			}
			if err := e.store.PutPairwiseAgreement(ctx, row); err != nil {
				return Outcome{}, err
			}
		}
	}

	avg, minScore, maxScore := 0.0, math.MaxFloat64, -math.MaxFloat64
	for _, p := range pairs {
		avg += p.score
		minScore = math.Min(minScore, p.score)
		maxScore = math.Max(maxScore, p.score)
	}
	avg = round2(avg / float64(len(pairs)))

	merged := comparator.Consolidate(results)
	c.ConsolidatedResult = merged.Merged
	c.Method = merged.Method
	c.AvgAgreement = avg
	c.MinAgreement = round2(minScore)
	c.MaxAgreement = round2(maxScore)

	// Per-annotator quality: agreement with the merged result plus the mean
	// of the annotator's own pair scores.
	for i, s := range subs {
		var peerSum float64
		var peerN int
		for _, p := range pairs {
			if p.i == i || p.j == i {
				peerSum += p.score
				peerN++
			}
		}
		quality := comparator.Compare(results[i], merged.Merged)
		q := &core.AnnotatorQuality{
			ID:            uuid.NewString(),
			ConsensusID:   c.ID,
			AnnotatorID:   s.AuthorID,
			QualityScore:  quality.Overall,
			PeerAgreement: round2(peerSum / float64(peerN)),
		}
		if err := e.store.PutAnnotatorQuality(ctx, q); err != nil {
			return Outcome{}, err
		}
	}

	outcome := Outcome{ConsensusID: c.ID, Avg: avg, Min: c.MinAgreement, Max: c.MaxAgreement, Method: c.Method}
	switch {
	case avg >= core.AutoFinalizeThreshold && e.rand.Float64() < core.RandomSampleRate:
		// Blind QA: consensus stands but an expert double-checks it.
		c.Status = core.ConsensusReached
		reviewID, err := e.createReview(ctx, c, "random_sample", 0)
		if err != nil {
			return Outcome{}, err
		}
		outcome.ReviewID = reviewID
	case avg >= core.AutoFinalizeThreshold:
		if err := e.finalize(ctx, c, subs[0]); err != nil {
			return Outcome{}, err
		}
	default:
		c.Status = core.ConsensusReviewRequired
		reviewID, err := e.createReview(ctx, c, "disagreement", round2(100-avg))
		if err != nil {
			return Outcome{}, err
		}
		outcome.ReviewID = reviewID
	}
	c.UpdatedAt = e.now()
	if err := e.store.PutConsensus(ctx, c); err != nil {
		return Outcome{}, err
	}
	outcome.Status = c.Status
	return outcome, nil
}

// finalize records the merged result as a synthetic ground-truth submission
// attributed to the first annotator and marks the consensus finalized.
func (e *Engine) finalize(ctx context.Context, c *core.Consensus, first *core.Submission) error {
	gt := &core.Submission{
		ID:          uuid.NewString(),
		TaskID:      c.TaskID,
		ProjectID:   c.ProjectID,
		AuthorID:    first.AuthorID,
		Result:      c.ConsolidatedResult,
		GroundTruth: true,
		CreatedAt:   e.now(),
	}
	if err := e.store.PutSubmission(ctx, gt); err != nil {
		return err
	}
	c.Status = core.ConsensusFinalized
	return nil
}

func (e *Engine) createReview(ctx context.Context, c *core.Consensus, tag string, disagreement float64) (string, error) {
	r := &core.ReviewTask{
		ID:                uuid.NewString(),
		ConsensusID:       c.ID,
		TaskID:            c.TaskID,
		ProjectID:         c.ProjectID,
		Status:            core.ReviewPending,
		Tag:               tag,
		DisagreementScore: disagreement,
		CreatedAt:         e.now(),
	}
	return r.ID, e.store.PutReview(ctx, r)
}

// SweepStaleConsensus retries consolidations abandoned mid-flight by a dead
// worker. Returns the number retried.
func (e *Engine) SweepStaleConsensus(ctx context.Context) (int, error) {
	all, err := e.store.ListConsensus(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := e.now().Add(-core.StaleConsensusAfter)
	retried := 0
	for _, c := range all {
		if c.Status != core.ConsensusInProgress || c.UpdatedAt.After(cutoff) {
			continue
		}
		if _, err := e.ConsolidateTask(ctx, c.TaskID); err != nil {
			e.logger.Printf("retry stale consensus %s: %v", c.ID, err)
			continue
		}
		retried++
	}
	return retried, nil
}

// Participants returns the ordered author ids whose submissions fed the
// consensus; the escrow pipeline releases stage 2 for exactly this set.
func (e *Engine) Participants(ctx context.Context, c *core.Consensus) ([]string, error) {
	subs, err := e.eligibleSubmissions(ctx, c.TaskID)
	if err != nil {
		return nil, err
	}
	if len(subs) > c.CurrentAnnotations && c.CurrentAnnotations > 0 {
		subs = subs[:c.CurrentAnnotations]
	}
	ids := make([]string, len(subs))
	for i, s := range subs {
		ids[i] = s.AuthorID
	}
	sort.Strings(ids)
	return ids, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

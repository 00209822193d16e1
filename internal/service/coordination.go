// Package service exposes the platform's narrow operation set to request
// handlers and periodic workers. Every state-mutating operation runs inside
// one store transaction; the engines it drives are constructed over the
// transaction-bound store so a failure rolls the whole operation back.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/assignment"
	"github.com/annolab/backend/internal/billing"
	"github.com/annolab/backend/internal/comparator"
	"github.com/annolab/backend/internal/consensus"
	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/escrow"
	"github.com/annolab/backend/internal/estimator"
	"github.com/annolab/backend/internal/monitoring"
	"github.com/annolab/backend/internal/outbox"
	"github.com/annolab/backend/internal/probe"
	"github.com/annolab/backend/internal/review"
	"github.com/annolab/backend/internal/store"
)

// Coordination is the platform facade. The snapshot sink and metrics are
// optional; a nil sink disables daily snapshots and a nil metrics registry
// disables instrumentation.
type Coordination struct {
	store   store.Store
	rand    core.Randomizer
	queue   outbox.Queue
	sink    probe.SnapshotSink
	metrics *monitoring.Metrics
	logger  *log.Logger
	now     func() time.Time
}

func New(st store.Store, rnd core.Randomizer, queue outbox.Queue, sink probe.SnapshotSink, metrics *monitoring.Metrics) *Coordination {
	return &Coordination{
		store:   st,
		rand:    rnd,
		queue:   queue,
		sink:    sink,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[Coordination] ", log.LstdFlags),
		now:     time.Now,
	}
}

// ============================================================================
// ASSIGNMENT
// ============================================================================

// AssignProject distributes the project's underfilled tasks across eligible
// annotators.
func (s *Coordination) AssignProject(ctx context.Context, projectID string) (assignment.Counters, error) {
	var counters assignment.Counters
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		counters, _, err = assignment.NewEngine(tx).AssignProject(ctx, projectID)
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.RecordAssignmentRun(counters.FullyAssigned, counters.Partial, counters.Waiting)
	}
	return counters, err
}

// AnnotatorQueue returns the annotator's open tasks for a project in
// assignment order, with quality probes silently mixed in. The annotator
// cannot distinguish probe items from real work.
func (s *Coordination) AnnotatorQueue(ctx context.Context, annotatorID, projectID string) ([]probe.QueueItem, error) {
	var queue []probe.QueueItem
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		asgs, err := tx.ListAssignmentsByAnnotator(ctx, annotatorID)
		if err != nil {
			return err
		}
		var order []*core.Task
		for _, a := range asgs {
			if a.ProjectID != projectID || a.HoneypotPass != nil {
				continue
			}
			if a.Status != core.AssignmentAssigned && a.Status != core.AssignmentInProgress {
				continue
			}
			t, err := tx.GetTask(ctx, a.TaskID)
			if err != nil {
				return fmt.Errorf("load task %s: %w", a.TaskID, err)
			}
			order = append(order, t)
		}
		queue, err = probe.NewEngine(tx, s.rand, s.queue).InjectProbes(ctx, annotatorID, projectID, order)
		return err
	})
	if err == nil && s.metrics != nil {
		for _, item := range queue {
			if item.IsProbe {
				s.metrics.ProbesInjected.Inc()
			}
		}
	}
	return queue, err
}

// Rebalance evens out assignment load across a project's annotators.
func (s *Coordination) Rebalance(ctx context.Context, projectID string) (int, error) {
	var moved int
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		moved, err = assignment.NewEngine(tx).Rebalance(ctx, projectID)
		return err
	})
	return moved, err
}

// ============================================================================
// SUBMISSION PIPELINE
// ============================================================================

// SubmissionResult reports what one submission set in motion.
type SubmissionResult struct {
	SubmissionID string               `json:"submission_id"`
	Probe        bool                 `json:"probe"`
	Stage1       escrow.StageResult   `json:"stage1,omitempty"`
	Consensus    *consensus.Outcome   `json:"consensus,omitempty"`
	Review       *review.AssignResult `json:"review,omitempty"`
}

// OnAnnotationSubmitted runs the full submission pipeline: persist, filter
// probes, release escrow stage 1, accrue billing cost, then attempt
// consolidation. Probe submissions stop after evaluation and never reach
// escrow or consensus.
func (s *Coordination) OnAnnotationSubmitted(ctx context.Context, sub *core.Submission) (SubmissionResult, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	result := SubmissionResult{SubmissionID: sub.ID}

	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		if err := tx.PutSubmission(ctx, sub); err != nil {
			return fmt.Errorf("persist submission: %w", err)
		}

		probeEng := probe.NewEngine(tx, s.rand, s.queue)
		isProbe, err := probeEng.Evaluate(ctx, sub)
		if err != nil {
			return err
		}
		if isProbe {
			result.Probe = true
			if s.metrics != nil {
				if asg, err := tx.FindAssignment(ctx, sub.TaskID, sub.AuthorID); err == nil && asg.HoneypotPass != nil {
					s.metrics.RecordProbeResult(*asg.HoneypotPass)
				}
			}
			return nil
		}

		asg, err := tx.FindAssignment(ctx, sub.TaskID, sub.AuthorID)
		if err != nil {
			return fmt.Errorf("submission %s has no assignment: %w", sub.ID, err)
		}
		pipe := escrow.NewPipeline(tx)
		result.Stage1, err = pipe.ReleaseImmediate(ctx, asg.ID, sub)
		if err != nil {
			return err
		}
		if s.metrics != nil && result.Stage1.Released {
			s.metrics.RecordEscrowRelease("immediate", int64(result.Stage1.Amount))
		}

		if err := s.accrueSlot(ctx, tx, sub.ProjectID); err != nil {
			return err
		}

		outcome, err := consensus.NewEngine(tx, s.rand).ConsolidateTask(ctx, sub.TaskID)
		if err != nil {
			return err
		}
		result.Consensus = &outcome
		return s.afterConsolidation(ctx, tx, &outcome, &result)
	})
	return result, err
}

// accrueSlot debits one slot of actual annotation cost. Projects without a
// billing record (unpublished or trial) accrue nothing.
func (s *Coordination) accrueSlot(ctx context.Context, tx store.Store, projectID string) error {
	project, err := tx.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	perSlot := escrow.BaseAmount(project)
	err = billing.NewService(tx).AccrueSubmissionCost(ctx, projectID, perSlot)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// afterConsolidation routes the consolidation verdict: finalized results
// release stage 2, everything that produced a review gets an expert.
func (s *Coordination) afterConsolidation(ctx context.Context, tx store.Store, outcome *consensus.Outcome, result *SubmissionResult) error {
	if s.metrics != nil && outcome.Status != core.ConsensusInProgress {
		s.metrics.RecordConsensus(string(outcome.Status), outcome.Avg)
	}
	if outcome.Status == core.ConsensusFinalized {
		return s.releaseConsensusStage(ctx, tx, outcome.ConsensusID)
	}
	if outcome.ReviewID != "" {
		// Reviews born from a consolidation verdict always route; the 30%
		// probability applies only to the standalone low-agreement path.
		ar, err := review.NewRouter(tx, s.rand).AssignExpertIfNeeded(ctx, outcome.ConsensusID, true)
		if err != nil {
			return err
		}
		result.Review = &ar
		if s.metrics != nil && ar.Assigned {
			reason := "disagreement"
			if outcome.Status == core.ConsensusReached {
				reason = "random_sample"
			}
			s.metrics.ReviewsAssigned.WithLabelValues(reason).Inc()
			s.metrics.ExpertWorkload.WithLabelValues(ar.ExpertID).Inc()
		}
	}
	return nil
}

// ConsolidateTask aggregates a task's submissions into a consensus and acts
// on the verdict. Safe to call repeatedly; consolidation runs at most once
// per distinct annotation count.
func (s *Coordination) ConsolidateTask(ctx context.Context, taskID string) (consensus.Outcome, error) {
	var outcome consensus.Outcome
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		outcome, err = consensus.NewEngine(tx, s.rand).ConsolidateTask(ctx, taskID)
		if err != nil {
			return err
		}
		var result SubmissionResult
		return s.afterConsolidation(ctx, tx, &outcome, &result)
	})
	return outcome, err
}

// releaseConsensusStage releases escrow stage 2 for every participant of a
// finalized consensus. Each annotator's accuracy against the consolidated
// result sets their band multiplier and feeds the trust update.
func (s *Coordination) releaseConsensusStage(ctx context.Context, tx store.Store, consensusID string) error {
	c, err := tx.GetConsensus(ctx, consensusID)
	if err != nil {
		return fmt.Errorf("load consensus: %w", err)
	}
	participants, err := consensus.NewEngine(tx, s.rand).Participants(ctx, c)
	if err != nil {
		return err
	}
	pipe := escrow.NewPipeline(tx)
	for _, annotatorID := range participants {
		score, asg, err := s.accuracyAgainst(ctx, tx, c, annotatorID)
		if err != nil {
			return err
		}
		// The band lands before the stage 2 release: at this point stage 2 is
		// still unreleased, so the consensus and review tiers both scale.
		if err := pipe.ApplyAccuracy(ctx, asg.ID, score); err != nil {
			return err
		}
		res, err := pipe.ReleaseConsensus(ctx, asg.ID)
		if err != nil {
			return err
		}
		if s.metrics != nil && res.Released {
			s.metrics.RecordEscrowRelease("consensus", int64(res.Amount))
		}
		if res.Released {
			if err := pipe.UpdateTrust(ctx, annotatorID, score); err != nil {
				return err
			}
		}
	}
	return nil
}

// accuracyAgainst scores one participant's submission against the consensus
// result and returns their assignment.
func (s *Coordination) accuracyAgainst(ctx context.Context, tx store.Store, c *core.Consensus, annotatorID string) (float64, *core.Assignment, error) {
	sub, err := tx.FindSubmissionByAuthor(ctx, c.TaskID, annotatorID)
	if err != nil {
		return 0, nil, fmt.Errorf("submission by %s on task %s: %w", annotatorID, c.TaskID, err)
	}
	asg, err := tx.FindAssignment(ctx, c.TaskID, annotatorID)
	if err != nil {
		return 0, nil, fmt.Errorf("assignment of %s on task %s: %w", annotatorID, c.TaskID, err)
	}
	agreement := comparator.Compare(sub.Result, c.ConsolidatedResult)
	return agreement.Overall, asg, nil
}

// ============================================================================
// EXPERT REVIEW
// ============================================================================

// AssignExpertIfNeeded routes a pending review to the least-loaded eligible
// expert. With force=false the low-agreement probability gate applies.
func (s *Coordination) AssignExpertIfNeeded(ctx context.Context, consensusID string, force bool) (review.AssignResult, error) {
	var ar review.AssignResult
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		ar, err = review.NewRouter(tx, s.rand).AssignExpertIfNeeded(ctx, consensusID, force)
		return err
	})
	if err == nil && s.metrics != nil && ar.Assigned {
		s.metrics.ExpertWorkload.WithLabelValues(ar.ExpertID).Inc()
	}
	return ar, err
}

// ExpertReviewSubmitted applies the expert's verdict and settles payment:
// the consensus finalizes, stage 2 releases for participants still pending
// it, stage 3 releases against the expert-approved result, and the project
// is debited the per-task review cost.
func (s *Coordination) ExpertReviewSubmitted(ctx context.Context, reviewID string, decision core.ReviewDecision, corrected map[string]any) (review.DecisionResult, error) {
	var dr review.DecisionResult
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		dr, err = review.NewRouter(tx, s.rand).SubmitDecision(ctx, reviewID, decision, corrected)
		if err != nil {
			return err
		}
		c := dr.Consensus

		if err := s.releaseConsensusStage(ctx, tx, c.ID); err != nil {
			return err
		}

		participants, err := consensus.NewEngine(tx, s.rand).Participants(ctx, c)
		if err != nil {
			return err
		}
		pipe := escrow.NewPipeline(tx)
		for _, annotatorID := range participants {
			asg, err := tx.FindAssignment(ctx, c.TaskID, annotatorID)
			if err != nil {
				return fmt.Errorf("assignment of %s on task %s: %w", annotatorID, c.TaskID, err)
			}
			res, err := pipe.ReleaseReview(ctx, asg.ID)
			if err != nil {
				return err
			}
			if s.metrics != nil && res.Released {
				s.metrics.RecordEscrowRelease("review", int64(res.Amount))
			}
		}
		return s.accrueSlot(ctx, tx, c.ProjectID)
	})
	if err == nil && s.metrics != nil {
		s.metrics.ExpertDecisions.WithLabelValues(string(decision)).Inc()
		if rev, rerr := s.store.GetReview(ctx, reviewID); rerr == nil && rev.ExpertID != "" {
			s.metrics.ExpertWorkload.WithLabelValues(rev.ExpertID).Dec()
		}
	}
	return dr, err
}

// ============================================================================
// EXPORT
// ============================================================================

// ExportRelease reports the final-stage releases an export triggered.
type ExportRelease struct {
	Count         int        `json:"count"`
	TotalReleased core.Money `json:"total_released"`
}

// ReleaseFinalOnExport releases escrow stage 3 for tasks whose consensus
// auto-finalized without an expert. Tasks still under review are skipped;
// their stage 3 arrives with the expert decision.
func (s *Coordination) ReleaseFinalOnExport(ctx context.Context, projectID string, taskIDs []string) (ExportRelease, error) {
	var out ExportRelease
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		pipe := escrow.NewPipeline(tx)
		for _, taskID := range taskIDs {
			c, err := tx.GetConsensusByTask(ctx, taskID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if c.Status != core.ConsensusFinalized || c.ProjectID != projectID {
				continue
			}
			participants, err := consensus.NewEngine(tx, s.rand).Participants(ctx, c)
			if err != nil {
				return err
			}
			for _, annotatorID := range participants {
				score, asg, err := s.accuracyAgainst(ctx, tx, c, annotatorID)
				if err != nil {
					return err
				}
				if err := pipe.ApplyAccuracy(ctx, asg.ID, score); err != nil {
					return err
				}
				res, err := pipe.ReleaseReview(ctx, asg.ID)
				if err != nil {
					return err
				}
				if res.Released {
					out.Count++
					out.TotalReleased += res.Amount
					if s.metrics != nil {
						s.metrics.RecordEscrowRelease("review", int64(res.Amount))
					}
				}
			}
		}
		return nil
	})
	return out, err
}

// ChargeExport applies the export gating charge for one export of the
// project's annotations.
func (s *Coordination) ChargeExport(ctx context.Context, projectID string, annotationsExported int) (core.Money, error) {
	var charge core.Money
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		charge, err = billing.NewService(tx).ChargeExport(ctx, projectID, annotationsExported)
		return err
	})
	return charge, err
}

// ============================================================================
// BILLING
// ============================================================================

// EstimateCost is the pure deposit estimate; no state is touched.
func (s *Coordination) EstimateCost(params estimator.Params) estimator.Breakdown {
	return estimator.Estimate(params)
}

// CalculateDeposit estimates the deposit from the project's stored tasks.
func (s *Coordination) CalculateDeposit(ctx context.Context, projectID string, overrides *estimator.Params) (estimator.Breakdown, error) {
	return billing.NewService(s.store).CalculateDeposit(ctx, projectID, overrides)
}

// CollectDeposit computes and collects the project's security deposit.
func (s *Coordination) CollectDeposit(ctx context.Context, projectID string, overrides *estimator.Params) (core.Money, error) {
	var collected core.Money
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		svc := billing.NewService(tx)
		b, err := svc.CalculateDeposit(ctx, projectID, overrides)
		if err != nil {
			return err
		}
		collected, err = svc.CollectDeposit(ctx, projectID, b)
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.DepositsHeld.Inc()
	}
	return collected, err
}

// RefundDeposit closes the project's billing on deletion. Filled slots are
// counted from completed non-probe assignments.
func (s *Coordination) RefundDeposit(ctx context.Context, projectID string, overrides *estimator.Params) (core.Money, error) {
	var refunded core.Money
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		svc := billing.NewService(tx)
		b, err := svc.CalculateDeposit(ctx, projectID, overrides)
		if err != nil {
			return err
		}
		filled, err := s.filledSlots(ctx, tx, projectID)
		if err != nil {
			return err
		}
		refunded, err = svc.RefundOnDeletion(ctx, projectID, b, filled)
		return err
	})
	if err == nil && s.metrics != nil && refunded > 0 {
		s.metrics.RefundsIssued.Inc()
	}
	return refunded, err
}

func (s *Coordination) filledSlots(ctx context.Context, tx store.Store, projectID string) (int, error) {
	tasks, err := tx.ListTasksByProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	filled := 0
	for _, t := range tasks {
		asgs, err := tx.ListAssignmentsByTask(ctx, t.ID)
		if err != nil {
			return 0, err
		}
		for _, a := range asgs {
			if a.Status == core.AssignmentCompleted && a.HoneypotPass == nil {
				filled++
			}
		}
	}
	return filled, nil
}

// ============================================================================
// SWEEPERS
// ============================================================================

// SweepLifecycle runs the billing state machine over every project.
func (s *Coordination) SweepLifecycle(ctx context.Context) (billing.LifecycleCounters, error) {
	var counters billing.LifecycleCounters
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		counters, err = billing.NewService(tx).SweepLifecycle(ctx)
		return err
	})
	return counters, err
}

// SweepExpertTimeouts recovers reviews held past the review timeout.
func (s *Coordination) SweepExpertTimeouts(ctx context.Context) (review.TimeoutCounters, error) {
	var counters review.TimeoutCounters
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		var err error
		counters, err = review.NewRouter(tx, s.rand).SweepExpertTimeouts(ctx)
		return err
	})
	if err == nil && s.metrics != nil {
		s.metrics.ReviewTimeouts.WithLabelValues("extended").Add(float64(counters.Extended))
		s.metrics.ReviewTimeouts.WithLabelValues("released").Add(float64(counters.Released))
		s.metrics.ReviewTimeouts.WithLabelValues("reassigned").Add(float64(counters.Reassigned))
		s.metrics.ReviewTimeouts.WithLabelValues("deactivated").Add(float64(counters.Deactivated))
	}
	return counters, err
}

// StaleCounters reports one stale-assignment sweep.
type StaleCounters struct {
	Skipped    int `json:"skipped"`
	Reassigned int `json:"reassigned"`
	Consensus  int `json:"consensus_retried"`
}

// SweepStaleAssignments skips timed-out assignments, backfills their tasks
// and retries consolidations stuck in consensus.
func (s *Coordination) SweepStaleAssignments(ctx context.Context) (StaleCounters, error) {
	var counters StaleCounters
	err := s.store.WithinTx(ctx, func(tx store.Store) error {
		skipped, reassigned, err := assignment.NewEngine(tx).SweepStaleAssignments(ctx)
		if err != nil {
			return err
		}
		counters.Skipped = skipped
		counters.Reassigned = reassigned
		retried, err := consensus.NewEngine(tx, s.rand).SweepStaleConsensus(ctx)
		if err != nil {
			return err
		}
		counters.Consensus = retried
		return nil
	})
	if err == nil && s.metrics != nil {
		s.metrics.AssignmentsSwept.WithLabelValues("skipped").Add(float64(counters.Skipped))
		s.metrics.AssignmentsSwept.WithLabelValues("reassigned").Add(float64(counters.Reassigned))
	}
	return counters, err
}

// SnapshotDailyAccuracy records the annotator's accuracy snapshot for today.
// Idempotent per (day, annotator); a nil sink makes it a no-op.
func (s *Coordination) SnapshotDailyAccuracy(ctx context.Context, annotatorID string) error {
	return probe.NewEngine(s.store, s.rand, s.queue).SnapshotDailyAccuracy(ctx, s.sink, annotatorID)
}

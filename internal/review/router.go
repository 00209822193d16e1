// Package review routes contested consensus records to experts and applies
// their decisions. Selection is workload-driven; staleness recovery releases
// reviews held by inactive experts.
package review

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/store"
)

// AssignResult reports one routing attempt.
type AssignResult struct {
	ReviewID string `json:"review_id,omitempty"`
	ExpertID string `json:"expert_id,omitempty"`
	Assigned bool   `json:"assigned"`
	Reason   string `json:"reason,omitempty"` // skipped, capacity, no_review
}

// TimeoutCounters summarizes one timeout sweep.
type TimeoutCounters struct {
	Extended    int `json:"extended"`
	Released    int `json:"released"`
	Reassigned  int `json:"reassigned"`
	Deactivated int `json:"deactivated_experts"`
}

// DecisionResult carries the consensus state after an expert verdict.
type DecisionResult struct {
	Consensus *core.Consensus
	Decision  core.ReviewDecision
	Penalized bool
}

// Router selects and assigns experts.
type Router struct {
	store  store.Store
	rand   core.Randomizer
	logger *log.Logger
	now    func() time.Time
}

func NewRouter(st store.Store, rnd core.Randomizer) *Router {
	return &Router{
		store:  st,
		rand:   rnd,
		logger: log.New(log.Writer(), "[ExpertRouter] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ============================================================================
// ASSIGNMENT
// ============================================================================

// AssignExpertIfNeeded routes the pending review of a consensus to the least
// loaded eligible expert. Low-agreement consensus invoked from batch routines
// routes with fixed probability unless forced; high-agreement reviews always
// route. No eligible expert yields a waiting result, not an error.
func (r *Router) AssignExpertIfNeeded(ctx context.Context, consensusID string, force bool) (AssignResult, error) {
	c, err := r.store.GetConsensus(ctx, consensusID)
	if err != nil {
		return AssignResult{}, fmt.Errorf("load consensus: %w", err)
	}
	rev, err := r.pendingReview(ctx, consensusID)
	if errors.Is(err, store.ErrNotFound) {
		return AssignResult{Reason: "no_review"}, nil
	}
	if err != nil {
		return AssignResult{}, err
	}

	if !force && c.AvgAgreement < core.AutoFinalizeThreshold {
		if r.rand.Float64() >= core.LowAgreementRouteRate {
			rev.Status = core.ReviewSkipped
			if err := r.store.PutReview(ctx, rev); err != nil {
				return AssignResult{}, err
			}
			return AssignResult{ReviewID: rev.ID, Reason: "skipped"}, nil
		}
	}
	return r.assign(ctx, rev)
}

func (r *Router) pendingReview(ctx context.Context, consensusID string) (*core.ReviewTask, error) {
	reviews, err := r.store.ListReviews(ctx)
	if err != nil {
		return nil, err
	}
	for _, rev := range reviews {
		if rev.ConsensusID == consensusID && rev.Status == core.ReviewPending {
			return rev, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *Router) assign(ctx context.Context, rev *core.ReviewTask) (AssignResult, error) {
	project, err := r.store.GetProject(ctx, rev.ProjectID)
	if err != nil {
		return AssignResult{}, fmt.Errorf("load project: %w", err)
	}
	experts, err := r.store.ListExperts(ctx)
	if err != nil {
		return AssignResult{}, err
	}
	var eligible []*core.Expert
	for _, ex := range experts {
		if !expertEligible(ex, project) {
			continue
		}
		eligible = append(eligible, ex)
	}
	if len(eligible) == 0 {
		return AssignResult{ReviewID: rev.ID, Reason: "capacity"}, nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Workload != eligible[j].Workload {
			return eligible[i].Workload < eligible[j].Workload
		}
		return eligible[i].ID < eligible[j].ID
	})
	chosen := eligible[0]

	now := r.now()
	rev.ExpertID = chosen.ID
	rev.Status = core.ReviewInReview
	rev.AssignedAt = &now
	if err := r.store.PutReview(ctx, rev); err != nil {
		return AssignResult{}, err
	}
	chosen.Workload++
	if err := r.store.PutExpert(ctx, chosen); err != nil {
		return AssignResult{}, err
	}
	return AssignResult{ReviewID: rev.ID, ExpertID: chosen.ID, Assigned: true}, nil
}

func expertEligible(ex *core.Expert, p *core.Project) bool {
	if !ex.Active || !ex.Accepting {
		return false
	}
	maxConcurrent := ex.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = core.DefaultExpertMaxConcurrent
	}
	if ex.Workload >= maxConcurrent {
		return false
	}
	if p.Expertise != nil && !ex.HasVerifiedExpertise(p.Expertise.Category, p.Expertise.Specialization) {
		return false
	}
	return true
}

// ============================================================================
// DECISIONS
// ============================================================================

// SubmitDecision applies an expert verdict. Approve keeps the consolidated
// result (or replaces it when a correction is supplied); reject and correct
// replace it; reject additionally penalizes the annotators downstream. The
// consensus is finalized in every case.
func (r *Router) SubmitDecision(ctx context.Context, reviewID string, decision core.ReviewDecision, corrected map[string]any) (DecisionResult, error) {
	rev, err := r.store.GetReview(ctx, reviewID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("load review: %w", err)
	}
	if rev.Status != core.ReviewInReview && rev.Status != core.ReviewPending {
		return DecisionResult{}, fmt.Errorf("review %s is %s, not decidable", reviewID, rev.Status)
	}
	c, err := r.store.GetConsensus(ctx, rev.ConsensusID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("load consensus: %w", err)
	}

	penalized := false
	switch decision {
	case core.DecisionApprove:
		if corrected != nil {
			c.ConsolidatedResult = corrected
		}
	case core.DecisionReject:
		penalized = true
		if corrected != nil {
			c.ConsolidatedResult = corrected
		}
	case core.DecisionCorrect:
		if corrected == nil {
			return DecisionResult{}, fmt.Errorf("decision correct requires a corrected result")
		}
		c.ConsolidatedResult = corrected
	default:
		return DecisionResult{}, fmt.Errorf("unknown decision %q", decision)
	}

	now := r.now()
	c.Status = core.ConsensusFinalized
	c.UpdatedAt = now
	if err := r.store.PutConsensus(ctx, c); err != nil {
		return DecisionResult{}, err
	}

	rev.Status = core.ReviewDone
	rev.DecidedAt = &now
	if err := r.store.PutReview(ctx, rev); err != nil {
		return DecisionResult{}, err
	}
	if rev.ExpertID != "" {
		if ex, err := r.store.GetExpert(ctx, rev.ExpertID); err == nil {
			if ex.Workload > 0 {
				ex.Workload--
			}
			ex.LastActiveAt = now
			if err := r.store.PutExpert(ctx, ex); err != nil {
				return DecisionResult{}, err
			}
		}
	}
	return DecisionResult{Consensus: c, Decision: decision, Penalized: penalized}, nil
}

// ============================================================================
// TIMEOUT AND RECOVERY
// ============================================================================

// SweepExpertTimeouts inspects reviews older than the timeout. An expert who
// has been active since taking the review keeps it with a fresh timer; an
// expert silent past the inactivity horizon is deactivated and loses every
// open review; otherwise only the overdue review is released and reassigned.
func (r *Router) SweepExpertTimeouts(ctx context.Context) (TimeoutCounters, error) {
	reviews, err := r.store.ListReviews(ctx)
	if err != nil {
		return TimeoutCounters{}, err
	}
	now := r.now()
	var counters TimeoutCounters
	deactivated := make(map[string]bool)

	for _, rev := range reviews {
		if rev.Status != core.ReviewPending && rev.Status != core.ReviewInReview {
			continue
		}
		ref := rev.CreatedAt
		if rev.AssignedAt != nil {
			ref = *rev.AssignedAt
		}
		if now.Sub(ref) <= core.ReviewTimeout {
			continue
		}
		if rev.ExpertID == "" {
			// Never assigned: just try again.
			if res, err := r.assign(ctx, rev); err == nil && res.Assigned {
				counters.Reassigned++
			}
			continue
		}
		ex, err := r.store.GetExpert(ctx, rev.ExpertID)
		if err != nil {
			r.logger.Printf("expert %s missing for review %s: %v", rev.ExpertID, rev.ID, err)
			continue
		}
		switch {
		case rev.AssignedAt != nil && ex.LastActiveAt.After(*rev.AssignedAt):
			// Working the queue: extend.
			rev.AssignedAt = &now
			if err := r.store.PutReview(ctx, rev); err == nil {
				counters.Extended++
			}
		case ex.LastActiveAt.IsZero() || now.Sub(ex.LastActiveAt) > core.InactiveExpertAfter:
			if !deactivated[ex.ID] {
				ex.Active = false
				deactivated[ex.ID] = true
				counters.Deactivated++
			}
			released, reassigned := r.releaseAllFrom(ctx, ex, reviews)
			counters.Released += released
			counters.Reassigned += reassigned
		default:
			if r.release(ctx, ex, rev) {
				counters.Released++
				if r.reassignClone(ctx, rev) {
					counters.Reassigned++
				}
			}
		}
	}
	return counters, nil
}

// releaseAllFrom expires every open review held by the expert and reassigns
// each to the next eligible expert.
func (r *Router) releaseAllFrom(ctx context.Context, ex *core.Expert, reviews []*core.ReviewTask) (released, reassigned int) {
	for _, rev := range reviews {
		if rev.ExpertID != ex.ID {
			continue
		}
		if rev.Status != core.ReviewPending && rev.Status != core.ReviewInReview {
			continue
		}
		if !r.release(ctx, ex, rev) {
			continue
		}
		released++
		if r.reassignClone(ctx, rev) {
			reassigned++
		}
	}
	if err := r.store.PutExpert(ctx, ex); err != nil {
		r.logger.Printf("persist expert %s after release: %v", ex.ID, err)
	}
	return released, reassigned
}

// release expires the review and returns the expert's slot.
func (r *Router) release(ctx context.Context, ex *core.Expert, rev *core.ReviewTask) bool {
	rev.Status = core.ReviewExpired
	if err := r.store.PutReview(ctx, rev); err != nil {
		r.logger.Printf("expire review %s: %v", rev.ID, err)
		return false
	}
	if ex.Workload > 0 {
		ex.Workload--
	}
	if err := r.store.PutExpert(ctx, ex); err != nil {
		r.logger.Printf("persist expert %s: %v", ex.ID, err)
	}
	return true
}

// reassignClone opens a fresh pending review for the same consensus and
// routes it immediately; the expired record stays for the audit trail.
func (r *Router) reassignClone(ctx context.Context, old *core.ReviewTask) bool {
	clone := &core.ReviewTask{
		ID:                uuid.NewString(),
		ConsensusID:       old.ConsensusID,
		TaskID:            old.TaskID,
		ProjectID:         old.ProjectID,
		Status:            core.ReviewPending,
		Tag:               old.Tag,
		DisagreementScore: old.DisagreementScore,
		CreatedAt:         r.now(),
	}
	if err := r.store.PutReview(ctx, clone); err != nil {
		r.logger.Printf("clone review %s: %v", old.ID, err)
		return false
	}
	res, err := r.assign(ctx, clone)
	if err != nil {
		r.logger.Printf("reassign review %s: %v", clone.ID, err)
		return false
	}
	return res.Assigned
}

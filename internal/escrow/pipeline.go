// Package escrow releases annotator payments in three strictly ordered
// stages bound to submission, consensus and expert approval. Releases are
// idempotent and every movement lands in the append-only ledger.
package escrow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/estimator"
	"github.com/annolab/backend/internal/store"
)

// StageResult reports one release attempt. Zero-delta outcomes (repeat or
// out-of-order calls) are successes with a reason code, never errors.
type StageResult struct {
	Amount   core.Money `json:"amount"`
	Released bool       `json:"released"`
	Reason   string     `json:"reason,omitempty"` // already_released, out_of_order
}

// Pipeline mutates annotator balances under the store's transaction scope.
type Pipeline struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
}

func NewPipeline(st store.Store) *Pipeline {
	return &Pipeline{
		store:  st,
		logger: log.New(log.Writer(), "[EscrowPipeline] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ============================================================================
// SPLIT COMPUTATION
// ============================================================================

// BaseAmount derives the per-assignment base payment from the project's
// annotation types: rate × complexity, no buffer, no overlap.
func BaseAmount(p *core.Project) core.Money {
	types, labels := estimator.ParseLabelConfig(p.LabelConfig)
	if p.AnnotationType != "" {
		types = append(types, p.AnnotationType)
	}
	rate := 0.0
	seen := map[string]bool{}
	distinct := 0
	for _, t := range types {
		if r := estimator.BaseRate(t); r > rate {
			rate = r
		}
		if !seen[t] {
			seen[t] = true
			distinct++
		}
	}
	if rate == 0 {
		rate = estimator.BaseRate("classification")
	}
	extra := distinct - 1
	if extra < 0 {
		extra = 0
	}
	return core.MoneyFromFloat(rate * estimator.Complexity(labels, extra))
}

// computeSplit fills the assignment's payment tiers from the base amount.
func computeSplit(a *core.Assignment, base core.Money) {
	a.BasePayment = base
	a.ImmediatePayment = base.MulRatio(core.ImmediateShare)
	a.ConsensusPayment = base.MulRatio(core.ConsensusShare)
	a.ReviewPayment = base.MulRatio(core.ReviewShare)
}

const minLeadTime = 10 // seconds; faster submissions look like spam

// qualityMultiplier scores a submission on completeness and lead time.
// Consensus agreement refines it later through the accuracy multiplier.
func qualityMultiplier(sub *core.Submission) float64 {
	q := 1.0
	if len(sub.Result) == 0 {
		q = 0.5
	} else if _, ok := sub.Result["type"]; !ok {
		q = 0.9
	}
	if sub.LeadTime > 0 && sub.LeadTime < minLeadTime {
		q *= 0.8
	}
	return q
}

// AccuracyBand maps a ground-truth agreement score to the payment multiplier
// applied to not-yet-released stages.
func AccuracyBand(score float64) float64 {
	switch {
	case score >= 95:
		return 1.20
	case score >= 85:
		return 1.10
	case score >= 70:
		return 1.00
	case score >= 50:
		return 0.90
	default:
		return 0.70
	}
}

func (a *Pipeline) multiplier(asg *core.Assignment) float64 {
	return asg.QualityMultiplier * asg.TrustMultiplier * asg.AccuracyMultiplier
}

// ============================================================================
// STAGE RELEASES
// ============================================================================

// ReleaseImmediate is stage 1: on a non-probe submission the assignment
// completes, the split is computed and the immediate tier lands in the
// annotator's pending balance.
func (p *Pipeline) ReleaseImmediate(ctx context.Context, assignmentID string, sub *core.Submission) (StageResult, error) {
	asg, err := p.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load assignment: %w", err)
	}
	if asg.ImmediateReleased {
		return StageResult{Amount: 0, Reason: "already_released"}, nil
	}
	annotator, err := p.store.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load annotator: %w", err)
	}
	project, err := p.store.GetProject(ctx, asg.ProjectID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load project: %w", err)
	}

	computeSplit(asg, BaseAmount(project))
	asg.QualityMultiplier = qualityMultiplier(sub)
	asg.TrustMultiplier = annotator.TrustLevel.Multiplier()
	asg.AccuracyMultiplier = 1.0

	amount := asg.ImmediatePayment.MulRatio(p.multiplier(asg))
	now := p.now()
	asg.Status = core.AssignmentCompleted
	asg.CompletedAt = &now
	asg.SubmissionID = sub.ID
	asg.ImmediateReleased = true
	if err := p.store.PutAssignment(ctx, asg); err != nil {
		return StageResult{}, err
	}

	annotator.Balances.Pending += amount
	annotator.Balances.LifetimeEarned += amount
	annotator.TasksCompleted++
	annotator.LastActiveAt = now
	if err := p.store.PutAnnotator(ctx, annotator); err != nil {
		return StageResult{}, err
	}
	if err := p.appendLedger(ctx, annotator, "immediate", amount, asg.ID); err != nil {
		return StageResult{}, err
	}
	return StageResult{Amount: amount, Released: true}, nil
}

// ReleaseConsensus is stage 2: the immediate tier moves from pending to
// available and the consensus tier is added. Calling it before stage 1 is a
// zero-delta out-of-order result.
func (p *Pipeline) ReleaseConsensus(ctx context.Context, assignmentID string) (StageResult, error) {
	asg, err := p.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load assignment: %w", err)
	}
	if asg.ConsensusReleased {
		return StageResult{Amount: 0, Reason: "already_released"}, nil
	}
	if !asg.ImmediateReleased {
		return StageResult{Amount: 0, Reason: "out_of_order"}, nil
	}
	annotator, err := p.store.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return StageResult{}, err
	}

	// The immediate tier entered pending before any accuracy band existed, so
	// the move to available recomputes it without the band; the consensus tier
	// takes the full multiplier.
	immediate := asg.ImmediatePayment.MulRatio(asg.QualityMultiplier * asg.TrustMultiplier)
	amount := asg.ConsensusPayment.MulRatio(p.multiplier(asg))

	annotator.Balances.Pending -= immediate
	if annotator.Balances.Pending < 0 {
		annotator.Balances.Pending = 0
	}
	annotator.Balances.Available += immediate + amount
	annotator.Balances.LifetimeEarned += amount

	asg.ConsensusReleased = true
	if err := p.store.PutAssignment(ctx, asg); err != nil {
		return StageResult{}, err
	}
	if err := p.store.PutAnnotator(ctx, annotator); err != nil {
		return StageResult{}, err
	}
	if err := p.appendLedger(ctx, annotator, "consensus", amount, asg.ID); err != nil {
		return StageResult{}, err
	}
	return StageResult{Amount: amount, Released: true}, nil
}

// ReleaseReview is stage 3: the review tier is released on expert approval.
// Requires stage 2; refuses out-of-order release.
func (p *Pipeline) ReleaseReview(ctx context.Context, assignmentID string) (StageResult, error) {
	asg, err := p.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return StageResult{}, fmt.Errorf("load assignment: %w", err)
	}
	if asg.ReviewReleased {
		return StageResult{Amount: 0, Reason: "already_released"}, nil
	}
	if !asg.ConsensusReleased {
		return StageResult{Amount: 0, Reason: "out_of_order"}, nil
	}
	annotator, err := p.store.GetAnnotator(ctx, asg.AnnotatorID)
	if err != nil {
		return StageResult{}, err
	}

	amount := asg.ReviewPayment.MulRatio(p.multiplier(asg))
	annotator.Balances.Available += amount
	annotator.Balances.LifetimeEarned += amount

	asg.ReviewReleased = true
	if err := p.store.PutAssignment(ctx, asg); err != nil {
		return StageResult{}, err
	}
	if err := p.store.PutAnnotator(ctx, annotator); err != nil {
		return StageResult{}, err
	}
	if err := p.appendLedger(ctx, annotator, "review", amount, asg.ID); err != nil {
		return StageResult{}, err
	}
	return StageResult{Amount: amount, Released: true}, nil
}

// ApplyAccuracy records the ground-truth agreement score on the assignment
// and sets the band multiplier for stages not yet released. Already-released
// stages keep their paid amounts.
func (p *Pipeline) ApplyAccuracy(ctx context.Context, assignmentID string, score float64) error {
	asg, err := p.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if asg.ReviewReleased {
		return nil
	}
	asg.AccuracyMultiplier = AccuracyBand(score)
	return p.store.PutAssignment(ctx, asg)
}

func (p *Pipeline) appendLedger(ctx context.Context, a *core.Annotator, category string, amount core.Money, ref string) error {
	return p.store.AppendLedger(ctx, &core.LedgerEntry{
		ID:           uuid.NewString(),
		PrincipalID:  a.ID,
		Category:     category,
		Amount:       amount,
		BalanceAfter: a.Balances.Pending + a.Balances.Available,
		Reference:    ref,
		CreatedAt:    p.now(),
	})
}

// ============================================================================
// TRUST METRICS
// ============================================================================

// promotionGate holds the all-of-three thresholds for one trust level.
type promotionGate struct {
	level     core.TrustLevel
	tasks     int
	accuracy  float64
	probePass float64
}

var promotionLadder = []promotionGate{
	{core.TrustExpert, 1000, 95, 98},
	{core.TrustSenior, 500, 90, 95},
	{core.TrustRegular, 200, 80, 90},
	{core.TrustJunior, 50, 70, 80},
}

// UpdateTrust folds a new accuracy observation into the annotator's EMA and
// history, then promotes to the highest level whose thresholds all hold.
// Demotion never happens here.
func (p *Pipeline) UpdateTrust(ctx context.Context, annotatorID string, accuracy float64) error {
	a, err := p.store.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return err
	}
	if a.AccuracyEMA == 0 && len(a.AccuracyHistory) == 0 {
		a.AccuracyEMA = accuracy
	} else {
		a.AccuracyEMA = core.TrustEMAAlpha*accuracy + (1-core.TrustEMAAlpha)*a.AccuracyEMA
	}
	a.AccuracyHistory = append(a.AccuracyHistory, accuracy)
	if len(a.AccuracyHistory) > core.AccuracyHistoryLimit {
		a.AccuracyHistory = a.AccuracyHistory[len(a.AccuracyHistory)-core.AccuracyHistoryLimit:]
	}

	for _, gate := range promotionLadder {
		if gate.level.Rank() <= a.TrustLevel.Rank() {
			break
		}
		if a.TasksCompleted >= gate.tasks && a.AccuracyEMA >= gate.accuracy && a.ProbePassRate >= gate.probePass {
			p.logger.Printf("annotator %s promoted %s -> %s", a.ID, a.TrustLevel, gate.level)
			a.TrustLevel = gate.level
			break
		}
	}
	return p.store.PutAnnotator(ctx, a)
}

// RecordFraudFlag increments the annotator's fraud counter; the third flag
// suspends them outright.
func (p *Pipeline) RecordFraudFlag(ctx context.Context, annotatorID string) error {
	a, err := p.store.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return err
	}
	a.FraudFlags++
	if a.FraudFlags >= core.MaxFraudFlags {
		a.Suspended = true
		a.CanReceiveAssignments = false
		p.logger.Printf("annotator %s suspended at %d fraud flags", a.ID, a.FraudFlags)
	}
	return p.store.PutAnnotator(ctx, a)
}

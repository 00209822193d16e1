// Package billing owns the project deposit lifecycle: estimate, collection,
// per-submission cost accrual, export charges, dormancy sweeps and the
// deletion refund.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/estimator"
	"github.com/annolab/backend/internal/store"
)

// ErrInsufficientCredits rejects a collection the organization cannot cover.
// Nothing is committed when it is returned.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// LifecycleCounters summarizes one lifecycle sweep.
type LifecycleCounters struct {
	Dormant   int `json:"dormant"`
	Warning   int `json:"warning"`
	Grace     int `json:"grace"`
	Deleted   int `json:"deleted"`
	Forfeited int `json:"forfeited"`
}

// Service is the billing sub-core.
type Service struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
}

func NewService(st store.Store) *Service {
	return &Service{
		store:  st,
		logger: log.New(log.Writer(), "[Billing] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ============================================================================
// DEPOSIT ESTIMATION AND COLLECTION
// ============================================================================

// CalculateDeposit estimates the project deposit from its current task count
// and label configuration. StorageGB and duration hints come from the caller
// since the core does not see media.
func (s *Service) CalculateDeposit(ctx context.Context, projectID string, overrides *estimator.Params) (estimator.Breakdown, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return estimator.Breakdown{}, fmt.Errorf("load project: %w", err)
	}
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return estimator.Breakdown{}, err
	}
	params := estimator.Params{
		TaskCount:   len(tasks),
		LabelConfig: project.LabelConfig,
	}
	if overrides != nil {
		if overrides.TaskCount > 0 {
			params.TaskCount = overrides.TaskCount
		}
		params.StorageGB = overrides.StorageGB
		params.MediaKind = overrides.MediaKind
		params.DurationMinutes = overrides.DurationMinutes
		params.TypeHints = overrides.TypeHints
	}
	return estimator.Estimate(params), nil
}

// CollectDeposit debits the organization for the full deposit and opens the
// project's billing record. Fails atomically on insufficient credits; the
// organization row is the hot row and must be locked by the caller's
// transaction scope.
func (s *Service) CollectDeposit(ctx context.Context, projectID string, b estimator.Breakdown) (core.Money, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load project: %w", err)
	}
	org, err := s.store.GetOrganization(ctx, project.OrganizationID)
	if err != nil {
		return 0, fmt.Errorf("load organization: %w", err)
	}
	if org.Credits < core.MoneyFromCredits(core.MinOrgBalance) || org.Credits < b.TotalDeposit {
		return 0, fmt.Errorf("%w: have %v, need %v", ErrInsufficientCredits, org.Credits, b.TotalDeposit)
	}

	now := s.now()
	org.Credits -= b.TotalDeposit
	if err := s.store.PutOrganization(ctx, org); err != nil {
		return 0, err
	}
	if err := s.orgLedger(ctx, org, "deposit", -b.TotalDeposit, projectID); err != nil {
		return 0, err
	}
	deposit := &core.SecurityDeposit{
		ID:            uuid.NewString(),
		ProjectID:     projectID,
		BaseFee:       b.SecurityFee,
		StorageFee:    b.StorageFee,
		AnnotationFee: b.AnnotationFee,
		Total:         b.TotalDeposit,
		Status:        core.DepositHeld,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.PutDeposit(ctx, deposit); err != nil {
		return 0, err
	}
	billing := &core.ProjectBilling{
		ProjectID:       projectID,
		OrganizationID:  project.OrganizationID,
		RequiredDeposit: b.TotalDeposit,
		PaidDeposit:     b.TotalDeposit,
		State:           core.BillingActive,
		StateChangedAt:  now,
		LastActivityAt:  now,
	}
	return b.TotalDeposit, s.store.PutBilling(ctx, billing)
}

// ============================================================================
// COST ACCRUAL AND EXPORTS
// ============================================================================

// AccrueSubmissionCost charges one slot of actual annotation cost: per-type
// rate × complexity, no buffer, no overlap. Consumption is capped at the
// refundable remainder; the actual-cost accumulator keeps the true figure.
func (s *Service) AccrueSubmissionCost(ctx context.Context, projectID string, perSlot core.Money) error {
	billing, err := s.store.GetBilling(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load billing: %w", err)
	}
	billing.ActualCost += perSlot
	room := billing.PaidDeposit - billing.Consumed - billing.Refunded
	charge := perSlot
	if charge > room {
		charge = room
	}
	if charge > 0 {
		billing.Consumed += charge
	}
	billing.LastActivityAt = s.now()
	if billing.State == core.BillingDormant {
		billing.State = core.BillingActive
		billing.StateChangedAt = billing.LastActivityAt
	}
	return s.store.PutBilling(ctx, billing)
}

// ChargeExport applies export gating: the first export and re-exports within
// the free window cost nothing; later exports cost a function of their size.
// Returns the charged amount.
func (s *Service) ChargeExport(ctx context.Context, projectID string, annotationsExported int) (core.Money, error) {
	billing, err := s.store.GetBilling(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load billing: %w", err)
	}
	now := s.now()
	free := billing.ExportCount == 0 ||
		(billing.LastExportAt != nil && now.Sub(*billing.LastExportAt) < core.ReExportWindow)

	var charge core.Money
	if !free {
		credits := 0.1 * float64(annotationsExported)
		if credits < 10 {
			credits = 10
		}
		charge = core.MoneyFromFloat(credits)
		org, err := s.store.GetOrganization(ctx, billing.OrganizationID)
		if err != nil {
			return 0, err
		}
		if org.Credits < charge {
			return 0, fmt.Errorf("%w: export costs %v", ErrInsufficientCredits, charge)
		}
		org.Credits -= charge
		if err := s.store.PutOrganization(ctx, org); err != nil {
			return 0, err
		}
		if err := s.orgLedger(ctx, org, "export", -charge, projectID); err != nil {
			return 0, err
		}
	}
	billing.ExportCount++
	billing.LastExportAt = &now
	billing.LastActivityAt = now
	return charge, s.store.PutBilling(ctx, billing)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// SweepLifecycle runs the daily state machine over every billing record.
// Transitions are monotonic except active and dormant, which flip on
// activity.
func (s *Service) SweepLifecycle(ctx context.Context) (LifecycleCounters, error) {
	billings, err := s.store.ListBillings(ctx)
	if err != nil {
		return LifecycleCounters{}, err
	}
	now := s.now()
	var counters LifecycleCounters
	for _, b := range billings {
		switch b.State {
		case core.BillingDeleted, core.BillingCompleted:
			continue
		case core.BillingGrace:
			if b.ScheduledDeletionAt != nil && now.After(*b.ScheduledDeletionAt) {
				forfeit := b.Refundable()
				if err := s.forfeit(ctx, b, forfeit); err != nil {
					s.logger.Printf("forfeit project %s: %v", b.ProjectID, err)
					continue
				}
				counters.Deleted++
				if forfeit > 0 {
					counters.Forfeited++
				}
			}
			continue
		}

		org, err := s.store.GetOrganization(ctx, b.OrganizationID)
		if err != nil {
			s.logger.Printf("lifecycle: organization %s missing: %v", b.OrganizationID, err)
			continue
		}
		remaining := b.RequiredDeposit - b.Consumed
		switch {
		case org.Credits <= 0:
			deletion := now.Add(core.GracePeriod)
			b.State = core.BillingGrace
			b.StateChangedAt = now
			b.ScheduledDeletionAt = &deletion
			counters.Grace++
		case remaining > 0 && org.Credits < remaining && b.State != core.BillingWarning:
			b.State = core.BillingWarning
			b.StateChangedAt = now
			counters.Warning++
		case b.State == core.BillingActive && now.Sub(b.LastActivityAt) > core.DormantAfter:
			b.State = core.BillingDormant
			b.StateChangedAt = now
			counters.Dormant++
		default:
			continue
		}
		if err := s.store.PutBilling(ctx, b); err != nil {
			s.logger.Printf("lifecycle: persist billing %s: %v", b.ProjectID, err)
		}
	}
	return counters, nil
}

func (s *Service) forfeit(ctx context.Context, b *core.ProjectBilling, amount core.Money) error {
	now := s.now()
	b.State = core.BillingDeleted
	b.StateChangedAt = now
	if amount > 0 {
		b.Consumed += amount
	}
	if err := s.store.PutBilling(ctx, b); err != nil {
		return err
	}
	if deposit, err := s.store.GetDeposit(ctx, b.ProjectID); err == nil {
		deposit.Status = core.DepositForfeited
		deposit.UpdatedAt = now
		if err := s.store.PutDeposit(ctx, deposit); err != nil {
			return err
		}
	}
	if amount > 0 {
		org, err := s.store.GetOrganization(ctx, b.OrganizationID)
		if err != nil {
			return err
		}
		return s.orgLedger(ctx, org, "forfeit", -amount, b.ProjectID)
	}
	return nil
}

// ============================================================================
// DELETION REFUND
// ============================================================================

// RefundOnDeletion closes the project's billing: unfilled slots refund at
// per-slot cost, and a project deleted before meaningful work additionally
// returns the buffer and storage portions. The security fee never refunds.
func (s *Service) RefundOnDeletion(ctx context.Context, projectID string, b estimator.Breakdown, filledSlots int) (core.Money, error) {
	billing, err := s.store.GetBilling(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("load billing: %w", err)
	}
	if billing.State == core.BillingDeleted {
		return 0, nil
	}

	refund := estimator.SlotRefund(b, filledSlots)
	if refundable := billing.Refundable(); refund > refundable {
		refund = refundable
	}

	now := s.now()
	if refund > 0 {
		org, err := s.store.GetOrganization(ctx, billing.OrganizationID)
		if err != nil {
			return 0, err
		}
		org.Credits += refund
		if err := s.store.PutOrganization(ctx, org); err != nil {
			return 0, err
		}
		if err := s.orgLedger(ctx, org, "refund", refund, projectID); err != nil {
			return 0, err
		}
		billing.Refunded += refund
	}
	billing.State = core.BillingDeleted
	billing.StateChangedAt = now
	if err := s.store.PutBilling(ctx, billing); err != nil {
		return 0, err
	}

	if deposit, err := s.store.GetDeposit(ctx, projectID); err == nil {
		if billing.Consumed > 0 {
			deposit.Status = core.DepositPartiallyUsed
		} else {
			deposit.Status = core.DepositRefunded
		}
		deposit.UpdatedAt = now
		if err := s.store.PutDeposit(ctx, deposit); err != nil {
			return 0, err
		}
	}
	return refund, nil
}

func (s *Service) orgLedger(ctx context.Context, org *core.Organization, category string, amount core.Money, ref string) error {
	return s.store.AppendLedger(ctx, &core.LedgerEntry{
		ID:           uuid.NewString(),
		PrincipalID:  org.ID,
		Category:     category,
		Amount:       amount,
		BalanceAfter: org.Credits,
		Reference:    ref,
		CreatedAt:    s.now(),
	})
}

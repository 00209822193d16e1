// Package core defines the domain entities of the annotation coordination
// platform: annotators, experts, projects, tasks, assignments, submissions,
// consensus records, golden (probe) tasks, warnings and billing aggregates.
//
// Cross-aggregate references are id-only. Each aggregate is owned by exactly
// one store collection; the object graph never cycles.
package core

import "time"

// ============================================================================
// PLATFORM CONSTANTS — fixed policy, not configurable by callers
// ============================================================================

const (
	// RequiredOverlap is the number of annotators per task. The engine treats
	// this as a constant; no project or caller input changes it.
	RequiredOverlap = 3

	// HoneypotRate is the fraction of an annotator's queue substituted with
	// pre-answered probe tasks.
	HoneypotRate = 0.05

	// MinProbeInterval and MaxProbeInterval bound the gap (in tasks) between
	// consecutive probe injections for one annotator.
	MinProbeInterval = 10
	MaxProbeInterval = 30

	// MaxProbesPerBatch caps the goldens substituted into a single queue.
	MaxProbesPerBatch = 10

	// RollingWindow is the number of recent probe scores backing the rolling
	// accuracy used by the warning ladder.
	RollingWindow = 50

	// GoldenRetirementUses retires a golden task after this many uses.
	GoldenRetirementUses = 100

	// GoldenMinPool is the minimum count of active goldens before a project
	// is eligible for probe injection. GoldenRecommendedPool is advisory.
	GoldenMinPool         = 10
	GoldenRecommendedPool = 50

	// MinUnseenGoldens skips injection for a batch when fewer unseen goldens
	// exist for the annotator.
	MinUnseenGoldens = 3

	// DefaultGoldenTolerance is the pass threshold for probe evaluation,
	// as a fraction of a perfect score.
	DefaultGoldenTolerance = 0.85

	// MinProbesForWarning gates the warning ladder until enough probes exist.
	MinProbesForWarning = 5

	// AutoFinalizeThreshold is the mean pairwise agreement (0-100) at or
	// above which a consensus auto-finalizes.
	AutoFinalizeThreshold = 70.0

	// RandomSampleRate sends this fraction of high-agreement consensus to an
	// expert anyway, as blind QA.
	RandomSampleRate = 0.05

	// LowAgreementRouteRate is the probability the standalone expert-routing
	// path picks up a low-agreement consensus when invoked by batch routines.
	LowAgreementRouteRate = 0.30

	// Escrow split: immediate on submission, consensus on agreement, review
	// on expert approval.
	ImmediateShare = 0.40
	ConsensusShare = 0.40
	ReviewShare    = 0.20

	// BufferMultiplier pads the annotation fee in deposit estimates.
	BufferMultiplier = 1.5

	// DepositFloor is the minimum security fee in credits.
	DepositFloor = 500

	// StorageRatePerGB is the non-refundable storage fee per GB.
	StorageRatePerGB = 10

	// MinOrgBalance is the floor an organization must hold before any
	// deposit collection proceeds.
	MinOrgBalance = 100

	// Stale assignment cutoffs.
	StaleAssignedAfter   = 48 * time.Hour
	StaleInProgressAfter = 24 * time.Hour

	// ReviewTimeout is how long a review may sit before the timeout sweeper
	// inspects it. InactiveExpertAfter marks the expert inactive outright.
	ReviewTimeout       = 48 * time.Hour
	InactiveExpertAfter = 7 * 24 * time.Hour

	// DormantAfter and GracePeriod drive the project lifecycle sweeper.
	DormantAfter = 30 * 24 * time.Hour
	GracePeriod  = 30 * 24 * time.Hour

	// ReExportWindow makes repeat exports free within this window.
	ReExportWindow = 24 * time.Hour

	// TrustEMAAlpha weighs new accuracy observations into the trust metrics.
	TrustEMAAlpha = 0.3

	// AccuracyHistoryLimit bounds the per-annotator accuracy history.
	AccuracyHistoryLimit = 100

	// MaxFraudFlags suspends an annotator at this count.
	MaxFraudFlags = 3

	// DefaultExpertMaxConcurrent caps an expert's simultaneous reviews.
	DefaultExpertMaxConcurrent = 50

	// StaleConsensusAfter re-queues in-consensus records abandoned by a dead
	// worker.
	StaleConsensusAfter = 5 * time.Minute
)

// ============================================================================
// MONEY — exact decimal with two fractional digits, stored as cents
// ============================================================================

// Money is an exact two-decimal amount in cents. All balances, payments and
// ledger rows use Money; float arithmetic only appears in transient scoring.
type Money int64

// MoneyFromFloat rounds a float credit amount to the nearest cent.
func MoneyFromFloat(v float64) Money {
	if v >= 0 {
		return Money(v*100 + 0.5)
	}
	return -Money(-v*100 + 0.5)
}

// MoneyFromCredits converts a whole-credit amount.
func MoneyFromCredits(credits int64) Money { return Money(credits * 100) }

// Float returns the amount in credits.
func (m Money) Float() float64 { return float64(m) / 100 }

// MulRatio scales the amount by a ratio, rounding to the nearest cent.
func (m Money) MulRatio(r float64) Money { return MoneyFromFloat(m.Float() * r) }

// ============================================================================
// ANNOTATORS AND EXPERTS
// ============================================================================

// TrustLevel is the discrete annotator grade controlling payment multiplier
// and assignment capacity.
type TrustLevel string

const (
	TrustNew     TrustLevel = "new"
	TrustJunior  TrustLevel = "junior"
	TrustRegular TrustLevel = "regular"
	TrustSenior  TrustLevel = "senior"
	TrustExpert  TrustLevel = "expert"
)

// Multiplier returns the immutable payment multiplier for a trust level.
func (t TrustLevel) Multiplier() float64 {
	switch t {
	case TrustJunior:
		return 1.0
	case TrustRegular:
		return 1.1
	case TrustSenior:
		return 1.3
	case TrustExpert:
		return 1.5
	default:
		return 0.8
	}
}

// Capacity returns the max concurrent active assignments for a trust level.
func (t TrustLevel) Capacity() int {
	switch t {
	case TrustJunior:
		return 100
	case TrustRegular:
		return 150
	case TrustSenior:
		return 200
	case TrustExpert:
		return 300
	default:
		return 50
	}
}

// Rank orders trust levels for minimum-level checks.
func (t TrustLevel) Rank() int {
	switch t {
	case TrustJunior:
		return 1
	case TrustRegular:
		return 2
	case TrustSenior:
		return 3
	case TrustExpert:
		return 4
	default:
		return 0
	}
}

// TrustBaseScore feeds the assignment fit formula.
func (t TrustLevel) BaseScore() float64 {
	switch t {
	case TrustJunior:
		return 70
	case TrustRegular:
		return 80
	case TrustSenior:
		return 90
	case TrustExpert:
		return 100
	default:
		return 60
	}
}

// Balances is the four-bucket annotator balance sheet.
type Balances struct {
	Pending        Money `json:"pending"`
	Available      Money `json:"available"`
	Withdrawn      Money `json:"withdrawn"`
	LifetimeEarned Money `json:"lifetime_earned"`
}

// Annotator is an external contributor producing labels on assigned tasks.
type Annotator struct {
	ID                    string     `json:"id"`
	Status                string     `json:"status"` // approved, pending, rejected
	TrustLevel            TrustLevel `json:"trust_level"`
	CanReceiveAssignments bool       `json:"can_receive_assignments"`
	Suspended             bool       `json:"suspended"`
	FraudFlags            int        `json:"fraud_flags"`
	Skills                []string   `json:"skills"` // annotation type names
	MinTrustOverride      int        `json:"capacity_override,omitempty"`
	WeeklyHours           int        `json:"weekly_hours"`
	MaxTasksOverride      int        `json:"max_tasks_override,omitempty"` // may lower, never raise
	LifetimeAccuracy      float64    `json:"lifetime_accuracy"`            // 0-100 running mean of probe scores
	LifetimeProbeCount    int        `json:"lifetime_probe_count"`
	RollingScores         []float64  `json:"rolling_scores"` // most recent first trimmed to RollingWindow
	CompletionRate        float64    `json:"completion_rate"` // 0-100
	RejectionRate         float64    `json:"rejection_rate"`  // 0-100
	TasksCompleted        int        `json:"tasks_completed"`
	ProbePassRate         float64    `json:"probe_pass_rate"` // 0-100
	AccuracyEMA           float64    `json:"accuracy_ema"`    // trust metric, EMA alpha 0.3
	AccuracyHistory       []float64  `json:"accuracy_history"`
	Balances              Balances   `json:"balances"`
	LastActiveAt          time.Time  `json:"last_active_at"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Capacity resolves the effective concurrent-assignment cap: the per-level
// cap, lowered (never raised) by a per-annotator override.
func (a *Annotator) Capacity() int {
	cap := a.TrustLevel.Capacity()
	if a.MaxTasksOverride > 0 && a.MaxTasksOverride < cap {
		return a.MaxTasksOverride
	}
	return cap
}

// RollingAccuracy is the unweighted mean of the most recent RollingWindow
// evaluated probe scores (all of them when fewer exist).
func (a *Annotator) RollingAccuracy() float64 {
	n := len(a.RollingScores)
	if n == 0 {
		return 0
	}
	if n > RollingWindow {
		n = RollingWindow
	}
	var sum float64
	for _, s := range a.RollingScores[:n] {
		sum += s
	}
	return sum / float64(n)
}

// ExpertiseTag is a category/specialization pair carried by an expert.
type ExpertiseTag struct {
	Category       string `json:"category"`
	Specialization string `json:"specialization"`
	Verified       bool   `json:"verified"`
}

// Expert adjudicates consolidated annotations. Experts and annotators are
// independent principals; they never share balances.
type Expert struct {
	ID            string         `json:"id"`
	Active        bool           `json:"active"`
	Accepting     bool           `json:"accepting"`
	Workload      int            `json:"workload"`
	MaxConcurrent int            `json:"max_concurrent"`
	Expertise     []ExpertiseTag `json:"expertise"`
	LastActiveAt  time.Time      `json:"last_active_at"`
}

// HasVerifiedExpertise reports whether the expert carries a verified tag for
// the category/specialization pair.
func (e *Expert) HasVerifiedExpertise(category, specialization string) bool {
	for _, t := range e.Expertise {
		if !t.Verified || t.Category != category {
			continue
		}
		if specialization == "" || t.Specialization == specialization {
			return true
		}
	}
	return false
}

// ============================================================================
// PROJECTS, TASKS, ASSIGNMENTS, SUBMISSIONS
// ============================================================================

// ExpertiseRequirement optionally restricts a project to matching experts.
type ExpertiseRequirement struct {
	Category       string `json:"category"`
	Specialization string `json:"specialization"`
}

// Project owns its tasks, billing record and golden pool.
type Project struct {
	ID             string                `json:"id"`
	OrganizationID string                `json:"organization_id"`
	LabelConfig    string                `json:"label_config"` // opaque tag/label description
	AnnotationType string                `json:"annotation_type"`
	MinTrustLevel  TrustLevel            `json:"min_trust_level,omitempty"`
	Expertise      *ExpertiseRequirement `json:"expertise,omitempty"`
	Published      bool                  `json:"published"`
	CreatedAt      time.Time             `json:"created_at"`
}

// Task is one unit of annotation work. AssignedCount caches the number of
// live assignments; TargetAssignments always equals RequiredOverlap.
type Task struct {
	ID                string          `json:"id"`
	ProjectID         string          `json:"project_id"`
	Payload           map[string]any  `json:"payload"`
	TargetAssignments int             `json:"target_assignments"`
	AssignedCount     int             `json:"assigned_count"`
	CreatedAt         time.Time       `json:"created_at"`
}

// AssignmentStatus is the lifecycle of one (annotator, task) pairing.
type AssignmentStatus string

const (
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentRejected   AssignmentStatus = "rejected"
	AssignmentSkipped    AssignmentStatus = "skipped"
)

// Assignment pairs one annotator with one task. (AnnotatorID, TaskID) is
// unique. Released flags are monotonic and ordered:
// review ⇒ consensus ⇒ immediate.
type Assignment struct {
	ID           string           `json:"id"`
	TaskID       string           `json:"task_id"`
	ProjectID    string           `json:"project_id"`
	AnnotatorID  string           `json:"annotator_id"`
	Status       AssignmentStatus `json:"status"`
	AssignedAt   time.Time        `json:"assigned_at"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	SubmissionID string           `json:"submission_id,omitempty"`

	// Payment tiers, computed at completion from the estimator rate tables.
	BasePayment      Money `json:"base_payment"`
	ImmediatePayment Money `json:"immediate_payment"`
	ConsensusPayment Money `json:"consensus_payment"`
	ReviewPayment    Money `json:"review_payment"`

	QualityMultiplier  float64 `json:"quality_multiplier"`
	TrustMultiplier    float64 `json:"trust_multiplier"`
	AccuracyMultiplier float64 `json:"accuracy_multiplier"`

	ImmediateReleased bool `json:"immediate_released"`
	ConsensusReleased bool `json:"consensus_released"`
	ReviewReleased    bool `json:"review_released"`

	// Honeypot marker. Probe assignments bypass consolidation and escrow.
	IsHoneypot    bool  `json:"is_honeypot"`
	HoneypotPass  *bool `json:"honeypot_pass,omitempty"`
	GoldenID      string `json:"golden_id,omitempty"`
}

// Submission is one annotation of one task by one author. At most one
// non-cancelled submission exists per (task, author).
type Submission struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	ProjectID   string         `json:"project_id"`
	AuthorID    string         `json:"author_id"`
	Result      map[string]any `json:"result"` // opaque, type-detected at read
	Cancelled   bool           `json:"cancelled"`
	GroundTruth bool           `json:"ground_truth"`
	LeadTime    float64        `json:"lead_time_seconds"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ============================================================================
// CONSENSUS
// ============================================================================

// ConsensusStatus transitions are forward-only except conflict → review-required.
type ConsensusStatus string

const (
	ConsensusPending        ConsensusStatus = "pending"
	ConsensusInProgress     ConsensusStatus = "in_consensus"
	ConsensusReached        ConsensusStatus = "consensus_reached"
	ConsensusReviewRequired ConsensusStatus = "review_required"
	ConsensusFinalized      ConsensusStatus = "finalized"
	ConsensusConflict       ConsensusStatus = "conflict"
)

// Consensus is the per-task aggregation record.
type Consensus struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"task_id"`
	ProjectID           string          `json:"project_id"`
	CurrentAnnotations  int             `json:"current_annotations"`
	RequiredAnnotations int             `json:"required_annotations"`
	Status              ConsensusStatus `json:"status"`
	ConsolidatedResult  map[string]any  `json:"consolidated_result,omitempty"`
	Method              string          `json:"consolidation_method,omitempty"`
	AvgAgreement        float64         `json:"avg_agreement"` // 0-100, 2dp
	MinAgreement        float64         `json:"min_agreement"`
	MaxAgreement        float64         `json:"max_agreement"`
	UpdatedAt           time.Time       `json:"updated_at"`
	CreatedAt           time.Time       `json:"created_at"`
}

// PairwiseAgreement records one unordered annotator pair's agreement for a
// consensus. Overall on [0,100] 2dp; breakdown components on [0,1] 4dp.
type PairwiseAgreement struct {
	ID            string  `json:"id"`
	ConsensusID   string  `json:"consensus_id"`
	AnnotatorA    string  `json:"annotator_a"`
	AnnotatorB    string  `json:"annotator_b"`
	Overall       float64 `json:"overall"`
	IoU           float64 `json:"iou,omitempty"`
	LabelMatch    float64 `json:"label_match,omitempty"`
	PositionMatch float64 `json:"position_match,omitempty"`
}

// AnnotatorQuality is the per-annotator quality record a consolidation emits.
type AnnotatorQuality struct {
	ID            string  `json:"id"`
	ConsensusID   string  `json:"consensus_id"`
	AnnotatorID   string  `json:"annotator_id"`
	QualityScore  float64 `json:"quality_score"`  // vs merged result
	PeerAgreement float64 `json:"peer_agreement"` // mean of own pair scores
}

// ============================================================================
// GOLDEN TASKS AND PROBES
// ============================================================================

// GoldenTask is a pre-answered task used for blind quality sampling.
type GoldenTask struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Payload   map[string]any `json:"payload"`
	Reference map[string]any `json:"reference_result"`
	Tolerance float64        `json:"tolerance"` // pass fraction, default 0.85
	UseCount  int            `json:"use_count"`
	Retired   bool           `json:"retired"`
	Active    bool           `json:"active"`
	CreatedAt time.Time      `json:"created_at"`
}

// Injectable reports whether the golden may still be substituted into queues.
func (g *GoldenTask) Injectable() bool { return g.Active && !g.Retired }

// ProbeStatus is pending until the paired submission is evaluated, exactly once.
type ProbeStatus string

const (
	ProbePending   ProbeStatus = "pending"
	ProbeEvaluated ProbeStatus = "evaluated"
)

// ProbeAssignment pairs an annotator with a golden. At most one evaluated
// record exists per (annotator, golden).
type ProbeAssignment struct {
	ID          string         `json:"id"`
	AnnotatorID string         `json:"annotator_id"`
	GoldenID    string         `json:"golden_id"`
	ProjectID   string         `json:"project_id"`
	TaskID      string         `json:"task_id"` // synthetic task carrying the golden payload
	Position    int            `json:"position"`
	Status      ProbeStatus    `json:"status"`
	Score       float64        `json:"score"` // 0-100
	Passed      bool           `json:"passed"`
	Detail      map[string]any `json:"detail,omitempty"`
	EvaluatedAt *time.Time     `json:"evaluated_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ============================================================================
// WARNINGS
// ============================================================================

// WarningLevel orders the ladder; Severity gives the comparison rank.
type WarningLevel string

const (
	WarningSoft       WarningLevel = "soft"
	WarningFormal     WarningLevel = "formal"
	WarningFinal      WarningLevel = "final"
	WarningSuspension WarningLevel = "suspension"
)

// Severity ranks warning levels for the non-decreasing issuance rule.
func (w WarningLevel) Severity() int {
	switch w {
	case WarningSoft:
		return 1
	case WarningFormal:
		return 2
	case WarningFinal:
		return 3
	case WarningSuspension:
		return 4
	}
	return 0
}

// Cooldown is the re-issuance window per level.
func (w WarningLevel) Cooldown() time.Duration {
	switch w {
	case WarningFormal:
		return 14 * 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

// Warning records one ladder event for an annotator.
type Warning struct {
	ID              string       `json:"id"`
	AnnotatorID     string       `json:"annotator_id"`
	Level           WarningLevel `json:"level"`
	RollingAccuracy float64      `json:"rolling_accuracy"`
	Acknowledged    bool         `json:"acknowledged"`
	IssuedAt        time.Time    `json:"issued_at"`
}

// ============================================================================
// REVIEW
// ============================================================================

// ReviewStatus is the expert review lifecycle.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewInReview ReviewStatus = "in_review"
	ReviewDone     ReviewStatus = "completed"
	ReviewExpired  ReviewStatus = "expired"
	ReviewSkipped  ReviewStatus = "skipped"
)

// ReviewTask routes a contested consensus to an expert.
type ReviewTask struct {
	ID                string       `json:"id"`
	ConsensusID       string       `json:"consensus_id"`
	TaskID            string       `json:"task_id"`
	ProjectID         string       `json:"project_id"`
	ExpertID          string       `json:"expert_id,omitempty"`
	Status            ReviewStatus `json:"status"`
	Tag               string       `json:"tag"` // disagreement, random_sample, error
	DisagreementScore float64      `json:"disagreement_score"`
	AssignedAt        *time.Time   `json:"assigned_at,omitempty"`
	DecidedAt         *time.Time   `json:"decided_at,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ReviewDecision is an expert verdict.
type ReviewDecision string

const (
	DecisionApprove ReviewDecision = "approve"
	DecisionReject  ReviewDecision = "reject"
	DecisionCorrect ReviewDecision = "correct"
)

// ============================================================================
// BILLING
// ============================================================================

// BillingState transitions monotonically except active ⇄ dormant.
type BillingState string

const (
	BillingActive    BillingState = "active"
	BillingDormant   BillingState = "dormant"
	BillingWarning   BillingState = "warning"
	BillingGrace     BillingState = "grace"
	BillingCompleted BillingState = "completed"
	BillingDeleted   BillingState = "deleted"
)

// ProjectBilling tracks the deposit and consumption of one project.
// Invariant: refunded + consumed <= paid.
type ProjectBilling struct {
	ProjectID           string       `json:"project_id"`
	OrganizationID      string       `json:"organization_id"`
	RequiredDeposit     Money        `json:"required_deposit"`
	PaidDeposit         Money        `json:"paid_deposit"`
	Refunded            Money        `json:"refunded"`
	Consumed            Money        `json:"consumed"`
	ActualCost          Money        `json:"actual_annotation_cost"`
	State               BillingState `json:"state"`
	StateChangedAt      time.Time    `json:"state_changed_at"`
	LastActivityAt      time.Time    `json:"last_activity_at"`
	LastExportAt        *time.Time   `json:"last_export_at,omitempty"`
	ExportCount         int          `json:"export_count"`
	ScheduledDeletionAt *time.Time   `json:"scheduled_deletion_at,omitempty"`
}

// Refundable is paid − consumed − refunded, never negative by invariant.
func (b *ProjectBilling) Refundable() Money {
	r := b.PaidDeposit - b.Consumed - b.Refunded
	if r < 0 {
		return 0
	}
	return r
}

// DepositStatus is the security deposit transaction lifecycle.
type DepositStatus string

const (
	DepositPending       DepositStatus = "pending"
	DepositHeld          DepositStatus = "held"
	DepositPartiallyUsed DepositStatus = "partially_used"
	DepositRefunded      DepositStatus = "refunded"
	DepositForfeited     DepositStatus = "forfeited"
)

// SecurityDeposit is the project-level deposit transaction record.
type SecurityDeposit struct {
	ID            string        `json:"id"`
	ProjectID     string        `json:"project_id"`
	BaseFee       Money         `json:"base_fee"`
	StorageFee    Money         `json:"storage_fee"`
	AnnotationFee Money         `json:"annotation_fee"`
	Total         Money         `json:"total"`
	Status        DepositStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Organization holds the credit balance that deposits draw on. It is the
// single hot row: every deposit, debit and refund locks it.
type Organization struct {
	ID      string `json:"id"`
	Credits Money  `json:"credits"`
}

// ============================================================================
// LEDGERS
// ============================================================================

// LedgerEntry is one append-only transaction row. Amount is signed;
// BalanceAfter matches the principal's balance computed from prior rows.
type LedgerEntry struct {
	ID           string    `json:"id"`
	PrincipalID  string    `json:"principal_id"` // annotator or organization
	Category     string    `json:"category"`     // immediate, consensus, review, deposit, debit, refund, forfeit, export
	Amount       Money     `json:"amount"`
	BalanceAfter Money     `json:"balance_after"`
	Reference    string    `json:"reference,omitempty"` // assignment/project id
	CreatedAt    time.Time `json:"created_at"`
}

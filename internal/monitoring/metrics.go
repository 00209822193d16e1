// Package monitoring exposes the platform's Prometheus metrics. A single
// Metrics value is created at startup and threaded into the service layer.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the coordination core.
type Metrics struct {
	// Assignment metrics
	AssignmentsCreated *prometheus.CounterVec
	AssignmentsSwept   *prometheus.CounterVec

	// Quality probe metrics
	ProbesInjected  prometheus.Counter
	ProbesEvaluated *prometheus.CounterVec

	// Consensus metrics
	ConsensusOutcomes *prometheus.CounterVec
	AgreementScore    prometheus.Histogram

	// Review metrics
	ReviewsAssigned *prometheus.CounterVec
	ExpertDecisions *prometheus.CounterVec
	ReviewTimeouts  *prometheus.CounterVec
	ExpertWorkload  *prometheus.GaugeVec

	// Payment metrics
	EscrowReleased *prometheus.CounterVec
	DepositsHeld   prometheus.Counter
	RefundsIssued  prometheus.Counter

	// Outbox metrics
	OutboxPending prometheus.Gauge
	OutboxDead    prometheus.Gauge
}

// NewMetrics creates and registers every instrument on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		AssignmentsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_assignments_created_total",
				Help: "Task assignments created, by fill outcome",
			},
			[]string{"outcome"}, // outcome: full, partial, waiting
		),

		AssignmentsSwept: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_assignments_swept_total",
				Help: "Stale assignments handled by the sweeper",
			},
			[]string{"action"}, // action: skipped, reassigned
		),

		ProbesInjected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "annolab_probes_injected_total",
				Help: "Honeypot probes mixed into annotator queues",
			},
		),

		ProbesEvaluated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_probes_evaluated_total",
				Help: "Probe submissions scored against golden references",
			},
			[]string{"result"}, // result: pass, fail
		),

		ConsensusOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_consensus_outcomes_total",
				Help: "Consolidation decisions by outcome",
			},
			[]string{"outcome"}, // outcome: finalized, reached, review_required, error
		),

		AgreementScore: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "annolab_consensus_agreement_score",
				Help:    "Average pairwise agreement per consolidated task",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 95, 100},
			},
		),

		ReviewsAssigned: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_reviews_assigned_total",
				Help: "Expert review assignments by trigger",
			},
			[]string{"reason"}, // reason: disagreement, random_sample, error, reassigned
		),

		ExpertDecisions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_expert_decisions_total",
				Help: "Expert review decisions recorded",
			},
			[]string{"decision"}, // decision: approve, reject, correct
		),

		ReviewTimeouts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_review_timeouts_total",
				Help: "Expert review timeout sweep actions",
			},
			[]string{"action"}, // action: extended, released, reassigned, deactivated
		),

		ExpertWorkload: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "annolab_expert_workload",
				Help: "Reviews currently assigned to each expert",
			},
			[]string{"expert_id"},
		),

		EscrowReleased: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "annolab_escrow_released_cents_total",
				Help: "Annotator payment released per escrow stage, in cents",
			},
			[]string{"stage"}, // stage: immediate, consensus, review
		),

		DepositsHeld: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "annolab_deposits_collected_total",
				Help: "Project security deposits collected",
			},
		),

		RefundsIssued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "annolab_refunds_issued_total",
				Help: "Deposit refunds issued on project deletion",
			},
		),

		OutboxPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "annolab_outbox_pending",
				Help: "Notification intents awaiting delivery",
			},
		),

		OutboxDead: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "annolab_outbox_dead",
				Help: "Notification intents that exhausted their retries",
			},
		),
	}
}

// RecordAssignmentRun folds one assignment engine run into the counters.
func (m *Metrics) RecordAssignmentRun(full, partial, waiting int) {
	m.AssignmentsCreated.WithLabelValues("full").Add(float64(full))
	m.AssignmentsCreated.WithLabelValues("partial").Add(float64(partial))
	m.AssignmentsCreated.WithLabelValues("waiting").Add(float64(waiting))
}

// RecordProbeResult records a scored probe.
func (m *Metrics) RecordProbeResult(passed bool) {
	result := "fail"
	if passed {
		result = "pass"
	}
	m.ProbesEvaluated.WithLabelValues(result).Inc()
}

// RecordConsensus records a consolidation outcome and its agreement score.
func (m *Metrics) RecordConsensus(outcome string, avgAgreement float64) {
	m.ConsensusOutcomes.WithLabelValues(outcome).Inc()
	m.AgreementScore.Observe(avgAgreement)
}

// RecordEscrowRelease records a stage payout in cents.
func (m *Metrics) RecordEscrowRelease(stage string, cents int64) {
	m.EscrowReleased.WithLabelValues(stage).Add(float64(cents))
}

// SetOutboxDepth updates the outbox gauges.
func (m *Metrics) SetOutboxDepth(pending, dead int) {
	m.OutboxPending.Set(float64(pending))
	m.OutboxDead.Set(float64(dead))
}

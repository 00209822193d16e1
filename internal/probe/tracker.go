package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/core"
)

// RecordProbeScore folds one evaluated probe into the annotator's lifetime
// and rolling accuracy. Lifetime is a running mean over every probe; rolling
// keeps the most recent scores, newest first.
func RecordProbeScore(a *core.Annotator, score float64, passed bool) {
	n := float64(a.LifetimeProbeCount)
	a.LifetimeAccuracy = (a.LifetimeAccuracy*n + score) / (n + 1)
	pass := 0.0
	if passed {
		pass = 100
	}
	a.ProbePassRate = (a.ProbePassRate*n + pass) / (n + 1)
	a.LifetimeProbeCount++

	a.RollingScores = append([]float64{score}, a.RollingScores...)
	if len(a.RollingScores) > core.RollingWindow {
		a.RollingScores = a.RollingScores[:core.RollingWindow]
	}
}

// LevelFor maps rolling accuracy to a warning level. Empty means healthy.
func LevelFor(rolling float64) core.WarningLevel {
	switch {
	case rolling >= 80:
		return ""
	case rolling >= 70:
		return core.WarningSoft
	case rolling >= 60:
		return core.WarningFormal
	case rolling >= 50:
		return core.WarningFinal
	default:
		return core.WarningSuspension
	}
}

// applyWarningLadder issues at most one warning for the annotator's current
// rolling accuracy. The first qualifying event always issues; re-issuance
// needs either strictly higher severity than the most recent warning or an
// elapsed cooldown. Suspension revokes assignment eligibility. Recovery to a
// healthy rolling accuracy is logged but never auto-unsuspends.
func (e *Engine) applyWarningLadder(ctx context.Context, a *core.Annotator, now time.Time) error {
	if a.LifetimeProbeCount < core.MinProbesForWarning {
		return nil
	}
	rolling := a.RollingAccuracy()
	level := LevelFor(rolling)
	if level == "" {
		if a.Suspended {
			e.logger.Printf("annotator %s recovered to rolling %.1f while suspended", a.ID, rolling)
		}
		return nil
	}

	history, err := e.store.ListWarningsByAnnotator(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list warnings: %w", err)
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		if level.Severity() <= last.Level.Severity() && now.Sub(last.IssuedAt) < last.Level.Cooldown() {
			return nil
		}
	}

	w := &core.Warning{
		ID:              uuid.NewString(),
		AnnotatorID:     a.ID,
		Level:           level,
		RollingAccuracy: rolling,
		IssuedAt:        now,
	}
	if err := e.store.PutWarning(ctx, w); err != nil {
		return err
	}
	if level == core.WarningSuspension {
		a.Suspended = true
		a.CanReceiveAssignments = false
		e.logger.Printf("annotator %s suspended at rolling %.1f", a.ID, rolling)
	}
	if e.queue != nil {
		if err := e.queue.Enqueue(ctx, "notify.annotator.warning", map[string]any{
			"annotator_id":     a.ID,
			"level":            string(level),
			"rolling_accuracy": rolling,
		}); err != nil {
			e.logger.Printf("enqueue warning notification for %s: %v", a.ID, err)
		}
	}
	return nil
}

// SnapshotDailyAccuracy records the annotator's accuracy into the snapshot
// sink, keyed by day so repeated invocations are no-ops. The sink is
// typically a Redis adapter; a nil sink disables snapshots.
func (e *Engine) SnapshotDailyAccuracy(ctx context.Context, sink SnapshotSink, annotatorID string) error {
	if sink == nil {
		return nil
	}
	a, err := e.store.GetAnnotator(ctx, annotatorID)
	if err != nil {
		return err
	}
	day := e.now().UTC().Format("2006-01-02")
	return sink.RecordAccuracy(ctx, day, a.ID, a.LifetimeAccuracy, a.RollingAccuracy())
}

// SnapshotSink stores idempotent per-day accuracy snapshots.
type SnapshotSink interface {
	RecordAccuracy(ctx context.Context, day, annotatorID string, lifetime, rolling float64) error
}

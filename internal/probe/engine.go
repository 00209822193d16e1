// Package probe implements blind quality sampling. Pre-answered golden tasks
// are substituted into annotator queues at randomized intervals; submissions
// against them are scored against the hidden reference and feed the accuracy
// tracker and the warning ladder. Probes bypass consolidation and escrow.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/comparator"
	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/outbox"
	"github.com/annolab/backend/internal/store"
)

// QueueItem is one slot in an annotator's mixed task queue. Probe slots carry
// a synthetic task built from the golden payload; the annotator cannot tell
// them apart from real work.
type QueueItem struct {
	Task    *core.Task
	IsProbe bool
	ProbeID string
}

// Engine injects and evaluates probes.
type Engine struct {
	store  store.Store
	rand   core.Randomizer
	queue  outbox.Queue
	logger *log.Logger
	now    func() time.Time
}

// NewEngine wires the probe engine. queue may be nil in tests.
func NewEngine(st store.Store, rnd core.Randomizer, queue outbox.Queue) *Engine {
	return &Engine{
		store:  st,
		rand:   rnd,
		queue:  queue,
		logger: log.New(log.Writer(), "[ProbeEngine] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ============================================================================
// INJECTION
// ============================================================================

// InjectProbes mixes unseen goldens into the ordered task queue for one
// annotator. The returned queue has the same length as the input; displaced
// real tasks fall off the tail and surface in a later batch. When the project
// is not probe-ready the input queue passes through unchanged.
func (e *Engine) InjectProbes(ctx context.Context, annotatorID, projectID string, order []*core.Task) ([]QueueItem, error) {
	passthrough := func() []QueueItem {
		items := make([]QueueItem, len(order))
		for i, t := range order {
			items[i] = QueueItem{Task: t}
		}
		return items
	}
	if len(order) == 0 {
		return nil, nil
	}

	goldens, err := e.store.ListGoldensByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list goldens: %w", err)
	}
	var active []*core.GoldenTask
	for _, g := range goldens {
		if g.Injectable() {
			active = append(active, g)
		}
	}
	if len(active) < core.GoldenMinPool {
		e.logger.Printf("project %s has %d active goldens, below pool minimum; skipping injection", projectID, len(active))
		return passthrough(), nil
	}

	seen := make(map[string]bool)
	probes, err := e.store.ListProbesByAnnotator(ctx, annotatorID)
	if err != nil {
		return nil, fmt.Errorf("list probes: %w", err)
	}
	outstanding := false
	for _, p := range probes {
		seen[p.GoldenID] = true
		if p.ProjectID == projectID && p.Status == core.ProbePending {
			outstanding = true
		}
	}
	// One outstanding probe at a time; repeated queue fetches must not stack
	// probes beyond the interval rate.
	if outstanding {
		return passthrough(), nil
	}
	var unseen []*core.GoldenTask
	for _, g := range active {
		if !seen[g.ID] {
			unseen = append(unseen, g)
		}
	}
	if len(unseen) < core.MinUnseenGoldens {
		e.logger.Printf("annotator %s has %d unseen goldens in project %s; skipping injection", annotatorID, len(unseen), projectID)
		return passthrough(), nil
	}

	since, err := e.tasksSinceLastProbe(ctx, annotatorID, projectID, probes)
	if err != nil {
		return nil, err
	}
	positions := e.pickPositions(len(order), since)
	if len(positions) > len(unseen) {
		positions = positions[:len(unseen)]
	}

	// Uniform pick without replacement.
	perm := e.rand.Perm(len(unseen))
	picked := make([]*core.GoldenTask, len(positions))
	for i := range positions {
		picked[i] = unseen[perm[i]]
	}

	slots := make([]probeSlot, len(positions))
	now := e.now()
	for i, g := range picked {
		synthetic := &core.Task{
			ID:                uuid.NewString(),
			ProjectID:         projectID,
			Payload:           g.Payload,
			TargetAssignments: 1,
			AssignedCount:     1,
			CreatedAt:         now,
		}
		probe := &core.ProbeAssignment{
			ID:          uuid.NewString(),
			AnnotatorID: annotatorID,
			GoldenID:    g.ID,
			ProjectID:   projectID,
			TaskID:      synthetic.ID,
			Position:    positions[i],
			Status:      core.ProbePending,
			CreatedAt:   now,
		}
		assignment := &core.Assignment{
			ID:          uuid.NewString(),
			TaskID:      synthetic.ID,
			ProjectID:   projectID,
			AnnotatorID: annotatorID,
			Status:      core.AssignmentAssigned,
			AssignedAt:  now,
			IsHoneypot:  true,
			GoldenID:    g.ID,
		}
		if err := e.store.PutTask(ctx, synthetic); err != nil {
			return nil, err
		}
		if err := e.store.PutProbe(ctx, probe); err != nil {
			return nil, err
		}
		if err := e.store.PutAssignment(ctx, assignment); err != nil {
			return nil, err
		}
		g.UseCount++
		if g.UseCount >= core.GoldenRetirementUses {
			g.Retired = true
			e.logger.Printf("golden %s retired after %d uses", g.ID, g.UseCount)
		}
		if err := e.store.PutGolden(ctx, g); err != nil {
			return nil, err
		}
		slots[i] = probeSlot{position: positions[i], task: synthetic, probeID: probe.ID}
	}

	return mixQueue(order, slots), nil
}

// tasksSinceLastProbe counts completed project assignments after the
// annotator's most recent evaluated probe.
func (e *Engine) tasksSinceLastProbe(ctx context.Context, annotatorID, projectID string, probes []*core.ProbeAssignment) (int, error) {
	var lastEval time.Time
	for _, p := range probes {
		if p.Status == core.ProbeEvaluated && p.EvaluatedAt != nil && p.EvaluatedAt.After(lastEval) {
			lastEval = *p.EvaluatedAt
		}
	}
	assignments, err := e.store.ListAssignmentsByAnnotator(ctx, annotatorID)
	if err != nil {
		return 0, fmt.Errorf("list assignments: %w", err)
	}
	count := 0
	for _, a := range assignments {
		if a.ProjectID != projectID || a.IsHoneypot || a.Status != core.AssignmentCompleted {
			continue
		}
		if a.CompletedAt != nil && a.CompletedAt.After(lastEval) {
			count++
		}
	}
	return count, nil
}

// pickPositions chooses injection offsets: the first closes the remaining gap
// since the last probe, the rest follow uniform random gaps within the
// interval bounds.
func (e *Engine) pickPositions(queueLen, sinceLastProbe int) []int {
	pos := core.MinProbeInterval - sinceLastProbe
	if pos < 0 {
		pos = 0
	}
	var positions []int
	for pos < queueLen && len(positions) < core.MaxProbesPerBatch {
		positions = append(positions, pos)
		gap := core.MinProbeInterval + e.rand.Intn(core.MaxProbeInterval-core.MinProbeInterval+1)
		pos += gap
	}
	return positions
}

type probeSlot struct {
	position int
	task     *core.Task
	probeID  string
}

// mixQueue materializes the mixed queue: probes occupy their positions, real
// tasks fill the gaps in order and shift right, the tail is truncated to the
// original length. Pure.
func mixQueue(order []*core.Task, slots []probeSlot) []QueueItem {
	byPos := make(map[int]probeSlot, len(slots))
	for _, s := range slots {
		byPos[s.position] = s
	}
	out := make([]QueueItem, 0, len(order))
	next := 0
	for i := 0; len(out) < len(order); i++ {
		if s, ok := byPos[i]; ok {
			out = append(out, QueueItem{Task: s.task, IsProbe: true, ProbeID: s.probeID})
			continue
		}
		if next < len(order) {
			out = append(out, QueueItem{Task: order[next]})
			next++
			continue
		}
		break
	}
	return out
}

// ============================================================================
// EVALUATION
// ============================================================================

// Evaluate checks whether the submission answers a pending probe and, if so,
// scores it against the golden reference. Returns true when the submission
// was a probe; probe submissions must not reach consolidation or escrow.
// Evaluation is single-shot: a second submission against the same probe finds
// no pending record.
func (e *Engine) Evaluate(ctx context.Context, sub *core.Submission) (bool, error) {
	probe, err := e.store.FindPendingProbeByTask(ctx, sub.AuthorID, sub.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find probe: %w", err)
	}

	golden, err := e.store.GetGolden(ctx, probe.GoldenID)
	if err != nil {
		return true, fmt.Errorf("load golden %s: %w", probe.GoldenID, err)
	}
	agreement := comparator.Compare(sub.Result, golden.Reference)
	tolerance := golden.Tolerance
	if tolerance <= 0 {
		tolerance = core.DefaultGoldenTolerance
	}
	passed := agreement.Overall/100+1e-9 >= tolerance

	now := e.now()
	probe.Status = core.ProbeEvaluated
	probe.Score = agreement.Overall
	probe.Passed = passed
	probe.EvaluatedAt = &now
	probe.Detail = map[string]any{
		"overall":        agreement.Overall,
		"iou":            agreement.IoU,
		"label_match":    agreement.LabelMatch,
		"position_match": agreement.PositionMatch,
		"kind":           string(agreement.Kind),
		"tolerance":      tolerance,
	}
	if err := e.store.PutProbe(ctx, probe); err != nil {
		return true, err
	}

	if assignment, err := e.store.FindAssignment(ctx, sub.TaskID, sub.AuthorID); err == nil {
		assignment.Status = core.AssignmentCompleted
		assignment.CompletedAt = &now
		assignment.SubmissionID = sub.ID
		assignment.HoneypotPass = &passed
		if err := e.store.PutAssignment(ctx, assignment); err != nil {
			return true, err
		}
	}

	annotator, err := e.store.GetAnnotator(ctx, sub.AuthorID)
	if err != nil {
		return true, fmt.Errorf("load annotator %s: %w", sub.AuthorID, err)
	}
	RecordProbeScore(annotator, agreement.Overall, passed)
	if err := e.applyWarningLadder(ctx, annotator, now); err != nil {
		return true, err
	}
	if err := e.store.PutAnnotator(ctx, annotator); err != nil {
		return true, err
	}
	return true, nil
}

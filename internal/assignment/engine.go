// Package assignment distributes tasks to annotators under the fixed overlap
// policy. Candidates are filtered for eligibility, scored on a weighted fit
// formula and rotated across tasks so consecutive tasks receive overlapping
// but distinct triples.
package assignment

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/annolab/backend/internal/core"
	"github.com/annolab/backend/internal/store"
)

// Counters summarizes one distribution pass.
type Counters struct {
	AssignmentsCreated int `json:"assignments_created"`
	FullyAssigned      int `json:"fully_assigned"`
	Partial            int `json:"partial"`
	Waiting            int `json:"waiting"`
}

// Engine is the task distribution engine.
type Engine struct {
	store  store.Store
	logger *log.Logger
	now    func() time.Time
}

func NewEngine(st store.Store) *Engine {
	return &Engine{
		store:  st,
		logger: log.New(log.Writer(), "[AssignmentEngine] ", log.LstdFlags),
		now:    time.Now,
	}
}

// ============================================================================
// ELIGIBILITY AND SCORING
// ============================================================================

// Eligible applies the hard filter: approval, accepting flag, suspension and
// fraud state, minimum trust, and the project's expertise requirement.
func Eligible(a *core.Annotator, p *core.Project) bool {
	if a.Status != "approved" || !a.CanReceiveAssignments || a.Suspended {
		return false
	}
	if a.FraudFlags >= core.MaxFraudFlags {
		return false
	}
	if p.MinTrustLevel != "" && a.TrustLevel.Rank() < p.MinTrustLevel.Rank() {
		return false
	}
	if p.Expertise != nil && !hasSkill(a.Skills, p.Expertise.Category) {
		return false
	}
	return true
}

func hasSkill(skills []string, want string) bool {
	for _, s := range skills {
		if s == want {
			return true
		}
	}
	return false
}

// Score computes the fit score in [0, 100]. A zero score disqualifies the
// annotator: the required annotation type is missing from their skills.
func Score(a *core.Annotator, p *core.Project, activeCount int, now time.Time) float64 {
	if p.AnnotationType != "" && !hasSkill(a.Skills, p.AnnotationType) {
		return 0
	}
	extra := len(a.Skills) - 1
	if extra < 0 {
		extra = 0
	}
	skill := 40 + clamp(float64(extra)*20, 0, 60)

	trust := a.TrustLevel.BaseScore() - 10*float64(a.FraudFlags)
	if trust < 0 {
		trust = 0
	}

	capacity := a.Capacity()
	load := 0.0
	if capacity > 0 {
		load = float64(activeCount) / float64(capacity)
	}
	daysIdle := now.Sub(a.LastActiveAt).Hours() / 24
	recency := (7 - daysIdle) / 7
	if recency < 0 {
		recency = 0
	}
	availability := 50*(1-load) + 30*recency + clamp(float64(a.WeeklyHours)*0.5, 0, 20)

	performance := 0.4*a.LifetimeAccuracy + 0.3*a.CompletionRate + 0.3*(100-2*a.RejectionRate)
	if performance < 0 {
		performance = 0
	}

	cost := clamp(a.LifetimeAccuracy/a.TrustLevel.Multiplier(), 0, 100)

	total := 0.35*skill + 0.25*trust + 0.20*availability + 0.15*performance + 0.05*cost
	return clamp(total, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type candidate struct {
	annotator *core.Annotator
	score     float64
	active    int
}

// rankCandidates loads, filters and scores annotators for a project, highest
// score first with id as the stable tiebreak.
func (e *Engine) rankCandidates(ctx context.Context, p *core.Project) ([]*candidate, error) {
	annotators, err := e.store.ListAnnotators(ctx)
	if err != nil {
		return nil, fmt.Errorf("list annotators: %w", err)
	}
	now := e.now()
	var out []*candidate
	for _, a := range annotators {
		if !Eligible(a, p) {
			continue
		}
		active, err := e.activeCount(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		s := Score(a, p, active, now)
		if s == 0 {
			continue
		}
		out = append(out, &candidate{annotator: a, score: s, active: active})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].annotator.ID < out[j].annotator.ID
	})
	return out, nil
}

// activeCount re-reads live assignments from persistence so concurrent
// mutations by other workers are visible to the capacity check.
func (e *Engine) activeCount(ctx context.Context, annotatorID string) (int, error) {
	assignments, err := e.store.ListAssignmentsByAnnotator(ctx, annotatorID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range assignments {
		if a.Status == core.AssignmentAssigned || a.Status == core.AssignmentInProgress {
			n++
		}
	}
	return n, nil
}

// ============================================================================
// DISTRIBUTION
// ============================================================================

// AssignProject runs one distribution pass over the project's under-filled
// tasks and returns the created assignments with batch counters. Individual
// creation failures are logged and skipped; the pass continues.
func (e *Engine) AssignProject(ctx context.Context, projectID string) (Counters, []*core.Assignment, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return Counters{}, nil, fmt.Errorf("load project: %w", err)
	}
	candidates, err := e.rankCandidates(ctx, project)
	if err != nil {
		return Counters{}, nil, err
	}
	tasks, err := e.store.ListUnderfilledTasks(ctx, projectID)
	if err != nil {
		return Counters{}, nil, fmt.Errorf("list tasks: %w", err)
	}

	var created []*core.Assignment
	if len(candidates) < core.RequiredOverlap {
		created = e.assignAll(ctx, project, candidates, tasks)
	} else {
		created = e.assignRotating(ctx, project, candidates, tasks)
	}

	var counters Counters
	counters.AssignmentsCreated = len(created)
	for _, t := range tasks {
		switch {
		case t.AssignedCount >= core.RequiredOverlap:
			counters.FullyAssigned++
		case t.AssignedCount > 0:
			counters.Partial++
		default:
			counters.Waiting++
		}
	}
	return counters, created, nil
}

// assignAll handles the degenerate pool: fewer candidates than the overlap
// means every task goes to every annotator with remaining capacity.
func (e *Engine) assignAll(ctx context.Context, p *core.Project, candidates []*candidate, tasks []*core.Task) []*core.Assignment {
	var created []*core.Assignment
	for _, t := range tasks {
		for _, c := range candidates {
			if t.AssignedCount >= core.RequiredOverlap {
				break
			}
			a, ok := e.tryAssign(ctx, p, c, t)
			if ok {
				created = append(created, a)
			}
		}
	}
	return created
}

// assignRotating advances the rotation start by one candidate per task so
// task i receives candidates i, i+1, i+2 modulo the pool. Each task has a
// probe budget of twice the pool size.
func (e *Engine) assignRotating(ctx context.Context, p *core.Project, candidates []*candidate, tasks []*core.Task) []*core.Assignment {
	var created []*core.Assignment
	n := len(candidates)
	rotation := 0
	for _, t := range tasks {
		offset := 0
		for attempts := 0; attempts < 2*n && t.AssignedCount < core.RequiredOverlap; attempts++ {
			c := candidates[(rotation+offset)%n]
			offset++
			a, ok := e.tryAssign(ctx, p, c, t)
			if ok {
				created = append(created, a)
			}
		}
		rotation++
	}
	return created
}

// tryAssign creates one assignment unless the pairing already exists or the
// annotator is at capacity. Failures are logged, never fatal.
func (e *Engine) tryAssign(ctx context.Context, p *core.Project, c *candidate, t *core.Task) (*core.Assignment, bool) {
	if c.active >= c.annotator.Capacity() {
		return nil, false
	}
	if _, err := e.store.FindAssignment(ctx, t.ID, c.annotator.ID); err == nil {
		return nil, false
	}
	a := &core.Assignment{
		ID:          uuid.NewString(),
		TaskID:      t.ID,
		ProjectID:   p.ID,
		AnnotatorID: c.annotator.ID,
		Status:      core.AssignmentAssigned,
		AssignedAt:  e.now(),
	}
	if err := e.store.PutAssignment(ctx, a); err != nil {
		e.logger.Printf("assign task %s to %s: %v", t.ID, c.annotator.ID, err)
		return nil, false
	}
	t.AssignedCount++
	if err := e.store.PutTask(ctx, t); err != nil {
		e.logger.Printf("update task %s count: %v", t.ID, err)
		return a, true
	}
	c.active++
	return a, true
}

// ============================================================================
// STALE REASSIGNMENT AND REBALANCING
// ============================================================================

// SweepStaleAssignments skips assignments sitting too long in assigned or
// in-progress state, decrements the task's count and attempts an immediate
// replacement. Returns (skipped, replaced).
func (e *Engine) SweepStaleAssignments(ctx context.Context) (int, int, error) {
	assignments, err := e.store.ListAssignments(ctx)
	if err != nil {
		return 0, 0, err
	}
	now := e.now()
	var skipped, replaced int
	for _, a := range assignments {
		if a.IsHoneypot {
			continue
		}
		stale := false
		switch a.Status {
		case core.AssignmentAssigned:
			stale = now.Sub(a.AssignedAt) > core.StaleAssignedAfter
		case core.AssignmentInProgress:
			stale = a.StartedAt != nil && now.Sub(*a.StartedAt) > core.StaleInProgressAfter
		}
		if !stale {
			continue
		}
		a.Status = core.AssignmentSkipped
		if err := e.store.PutAssignment(ctx, a); err != nil {
			e.logger.Printf("skip stale assignment %s: %v", a.ID, err)
			continue
		}
		skipped++
		task, err := e.store.GetTask(ctx, a.TaskID)
		if err != nil {
			continue
		}
		if task.AssignedCount > 0 {
			task.AssignedCount--
		}
		if err := e.store.PutTask(ctx, task); err != nil {
			continue
		}
		if e.replaceOnTask(ctx, task, a.AnnotatorID) {
			replaced++
		}
	}
	return skipped, replaced, nil
}

func (e *Engine) replaceOnTask(ctx context.Context, t *core.Task, excludeAnnotator string) bool {
	project, err := e.store.GetProject(ctx, t.ProjectID)
	if err != nil {
		return false
	}
	candidates, err := e.rankCandidates(ctx, project)
	if err != nil {
		return false
	}
	for _, c := range candidates {
		if c.annotator.ID == excludeAnnotator {
			continue
		}
		if _, ok := e.tryAssign(ctx, project, c, t); ok {
			return true
		}
	}
	return false
}

// Rebalance moves up to five not-yet-started assignments from the most
// loaded annotator to the least loaded when the spread crosses the 1.5×/0.5×
// mean bounds. Returns the number of moved assignments.
func (e *Engine) Rebalance(ctx context.Context, projectID string) (int, error) {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return 0, err
	}
	candidates, err := e.rankCandidates(ctx, project)
	if err != nil {
		return 0, err
	}
	if len(candidates) < 2 {
		return 0, nil
	}

	var total int
	var maxC, minC *candidate
	for _, c := range candidates {
		total += c.active
		if maxC == nil || c.active > maxC.active {
			maxC = c
		}
		if minC == nil || c.active < minC.active {
			minC = c
		}
	}
	mean := float64(total) / float64(len(candidates))
	if float64(maxC.active) <= 1.5*mean || float64(minC.active) >= 0.5*mean {
		return 0, nil
	}

	assignments, err := e.store.ListAssignmentsByAnnotator(ctx, maxC.annotator.ID)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, a := range assignments {
		if moved >= 5 {
			break
		}
		if a.Status != core.AssignmentAssigned || a.ProjectID != projectID || a.IsHoneypot {
			continue
		}
		if minC.active >= minC.annotator.Capacity() {
			break
		}
		// The target must not already hold this task.
		if _, err := e.store.FindAssignment(ctx, a.TaskID, minC.annotator.ID); err == nil {
			continue
		}
		a.AnnotatorID = minC.annotator.ID
		a.AssignedAt = e.now()
		if err := e.store.PutAssignment(ctx, a); err != nil {
			e.logger.Printf("rebalance assignment %s: %v", a.ID, err)
			continue
		}
		maxC.active--
		minC.active++
		moved++
	}
	return moved, nil
}

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/annolab/backend/internal/core"
)

// MemStore is the in-memory Store. Transactions serialize on a single mutex,
// which also satisfies the task-lock serialization the consolidation engine
// requires in-process. It backs the test suite and single-node deployments.
type MemStore struct {
	txMu sync.Mutex // serializes WithinTx sections
	mu   sync.RWMutex

	annotators      map[string]*core.Annotator
	experts         map[string]*core.Expert
	projects        map[string]*core.Project
	tasks           map[string]*core.Task
	taskOrder       []string
	assignments     map[string]*core.Assignment
	submissions     map[string]*core.Submission
	consensus       map[string]*core.Consensus
	consensusByTask map[string]string
	pairwise        map[string][]*core.PairwiseAgreement
	qualities       map[string][]*core.AnnotatorQuality
	goldens         map[string]*core.GoldenTask
	goldenOrder     []string
	probes          map[string]*core.ProbeAssignment
	probeOrder      []string
	warnings        map[string][]*core.Warning
	reviews         map[string]*core.ReviewTask
	orgs            map[string]*core.Organization
	billings        map[string]*core.ProjectBilling
	deposits        map[string]*core.SecurityDeposit
	ledger          map[string][]*core.LedgerEntry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		annotators:      make(map[string]*core.Annotator),
		experts:         make(map[string]*core.Expert),
		projects:        make(map[string]*core.Project),
		tasks:           make(map[string]*core.Task),
		assignments:     make(map[string]*core.Assignment),
		submissions:     make(map[string]*core.Submission),
		consensus:       make(map[string]*core.Consensus),
		consensusByTask: make(map[string]string),
		pairwise:        make(map[string][]*core.PairwiseAgreement),
		qualities:       make(map[string][]*core.AnnotatorQuality),
		goldens:         make(map[string]*core.GoldenTask),
		probes:          make(map[string]*core.ProbeAssignment),
		warnings:        make(map[string][]*core.Warning),
		reviews:         make(map[string]*core.ReviewTask),
		orgs:            make(map[string]*core.Organization),
		billings:        make(map[string]*core.ProjectBilling),
		deposits:        make(map[string]*core.SecurityDeposit),
		ledger:          make(map[string][]*core.LedgerEntry),
	}
}

// WithinTx serializes the callback against all other transactions. A failed
// callback restores the pre-transaction snapshot, matching the rollback the
// postgres store gets for free. Snapshots copy map and slice headers only;
// stored values are never mutated in place, every Put replaces the entry.
func (m *MemStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// memSnapshot captures the store's map and slice headers at one point.
type memSnapshot struct {
	annotators      map[string]*core.Annotator
	experts         map[string]*core.Expert
	projects        map[string]*core.Project
	tasks           map[string]*core.Task
	taskOrder       []string
	assignments     map[string]*core.Assignment
	submissions     map[string]*core.Submission
	consensus       map[string]*core.Consensus
	consensusByTask map[string]string
	pairwise        map[string][]*core.PairwiseAgreement
	qualities       map[string][]*core.AnnotatorQuality
	goldens         map[string]*core.GoldenTask
	goldenOrder     []string
	probes          map[string]*core.ProbeAssignment
	probeOrder      []string
	warnings        map[string][]*core.Warning
	reviews         map[string]*core.ReviewTask
	orgs            map[string]*core.Organization
	billings        map[string]*core.ProjectBilling
	deposits        map[string]*core.SecurityDeposit
	ledger          map[string][]*core.LedgerEntry
}

func copyMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *MemStore) snapshot() *memSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memSnapshot{
		annotators:      copyMap(m.annotators),
		experts:         copyMap(m.experts),
		projects:        copyMap(m.projects),
		tasks:           copyMap(m.tasks),
		taskOrder:       append([]string(nil), m.taskOrder...),
		assignments:     copyMap(m.assignments),
		submissions:     copyMap(m.submissions),
		consensus:       copyMap(m.consensus),
		consensusByTask: copyMap(m.consensusByTask),
		pairwise:        copyMap(m.pairwise),
		qualities:       copyMap(m.qualities),
		goldens:         copyMap(m.goldens),
		goldenOrder:     append([]string(nil), m.goldenOrder...),
		probes:          copyMap(m.probes),
		probeOrder:      append([]string(nil), m.probeOrder...),
		warnings:        copyMap(m.warnings),
		reviews:         copyMap(m.reviews),
		orgs:            copyMap(m.orgs),
		billings:        copyMap(m.billings),
		deposits:        copyMap(m.deposits),
		ledger:          copyMap(m.ledger),
	}
}

func (m *MemStore) restore(s *memSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotators = s.annotators
	m.experts = s.experts
	m.projects = s.projects
	m.tasks = s.tasks
	m.taskOrder = s.taskOrder
	m.assignments = s.assignments
	m.submissions = s.submissions
	m.consensus = s.consensus
	m.consensusByTask = s.consensusByTask
	m.pairwise = s.pairwise
	m.qualities = s.qualities
	m.goldens = s.goldens
	m.goldenOrder = s.goldenOrder
	m.probes = s.probes
	m.probeOrder = s.probeOrder
	m.warnings = s.warnings
	m.reviews = s.reviews
	m.orgs = s.orgs
	m.billings = s.billings
	m.deposits = s.deposits
	m.ledger = s.ledger
}

// ---------------------------------------------------------------------------
// Annotators
// ---------------------------------------------------------------------------

func (m *MemStore) GetAnnotator(_ context.Context, id string) (*core.Annotator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.annotators[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAnnotator(a), nil
}

func (m *MemStore) PutAnnotator(_ context.Context, a *core.Annotator) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.annotators[a.ID] = copyAnnotator(a)
	return nil
}

func (m *MemStore) ListAnnotators(_ context.Context) ([]*core.Annotator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Annotator, 0, len(m.annotators))
	for _, a := range m.annotators {
		out = append(out, copyAnnotator(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyAnnotator(a *core.Annotator) *core.Annotator {
	c := *a
	c.Skills = append([]string(nil), a.Skills...)
	c.RollingScores = append([]float64(nil), a.RollingScores...)
	c.AccuracyHistory = append([]float64(nil), a.AccuracyHistory...)
	return &c
}

// ---------------------------------------------------------------------------
// Experts
// ---------------------------------------------------------------------------

func (m *MemStore) GetExpert(_ context.Context, id string) (*core.Expert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experts[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	c.Expertise = append([]core.ExpertiseTag(nil), e.Expertise...)
	return &c, nil
}

func (m *MemStore) PutExpert(_ context.Context, e *core.Expert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	c.Expertise = append([]core.ExpertiseTag(nil), e.Expertise...)
	m.experts[e.ID] = &c
	return nil
}

func (m *MemStore) ListExperts(_ context.Context) ([]*core.Expert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Expert, 0, len(m.experts))
	for _, e := range m.experts {
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Projects and tasks
// ---------------------------------------------------------------------------

func (m *MemStore) GetProject(_ context.Context, id string) (*core.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemStore) PutProject(_ context.Context, p *core.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.projects[p.ID] = &c
	return nil
}

func (m *MemStore) GetTask(_ context.Context, id string) (*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (m *MemStore) PutTask(_ context.Context, t *core.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		m.taskOrder = append(m.taskOrder, t.ID)
	}
	c := *t
	m.tasks[t.ID] = &c
	return nil
}

func (m *MemStore) ListUnderfilledTasks(_ context.Context, projectID string) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.ProjectID == projectID && t.AssignedCount < core.RequiredOverlap {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemStore) ListTasksByProject(_ context.Context, projectID string) ([]*core.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Task
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.ProjectID == projectID {
			c := *t
			out = append(out, &c)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

func (m *MemStore) GetAssignment(_ context.Context, id string) (*core.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *MemStore) PutAssignment(_ context.Context, a *core.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.assignments[a.ID] = &c
	return nil
}

func (m *MemStore) FindAssignment(_ context.Context, taskID, annotatorID string) (*core.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.TaskID == taskID && a.AnnotatorID == annotatorID {
			c := *a
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListAssignmentsByTask(_ context.Context, taskID string) ([]*core.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Assignment
	for _, a := range m.assignments {
		if a.TaskID == taskID {
			c := *a
			out = append(out, &c)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (m *MemStore) ListAssignmentsByAnnotator(_ context.Context, annotatorID string) ([]*core.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Assignment
	for _, a := range m.assignments {
		if a.AnnotatorID == annotatorID {
			c := *a
			out = append(out, &c)
		}
	}
	sortAssignments(out)
	return out, nil
}

func (m *MemStore) ListAssignments(_ context.Context) ([]*core.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Assignment, 0, len(m.assignments))
	for _, a := range m.assignments {
		c := *a
		out = append(out, &c)
	}
	sortAssignments(out)
	return out, nil
}

func sortAssignments(in []*core.Assignment) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].AssignedAt.Equal(in[j].AssignedAt) {
			return in[i].ID < in[j].ID
		}
		return in[i].AssignedAt.Before(in[j].AssignedAt)
	})
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

func (m *MemStore) GetSubmission(_ context.Context, id string) (*core.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.submissions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *MemStore) PutSubmission(_ context.Context, s *core.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirrors idx_submissions_unique_author: one active non-ground-truth
	// submission per (task, author).
	if !s.Cancelled && !s.GroundTruth {
		for _, other := range m.submissions {
			if other.ID != s.ID && other.TaskID == s.TaskID && other.AuthorID == s.AuthorID &&
				!other.Cancelled && !other.GroundTruth {
				return ErrDuplicateSubmission
			}
		}
	}
	c := *s
	m.submissions[s.ID] = &c
	return nil
}

func (m *MemStore) FindSubmissionByAuthor(_ context.Context, taskID, authorID string) (*core.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.submissions {
		if s.TaskID == taskID && s.AuthorID == authorID && !s.Cancelled && !s.GroundTruth {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListSubmissionsByTask(_ context.Context, taskID string) ([]*core.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Submission
	for _, s := range m.submissions {
		if s.TaskID == taskID {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ---------------------------------------------------------------------------
// Consensus
// ---------------------------------------------------------------------------

func (m *MemStore) GetConsensus(_ context.Context, id string) (*core.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.consensus[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) GetConsensusByTask(_ context.Context, taskID string) (*core.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.consensusByTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.consensus[id]
	return &cp, nil
}

func (m *MemStore) PutConsensus(_ context.Context, c *core.Consensus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.consensus[c.ID] = &cp
	m.consensusByTask[c.TaskID] = c.ID
	return nil
}

func (m *MemStore) ListConsensus(_ context.Context) ([]*core.Consensus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Consensus, 0, len(m.consensus))
	for _, c := range m.consensus {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) PutPairwiseAgreement(_ context.Context, p *core.PairwiseAgreement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *p
	m.pairwise[p.ConsensusID] = append(m.pairwise[p.ConsensusID], &c)
	return nil
}

func (m *MemStore) ListPairwiseAgreements(_ context.Context, consensusID string) ([]*core.PairwiseAgreement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.pairwise[consensusID]
	out := make([]*core.PairwiseAgreement, 0, len(rows))
	for _, p := range rows {
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemStore) PutAnnotatorQuality(_ context.Context, q *core.AnnotatorQuality) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *q
	m.qualities[q.ConsensusID] = append(m.qualities[q.ConsensusID], &c)
	return nil
}

// ---------------------------------------------------------------------------
// Goldens and probes
// ---------------------------------------------------------------------------

func (m *MemStore) GetGolden(_ context.Context, id string) (*core.GoldenTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.goldens[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *MemStore) PutGolden(_ context.Context, g *core.GoldenTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.goldens[g.ID]; !ok {
		m.goldenOrder = append(m.goldenOrder, g.ID)
	}
	c := *g
	m.goldens[g.ID] = &c
	return nil
}

func (m *MemStore) ListGoldensByProject(_ context.Context, projectID string) ([]*core.GoldenTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.GoldenTask
	for _, id := range m.goldenOrder {
		g := m.goldens[id]
		if g.ProjectID == projectID {
			c := *g
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemStore) GetProbe(_ context.Context, id string) (*core.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.probes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *MemStore) PutProbe(_ context.Context, p *core.ProbeAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.probes[p.ID]; !ok {
		m.probeOrder = append(m.probeOrder, p.ID)
	}
	c := *p
	m.probes[p.ID] = &c
	return nil
}

func (m *MemStore) FindPendingProbeByTask(_ context.Context, annotatorID, taskID string) (*core.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.probeOrder {
		p := m.probes[id]
		if p.AnnotatorID == annotatorID && p.TaskID == taskID && p.Status == core.ProbePending {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) ListProbesByAnnotator(_ context.Context, annotatorID string) ([]*core.ProbeAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ProbeAssignment
	for _, id := range m.probeOrder {
		p := m.probes[id]
		if p.AnnotatorID == annotatorID {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

func (m *MemStore) PutWarning(_ context.Context, w *core.Warning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *w
	m.warnings[w.AnnotatorID] = append(m.warnings[w.AnnotatorID], &c)
	return nil
}

func (m *MemStore) ListWarningsByAnnotator(_ context.Context, annotatorID string) ([]*core.Warning, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.warnings[annotatorID]
	out := make([]*core.Warning, 0, len(rows))
	for _, w := range rows {
		c := *w
		out = append(out, &c)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Reviews
// ---------------------------------------------------------------------------

func (m *MemStore) GetReview(_ context.Context, id string) (*core.ReviewTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *MemStore) PutReview(_ context.Context, r *core.ReviewTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.reviews[r.ID] = &c
	return nil
}

func (m *MemStore) ListReviews(_ context.Context) ([]*core.ReviewTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.ReviewTask, 0, len(m.reviews))
	for _, r := range m.reviews {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) ListReviewsByExpert(_ context.Context, expertID string) ([]*core.ReviewTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ReviewTask
	for _, r := range m.reviews {
		if r.ExpertID == expertID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Organizations, billing, deposits
// ---------------------------------------------------------------------------

func (m *MemStore) GetOrganization(_ context.Context, id string) (*core.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *o
	return &c, nil
}

func (m *MemStore) PutOrganization(_ context.Context, o *core.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *o
	m.orgs[o.ID] = &c
	return nil
}

func (m *MemStore) GetBilling(_ context.Context, projectID string) (*core.ProjectBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.billings[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (m *MemStore) PutBilling(_ context.Context, b *core.ProjectBilling) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *b
	m.billings[b.ProjectID] = &c
	return nil
}

func (m *MemStore) ListBillings(_ context.Context) ([]*core.ProjectBilling, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.ProjectBilling, 0, len(m.billings))
	for _, b := range m.billings {
		c := *b
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out, nil
}

func (m *MemStore) GetDeposit(_ context.Context, projectID string) (*core.SecurityDeposit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deposits[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	return &c, nil
}

func (m *MemStore) PutDeposit(_ context.Context, d *core.SecurityDeposit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *d
	m.deposits[d.ProjectID] = &c
	return nil
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (m *MemStore) AppendLedger(_ context.Context, e *core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	m.ledger[e.PrincipalID] = append(m.ledger[e.PrincipalID], &c)
	return nil
}

func (m *MemStore) ListLedger(_ context.Context, principalID string) ([]*core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.ledger[principalID]
	out := make([]*core.LedgerEntry, 0, len(rows))
	for _, e := range rows {
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

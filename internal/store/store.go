// Package store persists the platform aggregates. Engines talk to the Store
// interface only; the in-memory implementation backs tests and single-node
// deployments, the Postgres implementation backs parallel workers sharing a
// transactional database.
package store

import (
	"context"
	"errors"

	"github.com/annolab/backend/internal/core"
)

// ErrNotFound is returned when an aggregate does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrRowLocked is returned when a row lock is unavailable (skip-locked);
// callers defer the item to the next sweep.
var ErrRowLocked = errors.New("store: row locked")

// ErrDuplicateSubmission is returned when a second active submission lands on
// the same (task, author) pair. Cancelled rows and synthetic ground-truth rows
// sit outside the uniqueness scope.
var ErrDuplicateSubmission = errors.New("store: duplicate submission for task and author")

// Store is the aggregate persistence contract. Every state-mutating core
// operation runs inside WithinTx; the Store passed to the callback is bound
// to that transaction.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error

	GetAnnotator(ctx context.Context, id string) (*core.Annotator, error)
	PutAnnotator(ctx context.Context, a *core.Annotator) error
	ListAnnotators(ctx context.Context) ([]*core.Annotator, error)

	GetExpert(ctx context.Context, id string) (*core.Expert, error)
	PutExpert(ctx context.Context, e *core.Expert) error
	ListExperts(ctx context.Context) ([]*core.Expert, error)

	GetProject(ctx context.Context, id string) (*core.Project, error)
	PutProject(ctx context.Context, p *core.Project) error

	GetTask(ctx context.Context, id string) (*core.Task, error)
	PutTask(ctx context.Context, t *core.Task) error
	// ListUnderfilledTasks returns tasks with assigned_count below the
	// required overlap, in creation order. The Postgres implementation locks
	// the rows with SELECT ... FOR UPDATE SKIP LOCKED.
	ListUnderfilledTasks(ctx context.Context, projectID string) ([]*core.Task, error)
	ListTasksByProject(ctx context.Context, projectID string) ([]*core.Task, error)

	GetAssignment(ctx context.Context, id string) (*core.Assignment, error)
	PutAssignment(ctx context.Context, a *core.Assignment) error
	FindAssignment(ctx context.Context, taskID, annotatorID string) (*core.Assignment, error)
	ListAssignmentsByTask(ctx context.Context, taskID string) ([]*core.Assignment, error)
	ListAssignmentsByAnnotator(ctx context.Context, annotatorID string) ([]*core.Assignment, error)
	ListAssignments(ctx context.Context) ([]*core.Assignment, error)

	GetSubmission(ctx context.Context, id string) (*core.Submission, error)
	PutSubmission(ctx context.Context, s *core.Submission) error
	FindSubmissionByAuthor(ctx context.Context, taskID, authorID string) (*core.Submission, error)
	ListSubmissionsByTask(ctx context.Context, taskID string) ([]*core.Submission, error)

	GetConsensus(ctx context.Context, id string) (*core.Consensus, error)
	GetConsensusByTask(ctx context.Context, taskID string) (*core.Consensus, error)
	PutConsensus(ctx context.Context, c *core.Consensus) error
	ListConsensus(ctx context.Context) ([]*core.Consensus, error)
	PutPairwiseAgreement(ctx context.Context, p *core.PairwiseAgreement) error
	ListPairwiseAgreements(ctx context.Context, consensusID string) ([]*core.PairwiseAgreement, error)
	PutAnnotatorQuality(ctx context.Context, q *core.AnnotatorQuality) error

	GetGolden(ctx context.Context, id string) (*core.GoldenTask, error)
	PutGolden(ctx context.Context, g *core.GoldenTask) error
	ListGoldensByProject(ctx context.Context, projectID string) ([]*core.GoldenTask, error)

	GetProbe(ctx context.Context, id string) (*core.ProbeAssignment, error)
	PutProbe(ctx context.Context, p *core.ProbeAssignment) error
	FindPendingProbeByTask(ctx context.Context, annotatorID, taskID string) (*core.ProbeAssignment, error)
	ListProbesByAnnotator(ctx context.Context, annotatorID string) ([]*core.ProbeAssignment, error)

	PutWarning(ctx context.Context, w *core.Warning) error
	ListWarningsByAnnotator(ctx context.Context, annotatorID string) ([]*core.Warning, error)

	GetReview(ctx context.Context, id string) (*core.ReviewTask, error)
	PutReview(ctx context.Context, r *core.ReviewTask) error
	ListReviews(ctx context.Context) ([]*core.ReviewTask, error)
	ListReviewsByExpert(ctx context.Context, expertID string) ([]*core.ReviewTask, error)

	GetOrganization(ctx context.Context, id string) (*core.Organization, error)
	PutOrganization(ctx context.Context, o *core.Organization) error

	GetBilling(ctx context.Context, projectID string) (*core.ProjectBilling, error)
	PutBilling(ctx context.Context, b *core.ProjectBilling) error
	ListBillings(ctx context.Context) ([]*core.ProjectBilling, error)

	GetDeposit(ctx context.Context, projectID string) (*core.SecurityDeposit, error)
	PutDeposit(ctx context.Context, d *core.SecurityDeposit) error

	// AppendLedger appends one row to the append-only transaction ledger.
	AppendLedger(ctx context.Context, e *core.LedgerEntry) error
	ListLedger(ctx context.Context, principalID string) ([]*core.LedgerEntry, error)
}

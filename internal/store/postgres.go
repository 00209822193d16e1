package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/annolab/backend/internal/core"
)

// schemaSQL is compiled into the binary so schema init works without the
// source tree present.
//
//go:embed schema.sql
var schemaSQL string

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore implements Store on a shared relational database. Row locks
// on aggregate roots come from SELECT ... FOR UPDATE inside WithinTx; batch
// task listing uses SKIP LOCKED so parallel workers never block each other.
type PostgresStore struct {
	db *sql.DB
	q  querier
	tx *sql.Tx
}

// OpenPostgres connects and verifies the database.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db, q: db}, nil
}

// InitSchema executes the embedded DDL. Idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// WithinTx runs fn against a transaction-bound copy of the store and commits
// on success, rolls back on error.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.tx != nil {
		// Already transactional; reuse the scope.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	bound := &PostgresStore{db: s.db, q: tx, tx: tx}
	if err := fn(bound); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) forUpdate() string {
	if s.tx != nil {
		return " FOR UPDATE"
	}
	return ""
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}

func fromJSON[T any](b []byte) T {
	var v T
	if len(b) > 0 {
		_ = json.Unmarshal(b, &v)
	}
	return v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Annotators
// ---------------------------------------------------------------------------

const annotatorCols = `id, status, trust_level, can_receive_assignments, suspended,
	fraud_flags, skills, weekly_hours, max_tasks_override, lifetime_accuracy,
	lifetime_probe_count, rolling_scores, completion_rate, rejection_rate,
	tasks_completed, probe_pass_rate, accuracy_ema, accuracy_history,
	pending_cents, available_cents, withdrawn_cents, lifetime_earned_cents,
	last_active_at, created_at`

func scanAnnotator(row interface{ Scan(...any) error }) (*core.Annotator, error) {
	var a core.Annotator
	var skills, rolling, history []byte
	err := row.Scan(&a.ID, &a.Status, &a.TrustLevel, &a.CanReceiveAssignments,
		&a.Suspended, &a.FraudFlags, &skills, &a.WeeklyHours, &a.MaxTasksOverride,
		&a.LifetimeAccuracy, &a.LifetimeProbeCount, &rolling, &a.CompletionRate,
		&a.RejectionRate, &a.TasksCompleted, &a.ProbePassRate, &a.AccuracyEMA,
		&history, &a.Balances.Pending, &a.Balances.Available, &a.Balances.Withdrawn,
		&a.Balances.LifetimeEarned, &a.LastActiveAt, &a.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	a.Skills = fromJSON[[]string](skills)
	a.RollingScores = fromJSON[[]float64](rolling)
	a.AccuracyHistory = fromJSON[[]float64](history)
	return &a, nil
}

func (s *PostgresStore) GetAnnotator(ctx context.Context, id string) (*core.Annotator, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+annotatorCols+` FROM annotators WHERE id = $1`+s.forUpdate(), id)
	return scanAnnotator(row)
}

func (s *PostgresStore) PutAnnotator(ctx context.Context, a *core.Annotator) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO annotators (`+annotatorCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
		ON CONFLICT (id) DO UPDATE SET
			status=$2, trust_level=$3, can_receive_assignments=$4, suspended=$5,
			fraud_flags=$6, skills=$7, weekly_hours=$8, max_tasks_override=$9,
			lifetime_accuracy=$10, lifetime_probe_count=$11, rolling_scores=$12,
			completion_rate=$13, rejection_rate=$14, tasks_completed=$15,
			probe_pass_rate=$16, accuracy_ema=$17, accuracy_history=$18,
			pending_cents=$19, available_cents=$20, withdrawn_cents=$21,
			lifetime_earned_cents=$22, last_active_at=$23`,
		a.ID, a.Status, a.TrustLevel, a.CanReceiveAssignments, a.Suspended,
		a.FraudFlags, mustJSON(a.Skills), a.WeeklyHours, a.MaxTasksOverride,
		a.LifetimeAccuracy, a.LifetimeProbeCount, mustJSON(a.RollingScores),
		a.CompletionRate, a.RejectionRate, a.TasksCompleted, a.ProbePassRate,
		a.AccuracyEMA, mustJSON(a.AccuracyHistory), a.Balances.Pending,
		a.Balances.Available, a.Balances.Withdrawn, a.Balances.LifetimeEarned,
		a.LastActiveAt, a.CreatedAt)
	return err
}

func (s *PostgresStore) ListAnnotators(ctx context.Context) ([]*core.Annotator, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+annotatorCols+` FROM annotators ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Annotator
	for rows.Next() {
		a, err := scanAnnotator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Experts
// ---------------------------------------------------------------------------

func scanExpert(row interface{ Scan(...any) error }) (*core.Expert, error) {
	var e core.Expert
	var expertise []byte
	err := row.Scan(&e.ID, &e.Active, &e.Accepting, &e.Workload, &e.MaxConcurrent,
		&expertise, &e.LastActiveAt)
	if err != nil {
		return nil, notFound(err)
	}
	e.Expertise = fromJSON[[]core.ExpertiseTag](expertise)
	return &e, nil
}

func (s *PostgresStore) GetExpert(ctx context.Context, id string) (*core.Expert, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, active, accepting, workload,
		max_concurrent, expertise, last_active_at FROM experts WHERE id = $1`+s.forUpdate(), id)
	return scanExpert(row)
}

func (s *PostgresStore) PutExpert(ctx context.Context, e *core.Expert) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO experts (id, active, accepting, workload, max_concurrent, expertise, last_active_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET active=$2, accepting=$3, workload=$4,
			max_concurrent=$5, expertise=$6, last_active_at=$7`,
		e.ID, e.Active, e.Accepting, e.Workload, e.MaxConcurrent,
		mustJSON(e.Expertise), e.LastActiveAt)
	return err
}

func (s *PostgresStore) ListExperts(ctx context.Context) ([]*core.Expert, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, active, accepting, workload,
		max_concurrent, expertise, last_active_at FROM experts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Expert
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Projects and tasks
// ---------------------------------------------------------------------------

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*core.Project, error) {
	var p core.Project
	var minTrust string
	var expertise []byte
	err := s.q.QueryRowContext(ctx, `SELECT id, organization_id, label_config,
		annotation_type, min_trust_level, expertise, published, created_at
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OrganizationID, &p.LabelConfig, &p.AnnotationType,
			&minTrust, &expertise, &p.Published, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	p.MinTrustLevel = core.TrustLevel(minTrust)
	if len(expertise) > 0 && string(expertise) != "null" {
		p.Expertise = fromJSON[*core.ExpertiseRequirement](expertise)
	}
	return &p, nil
}

func (s *PostgresStore) PutProject(ctx context.Context, p *core.Project) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO projects (id, organization_id, label_config, annotation_type,
			min_trust_level, expertise, published, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET organization_id=$2, label_config=$3,
			annotation_type=$4, min_trust_level=$5, expertise=$6, published=$7`,
		p.ID, p.OrganizationID, p.LabelConfig, p.AnnotationType,
		string(p.MinTrustLevel), mustJSON(p.Expertise), p.Published, p.CreatedAt)
	return err
}

func scanTask(row interface{ Scan(...any) error }) (*core.Task, error) {
	var t core.Task
	var payload []byte
	err := row.Scan(&t.ID, &t.ProjectID, &payload, &t.TargetAssignments,
		&t.AssignedCount, &t.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	t.Payload = fromJSON[map[string]any](payload)
	return &t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, project_id, payload,
		target_assignments, assigned_count, created_at FROM tasks WHERE id = $1`+s.forUpdate(), id)
	return scanTask(row)
}

func (s *PostgresStore) PutTask(ctx context.Context, t *core.Task) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, payload, target_assignments, assigned_count, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET payload=$3, target_assignments=$4, assigned_count=$5`,
		t.ID, t.ProjectID, mustJSON(t.Payload), t.TargetAssignments, t.AssignedCount, t.CreatedAt)
	return err
}

func (s *PostgresStore) ListUnderfilledTasks(ctx context.Context, projectID string) ([]*core.Task, error) {
	lock := ""
	if s.tx != nil {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	rows, err := s.q.QueryContext(ctx, `SELECT id, project_id, payload,
		target_assignments, assigned_count, created_at FROM tasks
		WHERE project_id = $1 AND assigned_count < $2 ORDER BY created_at, id`+lock,
		projectID, core.RequiredOverlap)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]*core.Task, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, project_id, payload,
		target_assignments, assigned_count, created_at FROM tasks
		WHERE project_id = $1 ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

const assignmentCols = `id, task_id, project_id, annotator_id, status, assigned_at,
	started_at, completed_at, submission_id, base_cents, immediate_cents,
	consensus_cents, review_cents, quality_multiplier, trust_multiplier,
	accuracy_multiplier, immediate_released, consensus_released, review_released,
	is_honeypot, honeypot_pass, golden_id`

func scanAssignment(row interface{ Scan(...any) error }) (*core.Assignment, error) {
	var a core.Assignment
	var started, completed sql.NullTime
	var pass sql.NullBool
	err := row.Scan(&a.ID, &a.TaskID, &a.ProjectID, &a.AnnotatorID, &a.Status,
		&a.AssignedAt, &started, &completed, &a.SubmissionID, &a.BasePayment,
		&a.ImmediatePayment, &a.ConsensusPayment, &a.ReviewPayment,
		&a.QualityMultiplier, &a.TrustMultiplier, &a.AccuracyMultiplier,
		&a.ImmediateReleased, &a.ConsensusReleased, &a.ReviewReleased,
		&a.IsHoneypot, &pass, &a.GoldenID)
	if err != nil {
		return nil, notFound(err)
	}
	a.StartedAt = timePtr(started)
	a.CompletedAt = timePtr(completed)
	if pass.Valid {
		v := pass.Bool
		a.HoneypotPass = &v
	}
	return &a, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id string) (*core.Assignment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+assignmentCols+` FROM assignments WHERE id = $1`+s.forUpdate(), id)
	return scanAssignment(row)
}

func (s *PostgresStore) PutAssignment(ctx context.Context, a *core.Assignment) error {
	var pass sql.NullBool
	if a.HoneypotPass != nil {
		pass = sql.NullBool{Bool: *a.HoneypotPass, Valid: true}
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO assignments (`+assignmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (id) DO UPDATE SET annotator_id=$4, status=$5, assigned_at=$6,
			started_at=$7, completed_at=$8,
			submission_id=$9, base_cents=$10, immediate_cents=$11, consensus_cents=$12,
			review_cents=$13, quality_multiplier=$14, trust_multiplier=$15,
			accuracy_multiplier=$16, immediate_released=$17, consensus_released=$18,
			review_released=$19, honeypot_pass=$21`,
		a.ID, a.TaskID, a.ProjectID, a.AnnotatorID, a.Status, a.AssignedAt,
		nullTime(a.StartedAt), nullTime(a.CompletedAt), a.SubmissionID,
		a.BasePayment, a.ImmediatePayment, a.ConsensusPayment, a.ReviewPayment,
		a.QualityMultiplier, a.TrustMultiplier, a.AccuracyMultiplier,
		a.ImmediateReleased, a.ConsensusReleased, a.ReviewReleased,
		a.IsHoneypot, pass, a.GoldenID)
	return err
}

func (s *PostgresStore) FindAssignment(ctx context.Context, taskID, annotatorID string) (*core.Assignment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
		WHERE task_id = $1 AND annotator_id = $2`, taskID, annotatorID)
	return scanAssignment(row)
}

func (s *PostgresStore) listAssignments(ctx context.Context, where string, args ...any) ([]*core.Assignment, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+assignmentCols+` FROM assignments `+where+` ORDER BY assigned_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAssignmentsByTask(ctx context.Context, taskID string) ([]*core.Assignment, error) {
	return s.listAssignments(ctx, `WHERE task_id = $1`, taskID)
}

func (s *PostgresStore) ListAssignmentsByAnnotator(ctx context.Context, annotatorID string) ([]*core.Assignment, error) {
	return s.listAssignments(ctx, `WHERE annotator_id = $1`, annotatorID)
}

func (s *PostgresStore) ListAssignments(ctx context.Context) ([]*core.Assignment, error) {
	return s.listAssignments(ctx, ``)
}

// ---------------------------------------------------------------------------
// Submissions
// ---------------------------------------------------------------------------

func scanSubmission(row interface{ Scan(...any) error }) (*core.Submission, error) {
	var sub core.Submission
	var result []byte
	err := row.Scan(&sub.ID, &sub.TaskID, &sub.ProjectID, &sub.AuthorID, &result,
		&sub.Cancelled, &sub.GroundTruth, &sub.LeadTime, &sub.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	sub.Result = fromJSON[map[string]any](result)
	return &sub, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*core.Submission, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, task_id, project_id, author_id,
		result, cancelled, ground_truth, lead_time, created_at
		FROM submissions WHERE id = $1`, id)
	return scanSubmission(row)
}

func (s *PostgresStore) PutSubmission(ctx context.Context, sub *core.Submission) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO submissions (id, task_id, project_id, author_id, result,
			cancelled, ground_truth, lead_time, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET result=$5, cancelled=$6, ground_truth=$7`,
		sub.ID, sub.TaskID, sub.ProjectID, sub.AuthorID, mustJSON(sub.Result),
		sub.Cancelled, sub.GroundTruth, sub.LeadTime, sub.CreatedAt)
	return err
}

func (s *PostgresStore) FindSubmissionByAuthor(ctx context.Context, taskID, authorID string) (*core.Submission, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, task_id, project_id, author_id,
		result, cancelled, ground_truth, lead_time, created_at FROM submissions
		WHERE task_id = $1 AND author_id = $2 AND NOT cancelled AND NOT ground_truth`, taskID, authorID)
	return scanSubmission(row)
}

func (s *PostgresStore) ListSubmissionsByTask(ctx context.Context, taskID string) ([]*core.Submission, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, task_id, project_id, author_id,
		result, cancelled, ground_truth, lead_time, created_at FROM submissions
		WHERE task_id = $1 ORDER BY created_at, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Consensus
// ---------------------------------------------------------------------------

const consensusCols = `id, task_id, project_id, current_annotations,
	required_annotations, status, consolidated_result, method, avg_agreement,
	min_agreement, max_agreement, updated_at, created_at`

func scanConsensus(row interface{ Scan(...any) error }) (*core.Consensus, error) {
	var c core.Consensus
	var result []byte
	err := row.Scan(&c.ID, &c.TaskID, &c.ProjectID, &c.CurrentAnnotations,
		&c.RequiredAnnotations, &c.Status, &result, &c.Method, &c.AvgAgreement,
		&c.MinAgreement, &c.MaxAgreement, &c.UpdatedAt, &c.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(result) > 0 && string(result) != "null" {
		c.ConsolidatedResult = fromJSON[map[string]any](result)
	}
	return &c, nil
}

func (s *PostgresStore) GetConsensus(ctx context.Context, id string) (*core.Consensus, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+consensusCols+` FROM consensus WHERE id = $1`+s.forUpdate(), id)
	return scanConsensus(row)
}

func (s *PostgresStore) GetConsensusByTask(ctx context.Context, taskID string) (*core.Consensus, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+consensusCols+` FROM consensus WHERE task_id = $1`+s.forUpdate(), taskID)
	return scanConsensus(row)
}

func (s *PostgresStore) PutConsensus(ctx context.Context, c *core.Consensus) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO consensus (`+consensusCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET current_annotations=$4, required_annotations=$5,
			status=$6, consolidated_result=$7, method=$8, avg_agreement=$9,
			min_agreement=$10, max_agreement=$11, updated_at=$12`,
		c.ID, c.TaskID, c.ProjectID, c.CurrentAnnotations, c.RequiredAnnotations,
		c.Status, mustJSON(c.ConsolidatedResult), c.Method, c.AvgAgreement,
		c.MinAgreement, c.MaxAgreement, c.UpdatedAt, c.CreatedAt)
	return err
}

func (s *PostgresStore) ListConsensus(ctx context.Context) ([]*core.Consensus, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+consensusCols+` FROM consensus ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Consensus
	for rows.Next() {
		c, err := scanConsensus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutPairwiseAgreement(ctx context.Context, p *core.PairwiseAgreement) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pairwise_agreements (id, consensus_id, annotator_a, annotator_b,
			overall, iou, label_match, position_match)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) ON CONFLICT (id) DO NOTHING`,
		p.ID, p.ConsensusID, p.AnnotatorA, p.AnnotatorB, p.Overall, p.IoU,
		p.LabelMatch, p.PositionMatch)
	return err
}

func (s *PostgresStore) ListPairwiseAgreements(ctx context.Context, consensusID string) ([]*core.PairwiseAgreement, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, consensus_id, annotator_a,
		annotator_b, overall, iou, label_match, position_match
		FROM pairwise_agreements WHERE consensus_id = $1 ORDER BY id`, consensusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.PairwiseAgreement
	for rows.Next() {
		var p core.PairwiseAgreement
		if err := rows.Scan(&p.ID, &p.ConsensusID, &p.AnnotatorA, &p.AnnotatorB,
			&p.Overall, &p.IoU, &p.LabelMatch, &p.PositionMatch); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutAnnotatorQuality(ctx context.Context, q *core.AnnotatorQuality) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO annotator_qualities (id, consensus_id, annotator_id, quality_score, peer_agreement)
		VALUES ($1,$2,$3,$4,$5) ON CONFLICT (id) DO NOTHING`,
		q.ID, q.ConsensusID, q.AnnotatorID, q.QualityScore, q.PeerAgreement)
	return err
}

// ---------------------------------------------------------------------------
// Goldens and probes
// ---------------------------------------------------------------------------

func scanGolden(row interface{ Scan(...any) error }) (*core.GoldenTask, error) {
	var g core.GoldenTask
	var payload, reference []byte
	err := row.Scan(&g.ID, &g.ProjectID, &payload, &reference, &g.Tolerance,
		&g.UseCount, &g.Retired, &g.Active, &g.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	g.Payload = fromJSON[map[string]any](payload)
	g.Reference = fromJSON[map[string]any](reference)
	return &g, nil
}

func (s *PostgresStore) GetGolden(ctx context.Context, id string) (*core.GoldenTask, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, project_id, payload, reference,
		tolerance, use_count, retired, active, created_at
		FROM golden_tasks WHERE id = $1`+s.forUpdate(), id)
	return scanGolden(row)
}

func (s *PostgresStore) PutGolden(ctx context.Context, g *core.GoldenTask) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO golden_tasks (id, project_id, payload, reference, tolerance,
			use_count, retired, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET tolerance=$5, use_count=$6, retired=$7, active=$8`,
		g.ID, g.ProjectID, mustJSON(g.Payload), mustJSON(g.Reference), g.Tolerance,
		g.UseCount, g.Retired, g.Active, g.CreatedAt)
	return err
}

func (s *PostgresStore) ListGoldensByProject(ctx context.Context, projectID string) ([]*core.GoldenTask, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, project_id, payload, reference,
		tolerance, use_count, retired, active, created_at FROM golden_tasks
		WHERE project_id = $1 ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.GoldenTask
	for rows.Next() {
		g, err := scanGolden(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const probeCols = `id, annotator_id, golden_id, project_id, task_id, position,
	status, score, passed, detail, evaluated_at, created_at`

func scanProbe(row interface{ Scan(...any) error }) (*core.ProbeAssignment, error) {
	var p core.ProbeAssignment
	var detail []byte
	var evaluated sql.NullTime
	err := row.Scan(&p.ID, &p.AnnotatorID, &p.GoldenID, &p.ProjectID, &p.TaskID,
		&p.Position, &p.Status, &p.Score, &p.Passed, &detail, &evaluated, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if len(detail) > 0 && string(detail) != "null" {
		p.Detail = fromJSON[map[string]any](detail)
	}
	p.EvaluatedAt = timePtr(evaluated)
	return &p, nil
}

func (s *PostgresStore) GetProbe(ctx context.Context, id string) (*core.ProbeAssignment, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+probeCols+` FROM probe_assignments WHERE id = $1`+s.forUpdate(), id)
	return scanProbe(row)
}

func (s *PostgresStore) PutProbe(ctx context.Context, p *core.ProbeAssignment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO probe_assignments (`+probeCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET status=$7, score=$8, passed=$9, detail=$10,
			evaluated_at=$11`,
		p.ID, p.AnnotatorID, p.GoldenID, p.ProjectID, p.TaskID, p.Position,
		p.Status, p.Score, p.Passed, mustJSON(p.Detail), nullTime(p.EvaluatedAt),
		p.CreatedAt)
	return err
}

func (s *PostgresStore) FindPendingProbeByTask(ctx context.Context, annotatorID, taskID string) (*core.ProbeAssignment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+probeCols+` FROM probe_assignments
		WHERE annotator_id = $1 AND task_id = $2 AND status = 'pending'
		ORDER BY created_at LIMIT 1`+s.forUpdate(), annotatorID, taskID)
	return scanProbe(row)
}

func (s *PostgresStore) ListProbesByAnnotator(ctx context.Context, annotatorID string) ([]*core.ProbeAssignment, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+probeCols+` FROM probe_assignments
		WHERE annotator_id = $1 ORDER BY created_at, id`, annotatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ProbeAssignment
	for rows.Next() {
		p, err := scanProbe(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

func (s *PostgresStore) PutWarning(ctx context.Context, w *core.Warning) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO warnings (id, annotator_id, level, rolling_accuracy, acknowledged, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO UPDATE SET acknowledged=$5`,
		w.ID, w.AnnotatorID, w.Level, w.RollingAccuracy, w.Acknowledged, w.IssuedAt)
	return err
}

func (s *PostgresStore) ListWarningsByAnnotator(ctx context.Context, annotatorID string) ([]*core.Warning, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, annotator_id, level,
		rolling_accuracy, acknowledged, issued_at FROM warnings
		WHERE annotator_id = $1 ORDER BY issued_at, id`, annotatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.Warning
	for rows.Next() {
		var w core.Warning
		if err := rows.Scan(&w.ID, &w.AnnotatorID, &w.Level, &w.RollingAccuracy,
			&w.Acknowledged, &w.IssuedAt); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Reviews
// ---------------------------------------------------------------------------

const reviewCols = `id, consensus_id, task_id, project_id, expert_id, status,
	tag, disagreement_score, assigned_at, decided_at, created_at`

func scanReview(row interface{ Scan(...any) error }) (*core.ReviewTask, error) {
	var r core.ReviewTask
	var assigned, decided sql.NullTime
	err := row.Scan(&r.ID, &r.ConsensusID, &r.TaskID, &r.ProjectID, &r.ExpertID,
		&r.Status, &r.Tag, &r.DisagreementScore, &assigned, &decided, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	r.AssignedAt = timePtr(assigned)
	r.DecidedAt = timePtr(decided)
	return &r, nil
}

func (s *PostgresStore) GetReview(ctx context.Context, id string) (*core.ReviewTask, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+reviewCols+` FROM review_tasks WHERE id = $1`+s.forUpdate(), id)
	return scanReview(row)
}

func (s *PostgresStore) PutReview(ctx context.Context, r *core.ReviewTask) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO review_tasks (`+reviewCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET expert_id=$5, status=$6, tag=$7,
			disagreement_score=$8, assigned_at=$9, decided_at=$10`,
		r.ID, r.ConsensusID, r.TaskID, r.ProjectID, r.ExpertID, r.Status, r.Tag,
		r.DisagreementScore, nullTime(r.AssignedAt), nullTime(r.DecidedAt), r.CreatedAt)
	return err
}

func (s *PostgresStore) listReviews(ctx context.Context, where string, args ...any) ([]*core.ReviewTask, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+reviewCols+` FROM review_tasks `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ReviewTask
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListReviews(ctx context.Context) ([]*core.ReviewTask, error) {
	return s.listReviews(ctx, ``)
}

func (s *PostgresStore) ListReviewsByExpert(ctx context.Context, expertID string) ([]*core.ReviewTask, error) {
	return s.listReviews(ctx, `WHERE expert_id = $1`, expertID)
}

// ---------------------------------------------------------------------------
// Organizations, billing, deposits
// ---------------------------------------------------------------------------

func (s *PostgresStore) GetOrganization(ctx context.Context, id string) (*core.Organization, error) {
	var o core.Organization
	err := s.q.QueryRowContext(ctx,
		`SELECT id, credits_cents FROM organizations WHERE id = $1`+s.forUpdate(), id).
		Scan(&o.ID, &o.Credits)
	if err != nil {
		return nil, notFound(err)
	}
	return &o, nil
}

func (s *PostgresStore) PutOrganization(ctx context.Context, o *core.Organization) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO organizations (id, credits_cents) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET credits_cents=$2`, o.ID, o.Credits)
	return err
}

const billingCols = `project_id, organization_id, required_cents, paid_cents,
	refunded_cents, consumed_cents, actual_cost_cents, state, state_changed_at,
	last_activity_at, last_export_at, export_count, scheduled_deletion_at`

func scanBilling(row interface{ Scan(...any) error }) (*core.ProjectBilling, error) {
	var b core.ProjectBilling
	var lastExport, scheduled sql.NullTime
	err := row.Scan(&b.ProjectID, &b.OrganizationID, &b.RequiredDeposit,
		&b.PaidDeposit, &b.Refunded, &b.Consumed, &b.ActualCost, &b.State,
		&b.StateChangedAt, &b.LastActivityAt, &lastExport, &b.ExportCount, &scheduled)
	if err != nil {
		return nil, notFound(err)
	}
	b.LastExportAt = timePtr(lastExport)
	b.ScheduledDeletionAt = timePtr(scheduled)
	return &b, nil
}

func (s *PostgresStore) GetBilling(ctx context.Context, projectID string) (*core.ProjectBilling, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+billingCols+` FROM project_billing WHERE project_id = $1`+s.forUpdate(), projectID)
	return scanBilling(row)
}

func (s *PostgresStore) PutBilling(ctx context.Context, b *core.ProjectBilling) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO project_billing (`+billingCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (project_id) DO UPDATE SET required_cents=$3, paid_cents=$4,
			refunded_cents=$5, consumed_cents=$6, actual_cost_cents=$7, state=$8,
			state_changed_at=$9, last_activity_at=$10, last_export_at=$11,
			export_count=$12, scheduled_deletion_at=$13`,
		b.ProjectID, b.OrganizationID, b.RequiredDeposit, b.PaidDeposit,
		b.Refunded, b.Consumed, b.ActualCost, b.State, b.StateChangedAt,
		b.LastActivityAt, nullTime(b.LastExportAt), b.ExportCount,
		nullTime(b.ScheduledDeletionAt))
	return err
}

func (s *PostgresStore) ListBillings(ctx context.Context) ([]*core.ProjectBilling, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+billingCols+` FROM project_billing ORDER BY project_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.ProjectBilling
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetDeposit(ctx context.Context, projectID string) (*core.SecurityDeposit, error) {
	var d core.SecurityDeposit
	err := s.q.QueryRowContext(ctx, `SELECT id, project_id, base_cents, storage_cents,
		annotation_cents, total_cents, status, created_at, updated_at
		FROM security_deposits WHERE project_id = $1`+s.forUpdate(), projectID).
		Scan(&d.ID, &d.ProjectID, &d.BaseFee, &d.StorageFee, &d.AnnotationFee,
			&d.Total, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *PostgresStore) PutDeposit(ctx context.Context, d *core.SecurityDeposit) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO security_deposits (id, project_id, base_cents, storage_cents,
			annotation_cents, total_cents, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (project_id) DO UPDATE SET status=$7, updated_at=$9`,
		d.ID, d.ProjectID, d.BaseFee, d.StorageFee, d.AnnotationFee, d.Total,
		d.Status, d.CreatedAt, d.UpdatedAt)
	return err
}

// ---------------------------------------------------------------------------
// Ledger
// ---------------------------------------------------------------------------

func (s *PostgresStore) AppendLedger(ctx context.Context, e *core.LedgerEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, principal_id, category, amount_cents,
			balance_after, reference, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PrincipalID, e.Category, e.Amount, e.BalanceAfter, e.Reference, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListLedger(ctx context.Context, principalID string) ([]*core.LedgerEntry, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, principal_id, category,
		amount_cents, balance_after, reference, created_at FROM ledger_entries
		WHERE principal_id = $1 ORDER BY created_at, id`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*core.LedgerEntry
	for rows.Next() {
		var e core.LedgerEntry
		if err := rows.Scan(&e.ID, &e.PrincipalID, &e.Category, &e.Amount,
			&e.BalanceAfter, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

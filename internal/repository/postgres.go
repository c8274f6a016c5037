package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/flakeguard/flakeguard/internal/models"
)

// PostgresRepository implements Store using PostgreSQL.
type PostgresRepository struct {
	db *sqlx.DB
}

// NewPostgresRepository connects using the given DSN.
func NewPostgresRepository(connectionString string) (*PostgresRepository, error) {
	db, err := sqlx.Connect("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRepository{db: db}, nil
}

// Close closes the database connection.
func (r *PostgresRepository) Close() error {
	return r.db.Close()
}

// RunMigrations executes migration SQL against the database.
func (r *PostgresRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// InstallationRepository implementation

func (r *PostgresRepository) UpsertInstallation(ctx context.Context, inst *models.Installation) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	query := `
		INSERT INTO installations (id, account_login, account_type, repository_selection, permissions, events, suspended_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			account_login = EXCLUDED.account_login,
			account_type = EXCLUDED.account_type,
			repository_selection = EXCLUDED.repository_selection,
			permissions = EXCLUDED.permissions,
			events = EXCLUDED.events,
			suspended_at = EXCLUDED.suspended_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		inst.ID, inst.AccountLogin, inst.AccountType, inst.RepoSelection,
		inst.PermissionsRaw, inst.EventsRaw, inst.SuspendedAt, inst.CreatedAt, inst.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	var inst models.Installation
	err := r.db.GetContext(ctx, &inst, `SELECT * FROM installations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &inst, err
}

func (r *PostgresRepository) DeleteInstallation(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM installations WHERE id = $1`, id)
	return err
}

func (r *PostgresRepository) UpsertRepository(ctx context.Context, repo *models.Repository) error {
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	query := `
		INSERT INTO repositories (id, installation_id, owner, name, default_branch, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			installation_id = EXCLUDED.installation_id,
			owner = EXCLUDED.owner,
			name = EXCLUDED.name,
			default_branch = EXCLUDED.default_branch,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		repo.ID, repo.InstallationID, repo.Owner, repo.Name, repo.DefaultBranch, repo.CreatedAt, repo.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &repo, err
}

func (r *PostgresRepository) GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE owner = $1 AND name = $2`, owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &repo, err
}

func (r *PostgresRepository) DeleteRepository(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	return err
}

// WorkflowRepository implementation

func (r *PostgresRepository) UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	query := `
		INSERT INTO workflow_runs (id, repository_id, name, head_sha, branch, status, conclusion, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			branch = EXCLUDED.branch,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.RepositoryID, run.Name, run.HeadSHA, run.Branch,
		run.Status, run.Conclusion, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetWorkflowRun(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM workflow_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *PostgresRepository) GetWorkflowRunByHeadSHA(ctx context.Context, repoID int64, headSHA string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	query := `SELECT * FROM workflow_runs WHERE repository_id = $1 AND head_sha = $2 ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &run, query, repoID, headSHA)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *PostgresRepository) UpsertWorkflowJob(ctx context.Context, job *models.WorkflowJob) error {
	query := `
		INSERT INTO workflow_jobs (id, run_id, repository_id, name, status, conclusion, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.RunID, job.RepositoryID, job.Name,
		job.Status, job.Conclusion, job.StartedAt, job.CompletedAt,
	)
	return err
}

func (r *PostgresRepository) ListJobsForRun(ctx context.Context, runID int64) ([]*models.WorkflowJob, error) {
	var jobs []*models.WorkflowJob
	err := r.db.SelectContext(ctx, &jobs, `SELECT * FROM workflow_jobs WHERE run_id = $1 ORDER BY id`, runID)
	return jobs, err
}

func (r *PostgresRepository) CountRerunAttempts(ctx context.Context, runID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM rerun_attempts WHERE run_id = $1`, runID)
	return count, err
}

func (r *PostgresRepository) ReserveRerunAttempt(ctx context.Context, attempt *models.RerunAttempt, ceiling int) (int, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Per-run advisory lock keeps the ceiling check race-free across workers.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, attempt.RunID); err != nil {
		return 0, err
	}

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM rerun_attempts WHERE run_id = $1`, attempt.RunID); err != nil {
		return 0, err
	}
	if count >= ceiling {
		return count, ErrRerunCeiling
	}

	query := `
		INSERT INTO rerun_attempts (id, run_id, repository_id, check_run_id, failed_jobs, total_jobs, mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := tx.ExecContext(ctx, query,
		attempt.ID, attempt.RunID, attempt.RepositoryID, attempt.CheckRunID,
		attempt.FailedJobs, attempt.TotalJobs, attempt.Mode, attempt.CreatedAt,
	); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return count + 1, nil
}

// CheckRepository implementation

func (r *PostgresRepository) UpsertCheckRun(ctx context.Context, cr *models.CheckRun) error {
	now := time.Now().UTC()
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.UpdatedAt = now

	query := `
		INSERT INTO check_runs (id, repository_id, name, head_sha, status, conclusion, title, summary, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			conclusion = EXCLUDED.conclusion,
			title = EXCLUDED.title,
			summary = EXCLUDED.summary,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		cr.ID, cr.RepositoryID, cr.Name, cr.HeadSHA, cr.Status,
		cr.Conclusion, cr.Title, cr.Summary, cr.CreatedAt, cr.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetCheckRun(ctx context.Context, id int64) (*models.CheckRun, error) {
	var cr models.CheckRun
	err := r.db.GetContext(ctx, &cr, `SELECT * FROM check_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cr, err
}

func (r *PostgresRepository) FindCheckRunByName(ctx context.Context, repoID int64, headSHA, name string) (*models.CheckRun, error) {
	var cr models.CheckRun
	query := `SELECT * FROM check_runs WHERE repository_id = $1 AND head_sha = $2 AND name = $3 ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &cr, query, repoID, headSHA, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cr, err
}

// FlakeRepository implementation

func (r *PostgresRepository) InsertTestResult(ctx context.Context, tr *models.TestResult) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.ObservedAt.IsZero() {
		tr.ObservedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO test_results (id, repository_id, test_name, file_path, outcome, error_message, stack_trace, duration_ms, check_run_id, job_id, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		tr.ID, tr.RepositoryID, tr.TestName, tr.FilePath, tr.Outcome,
		tr.ErrorMessage, tr.StackTrace, tr.DurationMs, tr.CheckRunID, tr.JobID, tr.ObservedAt,
	)
	return err
}

func (r *PostgresRepository) ListTestResults(ctx context.Context, repoID int64, testName string, since time.Time) ([]*models.TestResult, error) {
	var results []*models.TestResult
	query := `
		SELECT * FROM test_results
		WHERE repository_id = $1 AND test_name = $2 AND observed_at >= $3
		ORDER BY observed_at ASC
	`
	err := r.db.SelectContext(ctx, &results, query, repoID, testName, since)
	return results, err
}

func (r *PostgresRepository) UpsertFlakeDetection(ctx context.Context, fd *models.FlakeDetection) error {
	if fd.ID == "" {
		fd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if fd.CreatedAt.IsZero() {
		fd.CreatedAt = now
	}
	fd.UpdatedAt = now

	query := `
		INSERT INTO flake_detections (id, repository_id, test_name, file_path, is_flaky, confidence, failure_pattern,
			total_runs, failed_runs, failure_rate, last_failure_at, suggested_action, check_run_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (repository_id, test_name) DO UPDATE SET
			file_path = EXCLUDED.file_path,
			is_flaky = EXCLUDED.is_flaky,
			confidence = EXCLUDED.confidence,
			failure_pattern = EXCLUDED.failure_pattern,
			total_runs = EXCLUDED.total_runs,
			failed_runs = EXCLUDED.failed_runs,
			failure_rate = EXCLUDED.failure_rate,
			last_failure_at = EXCLUDED.last_failure_at,
			suggested_action = EXCLUDED.suggested_action,
			check_run_id = EXCLUDED.check_run_id,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		fd.ID, fd.RepositoryID, fd.TestName, fd.FilePath, fd.IsFlaky, fd.Confidence, fd.FailurePattern,
		fd.TotalRuns, fd.FailedRuns, fd.FailureRate, fd.LastFailureAt, fd.SuggestedAction, fd.CheckRunID,
		fd.Status, fd.CreatedAt, fd.UpdatedAt,
	)
	return err
}

func (r *PostgresRepository) GetFlakeDetection(ctx context.Context, repoID int64, testName string) (*models.FlakeDetection, error) {
	var fd models.FlakeDetection
	err := r.db.GetContext(ctx, &fd, `SELECT * FROM flake_detections WHERE repository_id = $1 AND test_name = $2`, repoID, testName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &fd, err
}

func (r *PostgresRepository) ListFlakeDetectionsByCheckRun(ctx context.Context, checkRunID int64) ([]*models.FlakeDetection, error) {
	var list []*models.FlakeDetection
	err := r.db.SelectContext(ctx, &list, `SELECT * FROM flake_detections WHERE check_run_id = $1 ORDER BY confidence DESC`, checkRunID)
	return list, err
}

func (r *PostgresRepository) ListFlakyDetections(ctx context.Context, repoID int64, limit int) ([]*models.FlakeDetection, error) {
	var list []*models.FlakeDetection
	query := `
		SELECT * FROM flake_detections
		WHERE repository_id = $1 AND is_flaky = TRUE
		ORDER BY confidence DESC, failure_rate DESC
		LIMIT $2
	`
	err := r.db.SelectContext(ctx, &list, query, repoID, limit)
	return list, err
}

func (r *PostgresRepository) SetFlakeStatus(ctx context.Context, repoID int64, testName string, status models.FlakeStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE flake_detections SET status = $1, updated_at = $2 WHERE repository_id = $3 AND test_name = $4`,
		status, time.Now().UTC(), repoID, testName,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) CountFlaky(ctx context.Context, repoID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flake_detections WHERE repository_id = $1 AND is_flaky = TRUE`, repoID)
	return count, err
}

func (r *PostgresRepository) CountByStatus(ctx context.Context, repoID int64, status models.FlakeStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flake_detections WHERE repository_id = $1 AND status = $2`, repoID, status)
	return count, err
}

func (r *PostgresRepository) CountDetectedSince(ctx context.Context, repoID int64, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM flake_detections WHERE repository_id = $1 AND is_flaky = TRUE AND last_failure_at >= $2`
	err := r.db.GetContext(ctx, &count, query, repoID, since)
	return count, err
}

// DeliveryRepository implementation

func (r *PostgresRepository) HasDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM webhook_deliveries WHERE delivery_id = $1`
	if err := r.db.GetContext(ctx, &n, query, deliveryID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepository) RecordDelivery(ctx context.Context, d *models.DeliveryRecord) (bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO webhook_deliveries (delivery_id, event_kind, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (delivery_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, d.DeliveryID, d.EventKind, d.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *PostgresRepository) DeleteTestResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM test_results WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/flakeguard/flakeguard/internal/models"
)

// SQLiteRepository implements Store using SQLite. This is the default backend
// for single-node deployments; set database_url to use Postgres instead.
type SQLiteRepository struct {
	db *sqlx.DB
}

// NewSQLiteRepository opens (or creates) the database file.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Connect("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite: %w", err)
	}

	// Single writer; avoids SQLITE_BUSY under the worker pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// RunMigrations executes migration SQL against the database.
func (r *SQLiteRepository) RunMigrations(migrationSQL string) error {
	_, err := r.db.Exec(migrationSQL)
	return err
}

// InstallationRepository implementation

func (r *SQLiteRepository) UpsertInstallation(ctx context.Context, inst *models.Installation) error {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	query := `
		INSERT INTO installations (id, account_login, account_type, repository_selection, permissions, events, suspended_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			account_login = excluded.account_login,
			account_type = excluded.account_type,
			repository_selection = excluded.repository_selection,
			permissions = excluded.permissions,
			events = excluded.events,
			suspended_at = excluded.suspended_at,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		inst.ID,
		inst.AccountLogin,
		inst.AccountType,
		inst.RepoSelection,
		inst.PermissionsRaw,
		inst.EventsRaw,
		inst.SuspendedAt,
		inst.CreatedAt,
		inst.UpdatedAt,
	)
	return err
}

func (r *SQLiteRepository) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	var inst models.Installation
	err := r.db.GetContext(ctx, &inst, `SELECT * FROM installations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &inst, err
}

func (r *SQLiteRepository) DeleteInstallation(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM installations WHERE id = ?`, id)
	return err
}

func (r *SQLiteRepository) UpsertRepository(ctx context.Context, repo *models.Repository) error {
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	query := `
		INSERT INTO repositories (id, installation_id, owner, name, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			installation_id = excluded.installation_id,
			owner = excluded.owner,
			name = excluded.name,
			default_branch = excluded.default_branch,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		repo.ID,
		repo.InstallationID,
		repo.Owner,
		repo.Name,
		repo.DefaultBranch,
		repo.CreatedAt,
		repo.UpdatedAt,
	)
	return err
}

func (r *SQLiteRepository) GetRepository(ctx context.Context, id int64) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &repo, err
}

func (r *SQLiteRepository) GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error) {
	var repo models.Repository
	err := r.db.GetContext(ctx, &repo, `SELECT * FROM repositories WHERE owner = ? AND name = ?`, owner, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &repo, err
}

func (r *SQLiteRepository) DeleteRepository(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
	return err
}

// WorkflowRepository implementation

func (r *SQLiteRepository) UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	query := `
		INSERT INTO workflow_runs (id, repository_id, name, head_sha, branch, status, conclusion, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			branch = excluded.branch,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		run.ID, run.RepositoryID, run.Name, run.HeadSHA, run.Branch,
		run.Status, run.Conclusion, run.CreatedAt, run.UpdatedAt,
	)
	return err
}

func (r *SQLiteRepository) GetWorkflowRun(ctx context.Context, id int64) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := r.db.GetContext(ctx, &run, `SELECT * FROM workflow_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *SQLiteRepository) GetWorkflowRunByHeadSHA(ctx context.Context, repoID int64, headSHA string) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	query := `SELECT * FROM workflow_runs WHERE repository_id = ? AND head_sha = ? ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &run, query, repoID, headSHA)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &run, err
}

func (r *SQLiteRepository) UpsertWorkflowJob(ctx context.Context, job *models.WorkflowJob) error {
	query := `
		INSERT INTO workflow_jobs (id, run_id, repository_id, name, status, conclusion, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.RunID, job.RepositoryID, job.Name,
		job.Status, job.Conclusion, job.StartedAt, job.CompletedAt,
	)
	return err
}

func (r *SQLiteRepository) ListJobsForRun(ctx context.Context, runID int64) ([]*models.WorkflowJob, error) {
	var jobs []*models.WorkflowJob
	err := r.db.SelectContext(ctx, &jobs, `SELECT * FROM workflow_jobs WHERE run_id = ? ORDER BY id`, runID)
	return jobs, err
}

func (r *SQLiteRepository) CountRerunAttempts(ctx context.Context, runID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM rerun_attempts WHERE run_id = ?`, runID)
	return count, err
}

func (r *SQLiteRepository) ReserveRerunAttempt(ctx context.Context, attempt *models.RerunAttempt, ceiling int) (int, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	// SQLite serializes writers, so the transaction is the per-run lock.
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM rerun_attempts WHERE run_id = ?`, attempt.RunID); err != nil {
		return 0, err
	}
	if count >= ceiling {
		return count, ErrRerunCeiling
	}

	query := `
		INSERT INTO rerun_attempts (id, run_id, repository_id, check_run_id, failed_jobs, total_jobs, mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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

func (r *SQLiteRepository) UpsertCheckRun(ctx context.Context, cr *models.CheckRun) error {
	now := time.Now().UTC()
	if cr.CreatedAt.IsZero() {
		cr.CreatedAt = now
	}
	cr.UpdatedAt = now

	query := `
		INSERT INTO check_runs (id, repository_id, name, head_sha, status, conclusion, title, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			conclusion = excluded.conclusion,
			title = excluded.title,
			summary = excluded.summary,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		cr.ID, cr.RepositoryID, cr.Name, cr.HeadSHA, cr.Status,
		cr.Conclusion, cr.Title, cr.Summary, cr.CreatedAt, cr.UpdatedAt,
	)
	return err
}

func (r *SQLiteRepository) GetCheckRun(ctx context.Context, id int64) (*models.CheckRun, error) {
	var cr models.CheckRun
	err := r.db.GetContext(ctx, &cr, `SELECT * FROM check_runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cr, err
}

func (r *SQLiteRepository) FindCheckRunByName(ctx context.Context, repoID int64, headSHA, name string) (*models.CheckRun, error) {
	var cr models.CheckRun
	query := `SELECT * FROM check_runs WHERE repository_id = ? AND head_sha = ? AND name = ? ORDER BY updated_at DESC LIMIT 1`
	err := r.db.GetContext(ctx, &cr, query, repoID, headSHA, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &cr, err
}

// FlakeRepository implementation

func (r *SQLiteRepository) InsertTestResult(ctx context.Context, tr *models.TestResult) error {
	if tr.ID == "" {
		tr.ID = uuid.New().String()
	}
	if tr.ObservedAt.IsZero() {
		tr.ObservedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO test_results (id, repository_id, test_name, file_path, outcome, error_message, stack_trace, duration_ms, check_run_id, job_id, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		tr.ID, tr.RepositoryID, tr.TestName, tr.FilePath, tr.Outcome,
		tr.ErrorMessage, tr.StackTrace, tr.DurationMs, tr.CheckRunID, tr.JobID, tr.ObservedAt,
	)
	return err
}

func (r *SQLiteRepository) ListTestResults(ctx context.Context, repoID int64, testName string, since time.Time) ([]*models.TestResult, error) {
	var results []*models.TestResult
	query := `
		SELECT * FROM test_results
		WHERE repository_id = ? AND test_name = ? AND observed_at >= ?
		ORDER BY observed_at ASC
	`
	err := r.db.SelectContext(ctx, &results, query, repoID, testName, since)
	return results, err
}

func (r *SQLiteRepository) UpsertFlakeDetection(ctx context.Context, fd *models.FlakeDetection) error {
	if fd.ID == "" {
		fd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if fd.CreatedAt.IsZero() {
		fd.CreatedAt = now
	}
	fd.UpdatedAt = now

	// Optimistic upsert on (repository_id, test_name); last writer wins.
	query := `
		INSERT INTO flake_detections (id, repository_id, test_name, file_path, is_flaky, confidence, failure_pattern,
			total_runs, failed_runs, failure_rate, last_failure_at, suggested_action, check_run_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repository_id, test_name) DO UPDATE SET
			file_path = excluded.file_path,
			is_flaky = excluded.is_flaky,
			confidence = excluded.confidence,
			failure_pattern = excluded.failure_pattern,
			total_runs = excluded.total_runs,
			failed_runs = excluded.failed_runs,
			failure_rate = excluded.failure_rate,
			last_failure_at = excluded.last_failure_at,
			suggested_action = excluded.suggested_action,
			check_run_id = excluded.check_run_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		fd.ID, fd.RepositoryID, fd.TestName, fd.FilePath, fd.IsFlaky, fd.Confidence, fd.FailurePattern,
		fd.TotalRuns, fd.FailedRuns, fd.FailureRate, fd.LastFailureAt, fd.SuggestedAction, fd.CheckRunID,
		fd.Status, fd.CreatedAt, fd.UpdatedAt,
	)
	return err
}

func (r *SQLiteRepository) GetFlakeDetection(ctx context.Context, repoID int64, testName string) (*models.FlakeDetection, error) {
	var fd models.FlakeDetection
	err := r.db.GetContext(ctx, &fd, `SELECT * FROM flake_detections WHERE repository_id = ? AND test_name = ?`, repoID, testName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &fd, err
}

func (r *SQLiteRepository) ListFlakeDetectionsByCheckRun(ctx context.Context, checkRunID int64) ([]*models.FlakeDetection, error) {
	var list []*models.FlakeDetection
	err := r.db.SelectContext(ctx, &list, `SELECT * FROM flake_detections WHERE check_run_id = ? ORDER BY confidence DESC`, checkRunID)
	return list, err
}

func (r *SQLiteRepository) ListFlakyDetections(ctx context.Context, repoID int64, limit int) ([]*models.FlakeDetection, error) {
	var list []*models.FlakeDetection
	query := `
		SELECT * FROM flake_detections
		WHERE repository_id = ? AND is_flaky = TRUE
		ORDER BY confidence DESC, failure_rate DESC
		LIMIT ?
	`
	err := r.db.SelectContext(ctx, &list, query, repoID, limit)
	return list, err
}

func (r *SQLiteRepository) SetFlakeStatus(ctx context.Context, repoID int64, testName string, status models.FlakeStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE flake_detections SET status = ?, updated_at = ? WHERE repository_id = ? AND test_name = ?`,
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

func (r *SQLiteRepository) CountFlaky(ctx context.Context, repoID int64) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flake_detections WHERE repository_id = ? AND is_flaky = TRUE`, repoID)
	return count, err
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context, repoID int64, status models.FlakeStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM flake_detections WHERE repository_id = ? AND status = ?`, repoID, status)
	return count, err
}

func (r *SQLiteRepository) CountDetectedSince(ctx context.Context, repoID int64, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM flake_detections WHERE repository_id = ? AND is_flaky = TRUE AND last_failure_at >= ?`
	err := r.db.GetContext(ctx, &count, query, repoID, since)
	return count, err
}

// DeliveryRepository implementation

func (r *SQLiteRepository) HasDelivery(ctx context.Context, deliveryID string) (bool, error) {
	var n int
	query := `SELECT COUNT(1) FROM webhook_deliveries WHERE delivery_id = ?`
	if err := r.db.GetContext(ctx, &n, query, deliveryID); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLiteRepository) RecordDelivery(ctx context.Context, d *models.DeliveryRecord) (bool, error) {
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO webhook_deliveries (delivery_id, event_kind, received_at)
		VALUES (?, ?, ?)
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

func (r *SQLiteRepository) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) DeleteTestResultsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM test_results WHERE observed_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

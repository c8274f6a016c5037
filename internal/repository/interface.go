package repository

import (
	"context"
	"errors"
	"time"

	"github.com/flakeguard/flakeguard/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRerunCeiling is returned by ReserveRerunAttempt when the per-run
	// attempt ceiling has been reached.
	ErrRerunCeiling = errors.New("rerun attempt ceiling reached")
)

// InstallationRepository mirrors the app's installations and their repositories.
type InstallationRepository interface {
	UpsertInstallation(ctx context.Context, inst *models.Installation) error
	GetInstallation(ctx context.Context, id int64) (*models.Installation, error)
	DeleteInstallation(ctx context.Context, id int64) error

	UpsertRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, id int64) (*models.Repository, error)
	GetRepositoryByFullName(ctx context.Context, owner, name string) (*models.Repository, error)
	DeleteRepository(ctx context.Context, id int64) error
}

// WorkflowRepository persists workflow runs, jobs, and rerun attempts.
type WorkflowRepository interface {
	UpsertWorkflowRun(ctx context.Context, run *models.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id int64) (*models.WorkflowRun, error)
	GetWorkflowRunByHeadSHA(ctx context.Context, repoID int64, headSHA string) (*models.WorkflowRun, error)
	UpsertWorkflowJob(ctx context.Context, job *models.WorkflowJob) error
	ListJobsForRun(ctx context.Context, runID int64) ([]*models.WorkflowJob, error)

	CountRerunAttempts(ctx context.Context, runID int64) (int, error)
	// ReserveRerunAttempt appends a rerun attempt after a race-free ceiling
	// check done under a per-run lock. Returns the new attempt count, or
	// ErrRerunCeiling when the ceiling would be exceeded.
	ReserveRerunAttempt(ctx context.Context, attempt *models.RerunAttempt, ceiling int) (int, error)
}

// CheckRepository persists check runs.
type CheckRepository interface {
	UpsertCheckRun(ctx context.Context, cr *models.CheckRun) error
	GetCheckRun(ctx context.Context, id int64) (*models.CheckRun, error)
	FindCheckRunByName(ctx context.Context, repoID int64, headSHA, name string) (*models.CheckRun, error)
}

// FlakeRepository persists test results and per-test detection state.
type FlakeRepository interface {
	InsertTestResult(ctx context.Context, tr *models.TestResult) error
	ListTestResults(ctx context.Context, repoID int64, testName string, since time.Time) ([]*models.TestResult, error)

	UpsertFlakeDetection(ctx context.Context, fd *models.FlakeDetection) error
	GetFlakeDetection(ctx context.Context, repoID int64, testName string) (*models.FlakeDetection, error)
	ListFlakeDetectionsByCheckRun(ctx context.Context, checkRunID int64) ([]*models.FlakeDetection, error)
	ListFlakyDetections(ctx context.Context, repoID int64, limit int) ([]*models.FlakeDetection, error)
	SetFlakeStatus(ctx context.Context, repoID int64, testName string, status models.FlakeStatus) error
	CountFlaky(ctx context.Context, repoID int64) (int, error)
	CountByStatus(ctx context.Context, repoID int64, status models.FlakeStatus) (int, error)
	CountDetectedSince(ctx context.Context, repoID int64, since time.Time) (int, error)
}

// DeliveryRepository is the durable webhook dedup set plus retention sweeps.
type DeliveryRepository interface {
	// HasDelivery reports whether the delivery id was already processed.
	HasDelivery(ctx context.Context, deliveryID string) (bool, error)
	// RecordDelivery inserts the delivery id; returns false when the id was
	// already present (redelivery).
	RecordDelivery(ctx context.Context, d *models.DeliveryRecord) (bool, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteTestResultsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store aggregates all repositories behind one handle.
type Store interface {
	InstallationRepository
	WorkflowRepository
	CheckRepository
	FlakeRepository
	DeliveryRepository
	Close() error
}

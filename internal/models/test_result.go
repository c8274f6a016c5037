package models

import "time"

type TestOutcome string

const (
	OutcomePassed  TestOutcome = "passed"
	OutcomeFailed  TestOutcome = "failed"
	OutcomeSkipped TestOutcome = "skipped"
)

// TestResult is a single observed outcome of a test. Append-only; rows are
// retained for the analysis window and pruned by the cleanup sweep.
type TestResult struct {
	ID           string    `json:"id" db:"id"`
	RepositoryID int64     `json:"repository_id" db:"repository_id"`
	TestName     string    `json:"test_name" db:"test_name"`
	FilePath     string    `json:"file_path,omitempty" db:"file_path"`
	Outcome      string    `json:"outcome" db:"outcome"`
	ErrorMessage string    `json:"error_message,omitempty" db:"error_message"`
	StackTrace   string    `json:"stack_trace,omitempty" db:"stack_trace"`
	DurationMs   int64     `json:"duration_ms" db:"duration_ms"`
	CheckRunID   int64     `json:"check_run_id,omitempty" db:"check_run_id"`
	JobID        int64     `json:"job_id,omitempty" db:"job_id"`
	ObservedAt   time.Time `json:"observed_at" db:"observed_at"`
}

type FlakeStatus string

const (
	FlakePending     FlakeStatus = "pending"
	FlakeQuarantined FlakeStatus = "quarantined"
	FlakeDismissed   FlakeStatus = "dismissed"
	FlakeStable      FlakeStatus = "stable"
)

// FlakeDetection is the engine's per-test state. (test_name, repository_id)
// is unique; confidence and failure rate stay in [0,1]; a flaky test always
// has 0 < failure rate < 1.
type FlakeDetection struct {
	ID              string     `json:"id" db:"id"`
	RepositoryID    int64      `json:"repository_id" db:"repository_id"`
	TestName        string     `json:"test_name" db:"test_name"`
	FilePath        string     `json:"file_path,omitempty" db:"file_path"`
	IsFlaky         bool       `json:"is_flaky" db:"is_flaky"`
	Confidence      float64    `json:"confidence" db:"confidence"`
	FailurePattern  string     `json:"failure_pattern,omitempty" db:"failure_pattern"`
	TotalRuns       int        `json:"total_runs" db:"total_runs"`
	FailedRuns      int        `json:"failed_runs" db:"failed_runs"`
	FailureRate     float64    `json:"failure_rate" db:"failure_rate"`
	LastFailureAt   *time.Time `json:"last_failure_at,omitempty" db:"last_failure_at"`
	SuggestedAction string     `json:"suggested_action,omitempty" db:"suggested_action"`
	CheckRunID      int64      `json:"check_run_id,omitempty" db:"check_run_id"`
	Status          string     `json:"status" db:"status"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// FlakeSummary is the per-repository roll-up served by the control API.
type FlakeSummary struct {
	TotalFlaky       int              `json:"total_flaky"`
	TotalQuarantined int              `json:"total_quarantined"`
	RecentlyDetected int              `json:"recently_detected"`
	TopFlaky         []FlakeDetection `json:"top_flaky"`
}

package models

import "time"

type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
)

type RunConclusion string

const (
	ConclusionSuccess        RunConclusion = "success"
	ConclusionFailure        RunConclusion = "failure"
	ConclusionNeutral        RunConclusion = "neutral"
	ConclusionCancelled      RunConclusion = "cancelled"
	ConclusionTimedOut       RunConclusion = "timed_out"
	ConclusionActionRequired RunConclusion = "action_required"
	ConclusionSkipped        RunConclusion = "skipped"
)

// WorkflowRun is one execution of a CI pipeline. Lifecycle mirrors the
// upstream's queued → in_progress → completed transitions.
type WorkflowRun struct {
	ID           int64     `json:"id" db:"id"`
	RepositoryID int64     `json:"repository_id" db:"repository_id"`
	Name         string    `json:"name" db:"name"`
	HeadSHA      string    `json:"head_sha" db:"head_sha"`
	Branch       string    `json:"branch" db:"branch"`
	Status       string    `json:"status" db:"status"`
	Conclusion   string    `json:"conclusion,omitempty" db:"conclusion"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// WorkflowJob is a single job within a run. The parent reference is weak:
// a job arriving before its run is tolerated and logged, never rejected.
type WorkflowJob struct {
	ID           int64      `json:"id" db:"id"`
	RunID        int64      `json:"run_id" db:"run_id"`
	RepositoryID int64      `json:"repository_id" db:"repository_id"`
	Name         string     `json:"name" db:"name"`
	Status       string     `json:"status" db:"status"`
	Conclusion   string     `json:"conclusion,omitempty" db:"conclusion"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

type RerunMode string

const (
	RerunModeFull       RerunMode = "full"
	RerunModeFailedOnly RerunMode = "failed_only"
)

// RerunAttempt is an append-only audit record of one workflow rerun
// invocation. The count per workflow run never exceeds the configured ceiling.
type RerunAttempt struct {
	ID           string    `json:"id" db:"id"`
	RunID        int64     `json:"run_id" db:"run_id"`
	RepositoryID int64     `json:"repository_id" db:"repository_id"`
	CheckRunID   int64     `json:"check_run_id,omitempty" db:"check_run_id"`
	FailedJobs   int       `json:"failed_jobs" db:"failed_jobs"`
	TotalJobs    int       `json:"total_jobs" db:"total_jobs"`
	Mode         string    `json:"mode" db:"mode"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

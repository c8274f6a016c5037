package models

import "time"

// Action identifiers offered on FlakeGuard check runs. The upstream renders
// at most three of these as buttons on a check surface.
const (
	ActionQuarantine  = "quarantine"
	ActionRerunFailed = "rerun_failed"
	ActionOpenIssue   = "open_issue"
	ActionDismiss     = "dismiss_flake"
	ActionMarkStable  = "mark_stable"
)

// CheckRunAction is one interactive button: identifier must be one of the
// five action tokens above.
type CheckRunAction struct {
	Identifier  string `json:"identifier"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// CheckRunOutput is the output panel of a check surface. Summary is capped at
// 65,535 characters by the upstream.
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

// CheckRun is a per-commit surface used to communicate state and offer actions.
type CheckRun struct {
	ID           int64     `json:"id" db:"id"`
	RepositoryID int64     `json:"repository_id" db:"repository_id"`
	Name         string    `json:"name" db:"name"`
	HeadSHA      string    `json:"head_sha" db:"head_sha"`
	Status       string    `json:"status" db:"status"`
	Conclusion   string    `json:"conclusion,omitempty" db:"conclusion"`
	Title        string    `json:"title,omitempty" db:"title"`
	Summary      string    `json:"summary,omitempty" db:"summary"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// DeliveryRecord marks a webhook delivery id as processed. Uniqueness is
// enforced by the store so a redelivery is recognized across restarts.
type DeliveryRecord struct {
	DeliveryID string    `json:"delivery_id" db:"delivery_id"`
	EventKind  string    `json:"event_kind" db:"event_kind"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

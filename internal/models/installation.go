package models

import "time"

type RepoSelection string

const (
	RepoSelectionAll      RepoSelection = "all"
	RepoSelectionSelected RepoSelection = "selected"
)

// Installation is the app's attachment to an account on the hosting platform.
// Created on the install webhook, mutated on permission change or suspension,
// deleted on uninstall. Deleting an installation cascades to its repositories.
type Installation struct {
	ID             int64      `json:"id" db:"id"`
	AccountLogin   string     `json:"account_login" db:"account_login"`
	AccountType    string     `json:"account_type" db:"account_type"`
	RepoSelection  string     `json:"repository_selection" db:"repository_selection"`
	PermissionsRaw string     `json:"permissions,omitempty" db:"permissions"`
	EventsRaw      string     `json:"events,omitempty" db:"events"`
	SuspendedAt    *time.Time `json:"suspended_at,omitempty" db:"suspended_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Repository is a tracked project under an installation. The platform-assigned
// ID is unique; a repository belongs to exactly one installation at a time.
type Repository struct {
	ID             int64     `json:"id" db:"id"`
	InstallationID int64     `json:"installation_id" db:"installation_id"`
	Owner          string    `json:"owner" db:"owner"`
	Name           string    `json:"name" db:"name"`
	DefaultBranch  string    `json:"default_branch" db:"default_branch"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// FullName returns "owner/name".
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Supported event kinds. check_suite, push, pull_request, and issues are
// accepted and acknowledged without processing; anything else is dropped.
const (
	EventWorkflowRun              = "workflow_run"
	EventWorkflowJob              = "workflow_job"
	EventCheckRun                 = "check_run"
	EventCheckSuite               = "check_suite"
	EventInstallation             = "installation"
	EventInstallationRepositories = "installation_repositories"
	EventPing                     = "ping"
	EventPush                     = "push"
	EventPullRequest              = "pull_request"
	EventIssues                   = "issues"
)

var errInvalidPayload = errors.New("invalid payload")

// RepositoryPayload is the repository object embedded in every event.
type RepositoryPayload struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
}

// InstallationRef carries the installation id attached to app events.
type InstallationRef struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
	RepositorySelection string     `json:"repository_selection"`
	SuspendedAt         *time.Time `json:"suspended_at"`
}

type WorkflowRunPayload struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadSHA    string    `json:"head_sha"`
	HeadBranch string    `json:"head_branch"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	RunAttempt int       `json:"run_attempt"`
	Event      string    `json:"event"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type WorkflowJobPayload struct {
	ID          int64      `json:"id"`
	RunID       int64      `json:"run_id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	Conclusion  string     `json:"conclusion"`
	HeadSHA     string     `json:"head_sha"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

type CheckRunPayload struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	HeadSHA    string `json:"head_sha"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion"`
	Output     struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
	} `json:"output"`
}

// RequestedAction carries the button identifier of an action_requested event.
type RequestedAction struct {
	Identifier string `json:"identifier"`
}

// Event is the decoded, validated form every processor operates on. Exactly
// the fields for the event's kind are populated.
type Event struct {
	Kind       string
	DeliveryID string
	Action     string

	Installation *InstallationRef
	Repo         *RepositoryPayload

	WorkflowRun     *WorkflowRunPayload
	WorkflowJob     *WorkflowJobPayload
	CheckRun        *CheckRunPayload
	RequestedAction *RequestedAction

	// Repositories carries the repo list of installation events; the Added
	// and Removed lists come from installation_repositories events.
	Repositories        []RepositoryPayload
	RepositoriesAdded   []RepositoryPayload
	RepositoriesRemoved []RepositoryPayload
}

// rawEnvelope is the loose wire form; Decode validates it into an Event.
type rawEnvelope struct {
	Action          string              `json:"action"`
	Installation    *InstallationRef    `json:"installation"`
	Repository      *RepositoryPayload  `json:"repository"`
	WorkflowRun     *WorkflowRunPayload `json:"workflow_run"`
	WorkflowJob     *WorkflowJobPayload `json:"workflow_job"`
	CheckRun        *CheckRunPayload    `json:"check_run"`
	RequestedAction *RequestedAction    `json:"requested_action"`

	Repositories        []RepositoryPayload `json:"repositories"`
	RepositoriesAdded   []RepositoryPayload `json:"repositories_added"`
	RepositoriesRemoved []RepositoryPayload `json:"repositories_removed"`
}

// Decode deserializes and structurally validates a payload for the declared
// event kind. Unknown fields are ignored; missing required objects fail.
func Decode(kind, deliveryID string, payload []byte) (*Event, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPayload, err)
	}

	ev := &Event{
		Kind:                kind,
		DeliveryID:          deliveryID,
		Action:              raw.Action,
		Installation:        raw.Installation,
		Repo:                raw.Repository,
		WorkflowRun:         raw.WorkflowRun,
		WorkflowJob:         raw.WorkflowJob,
		CheckRun:            raw.CheckRun,
		RequestedAction:     raw.RequestedAction,
		Repositories:        raw.Repositories,
		RepositoriesAdded:   raw.RepositoriesAdded,
		RepositoriesRemoved: raw.RepositoriesRemoved,
	}

	switch kind {
	case EventWorkflowRun:
		if ev.WorkflowRun == nil || ev.WorkflowRun.ID == 0 || ev.WorkflowRun.HeadSHA == "" {
			return nil, fmt.Errorf("%w: missing workflow_run", errInvalidPayload)
		}
		if err := requireRepo(ev); err != nil {
			return nil, err
		}
	case EventWorkflowJob:
		if ev.WorkflowJob == nil || ev.WorkflowJob.ID == 0 {
			return nil, fmt.Errorf("%w: missing workflow_job", errInvalidPayload)
		}
		if err := requireRepo(ev); err != nil {
			return nil, err
		}
	case EventCheckRun:
		if ev.CheckRun == nil || ev.CheckRun.ID == 0 {
			return nil, fmt.Errorf("%w: missing check_run", errInvalidPayload)
		}
		if ev.Action == "requested_action" && (ev.RequestedAction == nil || ev.RequestedAction.Identifier == "") {
			return nil, fmt.Errorf("%w: missing requested_action identifier", errInvalidPayload)
		}
		if err := requireRepo(ev); err != nil {
			return nil, err
		}
	case EventInstallation, EventInstallationRepositories:
		if ev.Installation == nil || ev.Installation.ID == 0 {
			return nil, fmt.Errorf("%w: missing installation", errInvalidPayload)
		}
	case EventPing:
		// Always well-formed.
	default:
		// Unsupported kinds are filtered before Decode; treat as invalid here.
		return nil, fmt.Errorf("%w: unsupported event kind %q", errInvalidPayload, kind)
	}
	return ev, nil
}

func requireRepo(ev *Event) error {
	if ev.Repo == nil || ev.Repo.ID == 0 || ev.Repo.Owner.Login == "" || ev.Repo.Name == "" {
		return fmt.Errorf("%w: missing repository", errInvalidPayload)
	}
	return nil
}

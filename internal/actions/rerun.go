package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
	"github.com/flakeguard/flakeguard/internal/processor"
	"github.com/flakeguard/flakeguard/internal/repository"
)

var escalationLabels = []string{"ci-failure", "persistent-failure", "investigation-needed"}

// ErrRunInProgress is the transient refusal when the run has not finished.
var ErrRunInProgress = errors.New("workflow run still in progress")

// RerunController owns the bounded rerun flow: per-run attempt accounting,
// the rerun-or-escalate decision, and the lifecycle state machine.
type RerunController struct {
	store   repository.Store
	ceiling int
	machine *RunStateMachine
	logger  *slog.Logger
}

func NewRerunController(store repository.Store, ceiling int, logger *slog.Logger) *RerunController {
	if ceiling <= 0 {
		ceiling = 3
	}
	return &RerunController{
		store:   store,
		ceiling: ceiling,
		machine: NewRunStateMachine(),
		logger:  logger,
	}
}

// Rerun re-executes the failed workflow behind a check run, unless the
// per-run attempt ceiling is hit, in which case it escalates to a
// persistent-failure issue instead.
func (c *RerunController) Rerun(ctx context.Context, client *githubapp.Client, req processor.ActionRequest) error {
	checkRun, err := c.store.GetCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return fmt.Errorf("failed to load check run: %w", err)
	}
	run, err := c.store.GetWorkflowRunByHeadSHA(ctx, req.Repo.ID, checkRun.HeadSHA)
	if err != nil {
		return fmt.Errorf("no workflow run found for %s: %w", checkRun.HeadSHA, err)
	}
	if run.Status == string(models.RunStatusInProgress) || run.Status == string(models.RunStatusQueued) {
		return fmt.Errorf("%w: run %d is %s", ErrRunInProgress, run.ID, run.Status)
	}

	if err := c.machine.Transition(run.ID, StateRerunRequested); err != nil {
		return err
	}

	jobs, err := client.ListJobsForRun(ctx, req.Repo.Owner, req.Repo.Name, run.ID)
	if err != nil {
		c.machine.Transition(run.ID, StateIdle)
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	var failedNames []string
	for _, j := range jobs {
		if j.Conclusion == string(models.ConclusionFailure) {
			failedNames = append(failedNames, j.Name)
		}
	}
	mode := models.RerunModeFailedOnly
	if len(jobs) > 0 && len(failedNames) == len(jobs) {
		mode = models.RerunModeFull
	}

	attempt := &models.RerunAttempt{
		ID:           uuid.NewString(),
		RunID:        run.ID,
		RepositoryID: req.Repo.ID,
		CheckRunID:   req.CheckRunID,
		FailedJobs:   len(failedNames),
		TotalJobs:    len(jobs),
		Mode:         string(mode),
		CreatedAt:    time.Now().UTC(),
	}
	count, err := c.store.ReserveRerunAttempt(ctx, attempt, c.ceiling)
	if errors.Is(err, repository.ErrRerunCeiling) {
		c.machine.Transition(run.ID, StateEscalated)
		return c.escalate(ctx, client, req, run, failedNames)
	}
	if err != nil {
		c.machine.Transition(run.ID, StateIdle)
		return fmt.Errorf("failed to reserve rerun attempt: %w", err)
	}

	if mode == models.RerunModeFull {
		err = client.RerunWorkflow(ctx, req.Repo.Owner, req.Repo.Name, run.ID, true)
	} else {
		err = client.RerunFailedJobs(ctx, req.Repo.Owner, req.Repo.Name, run.ID, true)
	}
	if err != nil {
		c.machine.Transition(run.ID, StateIdle)
		return fmt.Errorf("rerun call failed: %w", err)
	}
	c.machine.Transition(run.ID, StateRunning)
	metrics.RerunAttemptsTotal.WithLabelValues(string(mode)).Inc()
	c.logger.Info("workflow rerun requested",
		"run_id", run.ID, "mode", mode, "attempt", count, "failed_jobs", len(failedNames))

	c.commentOnPull(ctx, client, req, run, mode, failedNames, count)
	return nil
}

// OnRunCompleted returns the run to idle after a rerun finishes. Escalated
// runs stay absorbed until a new run resets them.
func (c *RerunController) OnRunCompleted(runID int64) {
	if c.machine.State(runID) == StateRunning {
		c.machine.Transition(runID, StateIdle)
	}
}

// escalate opens a persistent-failure tracking issue instead of another rerun.
func (c *RerunController) escalate(ctx context.Context, client *githubapp.Client, req processor.ActionRequest, run *models.WorkflowRun, failedNames []string) error {
	metrics.RerunEscalationsTotal.Inc()
	c.logger.Warn("rerun ceiling reached, escalating",
		"run_id", run.ID, "ceiling", c.ceiling)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Workflow **%s** on `%s` has failed after %d rerun attempts.\n\n",
		run.Name, run.HeadSHA, c.ceiling))
	if len(failedNames) > 0 {
		sb.WriteString("Failing jobs:\n\n")
		for _, name := range failedNames {
			sb.WriteString("- " + name + "\n")
		}
	}
	sb.WriteString("\nAutomatic reruns are suspended for this run; the failures appear persistent and need investigation.\n")

	issue, err := client.CreateIssue(ctx, req.Repo.Owner, req.Repo.Name, &githubapp.IssueRequest{
		Title:  fmt.Sprintf("[FlakeGuard] Persistent failures in %s", run.Name),
		Body:   sb.String(),
		Labels: escalationLabels,
	})
	if err != nil {
		return fmt.Errorf("failed to open escalation issue: %w", err)
	}
	c.logger.Info("escalation issue opened", "issue", issue.Number, "run_id", run.ID)
	return nil
}

// commentOnPull posts a rerun notice on any open PR whose commits include
// the head sha. Failures here never fail the action.
func (c *RerunController) commentOnPull(ctx context.Context, client *githubapp.Client, req processor.ActionRequest, run *models.WorkflowRun, mode models.RerunMode, failedNames []string, attempt int) {
	pr, err := findPullForSHA(ctx, client, req.Repo.Owner, req.Repo.Name, run.HeadSHA)
	if err != nil || pr == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("FlakeGuard triggered a **%s** rerun (attempt %d) for workflow `%s`.\n",
		mode, attempt, run.Name))
	if len(failedNames) > 0 {
		sb.WriteString("\nFailed jobs:\n")
		for _, name := range failedNames {
			sb.WriteString("- " + name + "\n")
		}
	}
	if err := client.CreateIssueComment(ctx, req.Repo.Owner, req.Repo.Name, pr.Number, sb.String()); err != nil {
		c.logger.Warn("failed to comment on pull request", "pr", pr.Number, "error", err)
	}
}

// findPullForSHA scans open PRs for one containing the commit.
func findPullForSHA(ctx context.Context, client *githubapp.Client, owner, repo, sha string) (*githubapp.PullRequest, error) {
	pulls, err := client.ListPullRequests(ctx, owner, repo, "open")
	if err != nil {
		return nil, err
	}
	for i := range pulls {
		if pulls[i].Head.SHA == sha {
			return &pulls[i], nil
		}
		commits, err := client.ListCommitsForPull(ctx, owner, repo, pulls[i].Number)
		if err != nil {
			continue
		}
		for _, commit := range commits {
			if commit.SHA == sha {
				return &pulls[i], nil
			}
		}
	}
	return nil, nil
}

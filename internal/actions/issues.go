package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/processor"
)

// issueCreationGap spaces issue creations to stay under secondary limits.
const issueCreationGap = time.Second

// openIssues files one tracking issue per flaky test behind the check run,
// skipping tests that already have an open flaky-test issue.
func (d *Dispatcher) openIssues(ctx context.Context, client *githubapp.Client, req processor.ActionRequest) error {
	detections, err := d.store.ListFlakeDetectionsByCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return fmt.Errorf("failed to load detections: %w", err)
	}
	if len(detections) == 0 {
		return fmt.Errorf("no detections associated with check run %d", req.CheckRunID)
	}

	var created []*githubapp.Issue
	for i, fd := range detections {
		exists, err := hasOpenIssue(ctx, client, req.Repo.Owner, req.Repo.Name, fd.TestName)
		if err != nil {
			d.logger.Warn("issue dedup search failed", "test", fd.TestName, "error", err)
		}
		if exists {
			d.logger.Info("issue already open for test", "test", fd.TestName)
			continue
		}

		issue, err := client.CreateIssue(ctx, req.Repo.Owner, req.Repo.Name, &githubapp.IssueRequest{
			Title:  fmt.Sprintf("[FlakeGuard] Flaky test detected: %s", fd.TestName),
			Body:   issueBody(fd),
			Labels: issueLabels(fd),
		})
		if err != nil {
			return fmt.Errorf("failed to create issue for %s: %w", fd.TestName, err)
		}
		created = append(created, issue)
		d.logger.Info("flaky-test issue opened", "issue", issue.Number, "test", fd.TestName)

		if i < len(detections)-1 {
			select {
			case <-time.After(issueCreationGap):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if len(created) > 0 {
		d.summarizeOnPull(ctx, client, req, created)
	}
	return nil
}

// hasOpenIssue searches open flaky-test issues mentioning the test name.
func hasOpenIssue(ctx context.Context, client *githubapp.Client, owner, repo, testName string) (bool, error) {
	query := fmt.Sprintf(`repo:%s/%s is:issue is:open label:flaky-test "%s"`, owner, repo, testName)
	issues, err := client.SearchIssues(ctx, query)
	if err != nil {
		return false, err
	}
	for _, issue := range issues {
		if strings.Contains(issue.Title, testName) || strings.Contains(issue.Body, testName) {
			return true, nil
		}
	}
	return false, nil
}

func issueLabels(fd *models.FlakeDetection) []string {
	return []string{
		"flaky-test", "bug", "testing", "auto-generated",
		fmt.Sprintf("confidence-%d", int(fd.Confidence*100)),
	}
}

func issueBody(fd *models.FlakeDetection) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("FlakeGuard detected flaky behavior in `%s`.\n\n", fd.TestName))
	sb.WriteString(fmt.Sprintf("- Confidence: %.0f%%\n", fd.Confidence*100))
	sb.WriteString(fmt.Sprintf("- Failure rate: %.0f%% (%d of %d runs)\n",
		fd.FailureRate*100, fd.FailedRuns, fd.TotalRuns))
	if fd.FailurePattern != "" {
		sb.WriteString(fmt.Sprintf("- Failure pattern: `%s`\n", fd.FailurePattern))
	}
	if fd.FilePath != "" {
		sb.WriteString(fmt.Sprintf("- Source: `%s`\n", fd.FilePath))
	}
	if fd.LastFailureAt != nil {
		sb.WriteString(fmt.Sprintf("- Last failure: %s\n", fd.LastFailureAt.UTC().Format(time.RFC3339)))
	}
	sb.WriteString("\nConsider quarantining the test or fixing the underlying non-determinism.\n")
	return sb.String()
}

// summarizeOnPull links the created issues on the associated pull request.
func (d *Dispatcher) summarizeOnPull(ctx context.Context, client *githubapp.Client, req processor.ActionRequest, created []*githubapp.Issue) {
	checkRun, err := d.store.GetCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return
	}
	pr, err := findPullForSHA(ctx, client, req.Repo.Owner, req.Repo.Name, checkRun.HeadSHA)
	if err != nil || pr == nil {
		return
	}
	var sb strings.Builder
	sb.WriteString("FlakeGuard opened tracking issues for flaky tests:\n\n")
	for _, issue := range created {
		sb.WriteString(fmt.Sprintf("- #%d %s\n", issue.Number, issue.Title))
	}
	if err := client.CreateIssueComment(ctx, req.Repo.Owner, req.Repo.Name, pr.Number, sb.String()); err != nil {
		d.logger.Warn("failed to post issue summary comment", "pr", pr.Number, "error", err)
	}
}

package actions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/processor"
	"github.com/flakeguard/flakeguard/internal/quarantine"
)

var quarantineLabels = []string{"flaky-test", "quarantine", "auto-generated"}

// quarantine skips the flaky tests behind the check run on a dedicated
// branch and opens a pull request. Tests without a known file path are
// reported as failures in the PR body.
func (d *Dispatcher) quarantine(ctx context.Context, client *githubapp.Client, req processor.ActionRequest) error {
	detections, err := d.store.ListFlakeDetectionsByCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return fmt.Errorf("failed to load detections: %w", err)
	}
	if len(detections) == 0 {
		return fmt.Errorf("no detections associated with check run %d", req.CheckRunID)
	}
	checkRun, err := d.store.GetCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return fmt.Errorf("failed to load check run: %w", err)
	}

	sha8 := checkRun.HeadSHA
	if len(sha8) > 8 {
		sha8 = sha8[:8]
	}
	branch := fmt.Sprintf("flakeguard/quarantine/%s-%s", time.Now().UTC().Format("2006-01-02"), sha8)

	baseRef, err := client.GetRef(ctx, req.Repo.Owner, req.Repo.Name, "heads/"+req.Repo.DefaultBranch)
	if err != nil {
		return fmt.Errorf("failed to resolve default branch: %w", err)
	}
	if _, err := client.CreateRef(ctx, req.Repo.Owner, req.Repo.Name, "refs/heads/"+branch, baseRef.Object.SHA); err != nil {
		// The branch may survive a retried action; reuse it.
		var apiErr *githubapp.APIError
		if !asStatus(err, &apiErr, 422) {
			return fmt.Errorf("failed to create quarantine branch: %w", err)
		}
		d.logger.Info("quarantine branch already exists", "branch", branch)
	}

	var quarantined []*models.FlakeDetection
	var failed []string
	alreadySkipped := 0
	for _, fd := range detections {
		if fd.FilePath == "" {
			failed = append(failed, fmt.Sprintf("%s (no known source file)", fd.TestName))
			continue
		}
		committed, err := d.quarantineOne(ctx, client, req, branch, fd)
		if err != nil {
			d.logger.Warn("quarantine failed for test", "test", fd.TestName, "error", err)
			failed = append(failed, fmt.Sprintf("%s (%v)", fd.TestName, err))
			continue
		}
		if !committed {
			alreadySkipped++
			continue
		}
		quarantined = append(quarantined, fd)
	}
	if len(quarantined) == 0 {
		if alreadySkipped > 0 && len(failed) == 0 {
			// Every file already carries the skip annotation; a repeated
			// action must not open another pull request.
			d.logger.Info("all tests already quarantined",
				"check_run_id", req.CheckRunID, "tests", alreadySkipped)
			return nil
		}
		return fmt.Errorf("no tests could be quarantined (%d failed)", len(failed))
	}

	pr, err := client.CreatePullRequest(ctx, req.Repo.Owner, req.Repo.Name,
		fmt.Sprintf("Quarantine %d flaky test(s)", len(quarantined)),
		branch, req.Repo.DefaultBranch,
		quarantinePRBody(quarantined, failed))
	if err != nil {
		return fmt.Errorf("failed to open quarantine pull request: %w", err)
	}
	if err := client.AddLabels(ctx, req.Repo.Owner, req.Repo.Name, pr.Number, quarantineLabels); err != nil {
		d.logger.Warn("failed to label quarantine pull request", "pr", pr.Number, "error", err)
	}

	for _, fd := range quarantined {
		if err := d.store.SetFlakeStatus(ctx, fd.RepositoryID, fd.TestName, models.FlakeQuarantined); err != nil {
			d.logger.Warn("failed to mark detection quarantined", "test", fd.TestName, "error", err)
		}
	}
	d.logger.Info("quarantine pull request opened",
		"pr", pr.Number, "quarantined", len(quarantined), "failed", len(failed))
	return nil
}

// quarantineOne rewrites one test's source on the quarantine branch and
// reports whether a commit was actually made.
func (d *Dispatcher) quarantineOne(ctx context.Context, client *githubapp.Client, req processor.ActionRequest, branch string, fd *models.FlakeDetection) (bool, error) {
	file, err := client.GetFileContent(ctx, req.Repo.Owner, req.Repo.Name, fd.FilePath, branch)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", fd.FilePath, err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", fd.FilePath, err)
	}

	res := quarantine.Mutate(string(raw), fd.TestName, fd.FilePath)
	if !res.Modified {
		// Already skipped; nothing to commit.
		return false, nil
	}

	message := fmt.Sprintf("Quarantine flaky test %s", fd.TestName)
	encoded := base64.StdEncoding.EncodeToString([]byte(res.Text))
	if err := client.PutFileContent(ctx, req.Repo.Owner, req.Repo.Name, fd.FilePath, message, encoded, file.SHA, branch); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", fd.FilePath, err)
	}
	return true, nil
}

func quarantinePRBody(quarantined []*models.FlakeDetection, failed []string) string {
	var sb strings.Builder
	sb.WriteString("FlakeGuard quarantined the following flaky tests:\n\n")
	for _, fd := range quarantined {
		sb.WriteString(fmt.Sprintf("- `%s` (confidence %.0f%%, failure rate %.0f%%)\n",
			fd.TestName, fd.Confidence*100, fd.FailureRate*100))
	}
	if len(failed) > 0 {
		sb.WriteString("\nCould not quarantine:\n\n")
		for _, f := range failed {
			sb.WriteString("- " + f + "\n")
		}
	}
	sb.WriteString("\nNext steps: review the skipped tests, fix the underlying ")
	sb.WriteString("non-determinism, and remove the skip annotations when stable.\n")
	return sb.String()
}

func asStatus(err error, target **githubapp.APIError, status int) bool {
	return errors.As(err, target) && (*target).StatusCode == status
}

// Package actions executes user-initiated check-run buttons: quarantine,
// bounded reruns, issue filing, and detection status changes. Every action
// ends by updating the originating check run with its outcome.
package actions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/processor"
	"github.com/flakeguard/flakeguard/internal/repository"
)

// Dispatcher routes action tokens to their flows.
type Dispatcher struct {
	store  repository.Store
	broker *githubapp.Broker
	rerun  *RerunController
	logger *slog.Logger
}

func NewDispatcher(store repository.Store, broker *githubapp.Broker, rerunCeiling int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		broker: broker,
		rerun:  NewRerunController(store, rerunCeiling, logger),
		logger: logger,
	}
}

// OnRunCompleted returns a run's rerun state to idle once the workflow
// finishes. Escalated runs stay absorbed.
func (d *Dispatcher) OnRunCompleted(runID int64) {
	d.rerun.OnRunCompleted(runID)
}

// Dispatch executes one action and reports the outcome on the originating
// check run. The returned error reflects the action itself; a failed
// completion update is only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, req processor.ActionRequest) error {
	client, err := d.broker.InstallationClient(ctx, req.InstallationID)
	if err != nil {
		return fmt.Errorf("failed to build installation client: %w", err)
	}

	var actionErr error
	switch req.Action {
	case models.ActionQuarantine:
		actionErr = d.quarantine(ctx, client, req)
	case models.ActionRerunFailed:
		actionErr = d.rerun.Rerun(ctx, client, req)
	case models.ActionOpenIssue:
		actionErr = d.openIssues(ctx, client, req)
	case models.ActionDismiss:
		actionErr = d.setStatus(ctx, req, models.FlakeDismissed)
	case models.ActionMarkStable:
		actionErr = d.setStatus(ctx, req, models.FlakeStable)
	default:
		actionErr = fmt.Errorf("unknown action %q", req.Action)
	}

	d.complete(ctx, client, req, actionErr)
	return actionErr
}

// complete updates the originating check run: neutral on success, failure
// with the error summary otherwise.
func (d *Dispatcher) complete(ctx context.Context, client *githubapp.Client, req processor.ActionRequest, actionErr error) {
	out := &githubapp.CheckRunOutput{
		Title:   "Action Completed",
		Summary: fmt.Sprintf("FlakeGuard completed the %q action.", req.Action),
	}
	conclusion := "neutral"
	if actionErr != nil {
		out.Title = "Action Failed"
		out.Summary = fmt.Sprintf("FlakeGuard could not complete the %q action: %v", req.Action, actionErr)
		conclusion = "failure"
	}
	_, err := client.UpdateCheckRun(ctx, req.Repo.Owner, req.Repo.Name, req.CheckRunID, &githubapp.CheckRunRequest{
		Name:       checkRunNameOf(ctx, d.store, req.CheckRunID),
		Status:     "completed",
		Conclusion: conclusion,
		Output:     out,
	})
	if err != nil {
		d.logger.Warn("failed to update check run after action",
			"action", req.Action, "check_run_id", req.CheckRunID, "error", err)
	}
}

// setStatus applies a status to every detection on the check run.
func (d *Dispatcher) setStatus(ctx context.Context, req processor.ActionRequest, status models.FlakeStatus) error {
	detections, err := d.store.ListFlakeDetectionsByCheckRun(ctx, req.CheckRunID)
	if err != nil {
		return fmt.Errorf("failed to load detections: %w", err)
	}
	if len(detections) == 0 {
		return fmt.Errorf("no detections associated with check run %d", req.CheckRunID)
	}
	for _, fd := range detections {
		if err := d.store.SetFlakeStatus(ctx, fd.RepositoryID, fd.TestName, status); err != nil {
			return fmt.Errorf("failed to set status for %s: %w", fd.TestName, err)
		}
	}
	d.logger.Info("detection status updated",
		"check_run_id", req.CheckRunID, "status", status, "tests", len(detections))
	return nil
}

func checkRunNameOf(ctx context.Context, store repository.CheckRepository, id int64) string {
	if cr, err := store.GetCheckRun(ctx, id); err == nil {
		return cr.Name
	}
	return "FlakeGuard"
}

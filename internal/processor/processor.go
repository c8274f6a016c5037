// Package processor holds one idempotent handler per webhook event kind.
// Handlers upsert entities keyed by external ids, feed failures to the
// analyzer, and surface detections on check runs.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flakeguard/flakeguard/internal/analyzer"
	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/repository"
	"github.com/flakeguard/flakeguard/internal/webhook"
)

// ActionRequest carries a check-run button press to the dispatcher.
type ActionRequest struct {
	Action         string
	CheckRunID     int64
	Repo           *models.Repository
	InstallationID int64
}

// ActionDispatcher executes user-initiated check-run actions and tracks
// rerun lifecycle per workflow run.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, req ActionRequest) error
	// OnRunCompleted signals that a workflow run finished, returning any
	// in-flight rerun state to idle.
	OnRunCompleted(runID int64)
}

// Processor wires the event handlers to their collaborators.
type Processor struct {
	store      repository.Store
	broker     *githubapp.Broker
	engine     *analyzer.Engine
	renderer   *checks.Renderer
	dispatcher ActionDispatcher
	extractor  ResultExtractor
	logger     *slog.Logger
}

func New(store repository.Store, broker *githubapp.Broker, engine *analyzer.Engine, renderer *checks.Renderer, dispatcher ActionDispatcher, extractor ResultExtractor, logger *slog.Logger) *Processor {
	if extractor == nil {
		extractor = JobNameExtractor{}
	}
	return &Processor{
		store:      store,
		broker:     broker,
		engine:     engine,
		renderer:   renderer,
		dispatcher: dispatcher,
		extractor:  extractor,
		logger:     logger,
	}
}

// RegisterAll binds every handler on the intake dispatch table.
func (p *Processor) RegisterAll(h *webhook.Handler) {
	h.Register(webhook.EventWorkflowRun, p.HandleWorkflowRun)
	h.Register(webhook.EventWorkflowJob, p.HandleWorkflowJob)
	h.Register(webhook.EventCheckRun, p.HandleCheckRun)
	h.Register(webhook.EventInstallation, p.HandleInstallation)
	h.Register(webhook.EventInstallationRepositories, p.HandleInstallationRepositories)
	h.Register(webhook.EventPing, func(context.Context, *webhook.Event) error { return nil })
}

// HandleWorkflowRun persists the run; on a failed completion it enumerates
// jobs, extracts test identities, analyzes them, and raises or refreshes the
// flake check run on the head commit.
func (p *Processor) HandleWorkflowRun(ctx context.Context, ev *webhook.Event) error {
	repo, err := p.ensureRepo(ctx, ev)
	if err != nil {
		return err
	}
	run := &models.WorkflowRun{
		ID:           ev.WorkflowRun.ID,
		RepositoryID: repo.ID,
		Name:         ev.WorkflowRun.Name,
		HeadSHA:      ev.WorkflowRun.HeadSHA,
		Branch:       ev.WorkflowRun.HeadBranch,
		Status:       ev.WorkflowRun.Status,
		Conclusion:   ev.WorkflowRun.Conclusion,
		CreatedAt:    ev.WorkflowRun.CreatedAt,
		UpdatedAt:    ev.WorkflowRun.UpdatedAt,
	}
	if err := p.store.UpsertWorkflowRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist workflow run: %w", err)
	}

	if ev.Action != "completed" {
		return nil
	}
	p.dispatcher.OnRunCompleted(run.ID)
	if ev.WorkflowRun.Conclusion != string(models.ConclusionFailure) {
		return nil
	}

	client, err := p.broker.InstallationClient(ctx, ev.Installation.ID)
	if err != nil {
		return fmt.Errorf("failed to build installation client: %w", err)
	}
	jobs, err := client.ListJobsForRun(ctx, repo.Owner, repo.Name, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	var execs []analyzer.Execution
	for i := range jobs {
		job := &jobs[i]
		p.persistJob(ctx, repo.ID, run.ID, job)
		found, err := p.extractor.Extract(ctx, client, repo, job)
		if err != nil {
			p.logger.Warn("result extraction failed", "job", job.Name, "error", err)
			continue
		}
		execs = append(execs, found...)
	}
	if len(execs) == 0 {
		return nil
	}

	results, err := p.engine.BatchAnalyze(ctx, execs)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}
	var flaky []*models.FlakeDetection
	for _, res := range results {
		if res.ShouldUpdateCheck {
			flaky = append(flaky, res.Analysis)
		}
	}
	if len(flaky) == 0 {
		return nil
	}
	return p.publishCheckRun(ctx, client, repo, run.HeadSHA, flaky)
}

// HandleWorkflowJob persists the job; a failed test-like job triggers an
// early-hint analysis ahead of the run completing.
func (p *Processor) HandleWorkflowJob(ctx context.Context, ev *webhook.Event) error {
	repo, err := p.ensureRepo(ctx, ev)
	if err != nil {
		return err
	}
	job := &models.WorkflowJob{
		ID:           ev.WorkflowJob.ID,
		RunID:        ev.WorkflowJob.RunID,
		RepositoryID: repo.ID,
		Name:         ev.WorkflowJob.Name,
		Status:       ev.WorkflowJob.Status,
		Conclusion:   ev.WorkflowJob.Conclusion,
		StartedAt:    ev.WorkflowJob.StartedAt,
		CompletedAt:  ev.WorkflowJob.CompletedAt,
	}
	if err := p.store.UpsertWorkflowJob(ctx, job); err != nil {
		return fmt.Errorf("failed to persist workflow job: %w", err)
	}

	if ev.Action != "completed" ||
		job.Conclusion != string(models.ConclusionFailure) ||
		!looksLikeTest(job.Name) {
		return nil
	}

	observed := time.Now().UTC()
	if job.CompletedAt != nil {
		observed = *job.CompletedAt
	}
	_, err = p.engine.Analyze(ctx, analyzer.Execution{
		RepositoryID: repo.ID,
		TestName:     job.Name,
		Outcome:      models.OutcomeFailed,
		ErrorMessage: "job " + job.Name + " concluded " + job.Conclusion,
		JobID:        job.ID,
		ObservedAt:   observed,
	})
	return err
}

// HandleCheckRun persists completions and routes button presses to the
// dispatcher. A failed test-hinting check synthesizes one result for the
// analyzer.
func (p *Processor) HandleCheckRun(ctx context.Context, ev *webhook.Event) error {
	repo, err := p.ensureRepo(ctx, ev)
	if err != nil {
		return err
	}

	if ev.Action == "requested_action" {
		return p.dispatcher.Dispatch(ctx, ActionRequest{
			Action:         ev.RequestedAction.Identifier,
			CheckRunID:     ev.CheckRun.ID,
			Repo:           repo,
			InstallationID: ev.Installation.ID,
		})
	}
	if ev.Action != "completed" {
		return nil
	}

	now := time.Now().UTC()
	cr := &models.CheckRun{
		ID:           ev.CheckRun.ID,
		RepositoryID: repo.ID,
		Name:         ev.CheckRun.Name,
		HeadSHA:      ev.CheckRun.HeadSHA,
		Status:       ev.CheckRun.Status,
		Conclusion:   ev.CheckRun.Conclusion,
		Title:        ev.CheckRun.Output.Title,
		Summary:      ev.CheckRun.Output.Summary,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := p.store.UpsertCheckRun(ctx, cr); err != nil {
		return fmt.Errorf("failed to persist check run: %w", err)
	}

	// Skip our own surface and anything that does not look like a test.
	if cr.Name == checks.CheckRunName ||
		cr.Conclusion != string(models.ConclusionFailure) ||
		!looksLikeTest(cr.Name) {
		return nil
	}
	_, err = p.engine.Analyze(ctx, analyzer.Execution{
		RepositoryID: repo.ID,
		TestName:     cr.Name,
		Outcome:      models.OutcomeFailed,
		ErrorMessage: ev.CheckRun.Output.Summary,
		CheckRunID:   cr.ID,
		ObservedAt:   now,
	})
	return err
}

// HandleInstallation mirrors the installation lifecycle: create, suspend,
// unsuspend, delete. Deletion cascades to the tracked repositories.
func (p *Processor) HandleInstallation(ctx context.Context, ev *webhook.Event) error {
	if ev.Action == "deleted" {
		return p.store.DeleteInstallation(ctx, ev.Installation.ID)
	}

	inst := installationFrom(ev.Installation)
	if err := p.store.UpsertInstallation(ctx, inst); err != nil {
		return fmt.Errorf("failed to persist installation: %w", err)
	}
	for i := range ev.Repositories {
		if err := p.upsertRepoPayload(ctx, ev.Installation.ID, &ev.Repositories[i]); err != nil {
			return err
		}
	}
	return nil
}

// HandleInstallationRepositories applies the added and removed repo lists.
func (p *Processor) HandleInstallationRepositories(ctx context.Context, ev *webhook.Event) error {
	if err := p.store.UpsertInstallation(ctx, installationFrom(ev.Installation)); err != nil {
		return fmt.Errorf("failed to persist installation: %w", err)
	}
	for i := range ev.RepositoriesAdded {
		if err := p.upsertRepoPayload(ctx, ev.Installation.ID, &ev.RepositoriesAdded[i]); err != nil {
			return err
		}
	}
	for i := range ev.RepositoriesRemoved {
		if err := p.store.DeleteRepository(ctx, ev.RepositoriesRemoved[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// publishCheckRun creates the FlakeGuard check run on the head commit, or
// refreshes the existing one, then stamps the detections with its id so
// later actions can find them.
func (p *Processor) publishCheckRun(ctx context.Context, client *githubapp.Client, repo *models.Repository, headSHA string, flaky []*models.FlakeDetection) error {
	rendered := p.renderer.Render(flaky, repo)

	req := &githubapp.CheckRunRequest{
		Name:       checks.CheckRunName,
		HeadSHA:    headSHA,
		Status:     "completed",
		Conclusion: "neutral",
		Output: &githubapp.CheckRunOutput{
			Title:   rendered.Title,
			Summary: rendered.Summary,
		},
	}
	for _, a := range rendered.Actions {
		req.Actions = append(req.Actions, githubapp.CheckRunAction{
			Label:       a.Label,
			Description: a.Description,
			Identifier:  a.Identifier,
		})
	}

	var upstream *githubapp.CheckRun
	existing, err := p.store.FindCheckRunByName(ctx, repo.ID, headSHA, checks.CheckRunName)
	switch {
	case err == nil:
		req.HeadSHA = "" // immutable on update
		upstream, err = client.UpdateCheckRun(ctx, repo.Owner, repo.Name, existing.ID, req)
	case err == repository.ErrNotFound:
		upstream, err = client.CreateCheckRun(ctx, repo.Owner, repo.Name, req)
	}
	if err != nil {
		return fmt.Errorf("failed to publish check run: %w", err)
	}

	now := time.Now().UTC()
	if err := p.store.UpsertCheckRun(ctx, &models.CheckRun{
		ID:           upstream.ID,
		RepositoryID: repo.ID,
		Name:         checks.CheckRunName,
		HeadSHA:      headSHA,
		Status:       upstream.Status,
		Conclusion:   upstream.Conclusion,
		Title:        rendered.Title,
		Summary:      rendered.Summary,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		return fmt.Errorf("failed to persist check run: %w", err)
	}

	for _, fd := range flaky {
		fd.CheckRunID = upstream.ID
		if err := p.store.UpsertFlakeDetection(ctx, fd); err != nil {
			p.logger.Warn("failed to stamp detection with check run",
				"test", fd.TestName, "error", err)
		}
	}
	return nil
}

// persistJob stores a job fetched through the API; failures are logged, the
// analysis pipeline does not depend on them.
func (p *Processor) persistJob(ctx context.Context, repoID, runID int64, job *githubapp.Job) {
	err := p.store.UpsertWorkflowJob(ctx, &models.WorkflowJob{
		ID:           job.ID,
		RunID:        runID,
		RepositoryID: repoID,
		Name:         job.Name,
		Status:       job.Status,
		Conclusion:   job.Conclusion,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	})
	if err != nil {
		p.logger.Warn("failed to persist job", "job", job.Name, "error", err)
	}
}

// ensureRepo mirrors the event's repository so FK-dependent writes succeed
// even when the install webhook was missed.
func (p *Processor) ensureRepo(ctx context.Context, ev *webhook.Event) (*models.Repository, error) {
	if ev.Repo == nil || ev.Installation == nil {
		return nil, fmt.Errorf("event %s missing repository or installation", ev.Kind)
	}
	if err := p.store.UpsertInstallation(ctx, installationFrom(ev.Installation)); err != nil {
		return nil, fmt.Errorf("failed to persist installation: %w", err)
	}
	if err := p.upsertRepoPayload(ctx, ev.Installation.ID, ev.Repo); err != nil {
		return nil, err
	}
	return p.store.GetRepository(ctx, ev.Repo.ID)
}

func (p *Processor) upsertRepoPayload(ctx context.Context, installationID int64, rp *webhook.RepositoryPayload) error {
	branch := rp.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	err := p.store.UpsertRepository(ctx, &models.Repository{
		ID:             rp.ID,
		InstallationID: installationID,
		Owner:          rp.Owner.Login,
		Name:           rp.Name,
		DefaultBranch:  branch,
	})
	if err != nil {
		return fmt.Errorf("failed to persist repository %s: %w", rp.FullName, err)
	}
	return nil
}

func installationFrom(ref *webhook.InstallationRef) *models.Installation {
	now := time.Now().UTC()
	inst := &models.Installation{
		ID:            ref.ID,
		AccountLogin:  ref.Account.Login,
		AccountType:   ref.Account.Type,
		RepoSelection: ref.RepositorySelection,
		SuspendedAt:   ref.SuspendedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if inst.RepoSelection == "" {
		inst.RepoSelection = string(models.RepoSelectionAll)
	}
	return inst
}

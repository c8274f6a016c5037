package processor

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/analyzer"
	"github.com/flakeguard/flakeguard/internal/checks"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/repository"
	"github.com/flakeguard/flakeguard/internal/webhook"
	"github.com/flakeguard/flakeguard/migrations"
)

type fakeDispatcher struct {
	dispatched []ActionRequest
	completed  []int64
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req ActionRequest) error {
	f.dispatched = append(f.dispatched, req)
	return nil
}

func (f *fakeDispatcher) OnRunCompleted(runID int64) {
	f.completed = append(f.completed, runID)
}

func newTestProcessor(t *testing.T) (*Processor, repository.Store, *fakeDispatcher) {
	t.Helper()
	store, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	schema, err := migrations.FS.ReadFile("001_initial_schema.sql")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(string(schema)))

	log := slog.Default()
	engine := analyzer.NewEngine(store, analyzer.Config{}, log)
	dispatcher := &fakeDispatcher{}
	proc := New(store, nil, engine, checks.NewRenderer("https://github.com"), dispatcher, nil, log)
	return proc, store, dispatcher
}

func installationEvent(action string) *webhook.Event {
	return &webhook.Event{
		Kind:   webhook.EventInstallation,
		Action: action,
		Installation: &webhook.InstallationRef{
			ID: 42,
			Account: struct {
				Login string `json:"login"`
				Type  string `json:"type"`
			}{Login: "acme", Type: "Organization"},
		},
		Repositories: []webhook.RepositoryPayload{
			{ID: 7, Name: "widgets", FullName: "acme/widgets",
				Owner: struct {
					Login string `json:"login"`
				}{Login: "acme"}},
		},
	}
}

func repoPayload() *webhook.RepositoryPayload {
	return &webhook.RepositoryPayload{
		ID: 7, Name: "widgets", FullName: "acme/widgets",
		Owner: struct {
			Login string `json:"login"`
		}{Login: "acme"},
		DefaultBranch: "main",
	}
}

func TestHandleInstallationCreated(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, proc.HandleInstallation(ctx, installationEvent("created")))

	inst, err := store.GetInstallation(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "acme", inst.AccountLogin)

	repo, err := store.GetRepository(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "widgets", repo.Name)
	assert.Equal(t, "main", repo.DefaultBranch, "missing default branch falls back to main")
}

func TestHandleInstallationDeleted(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()

	require.NoError(t, proc.HandleInstallation(ctx, installationEvent("created")))
	require.NoError(t, proc.HandleInstallation(ctx, installationEvent("deleted")))

	_, err := store.GetInstallation(ctx, 42)
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = store.GetRepository(ctx, 7)
	assert.ErrorIs(t, err, repository.ErrNotFound, "deletion cascades to repositories")
}

func TestHandleInstallationRepositories(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()

	ev := installationEvent("added")
	ev.Kind = webhook.EventInstallationRepositories
	ev.RepositoriesAdded = ev.Repositories
	ev.Repositories = nil
	require.NoError(t, proc.HandleInstallationRepositories(ctx, ev))

	_, err := store.GetRepository(ctx, 7)
	require.NoError(t, err)

	ev.RepositoriesRemoved = ev.RepositoriesAdded
	ev.RepositoriesAdded = nil
	require.NoError(t, proc.HandleInstallationRepositories(ctx, ev))

	_, err = store.GetRepository(ctx, 7)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHandleWorkflowRunPersistsAndSignalsCompletion(t *testing.T) {
	proc, store, dispatcher := newTestProcessor(t)
	ctx := context.Background()

	ev := &webhook.Event{
		Kind:         webhook.EventWorkflowRun,
		Action:       "completed",
		Installation: installationEvent("created").Installation,
		Repo:         repoPayload(),
		WorkflowRun: &webhook.WorkflowRunPayload{
			ID:         101,
			HeadSHA:    "abc123",
			HeadBranch: "main",
			Status:     "completed",
			Conclusion: "success",
		},
	}
	require.NoError(t, proc.HandleWorkflowRun(ctx, ev))

	run, err := store.GetWorkflowRun(ctx, 101)
	require.NoError(t, err)
	assert.Equal(t, "abc123", run.HeadSHA)
	assert.Equal(t, []int64{101}, dispatcher.completed,
		"run completion must release any in-flight rerun state")
}

func TestHandleWorkflowJobEarlyHint(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()
	done := time.Now().UTC()

	ev := &webhook.Event{
		Kind:         webhook.EventWorkflowJob,
		Action:       "completed",
		Installation: installationEvent("created").Installation,
		Repo:         repoPayload(),
		WorkflowJob: &webhook.WorkflowJobPayload{
			ID:          555,
			RunID:       101,
			Name:        "unit-tests",
			Status:      "completed",
			Conclusion:  "failure",
			CompletedAt: &done,
		},
	}
	require.NoError(t, proc.HandleWorkflowJob(ctx, ev))

	jobs, err := store.ListJobsForRun(ctx, 101)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	// The failed test-like job feeds the analyzer ahead of run completion.
	fd, err := store.GetFlakeDetection(ctx, 7, "unit-tests")
	require.NoError(t, err)
	assert.Equal(t, 1, fd.TotalRuns)
}

func TestHandleWorkflowJobIgnoresNonTestJobs(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()

	ev := &webhook.Event{
		Kind:         webhook.EventWorkflowJob,
		Action:       "completed",
		Installation: installationEvent("created").Installation,
		Repo:         repoPayload(),
		WorkflowJob: &webhook.WorkflowJobPayload{
			ID:         556,
			RunID:      101,
			Name:       "build-docker-image",
			Status:     "completed",
			Conclusion: "failure",
		},
	}
	require.NoError(t, proc.HandleWorkflowJob(ctx, ev))

	_, err := store.GetFlakeDetection(ctx, 7, "build-docker-image")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestHandleCheckRunRoutesActions(t *testing.T) {
	proc, _, dispatcher := newTestProcessor(t)
	ctx := context.Background()

	ev := &webhook.Event{
		Kind:            webhook.EventCheckRun,
		Action:          "requested_action",
		Installation:    installationEvent("created").Installation,
		Repo:            repoPayload(),
		CheckRun:        &webhook.CheckRunPayload{ID: 900, Name: "FlakeGuard", HeadSHA: "abc123"},
		RequestedAction: &webhook.RequestedAction{Identifier: models.ActionQuarantine},
	}
	require.NoError(t, proc.HandleCheckRun(ctx, ev))

	require.Len(t, dispatcher.dispatched, 1)
	req := dispatcher.dispatched[0]
	assert.Equal(t, models.ActionQuarantine, req.Action)
	assert.Equal(t, int64(900), req.CheckRunID)
	assert.Equal(t, int64(42), req.InstallationID)
	assert.Equal(t, int64(7), req.Repo.ID)
}

func TestHandleCheckRunSkipsOwnSurface(t *testing.T) {
	proc, store, _ := newTestProcessor(t)
	ctx := context.Background()

	ev := &webhook.Event{
		Kind:         webhook.EventCheckRun,
		Action:       "completed",
		Installation: installationEvent("created").Installation,
		Repo:         repoPayload(),
		CheckRun: &webhook.CheckRunPayload{
			ID: 901, Name: checks.CheckRunName, HeadSHA: "abc123",
			Status: "completed", Conclusion: "failure",
		},
	}
	require.NoError(t, proc.HandleCheckRun(ctx, ev))

	// Persisted, but never fed back into the analyzer.
	_, err := store.GetCheckRun(ctx, 901)
	require.NoError(t, err)
	_, err = store.GetFlakeDetection(ctx, 7, checks.CheckRunName)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestLooksLikeTest(t *testing.T) {
	assert.True(t, looksLikeTest("unit-tests"))
	assert.True(t, looksLikeTest("Integration Suite"))
	assert.True(t, looksLikeTest("e2e-chrome"))
	assert.True(t, looksLikeTest("junit-report"))
	assert.False(t, looksLikeTest("build-docker-image"))
	assert.False(t, looksLikeTest("deploy"))
}

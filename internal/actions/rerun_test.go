package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/processor"
	"github.com/flakeguard/flakeguard/internal/repository"
	"github.com/flakeguard/flakeguard/migrations"
)

// fakeUpstream is a minimal GitHub API double for the rerun flow.
type fakeUpstream struct {
	mu       sync.Mutex
	jobs     []githubapp.Job
	rerunFor []string // paths of rerun endpoints hit
	issues   []githubapp.IssueRequest
}

func (f *fakeUpstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widgets/actions/runs/101/jobs":
			json.NewEncoder(w).Encode(map[string]any{"total_count": len(f.jobs), "jobs": f.jobs})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/actions/runs/101/rerun",
			r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/actions/runs/101/rerun-failed-jobs":
			f.rerunFor = append(f.rerunFor, r.URL.Path)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues":
			var req githubapp.IssueRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.issues = append(f.issues, req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(githubapp.Issue{Number: 31, Title: req.Title})
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widgets/pulls":
			json.NewEncoder(w).Encode([]githubapp.PullRequest{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newRerunFixture(t *testing.T, runStatus, runConclusion string) (*RerunController, repository.Store, *fakeUpstream, *githubapp.Client) {
	t.Helper()
	store, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	schema, err := migrations.FS.ReadFile("001_initial_schema.sql")
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(string(schema)))

	ctx := context.Background()
	require.NoError(t, store.UpsertInstallation(ctx, &models.Installation{ID: 42, AccountLogin: "acme"}))
	require.NoError(t, store.UpsertRepository(ctx, &models.Repository{
		ID: 7, InstallationID: 42, Owner: "acme", Name: "widgets", DefaultBranch: "main",
	}))
	require.NoError(t, store.UpsertWorkflowRun(ctx, &models.WorkflowRun{
		ID: 101, RepositoryID: 7, Name: "ci", HeadSHA: "abc123",
		Status: runStatus, Conclusion: runConclusion,
	}))
	require.NoError(t, store.UpsertCheckRun(ctx, &models.CheckRun{
		ID: 900, RepositoryID: 7, Name: "FlakeGuard", HeadSHA: "abc123", Status: "completed",
	}))

	upstream := &fakeUpstream{}
	srv := httptest.NewServer(upstream.handler())
	t.Cleanup(srv.Close)

	controller := NewRerunController(store, 3, slog.Default())
	return controller, store, upstream, githubapp.NewClient(srv.URL, "tok")
}

func rerunRequest(store repository.Store, t *testing.T) processor.ActionRequest {
	t.Helper()
	repo, err := store.GetRepository(context.Background(), 7)
	require.NoError(t, err)
	return processor.ActionRequest{
		Action:         models.ActionRerunFailed,
		CheckRunID:     900,
		Repo:           repo,
		InstallationID: 42,
	}
}

func TestRerunFailedJobsOnly(t *testing.T) {
	controller, store, upstream, client := newRerunFixture(t, "completed", "failure")
	upstream.jobs = []githubapp.Job{
		{ID: 1, Name: "unit-tests", Status: "completed", Conclusion: "failure"},
		{ID: 2, Name: "lint", Status: "completed", Conclusion: "success"},
	}

	err := controller.Rerun(context.Background(), client, rerunRequest(store, t))
	require.NoError(t, err)

	require.Len(t, upstream.rerunFor, 1)
	assert.Contains(t, upstream.rerunFor[0], "rerun-failed-jobs",
		"partial failure reruns only the failed jobs")
	assert.Equal(t, StateRunning, controller.machine.State(101))

	n, err := store.CountRerunAttempts(context.Background(), 101)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRerunAllWhenEveryJobFailed(t *testing.T) {
	controller, store, upstream, client := newRerunFixture(t, "completed", "failure")
	upstream.jobs = []githubapp.Job{
		{ID: 1, Name: "unit-tests", Status: "completed", Conclusion: "failure"},
		{ID: 2, Name: "lint", Status: "completed", Conclusion: "failure"},
	}

	err := controller.Rerun(context.Background(), client, rerunRequest(store, t))
	require.NoError(t, err)

	require.Len(t, upstream.rerunFor, 1)
	assert.NotContains(t, upstream.rerunFor[0], "rerun-failed-jobs",
		"all-failed reruns the whole workflow")
}

func TestRerunRefusedWhileInProgress(t *testing.T) {
	controller, store, upstream, client := newRerunFixture(t, "in_progress", "")

	err := controller.Rerun(context.Background(), client, rerunRequest(store, t))
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Empty(t, upstream.rerunFor)
	assert.Equal(t, StateIdle, controller.machine.State(101))
}

func TestRerunEscalatesPastCeiling(t *testing.T) {
	controller, store, upstream, client := newRerunFixture(t, "completed", "failure")
	upstream.jobs = []githubapp.Job{
		{ID: 1, Name: "unit-tests", Status: "completed", Conclusion: "failure"},
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.ReserveRerunAttempt(ctx, &models.RerunAttempt{
			RunID: 101, RepositoryID: 7, Mode: string(models.RerunModeFailedOnly),
		}, 3)
		require.NoError(t, err)
	}

	err := controller.Rerun(ctx, client, rerunRequest(store, t))
	require.NoError(t, err)

	assert.Empty(t, upstream.rerunFor, "no further rerun past the ceiling")
	require.Len(t, upstream.issues, 1)
	assert.Contains(t, upstream.issues[0].Title, "Persistent failures")
	assert.Equal(t, escalationLabels, upstream.issues[0].Labels)
	assert.Equal(t, StateEscalated, controller.machine.State(101))

	// Further presses stay escalated and do not rerun.
	err = controller.Rerun(ctx, client, rerunRequest(store, t))
	assert.Error(t, err)
	assert.Empty(t, upstream.rerunFor)
}

func TestOnRunCompletedReturnsToIdle(t *testing.T) {
	controller, store, upstream, client := newRerunFixture(t, "completed", "failure")
	upstream.jobs = []githubapp.Job{
		{ID: 1, Name: "unit-tests", Status: "completed", Conclusion: "failure"},
	}

	require.NoError(t, controller.Rerun(context.Background(), client, rerunRequest(store, t)))
	require.Equal(t, StateRunning, controller.machine.State(101))

	controller.OnRunCompleted(101)
	assert.Equal(t, StateIdle, controller.machine.State(101))
}

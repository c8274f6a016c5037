package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
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

const jsLoginSource = "describe('auth', () => {\n" +
	"  test('logs in', () => {\n" +
	"    expect(login()).toBe(true)\n" +
	"  })\n" +
	"})\n"

// fakeRepoHost is a git-data double for the quarantine flow: branch refs,
// file contents, pull requests, and labels.
type fakeRepoHost struct {
	mu        sync.Mutex
	files     map[string]string // path -> current source on the branch
	commits   []string          // paths committed, in order
	refStatus int               // non-zero forces CreateRef to that status
	pulls     []map[string]string
	labels    []string
}

func newFakeRepoHost() *fakeRepoHost {
	return &fakeRepoHost{files: make(map[string]string)}
}

func (f *fakeRepoHost) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widgets/git/ref/heads/main":
			json.NewEncoder(w).Encode(githubapp.Ref{
				Ref:    "refs/heads/main",
				Object: githubapp.GitObject{SHA: "base777", Type: "commit"},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/git/refs":
			if f.refStatus != 0 {
				w.WriteHeader(f.refStatus)
				w.Write([]byte(`{"message":"Reference already exists"}`))
				return
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(githubapp.Ref{})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/repos/acme/widgets/contents/"):
			path := strings.TrimPrefix(r.URL.Path, "/repos/acme/widgets/contents/")
			src, ok := f.files[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(githubapp.FileContent{
				Path:     path,
				SHA:      "blob-" + path,
				Content:  base64.StdEncoding.EncodeToString([]byte(src)),
				Encoding: "base64",
			})
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/repos/acme/widgets/contents/"):
			path := strings.TrimPrefix(r.URL.Path, "/repos/acme/widgets/contents/")
			var req struct {
				Content string `json:"content"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			raw, _ := base64.StdEncoding.DecodeString(req.Content)
			f.files[path] = string(raw)
			f.commits = append(f.commits, path)
			json.NewEncoder(w).Encode(map[string]any{})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/pulls":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			f.pulls = append(f.pulls, req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(githubapp.PullRequest{Number: 55, Title: req["title"]})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues/55/labels":
			var req struct {
				Labels []string `json:"labels"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.labels = req.Labels
			json.NewEncoder(w).Encode(map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func seedActionStore(t *testing.T) repository.Store {
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
	require.NoError(t, store.UpsertCheckRun(ctx, &models.CheckRun{
		ID: 900, RepositoryID: 7, Name: "FlakeGuard", HeadSHA: "abc123def", Status: "completed",
	}))
	return store
}

func seedDetection(t *testing.T, store repository.Store, name, path string, confidence float64) {
	t.Helper()
	require.NoError(t, store.UpsertFlakeDetection(context.Background(), &models.FlakeDetection{
		RepositoryID:    7,
		TestName:        name,
		FilePath:        path,
		IsFlaky:         true,
		Confidence:      confidence,
		FailureRate:     0.5,
		TotalRuns:       10,
		FailedRuns:      5,
		SuggestedAction: models.ActionQuarantine,
		CheckRunID:      900,
		Status:          string(models.FlakePending),
	}))
}

func actionRequestFor(t *testing.T, store repository.Store, action string) processor.ActionRequest {
	t.Helper()
	repo, err := store.GetRepository(context.Background(), 7)
	require.NoError(t, err)
	return processor.ActionRequest{
		Action:         action,
		CheckRunID:     900,
		Repo:           repo,
		InstallationID: 42,
	}
}

func newQuarantineFixture(t *testing.T) (*Dispatcher, repository.Store, *fakeRepoHost, *githubapp.Client) {
	t.Helper()
	store := seedActionStore(t)
	host := newFakeRepoHost()
	srv := httptest.NewServer(host.handler())
	t.Cleanup(srv.Close)
	d := NewDispatcher(store, nil, 3, slog.Default())
	return d, store, host, githubapp.NewClient(srv.URL, "tok")
}

func TestQuarantineOpensPullRequest(t *testing.T) {
	d, store, host, client := newQuarantineFixture(t)
	seedDetection(t, store, "logs in", "tests/login.test.js", 0.9)
	seedDetection(t, store, "orphan test", "", 0.75)
	host.files["tests/login.test.js"] = jsLoginSource

	err := d.quarantine(context.Background(), client, actionRequestFor(t, store, models.ActionQuarantine))
	require.NoError(t, err)

	require.Equal(t, []string{"tests/login.test.js"}, host.commits)
	assert.Contains(t, host.files["tests/login.test.js"], "test.skip('logs in'")
	assert.Contains(t, host.files["tests/login.test.js"], "Quarantined by FlakeGuard")

	require.Len(t, host.pulls, 1)
	pr := host.pulls[0]
	assert.Equal(t, "Quarantine 1 flaky test(s)", pr["title"])
	assert.True(t, strings.HasPrefix(pr["head"], "flakeguard/quarantine/"), pr["head"])
	assert.Equal(t, "main", pr["base"])
	assert.Contains(t, pr["body"], "orphan test (no known source file)")
	assert.Equal(t, quarantineLabels, host.labels)

	fd, err := store.GetFlakeDetection(context.Background(), 7, "logs in")
	require.NoError(t, err)
	assert.Equal(t, string(models.FlakeQuarantined), fd.Status)

	orphan, err := store.GetFlakeDetection(context.Background(), 7, "orphan test")
	require.NoError(t, err)
	assert.Equal(t, string(models.FlakePending), orphan.Status, "unquarantined tests keep their status")
}

func TestQuarantineAlreadyAnnotatedOpensNoPR(t *testing.T) {
	d, store, host, client := newQuarantineFixture(t)
	seedDetection(t, store, "logs in", "tests/login.test.js", 0.9)
	host.files["tests/login.test.js"] = "describe('auth', () => {\n" +
		"  // @flaky - Quarantined by FlakeGuard\n" +
		"  test.skip('logs in', () => {\n" +
		"    expect(login()).toBe(true)\n" +
		"  })\n" +
		"})\n"

	err := d.quarantine(context.Background(), client, actionRequestFor(t, store, models.ActionQuarantine))
	require.NoError(t, err)

	assert.Empty(t, host.commits, "no commit when the file already carries the annotation")
	assert.Empty(t, host.pulls, "no new pull request when nothing was modified")
}

func TestQuarantineRepeatedActionIsIdempotent(t *testing.T) {
	d, store, host, client := newQuarantineFixture(t)
	seedDetection(t, store, "logs in", "tests/login.test.js", 0.9)
	host.files["tests/login.test.js"] = jsLoginSource
	req := actionRequestFor(t, store, models.ActionQuarantine)

	require.NoError(t, d.quarantine(context.Background(), client, req))
	require.Len(t, host.pulls, 1)
	require.Len(t, host.commits, 1)

	// Pressing the button again finds the skip annotation already in place.
	require.NoError(t, d.quarantine(context.Background(), client, req))
	assert.Len(t, host.pulls, 1, "repeated quarantine must not open another pull request")
	assert.Len(t, host.commits, 1)
}

func TestQuarantineReusesExistingBranch(t *testing.T) {
	d, store, host, client := newQuarantineFixture(t)
	seedDetection(t, store, "logs in", "tests/login.test.js", 0.9)
	host.files["tests/login.test.js"] = jsLoginSource
	host.refStatus = http.StatusUnprocessableEntity

	err := d.quarantine(context.Background(), client, actionRequestFor(t, store, models.ActionQuarantine))
	require.NoError(t, err, "an existing quarantine branch is reused")
	assert.Len(t, host.pulls, 1)
}

func TestQuarantineRequiresEligibleFiles(t *testing.T) {
	d, store, host, client := newQuarantineFixture(t)
	seedDetection(t, store, "orphan test", "", 0.75)

	err := d.quarantine(context.Background(), client, actionRequestFor(t, store, models.ActionQuarantine))
	require.Error(t, err)
	assert.Empty(t, host.pulls)
}

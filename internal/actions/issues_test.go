package actions

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
)

// fakeIssueHost is an issue-tracker double: search, creation, pull listing,
// and comments.
type fakeIssueHost struct {
	mu       sync.Mutex
	existing []githubapp.Issue // returned by every search
	queries  []string
	created  []githubapp.IssueRequest
	pulls    []githubapp.PullRequest
	comments []string
}

func (f *fakeIssueHost) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/search/issues":
			f.queries = append(f.queries, r.URL.Query().Get("q"))
			json.NewEncoder(w).Encode(map[string]any{
				"total_count": len(f.existing),
				"items":       f.existing,
			})
		case r.Method == http.MethodPost && r.URL.Path == "/repos/acme/widgets/issues":
			var req githubapp.IssueRequest
			json.NewDecoder(r.Body).Decode(&req)
			f.created = append(f.created, req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(githubapp.Issue{Number: 100 + len(f.created), Title: req.Title})
		case r.Method == http.MethodGet && r.URL.Path == "/repos/acme/widgets/pulls":
			json.NewEncoder(w).Encode(f.pulls)
		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/commits"):
			json.NewEncoder(w).Encode([]githubapp.Commit{})
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/comments"):
			var req struct {
				Body string `json:"body"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.comments = append(f.comments, req.Body)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func TestOpenIssuesCreatesTrackingIssues(t *testing.T) {
	store := seedActionStore(t)
	seedDetection(t, store, "test_alpha", "tests/alpha.py", 0.75)
	seedDetection(t, store, "test_beta", "", 0.5)

	host := &fakeIssueHost{
		pulls: []githubapp.PullRequest{
			{Number: 12, State: "open", Head: githubapp.PullRequestBranch{SHA: "abc123def"}},
		},
	}
	srv := httptest.NewServer(host.handler())
	t.Cleanup(srv.Close)
	d := NewDispatcher(store, nil, 3, slog.Default())
	client := githubapp.NewClient(srv.URL, "tok")

	err := d.openIssues(context.Background(), client, actionRequestFor(t, store, models.ActionOpenIssue))
	require.NoError(t, err)

	require.Len(t, host.created, 2)
	var titles []string
	for _, issue := range host.created {
		titles = append(titles, issue.Title)
	}
	assert.ElementsMatch(t, []string{
		"[FlakeGuard] Flaky test detected: test_alpha",
		"[FlakeGuard] Flaky test detected: test_beta",
	}, titles)

	for _, issue := range host.created {
		assert.Subset(t, issue.Labels, []string{"flaky-test", "bug", "testing", "auto-generated"})
		if strings.Contains(issue.Title, "test_alpha") {
			assert.Contains(t, issue.Labels, "confidence-75")
			assert.Contains(t, issue.Body, "50% (5 of 10 runs)")
			assert.Contains(t, issue.Body, "tests/alpha.py")
		}
	}

	// The created issues are summarized on the open PR for the head sha.
	require.Len(t, host.comments, 1)
	assert.Contains(t, host.comments[0], "#101")
	assert.Contains(t, host.comments[0], "#102")
}

func TestOpenIssuesSkipsExistingOpenIssue(t *testing.T) {
	store := seedActionStore(t)
	seedDetection(t, store, "test_alpha", "", 0.75)
	seedDetection(t, store, "test_beta", "", 0.5)

	host := &fakeIssueHost{
		existing: []githubapp.Issue{
			{Number: 5, State: "open", Title: "[FlakeGuard] Flaky test detected: test_alpha"},
		},
	}
	srv := httptest.NewServer(host.handler())
	t.Cleanup(srv.Close)
	d := NewDispatcher(store, nil, 3, slog.Default())
	client := githubapp.NewClient(srv.URL, "tok")

	err := d.openIssues(context.Background(), client, actionRequestFor(t, store, models.ActionOpenIssue))
	require.NoError(t, err)

	require.Len(t, host.created, 1, "a test with an open issue is not filed twice")
	assert.Contains(t, host.created[0].Title, "test_beta")

	require.Len(t, host.queries, 2, "every test is checked against open issues")
	for _, q := range host.queries {
		assert.Contains(t, q, "label:flaky-test")
		assert.Contains(t, q, "repo:acme/widgets")
	}
}

package githubapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
)

const (
	defaultCallTimeout = 30 * time.Second
	downloadTimeout    = 5 * time.Minute
	uploadTimeout      = 10 * time.Minute

	maxAttempts      = 4 // first try + 3 retries
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
	secondaryWaitCap = 60 * time.Second
)

// Client is the authenticated facade over the upstream REST surface. One
// client per installation token; construction is cheap.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client against baseURL using the given token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// backoff returns the decorrelated-jitter delay for a 0-based attempt:
// exponential from 1s, factor 2, capped at 30s, jittered within [base, full].
func backoff(attempt int) time.Duration {
	d := initialBackoff
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	jittered := initialBackoff + time.Duration(rand.Int63n(int64(d-initialBackoff)+1))
	return jittered
}

func isNonRetryable(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func retryAfterOf(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// do performs one API call with the retry policy: primary rate limits sleep
// the server-suggested wait (up to 3 retries); secondary rate limits retry
// only when the suggested wait is at most 60s; 5xx retries with backoff;
// 400/401/403/404/422 fail immediately.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		status, retryAfter, err := c.once(callCtx, method, path, payload, out)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		var wait time.Duration
		switch {
		case status == http.StatusTooManyRequests:
			// Primary rate limit: honor the suggested wait.
			wait = retryAfter
			if wait <= 0 {
				wait = backoff(attempt)
			}
			metrics.UpstreamRetriesTotal.WithLabelValues("rate_limit").Inc()
		case status == http.StatusForbidden && retryAfter > 0:
			// Secondary rate limit: only worth waiting for short suggestions.
			if retryAfter > secondaryWaitCap {
				return err
			}
			wait = retryAfter
			metrics.UpstreamRetriesTotal.WithLabelValues("secondary_rate_limit").Inc()
		case isNonRetryable(status):
			return err
		case status >= 500 || status == 0:
			wait = backoff(attempt)
			metrics.UpstreamRetriesTotal.WithLabelValues("server_error").Inc()
		default:
			return err
		}

		if attempt == maxAttempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// once performs a single HTTP exchange. Returns the status code (0 on
// transport error) and the Retry-After duration when present.
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out interface{}) (int, time.Duration, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("upstream call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, 0, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, 0, fmt.Errorf("failed to decode response: %w", err)
		}
		return resp.StatusCode, 0, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	retryAfter := retryAfterOf(resp)
	return resp.StatusCode, retryAfter, &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
		RetryAfter: retryAfter,
	}
}

// Check runs

func (c *Client) CreateCheckRun(ctx context.Context, owner, repo string, req *CheckRunRequest) (*CheckRun, error) {
	var out CheckRun
	path := fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, req *CheckRunRequest) (*CheckRun, error) {
	var out CheckRun
	path := fmt.Sprintf("/repos/%s/%s/check-runs/%d", owner, repo, checkRunID)
	if err := c.do(ctx, http.MethodPatch, path, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCheckRunsForRef(ctx context.Context, owner, repo, ref string) ([]CheckRun, error) {
	var out checkRunList
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", owner, repo, url.PathEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return out.CheckRuns, nil
}

// Workflow control

type rerunRequest struct {
	EnableDebugLogging bool `json:"enable_debug_logging"`
}

func (c *Client) RerunWorkflow(ctx context.Context, owner, repo string, runID int64, debugLogging bool) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun", owner, repo, runID)
	err := c.do(ctx, http.MethodPost, path, &rerunRequest{EnableDebugLogging: debugLogging}, nil, 0)
	return mapRerunError(err)
}

func (c *Client) RerunFailedJobs(ctx context.Context, owner, repo string, runID int64, debugLogging bool) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/rerun-failed-jobs", owner, repo, runID)
	err := c.do(ctx, http.MethodPost, path, &rerunRequest{EnableDebugLogging: debugLogging}, nil, 0)
	return mapRerunError(err)
}

// mapRerunError maps the upstream's refusal statuses onto ErrWorkflowCannotRerun.
func mapRerunError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusForbidden || apiErr.StatusCode == http.StatusConflict) {
		return fmt.Errorf("%w: %s", ErrWorkflowCannotRerun, apiErr.Message)
	}
	return err
}

func (c *Client) CancelWorkflow(ctx context.Context, owner, repo string, runID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/cancel", owner, repo, runID)
	return c.do(ctx, http.MethodPost, path, nil, nil, 0)
}

func (c *Client) ListJobsForRun(ctx context.Context, owner, repo string, runID int64) ([]Job, error) {
	var out jobList
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=100", owner, repo, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Artifacts

func (c *Client) ListArtifacts(ctx context.Context, owner, repo string, runID int64) ([]Artifact, error) {
	var out artifactList
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/artifacts", owner, repo, runID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, downloadTimeout); err != nil {
		return nil, err
	}
	return out.Artifacts, nil
}

// ArtifactDownloadURL resolves the short-lived redirect target for an
// artifact archive without following it.
func (c *Client) ArtifactDownloadURL(ctx context.Context, owner, repo string, artifactID int64) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	path := fmt.Sprintf("%s/repos/%s/%s/actions/artifacts/%d/zip", c.baseURL, owner, repo, artifactID)
	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "token "+c.token)

	noRedirect := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("artifact download url: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusFound:
		return resp.Header.Get("Location"), nil
	case http.StatusGone:
		return "", ErrArtifactExpired
	default:
		return "", &APIError{StatusCode: resp.StatusCode, Message: "unexpected artifact response"}
	}
}

// Issues and pull requests

func (c *Client) CreateIssue(ctx context.Context, owner, repo string, req *IssueRequest) (*Issue, error) {
	var out Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SearchIssues(ctx context.Context, query string) ([]Issue, error) {
	var out issueSearchResult
	path := "/search/issues?q=" + url.QueryEscape(query)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) AddLabels(ctx context.Context, owner, repo string, issueNumber int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", owner, repo, issueNumber)
	body := map[string][]string{"labels": labels}
	return c.do(ctx, http.MethodPost, path, body, nil, 0)
}

func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, issueNumber int, commentBody string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, issueNumber)
	body := map[string]string{"body": commentBody}
	return c.do(ctx, http.MethodPost, path, body, nil, 0)
}

func (c *Client) ListPullRequests(ctx context.Context, owner, repo, state string) ([]PullRequest, error) {
	var out []PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=%s&per_page=100", owner, repo, url.QueryEscape(state))
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListCommitsForPull(ctx context.Context, owner, repo string, pullNumber int) ([]Commit, error) {
	var out []Commit
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits?per_page=250", owner, repo, pullNumber)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

type pullRequestCreate struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

func (c *Client) CreatePullRequest(ctx context.Context, owner, repo, title, head, base, body string) (*PullRequest, error) {
	var out PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	req := &pullRequestCreate{Title: title, Head: head, Base: base, Body: body}
	if err := c.do(ctx, http.MethodPost, path, req, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// Git data

func (c *Client) GetRef(ctx context.Context, owner, repo, ref string) (*Ref, error) {
	var out Ref
	path := fmt.Sprintf("/repos/%s/%s/git/ref/%s", owner, repo, ref)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

type refCreate struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

func (c *Client) CreateRef(ctx context.Context, owner, repo, ref, sha string) (*Ref, error) {
	var out Ref
	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	if err := c.do(ctx, http.MethodPost, path, &refCreate{Ref: ref, SHA: sha}, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetFileContent(ctx context.Context, owner, repo, path, ref string) (*FileContent, error) {
	var out FileContent
	p := fmt.Sprintf("/repos/%s/%s/contents/%s?ref=%s", owner, repo, escapePath(path), url.QueryEscape(ref))
	if err := c.do(ctx, http.MethodGet, p, nil, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

type fileUpdate struct {
	Message string `json:"message"`
	Content string `json:"content"` // base64
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

func (c *Client) PutFileContent(ctx context.Context, owner, repo, path, message, contentB64, sha, branch string) error {
	p := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, escapePath(path))
	req := &fileUpdate{Message: message, Content: contentB64, SHA: sha, Branch: branch}
	return c.do(ctx, http.MethodPut, p, req, nil, uploadTimeout)
}

// Installations

func (c *Client) GetInstallation(ctx context.Context, installationID int64) (*Installation, error) {
	var out Installation
	path := fmt.Sprintf("/app/installations/%d", installationID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out, 0); err != nil {
		return nil, err
	}
	return &out, nil
}

// escapePath escapes each segment of a repo-relative path, keeping slashes.
func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return strings.Join(parts, "/")
}

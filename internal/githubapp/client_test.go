package githubapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"id":7,"name":"FlakeGuard"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	cr, err := client.UpdateCheckRun(context.Background(), "o", "r", 7, &CheckRunRequest{Name: "FlakeGuard"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), cr.ID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	for _, status := range []int{400, 401, 403, 404, 422} {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		client := NewClient(srv.URL, "tok")
		_, err := client.ListJobsForRun(context.Background(), "o", "r", 1)
		require.Error(t, err)
		assert.Equal(t, int64(1), calls.Load(), "status %d must not be retried", status)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, status, apiErr.StatusCode)
		srv.Close()
	}
}

func TestClientHonorsPrimaryRateLimit(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"total_count":0,"jobs":[]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	jobs, err := client.ListJobsForRun(context.Background(), "o", "r", 1)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, int64(2), calls.Load())
}

func TestClientSecondaryRateLimitTooLong(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.ListJobsForRun(context.Background(), "o", "r", 1)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "waits above 60s are not worth retrying")
	assert.True(t, IsRateLimited(err))
}

func TestRerunErrorsMapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	err := client.RerunWorkflow(context.Background(), "o", "r", 5, true)
	assert.ErrorIs(t, err, ErrWorkflowCannotRerun)
}

func TestArtifactDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/o/r/actions/artifacts/3/zip":
			w.Header().Set("Location", "https://blobs.example.com/3.zip")
			w.WriteHeader(http.StatusFound)
		case "/repos/o/r/actions/artifacts/4/zip":
			w.WriteHeader(http.StatusGone)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")

	url, err := client.ArtifactDownloadURL(context.Background(), "o", "r", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://blobs.example.com/3.zip", url)

	_, err = client.ArtifactDownloadURL(context.Background(), "o", "r", 4)
	assert.ErrorIs(t, err, ErrArtifactExpired)
}

func TestBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt)
		assert.GreaterOrEqual(t, d, initialBackoff)
		assert.LessOrEqual(t, d, maxBackoff)
	}
}

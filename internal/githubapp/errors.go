package githubapp

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInstallationNotFound is returned when the upstream reports no such
	// installation for a token mint.
	ErrInstallationNotFound = errors.New("installation not found")
	// ErrWorkflowCannotRerun is returned when the upstream refuses a rerun
	// (typically because the run is still in progress).
	ErrWorkflowCannotRerun = errors.New("workflow cannot be rerun")
	// ErrArtifactExpired is returned when an artifact's retention period has passed.
	ErrArtifactExpired = errors.New("artifact expired")
)

// APIError carries the upstream HTTP status with the failure.
type APIError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server-suggested wait, when one was sent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error: status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the error is an upstream rate-limit response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 429 || (apiErr.StatusCode == 403 && apiErr.RetryAfter > 0)
}

// IsNotFound reports whether the error is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}

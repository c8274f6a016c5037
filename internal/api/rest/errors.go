package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/repository"
)

// Error codes carried in the response envelope.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeGone                = "GONE"
	ErrCodeUnsupportedAction   = "UNSUPPORTED_ACTION"
	ErrCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeInstallationMissing = "INSTALLATION_NOT_FOUND"
	ErrCodeWorkflowCannotRerun = "WORKFLOW_CANNOT_RERUN"
)

// envelope is the uniform control-API response shape.
type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error: &errorBody{
			Code:      code,
			Message:   message,
			Timestamp: time.Now().UTC(),
		},
	})
}

// respondMapped translates domain and upstream errors to the status map:
// not-found 404, installation-missing 403, artifact-expired 410,
// cannot-rerun 409, rate-limited 429, timeout 504, upstream 5xx 503.
func respondMapped(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		respondError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, githubapp.ErrInstallationNotFound):
		respondError(w, http.StatusForbidden, ErrCodeInstallationMissing, err.Error())
	case errors.Is(err, githubapp.ErrArtifactExpired):
		respondError(w, http.StatusGone, ErrCodeGone, err.Error())
	case errors.Is(err, githubapp.ErrWorkflowCannotRerun):
		respondError(w, http.StatusConflict, ErrCodeWorkflowCannotRerun, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "upstream call timed out")
	case githubapp.IsRateLimited(err):
		respondError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, err.Error())
	default:
		var apiErr *githubapp.APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.StatusCode == http.StatusNotFound:
				respondError(w, http.StatusNotFound, ErrCodeNotFound, apiErr.Message)
			case apiErr.StatusCode == http.StatusUnauthorized:
				respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, apiErr.Message)
			case apiErr.StatusCode == http.StatusForbidden:
				respondError(w, http.StatusForbidden, ErrCodeForbidden, apiErr.Message)
			case apiErr.StatusCode == http.StatusUnprocessableEntity:
				respondError(w, http.StatusUnprocessableEntity, ErrCodeUnsupportedAction, apiErr.Message)
			case apiErr.StatusCode >= 500:
				respondError(w, http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable, apiErr.Message)
			default:
				respondError(w, http.StatusInternalServerError, ErrCodeInternalError, apiErr.Message)
			}
			return
		}
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

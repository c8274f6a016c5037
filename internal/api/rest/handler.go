// Package rest exposes the control API: check-run management, workflow
// rerun and cancel, artifact lookup, and per-repository flake state.
package rest

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/flakeguard/flakeguard/internal/analyzer"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/repository"
)

// Handler manages control-API request handlers.
type Handler struct {
	store  repository.Store
	broker *githubapp.Broker
	engine *analyzer.Engine
}

// NewHandler creates a new control-API handler.
func NewHandler(store repository.Store, broker *githubapp.Broker, engine *analyzer.Engine) *Handler {
	return &Handler{store: store, broker: broker, engine: engine}
}

// SetupRoutes configures the /api routes.
func SetupRoutes(router *mux.Router, h *Handler) {
	router.HandleFunc("/repos/{owner}/{repo}/check-runs", h.CreateCheckRun).Methods("POST")
	router.HandleFunc("/repos/{owner}/{repo}/check-runs/{id}", h.UpdateCheckRun).Methods("PATCH")
	router.HandleFunc("/repos/{owner}/{repo}/commits/{ref}/check-runs", h.ListCheckRunsForRef).Methods("GET")

	router.HandleFunc("/repos/{owner}/{repo}/actions/runs/{id}/rerun", h.RerunWorkflow).Methods("POST")
	router.HandleFunc("/repos/{owner}/{repo}/actions/runs/{id}/cancel", h.CancelWorkflow).Methods("POST")
	router.HandleFunc("/repos/{owner}/{repo}/actions/runs/{id}/artifacts", h.ListArtifacts).Methods("GET")
	router.HandleFunc("/repos/{owner}/{repo}/actions/artifacts/{id}/download-url", h.ArtifactDownloadURL).Methods("GET")

	router.HandleFunc("/repos/{owner}/{repo}/flakes/status", h.FlakeStatus).Methods("GET")
	router.HandleFunc("/repos/{owner}/{repo}/flakes/summary", h.FlakeSummary).Methods("GET")
}

// repoClient resolves the tracked repository and an installation client
// for it.
func (h *Handler) repoClient(r *http.Request) (*models.Repository, *githubapp.Client, error) {
	vars := mux.Vars(r)
	repo, err := h.store.GetRepositoryByFullName(r.Context(), vars["owner"], vars["repo"])
	if err != nil {
		return nil, nil, err
	}
	client, err := h.broker.InstallationClient(r.Context(), repo.InstallationID)
	if err != nil {
		return nil, nil, err
	}
	return repo, client, nil
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id, err == nil
}

// CreateCheckRun handles POST /repos/{owner}/{repo}/check-runs
func (h *Handler) CreateCheckRun(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	var req githubapp.CheckRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.HeadSHA == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "name and head_sha are required")
		return
	}
	created, err := client.CreateCheckRun(r.Context(), repo.Owner, repo.Name, &req)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// UpdateCheckRun handles PATCH /repos/{owner}/{repo}/check-runs/{id}
func (h *Handler) UpdateCheckRun(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid check run id")
		return
	}
	var req githubapp.CheckRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	updated, err := client.UpdateCheckRun(r.Context(), repo.Owner, repo.Name, id, &req)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

// ListCheckRunsForRef handles GET /repos/{owner}/{repo}/commits/{ref}/check-runs
func (h *Handler) ListCheckRunsForRef(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	runs, err := client.ListCheckRunsForRef(r.Context(), repo.Owner, repo.Name, mux.Vars(r)["ref"])
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// RerunWorkflow handles POST /repos/{owner}/{repo}/actions/runs/{id}/rerun
func (h *Handler) RerunWorkflow(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid run id")
		return
	}
	var req struct {
		EnableDebugLogging  bool `json:"enableDebugLogging"`
		RerunFailedJobsOnly bool `json:"rerunFailedJobsOnly"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}
	if req.RerunFailedJobsOnly {
		err = client.RerunFailedJobs(r.Context(), repo.Owner, repo.Name, id, req.EnableDebugLogging)
	} else {
		err = client.RerunWorkflow(r.Context(), repo.Owner, repo.Name, id, req.EnableDebugLogging)
	}
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "rerun requested"})
}

// CancelWorkflow handles POST /repos/{owner}/{repo}/actions/runs/{id}/cancel
func (h *Handler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid run id")
		return
	}
	if err := client.CancelWorkflow(r.Context(), repo.Owner, repo.Name, id); err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
}

// ListArtifacts handles GET /repos/{owner}/{repo}/actions/runs/{id}/artifacts
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid run id")
		return
	}
	artifacts, err := client.ListArtifacts(r.Context(), repo.Owner, repo.Name, id)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, artifacts)
}

// ArtifactDownloadURL handles GET /repos/{owner}/{repo}/actions/artifacts/{id}/download-url
func (h *Handler) ArtifactDownloadURL(w http.ResponseWriter, r *http.Request) {
	repo, client, err := h.repoClient(r)
	if err != nil {
		respondMapped(w, err)
		return
	}
	id, ok := pathID(r)
	if !ok {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid artifact id")
		return
	}
	url, err := client.ArtifactDownloadURL(r.Context(), repo.Owner, repo.Name, id)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": url})
}

// FlakeStatus handles GET /repos/{owner}/{repo}/flakes/status?testName=…
func (h *Handler) FlakeStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	testName := r.URL.Query().Get("testName")
	if testName == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "testName query parameter is required")
		return
	}
	repo, err := h.store.GetRepositoryByFullName(r.Context(), vars["owner"], vars["repo"])
	if err != nil {
		respondMapped(w, err)
		return
	}
	status, err := h.engine.StatusOf(r.Context(), repo.ID, testName)
	if err != nil {
		respondMapped(w, err)
		return
	}
	if status == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "test has not been analyzed")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// FlakeSummary handles GET /repos/{owner}/{repo}/flakes/summary
func (h *Handler) FlakeSummary(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	repo, err := h.store.GetRepositoryByFullName(r.Context(), vars["owner"], vars["repo"])
	if err != nil {
		respondMapped(w, err)
		return
	}
	summary, err := h.engine.SummaryOf(r.Context(), repo.ID)
	if err != nil {
		respondMapped(w, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// Package analyzer implements the per-test statistical flake classifier:
// failure rate over a sliding window, failure-pattern extraction, and a
// bounded confidence score with hysteresis thresholds.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/flakeguard/flakeguard/internal/models"
	"github.com/flakeguard/flakeguard/internal/pkg/metrics"
	"github.com/flakeguard/flakeguard/internal/repository"
)

// ConfidenceLevel bands the confidence score for rendering and actions.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// Execution is one observed test outcome handed to the engine.
type Execution struct {
	RepositoryID int64
	TestName     string
	FilePath     string
	Outcome      models.TestOutcome
	ErrorMessage string
	StackTrace   string
	DurationMs   int64
	CheckRunID   int64
	JobID        int64
	ObservedAt   time.Time
}

// Result is the outcome of analyzing one execution.
type Result struct {
	Analysis          *models.FlakeDetection
	ShouldUpdateCheck bool
	SuggestedActions  []string
	ConfidenceLevel   ConfidenceLevel
}

// Engine classifies tests as flaky from their recent history.
type Engine struct {
	store  repository.FlakeRepository
	config Config
	logger *slog.Logger
}

// NewEngine builds an engine over the store. Zero config fields fall back
// to defaults.
func NewEngine(store repository.FlakeRepository, config Config, logger *slog.Logger) *Engine {
	config.applyDefaults()
	return &Engine{store: store, config: config, logger: logger}
}

// Analyze records the execution, re-derives the test's detection state from
// the window, and persists it. A failed TestResult insert is logged and
// tolerated; a failed FlakeDetection upsert is returned to the caller.
func (e *Engine) Analyze(ctx context.Context, exec Execution) (*Result, error) {
	metrics.AnalysesTotal.Inc()

	if exec.ObservedAt.IsZero() {
		exec.ObservedAt = time.Now().UTC()
	}
	tr := &models.TestResult{
		ID:           uuid.NewString(),
		RepositoryID: exec.RepositoryID,
		TestName:     exec.TestName,
		FilePath:     exec.FilePath,
		Outcome:      string(exec.Outcome),
		ErrorMessage: exec.ErrorMessage,
		StackTrace:   exec.StackTrace,
		DurationMs:   exec.DurationMs,
		CheckRunID:   exec.CheckRunID,
		JobID:        exec.JobID,
		ObservedAt:   exec.ObservedAt,
	}
	if err := e.store.InsertTestResult(ctx, tr); err != nil {
		e.logger.Warn("failed to record test result",
			"test", exec.TestName, "repository_id", exec.RepositoryID, "error", err)
	}

	since := exec.ObservedAt.AddDate(0, 0, -e.config.AnalysisWindowDays)
	history, err := e.store.ListTestResults(ctx, exec.RepositoryID, exec.TestName, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load test history: %w", err)
	}
	// The current observation counts even when its insert failed.
	if !containsResult(history, tr.ID) {
		history = append(history, tr)
	}

	detection := e.classify(exec, history)
	if detection.IsFlaky {
		metrics.FlakesDetectedTotal.Inc()
	}

	// Preserve operator-set status across re-analysis.
	if prev, err := e.store.GetFlakeDetection(ctx, exec.RepositoryID, exec.TestName); err == nil {
		detection.Status = prev.Status
		detection.CheckRunID = prev.CheckRunID
		detection.CreatedAt = prev.CreatedAt
	}
	if err := e.store.UpsertFlakeDetection(ctx, detection); err != nil {
		return nil, fmt.Errorf("failed to persist flake detection: %w", err)
	}

	return &Result{
		Analysis:          detection,
		ShouldUpdateCheck: detection.IsFlaky,
		SuggestedActions:  e.suggestedActions(detection),
		ConfidenceLevel:   e.level(detection.Confidence),
	}, nil
}

// BatchAnalyze analyzes executions in order. A persistence failure aborts
// the batch; results up to the failure are returned alongside the error.
func (e *Engine) BatchAnalyze(ctx context.Context, execs []Execution) ([]*Result, error) {
	results := make([]*Result, 0, len(execs))
	for _, exec := range execs {
		res, err := e.Analyze(ctx, exec)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// StatusOf returns the stored detection state, or nil when the test has
// never been analyzed.
func (e *Engine) StatusOf(ctx context.Context, repoID int64, testName string) (*models.FlakeDetection, error) {
	fd, err := e.store.GetFlakeDetection(ctx, repoID, testName)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return fd, nil
}

// SummaryOf rolls up the repository's detection state for the control API.
func (e *Engine) SummaryOf(ctx context.Context, repoID int64) (*models.FlakeSummary, error) {
	totalFlaky, err := e.store.CountFlaky(ctx, repoID)
	if err != nil {
		return nil, err
	}
	quarantined, err := e.store.CountByStatus(ctx, repoID, models.FlakeQuarantined)
	if err != nil {
		return nil, err
	}
	since := time.Now().UTC().AddDate(0, 0, -e.config.RecentFailuresWindowDays)
	recent, err := e.store.CountDetectedSince(ctx, repoID, since)
	if err != nil {
		return nil, err
	}
	top, err := e.store.ListFlakyDetections(ctx, repoID, 10)
	if err != nil {
		return nil, err
	}
	summary := &models.FlakeSummary{
		TotalFlaky:       totalFlaky,
		TotalQuarantined: quarantined,
		RecentlyDetected: recent,
		TopFlaky:         make([]models.FlakeDetection, 0, len(top)),
	}
	for _, fd := range top {
		summary.TopFlaky = append(summary.TopFlaky, *fd)
	}
	return summary, nil
}

// classify derives the detection state from the window. A test is flaky iff
// it has enough runs, its failure rate is inside (0,1) and at or above the
// threshold, and confidence clears the medium band. Always-passing and
// always-failing series are never flaky.
func (e *Engine) classify(exec Execution, history []*models.TestResult) *models.FlakeDetection {
	n := len(history)
	f := 0
	var lastFailure *time.Time
	for _, r := range history {
		if r.Outcome == string(models.OutcomeFailed) {
			f++
			t := r.ObservedAt
			if lastFailure == nil || t.After(*lastFailure) {
				lastFailure = &t
			}
		}
	}

	var rate float64
	if n > 0 {
		rate = float64(f) / float64(n)
	}
	pattern := extractPattern(e.config.CommonFlakePatterns, history)
	confidence := e.confidence(exec, n, f, rate, pattern, lastFailure)

	isFlaky := n >= e.config.MinRunsForAnalysis &&
		rate > 0 && rate < 1 &&
		rate >= e.config.FlakeThreshold &&
		confidence >= e.config.MediumConfidenceThreshold

	now := time.Now().UTC()
	fd := &models.FlakeDetection{
		ID:             uuid.NewString(),
		RepositoryID:   exec.RepositoryID,
		TestName:       exec.TestName,
		FilePath:       exec.FilePath,
		IsFlaky:        isFlaky,
		Confidence:     confidence,
		FailurePattern: pattern,
		TotalRuns:      n,
		FailedRuns:     f,
		FailureRate:    rate,
		LastFailureAt:  lastFailure,
		Status:         string(models.FlakePending),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	fd.SuggestedAction = e.suggestedAction(fd)
	return fd
}

// confidence is a bounded sum in [0,1]: base from the failure rate, plus
// bonuses for sample size, recognized pattern, recency, and intermittency.
func (e *Engine) confidence(exec Execution, n, f int, rate float64, pattern string, lastFailure *time.Time) float64 {
	if n < e.config.MinRunsForAnalysis {
		return 0
	}
	c := math.Min(0.4, 2*rate)
	c += math.Min(0.2, 0.01*float64(n-e.config.MinRunsForAnalysis))
	if pattern != "" {
		if matchesCommonPattern(e.config.CommonFlakePatterns, pattern) {
			c += 0.30
		} else {
			c += 0.15
		}
	}
	if exec.Outcome == models.OutcomeFailed && lastFailure != nil {
		recentCutoff := time.Now().UTC().AddDate(0, 0, -e.config.RecentFailuresWindowDays)
		if lastFailure.After(recentCutoff) {
			c += 0.10
		}
	}
	if f > 0 && f < n {
		c += 0.15 * (1 - math.Abs(rate-0.5)*2)
	}
	return math.Min(1, math.Max(0, c))
}

func (e *Engine) level(confidence float64) ConfidenceLevel {
	switch {
	case confidence >= e.config.HighConfidenceThreshold:
		return ConfidenceHigh
	case confidence >= e.config.MediumConfidenceThreshold:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// suggestedAction picks the single best next step, or "" for non-flaky tests.
func (e *Engine) suggestedAction(fd *models.FlakeDetection) string {
	if !fd.IsFlaky {
		return ""
	}
	switch {
	case fd.Confidence >= e.config.HighConfidenceThreshold:
		return models.ActionQuarantine
	case fd.Confidence >= e.config.MediumConfidenceThreshold && fd.FailureRate > 0.3:
		return models.ActionQuarantine
	case fd.Confidence >= e.config.MediumConfidenceThreshold && fd.TotalRuns >= 10:
		return models.ActionOpenIssue
	default:
		return models.ActionRerunFailed
	}
}

// suggestedActions orders the candidate actions for the check run. Quarantine
// and dismissal are never offered for a test that is not flaky.
func (e *Engine) suggestedActions(fd *models.FlakeDetection) []string {
	if !fd.IsFlaky {
		return []string{models.ActionRerunFailed}
	}
	actions := make([]string, 0, 4)
	if fd.SuggestedAction == models.ActionQuarantine {
		actions = append(actions, models.ActionQuarantine, models.ActionRerunFailed, models.ActionOpenIssue)
	} else {
		actions = append(actions, models.ActionRerunFailed, models.ActionQuarantine, models.ActionOpenIssue)
	}
	actions = append(actions, models.ActionDismiss)
	return actions
}

func containsResult(history []*models.TestResult, id string) bool {
	for _, r := range history {
		if r.ID == id {
			return true
		}
	}
	return false
}

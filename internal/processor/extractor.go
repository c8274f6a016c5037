package processor

import (
	"context"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/analyzer"
	"github.com/flakeguard/flakeguard/internal/githubapp"
	"github.com/flakeguard/flakeguard/internal/models"
)

// testNameHints mark a job or check name as test-related.
var testNameHints = []string{"test", "unittest", "integration", "e2e", "spec", "junit"}

// looksLikeTest reports whether a job or check name hints at a test suite.
func looksLikeTest(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range testNameHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// ResultExtractor turns a failed CI job into candidate test executions.
// Implementations may download and parse report artifacts; the default uses
// the job name as a proxy identity when no structured results are available.
type ResultExtractor interface {
	Extract(ctx context.Context, client *githubapp.Client, repo *models.Repository, job *githubapp.Job) ([]analyzer.Execution, error)
}

// JobNameExtractor is the fallback extractor: one synthetic failed execution
// per failed test-like job, named after the job itself.
type JobNameExtractor struct{}

func (JobNameExtractor) Extract(_ context.Context, _ *githubapp.Client, repo *models.Repository, job *githubapp.Job) ([]analyzer.Execution, error) {
	if job.Conclusion != string(models.ConclusionFailure) || !looksLikeTest(job.Name) {
		return nil, nil
	}
	observed := time.Now().UTC()
	if job.CompletedAt != nil {
		observed = *job.CompletedAt
	}
	var duration int64
	if job.StartedAt != nil && job.CompletedAt != nil {
		duration = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return []analyzer.Execution{{
		RepositoryID: repo.ID,
		TestName:     job.Name,
		Outcome:      models.OutcomeFailed,
		ErrorMessage: "job " + job.Name + " concluded " + job.Conclusion,
		DurationMs:   duration,
		JobID:        job.ID,
		ObservedAt:   observed,
	}}, nil
}

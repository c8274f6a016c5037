// Package checks renders flake analyses into check-run output: a Markdown
// summary bounded by the upstream's 65,535-character cap and up to three
// interactive actions.
package checks

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flakeguard/flakeguard/internal/models"
)

const (
	// CheckRunName identifies FlakeGuard's check surface on a commit.
	CheckRunName = "FlakeGuard"

	summaryBudget = 65535
	maxRows       = 20
	maxActions    = 3
	maxNameLen    = 50
)

// Severity bands a test's flakiness score.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityStable   Severity = "stable"
)

// Renderer builds check-run output. webBaseURL is the host used for file
// links, e.g. https://github.com.
type Renderer struct {
	webBaseURL string
}

func NewRenderer(webBaseURL string) *Renderer {
	return &Renderer{webBaseURL: strings.TrimRight(webBaseURL, "/")}
}

// Result is the rendered check-run content.
type Result struct {
	Title   string
	Summary string
	Actions []models.CheckRunAction
}

// score folds confidence and failure rate into one ranking value. Confidence
// dominates; the rate breaks ties between equally confident detections.
func score(fd *models.FlakeDetection) float64 {
	return 0.7*fd.Confidence + 0.3*fd.FailureRate
}

func severityOf(fd *models.FlakeDetection) Severity {
	s := score(fd)
	switch {
	case s >= 0.8:
		return SeverityCritical
	case s >= 0.5:
		return SeverityWarning
	default:
		return SeverityStable
	}
}

// Render produces the title, bounded summary, and action buttons for the
// given detections. Tests are ordered by confidence, then score; at most 20
// rows are shown and later sections are skipped rather than overflowing the
// budget.
func (r *Renderer) Render(tests []*models.FlakeDetection, repo *models.Repository) *Result {
	sorted := make([]*models.FlakeDetection, len(tests))
	copy(sorted, tests)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return score(sorted[i]) > score(sorted[j])
	})

	title := fmt.Sprintf("%d flaky test(s) detected", len(sorted))
	if len(sorted) == 0 {
		title = "No flaky tests detected"
	}

	b := newBoundedBuilder(summaryBudget)
	b.section(r.header(sorted))

	shown := len(sorted)
	if shown > maxRows {
		shown = maxRows
	}
	rendered := b.section(r.table(sorted[:shown], repo))
	if rendered && shown < len(sorted) {
		b.section(fmt.Sprintf("\n_Showing top %d of %d tests._\n", shown, len(sorted)))
	}

	b.section(legend)
	b.section(explanation)
	b.section(r.recommended(sorted))
	b.section(footer)
	if b.truncated {
		b.force("\n\n_Output truncated to fit the summary limit._")
	}

	return &Result{
		Title:   title,
		Summary: b.String(),
		Actions: r.actions(sorted),
	}
}

func (r *Renderer) header(tests []*models.FlakeDetection) string {
	if len(tests) == 0 {
		return "## FlakeGuard Report\n\nNo flaky tests were detected in this run.\n"
	}
	critical, warning := 0, 0
	for _, fd := range tests {
		switch severityOf(fd) {
		case SeverityCritical:
			critical++
		case SeverityWarning:
			warning++
		}
	}
	return fmt.Sprintf(
		"## FlakeGuard Report\n\n**%d** test(s) show flaky behavior: **%d** critical, **%d** warning.\n",
		len(tests), critical, warning)
}

func (r *Renderer) table(tests []*models.FlakeDetection, repo *models.Repository) string {
	if len(tests) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n| Test | Severity | Confidence | Failure Rate | Pattern |\n")
	sb.WriteString("|------|----------|------------|--------------|--------|\n")
	for _, fd := range tests {
		name := r.testCell(fd, repo)
		pattern := fd.FailurePattern
		if pattern == "" {
			pattern = "—"
		}
		sb.WriteString(fmt.Sprintf("| %s | %s | %.0f%% | %.0f%% | %s |\n",
			name, severityOf(fd), fd.Confidence*100, fd.FailureRate*100, escapeMarkdown(pattern)))
	}
	return sb.String()
}

// testCell renders the test name, linked to its source file when the
// detection carries a path.
func (r *Renderer) testCell(fd *models.FlakeDetection, repo *models.Repository) string {
	name := escapeMarkdown(truncateName(fd.TestName))
	if fd.FilePath == "" || repo == nil {
		return name
	}
	branch := repo.DefaultBranch
	if branch == "" {
		branch = "main"
	}
	url := fmt.Sprintf("%s/%s/%s/blob/%s/%s", r.webBaseURL, repo.Owner, repo.Name, branch, fd.FilePath)
	return fmt.Sprintf("[%s](%s)", name, url)
}

func (r *Renderer) recommended(tests []*models.FlakeDetection) string {
	if len(tests) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n### Recommended actions\n\n")
	for i, fd := range tests {
		if i >= maxRows || fd.SuggestedAction == "" {
			break
		}
		sb.WriteString(fmt.Sprintf("- `%s` → %s\n", escapeMarkdown(truncateName(fd.TestName)), actionVerb(fd.SuggestedAction)))
	}
	return sb.String()
}

// actions selects up to three buttons by priority: quarantine when any test
// is critical, rerun when any test failed recently, issue filing otherwise.
func (r *Renderer) actions(tests []*models.FlakeDetection) []models.CheckRunAction {
	if len(tests) == 0 {
		return nil
	}
	critical := 0
	recentFailures := 0
	recentCutoff := time.Now().UTC().AddDate(0, 0, -7)
	for _, fd := range tests {
		if severityOf(fd) == SeverityCritical {
			critical++
		}
		if fd.LastFailureAt != nil && fd.LastFailureAt.After(recentCutoff) {
			recentFailures++
		}
	}

	var actions []models.CheckRunAction
	if critical > 0 {
		actions = append(actions, models.CheckRunAction{
			Identifier:  models.ActionQuarantine,
			Label:       "Quarantine",
			Description: fmt.Sprintf("Skip %d critical flaky test(s)", critical),
		})
	}
	if recentFailures > 0 {
		actions = append(actions, models.CheckRunAction{
			Identifier:  models.ActionRerunFailed,
			Label:       "Rerun Failed",
			Description: fmt.Sprintf("Rerun %d recently failed test(s)", recentFailures),
		})
	}
	if len(actions) == 0 || len(actions) < maxActions {
		actions = append(actions, models.CheckRunAction{
			Identifier:  models.ActionOpenIssue,
			Label:       "Open Issue",
			Description: fmt.Sprintf("File issues for %d flaky test(s)", len(tests)),
		})
	}
	if len(actions) > maxActions {
		actions = actions[:maxActions]
	}
	return actions
}

const legend = `
### Severity

- **critical** — very likely flaky; quarantine recommended
- **warning** — intermittent behavior observed; monitor or rerun
- **stable** — below the warning threshold
`

const explanation = `
### How detection works

FlakeGuard tracks each test's outcomes over a sliding window and scores the
likelihood that intermittent failures reflect genuine non-determinism rather
than sampling noise. Recognized failure signatures (timeouts, connection
resets, race conditions) raise the score.
`

const footer = "\n---\n_Generated by FlakeGuard._\n"

func actionVerb(action string) string {
	switch action {
	case models.ActionQuarantine:
		return "quarantine this test"
	case models.ActionOpenIssue:
		return "open a tracking issue"
	case models.ActionRerunFailed:
		return "rerun failed jobs"
	default:
		return action
	}
}

func truncateName(name string) string {
	runes := []rune(name)
	if len(runes) <= maxNameLen {
		return name
	}
	return string(runes[:maxNameLen-1]) + "…"
}

var markdownEscaper = strings.NewReplacer(
	"|", "\\|",
	"*", "\\*",
	"_", "\\_",
	"`", "\\`",
	"[", "\\[",
	"]", "\\]",
)

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// boundedBuilder appends whole sections while they fit the budget; a section
// that would overflow is skipped and marks the output truncated.
type boundedBuilder struct {
	sb        strings.Builder
	remaining int
	truncated bool
}

func newBoundedBuilder(budget int) *boundedBuilder {
	return &boundedBuilder{remaining: budget}
}

func (b *boundedBuilder) section(s string) bool {
	if s == "" {
		return false
	}
	if len(s) > b.remaining {
		b.truncated = true
		return false
	}
	b.sb.WriteString(s)
	b.remaining -= len(s)
	return true
}

// force appends even into the reserve, trimming to whatever room is left.
func (b *boundedBuilder) force(s string) {
	if len(s) > b.remaining {
		s = s[:b.remaining]
	}
	b.sb.WriteString(s)
	b.remaining -= len(s)
}

func (b *boundedBuilder) String() string { return b.sb.String() }

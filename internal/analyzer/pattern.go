package analyzer

import (
	"strings"

	"github.com/flakeguard/flakeguard/internal/models"
)

const firstLineKeyLen = 100

// extractPattern scans the error messages of the failed results and returns
// a failure signature, or "" when none recurs.
//
// Known patterns win: the first configured pattern whose case-insensitive
// containment count reaches max(2, ceil(failures/2)) is returned verbatim.
// Otherwise messages are keyed by the first 100 characters of their first
// line and the most frequent key with at least two occurrences wins.
func extractPattern(patterns []string, results []*models.TestResult) string {
	var messages []string
	for _, r := range results {
		if r.Outcome == string(models.OutcomeFailed) && r.ErrorMessage != "" {
			messages = append(messages, r.ErrorMessage)
		}
	}
	if len(messages) == 0 {
		return ""
	}

	threshold := (len(messages) + 1) / 2
	if threshold < 2 {
		threshold = 2
	}
	for _, p := range patterns {
		needle := strings.ToLower(p)
		count := 0
		for _, msg := range messages {
			if strings.Contains(strings.ToLower(msg), needle) {
				count++
			}
		}
		if count >= threshold {
			return p
		}
	}

	counts := make(map[string]int)
	for _, msg := range messages {
		counts[firstLineKey(msg)]++
	}
	var best string
	bestCount := 0
	for key, n := range counts {
		if n > bestCount {
			best, bestCount = key, n
		}
	}
	if bestCount >= 2 {
		return best
	}
	return ""
}

func firstLineKey(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > firstLineKeyLen {
		msg = msg[:firstLineKeyLen]
	}
	return msg
}

// matchesCommonPattern reports whether the extracted pattern is one of the
// configured known signatures.
func matchesCommonPattern(patterns []string, pattern string) bool {
	lower := strings.ToLower(pattern)
	for _, p := range patterns {
		if strings.EqualFold(p, pattern) || strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Package quarantine rewrites test source to skip a flaky test. The mutator
// is pure: it transforms text and never touches the filesystem or network.
package quarantine

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	jsMarker   = "// @flaky - Quarantined by FlakeGuard"
	skipReason = "Quarantined by FlakeGuard"
)

// Result reports whether the source changed and the (possibly) new text.
type Result struct {
	Modified bool
	Text     string
}

// Mutate inserts a skip annotation next to the named test. Idempotent: when
// the annotation is already present the source is returned unchanged.
// Unrecognized file extensions are left untouched.
func Mutate(source, testName, filePath string) Result {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".js", ".ts", ".jsx", ".tsx":
		return mutateJS(source, testName)
	case ".java":
		return mutateJava(source, testName)
	case ".py":
		return mutatePython(source, testName)
	case ".rb":
		return mutateRuby(source, testName)
	case ".cs":
		return mutateCSharp(source, testName)
	default:
		return Result{Modified: false, Text: source}
	}
}

// mutateJS rewrites describe/test/it("<name>") to its .skip form and tags
// the line with a marker comment.
func mutateJS(source, testName string) Result {
	name := regexp.QuoteMeta(testName)
	// Match an optional existing modifier so test.only("x") also gets caught.
	re := regexp.MustCompile(`(?m)^([ \t]*)(describe|test|it)(\.\w+)?(\s*\(\s*['"` + "`" + `]` + name + `['"` + "`" + `])`)

	if strings.Contains(source, jsMarker) && containsSkipCall(source, testName) {
		return Result{Modified: false, Text: source}
	}

	modified := false
	out := re.ReplaceAllStringFunc(source, func(match string) string {
		parts := re.FindStringSubmatch(match)
		indent, fn, modifier, rest := parts[1], parts[2], parts[3], parts[4]
		if modifier == ".skip" {
			return match
		}
		modified = true
		return indent + jsMarker + "\n" + indent + fn + ".skip" + rest
	})
	return Result{Modified: modified, Text: out}
}

func containsSkipCall(source, testName string) bool {
	name := regexp.QuoteMeta(testName)
	re := regexp.MustCompile(`(describe|test|it)\.skip\s*\(\s*['"` + "`" + `]` + name + `['"` + "`" + `]`)
	return re.MatchString(source)
}

// mutateJava prepends @Disabled to the @Test method with the given name.
func mutateJava(source, testName string) Result {
	annotation := fmt.Sprintf("@Disabled(%q)", skipReason)
	name := regexp.QuoteMeta(testName)
	re := regexp.MustCompile(`(?m)^([ \t]*)@Test\b([\s\S]*?)^([ \t]*)(public\s+|private\s+|protected\s+)?[\w<>\[\]]+\s+` + name + `\s*\(`)

	loc := re.FindStringSubmatchIndex(source)
	if loc == nil {
		return Result{Modified: false, Text: source}
	}
	prefix := source[:loc[0]]
	if strings.Contains(nearbyWindow(source, loc[0]), "@Disabled") {
		return Result{Modified: false, Text: source}
	}
	indent := source[loc[2]:loc[3]]
	out := prefix + indent + annotation + "\n" + source[loc[0]:]
	return Result{Modified: true, Text: out}
}

// mutatePython prepends @pytest.mark.skip to def <testName>(.
func mutatePython(source, testName string) Result {
	decorator := fmt.Sprintf("@pytest.mark.skip(reason=%q)", skipReason)
	name := regexp.QuoteMeta(testName)
	re := regexp.MustCompile(`(?m)^([ \t]*)def\s+` + name + `\s*\(`)

	loc := re.FindStringSubmatchIndex(source)
	if loc == nil {
		return Result{Modified: false, Text: source}
	}
	if strings.Contains(nearbyWindow(source, loc[0]), "pytest.mark.skip") {
		return Result{Modified: false, Text: source}
	}
	indent := source[loc[2]:loc[3]]
	out := source[:loc[0]] + indent + decorator + "\n" + source[loc[0]:]
	return Result{Modified: true, Text: out}
}

// mutateRuby appends `, skip: "…"` to describe/context/it "<name>".
func mutateRuby(source, testName string) Result {
	name := regexp.QuoteMeta(testName)
	re := regexp.MustCompile(`(?m)^([ \t]*)(describe|context|it)\s+(['"])` + name + `(['"])(.*)$`)

	loc := re.FindStringSubmatchIndex(source)
	if loc == nil {
		return Result{Modified: false, Text: source}
	}
	line := source[loc[0]:loc[1]]
	if strings.Contains(line, "skip:") {
		return Result{Modified: false, Text: source}
	}
	parts := re.FindStringSubmatch(source[loc[0]:loc[1]])
	tail := parts[5]
	// Insert before a trailing ` do` block opener when present.
	skip := fmt.Sprintf(", skip: %q", skipReason)
	var newLine string
	if idx := strings.LastIndex(tail, " do"); idx >= 0 {
		newLine = parts[1] + parts[2] + " " + parts[3] + testName + parts[4] + tail[:idx] + skip + tail[idx:]
	} else {
		newLine = parts[1] + parts[2] + " " + parts[3] + testName + parts[4] + tail + skip
	}
	out := source[:loc[0]] + newLine + source[loc[1]:]
	return Result{Modified: true, Text: out}
}

// mutateCSharp prepends [Ignore("…")] to the method named <testName>.
func mutateCSharp(source, testName string) Result {
	attribute := fmt.Sprintf("[Ignore(%q)]", skipReason)
	name := regexp.QuoteMeta(testName)
	re := regexp.MustCompile(`(?m)^([ \t]*)(public\s+|private\s+|internal\s+)?(async\s+)?[\w<>\[\]]+\s+` + name + `\s*\(`)

	loc := re.FindStringSubmatchIndex(source)
	if loc == nil {
		return Result{Modified: false, Text: source}
	}
	if strings.Contains(nearbyWindow(source, loc[0]), "[Ignore(") {
		return Result{Modified: false, Text: source}
	}
	indent := source[loc[2]:loc[3]]
	out := source[:loc[0]] + indent + attribute + "\n" + source[loc[0]:]
	return Result{Modified: true, Text: out}
}

// nearbyWindow returns the few lines preceding offset, where an existing
// skip annotation would sit.
func nearbyWindow(source string, offset int) string {
	start := offset
	for lines := 0; start > 0 && lines < 4; start-- {
		if source[start-1] == '\n' {
			lines++
		}
	}
	return source[start:offset]
}

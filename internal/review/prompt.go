package review

import (
	"strconv"
	"strings"
)

// MaxDiffChars is the diff-truncation budget per spec.md §4.3/§8.
const MaxDiffChars = 5000

// truncationWindowFraction is the trailing fraction of the budget searched
// for a newline to prefer truncating on a line boundary.
const truncationWindowFraction = 0.2

// TruncateDiff truncates diff to at most MaxDiffChars, preferring to cut at
// the last newline within the last 20% of that budget, and appends a
// "[TRUNCATED: N more characters]" marker when truncation occurred.
func TruncateDiff(diff string) string {
	if len(diff) <= MaxDiffChars {
		return diff
	}

	cut := MaxDiffChars
	windowStart := int(float64(MaxDiffChars) * (1 - truncationWindowFraction))
	if idx := strings.LastIndexByte(diff[windowStart:MaxDiffChars], '\n'); idx >= 0 {
		cut = windowStart + idx
	}

	remaining := len(diff) - cut
	return diff[:cut] + "\n[TRUNCATED: " + strconv.Itoa(remaining) + " more characters]"
}

// BuildPrompt renders the reviewer prompt from the task, its diff, and its
// git status. Grounded on the teacher's executor prompt-assembly style
// (plain string concatenation, no templating engine) — the actual
// template wording is owned by the out-of-scope prompt-renderer per
// spec.md §1; this is the fallback used when no external renderer is
// wired, and the only caller ReviewService needs.
func BuildPrompt(taskTitle, taskDescription, diff, gitStatus string) string {
	var b strings.Builder
	b.WriteString("Review the following completed task.\n\n")
	b.WriteString("Task: ")
	b.WriteString(taskTitle)
	b.WriteString("\n\n")
	b.WriteString(taskDescription)
	b.WriteString("\n\nGit status:\n")
	b.WriteString(gitStatus)
	b.WriteString("\n\nDiff:\n")
	b.WriteString(TruncateDiff(diff))
	b.WriteString("\n\nTerminate with a JSON object on its own line: " +
		`{"result":"pass"|"fail","issues":[{"type":"...","description":"..."}]}`)
	return b.String()
}

package tracker

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const diffContextLines = 3

// UnifiedDiff returns the unified diff of two profile texts as lines without
// terminators, headed "--- before" / "+++ after". Equal texts yield nil.
func UnifiedDiff(before, after string) []string {
	ud := difflib.UnifiedDiff{
		A:        splitLines(before),
		B:        splitLines(after),
		FromFile: "before",
		ToFile:   "after",
		Context:  diffContextLines,
		Eol:      "\n",
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil || text == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(text, "\n"), "\n")
}

// splitLines breaks text into newline-terminated lines. A single trailing
// newline does not start a new empty line.
func splitLines(text string) []string {
	text = normalizeNewlines(text)
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	for i := range lines {
		lines[i] += "\n"
	}
	return lines
}

func normalizeNewlines(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

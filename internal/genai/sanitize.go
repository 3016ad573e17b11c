// Package genai provides output sanitation for generated text.
package genai

import (
	"regexp"
	"strings"
)

var (
	// Internal reasoning/debug tags some providers leak into output.
	reasoningTagRe = regexp.MustCompile(`(?s)<(thinking|think|reasoning|debug|scratchpad)>.*?</(thinking|think|reasoning|debug|scratchpad)>`)
	// Fenced code blocks, with or without a language hint.
	codeBlockRe = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?.*?```")
	// HTML comment blocks.
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Sanitize strips provider artifacts from generated text: reasoning/debug
// tags, embedded code blocks, comment-like lines, and runs of blank lines
// collapsed to at most one.
func Sanitize(text string) string {
	text = reasoningTagRe.ReplaceAllString(text, "")
	text = codeBlockRe.ReplaceAllString(text, "")
	text = htmlCommentRe.ReplaceAllString(text, "")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blankRun := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if isCommentLine(trimmed) {
			continue
		}
		if trimmed == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blankRun = 0
		out = append(out, strings.TrimRight(line, " \t"))
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

func isCommentLine(trimmed string) bool {
	return strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "*/")
}

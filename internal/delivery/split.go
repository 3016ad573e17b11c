// Package delivery provides oversize message splitting.
package delivery

import (
	"fmt"
	"strings"
)

// partPrefixAllowance reserves room for the "(i/N) " part header so a split
// part plus its header never exceeds the channel limit.
const partPrefixAllowance = 16

// SplitMessage splits body into parts no longer than limit minus the part
// header allowance. Cut preference, in order: latest paragraph boundary,
// sentence boundary, word boundary, hard cut. Parts are exact substrings:
// concatenating them reproduces the input.
func SplitMessage(body string, limit int) []string {
	effective := limit - partPrefixAllowance
	if effective < 1 {
		effective = limit
	}
	if len(body) <= effective {
		return []string{body}
	}

	var parts []string
	rest := body
	for len(rest) > effective {
		cut := findCut(rest, effective)
		parts = append(parts, rest[:cut])
		rest = rest[cut:]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// findCut returns the best cut position in s within max bytes.
func findCut(s string, max int) int {
	window := s[:max]

	// Paragraph boundary: cut after the blank line so the separator stays
	// with the earlier part.
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx + 2
	}

	// Sentence boundary: a terminator followed by whitespace.
	for i := max - 2; i > 0; i-- {
		c := window[i]
		if (c == '.' || c == '!' || c == '?') && isSpace(window[i+1]) {
			return i + 1
		}
	}

	// Word boundary.
	if idx := strings.LastIndexAny(window, " \n\t"); idx > 0 {
		return idx + 1
	}

	// Hard cut, avoiding a split inside a multi-byte rune.
	cut := max
	for cut > 1 && isContinuationByte(s[cut]) {
		cut--
	}
	return cut
}

// PartHeader formats the "(i/N) " prefix for one part of a multi-part send.
func PartHeader(i, n int) string {
	return fmt.Sprintf("(%d/%d) ", i, n)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}

func isContinuationByte(c byte) bool {
	return c&0xC0 == 0x80
}

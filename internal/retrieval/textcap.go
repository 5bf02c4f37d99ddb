package retrieval

import (
	"strings"
	"unicode/utf8"
)

// CapText limits s to at most budget bytes for presentation. It prefers the
// last sentence boundary inside the budget, then the last word boundary, and
// only hard-cuts when neither exists. The cut never splits a UTF-8 sequence.
func CapText(s string, budget int) string {
	if budget <= 0 || len(s) <= budget {
		return s
	}

	window := s[:budget]
	// Back off any partial rune left at the edge of the window.
	for len(window) > 0 {
		r, size := utf8.DecodeLastRuneInString(window)
		if r == utf8.RuneError && size <= 1 {
			window = window[:len(window)-1]
			continue
		}
		break
	}

	if cut := lastSentenceEnd(window); cut > 0 {
		return strings.TrimRight(window[:cut], " ")
	}
	if cut := strings.LastIndexAny(window, " \t\n"); cut > 0 {
		return strings.TrimRight(window[:cut], " \t\n")
	}
	return window
}

// lastSentenceEnd returns the index just past the last sentence terminator in
// s, or 0 when there is none.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	return 0
}

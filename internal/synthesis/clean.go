package synthesis

import (
	"encoding/json"
	"strings"
)

// StripANSI removes terminal escape sequences (CSI, OSC, and bare two-byte
// escapes) from CLI output so the remainder can be parsed as text or JSON.
func StripANSI(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); {
		if s[i] != 0x1b {
			b.WriteByte(s[i])
			i++
			continue
		}
		i++ // consume ESC
		if i >= len(s) {
			break
		}
		switch s[i] {
		case '[': // CSI: parameters then a final byte in @-~
			i++
			for i < len(s) && (s[i] < 0x40 || s[i] > 0x7e) {
				i++
			}
			if i < len(s) {
				i++ // final byte
			}
		case ']': // OSC: terminated by BEL or ESC \
			i++
			for i < len(s) && s[i] != 0x07 {
				if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
					i++
					break
				}
				i++
			}
			if i < len(s) {
				i++
			}
		default: // two-byte escape
			i++
		}
	}
	return b.String()
}

// ExtractJSONObjects scans noisy text for balanced top-level JSON object
// substrings, tracking string-quote and escape state so braces inside quoted
// strings are ignored. Candidates are returned in order of appearance.
func ExtractJSONObjects(text string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue // stray closer outside any object
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, text[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// DecodeLooseJSON unmarshals v from text: a direct parse first, then the
// balanced-brace candidates in reverse order, preferring the last parseable
// object. This tolerates chatty wrappers that prefix or suffix the payload.
func DecodeLooseJSON(text string, v interface{}) bool {
	trimmed := strings.TrimSpace(text)
	if json.Unmarshal([]byte(trimmed), v) == nil {
		return true
	}
	candidates := ExtractJSONObjects(trimmed)
	for i := len(candidates) - 1; i >= 0; i-- {
		if json.Unmarshal([]byte(candidates[i]), v) == nil {
			return true
		}
	}
	return false
}

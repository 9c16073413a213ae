package ref

import (
	"strconv"
	"strings"
)

// ParsePath splits a reference path into segments. Supports dot notation,
// bracket indexing (foo[0]), and quoted bracket keys (foo["bar.baz"]).
// An unclosed bracket is treated as literal text rather than an error.
func ParsePath(path string) []string {
	var segments []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, current.String())
			current.Reset()
		}
	}

	i := 0
	for i < len(path) {
		ch := path[i]
		switch ch {
		case '.':
			flush()
			i++
		case '[':
			closing := findClosingBracket(path, i)
			if closing < 0 {
				// Unclosed bracket: keep the rest as literal text.
				current.WriteString(path[i:])
				i = len(path)
				break
			}
			flush()
			inner := path[i+1 : closing]
			segments = append(segments, unquoteSegment(inner))
			i = closing + 1
		default:
			current.WriteByte(ch)
			i++
		}
	}
	flush()
	return segments
}

// findClosingBracket locates the matching ] for the bracket at open,
// honoring quoted keys so foo["a]b"] parses correctly.
func findClosingBracket(path string, open int) int {
	inQuote := byte(0)
	for i := open + 1; i < len(path); i++ {
		ch := path[i]
		switch {
		case inQuote != 0:
			if ch == inQuote {
				inQuote = 0
			}
		case ch == '"' || ch == '\'':
			inQuote = ch
		case ch == ']':
			return i
		}
	}
	return -1
}

// unquoteSegment strips surrounding quotes from a bracket key.
func unquoteSegment(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// Walk descends into a JSON-like value segment by segment. Any missing
// segment yields nil; this is never an error at the resolver level.
func Walk(value any, segments []string) any {
	current := value
	for _, seg := range segments {
		if current == nil {
			return nil
		}
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil
			}
			current = v[idx]
		default:
			return nil
		}
	}
	return current
}

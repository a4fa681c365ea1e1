package util

import "github.com/tidwall/gjson"

// ExtractJSON pulls the first complete JSON document (object or array)
// out of mixed text. CLI tools print progress lines around their JSON
// result, so the scan walks forward to an opening bracket and tracks
// nesting with string awareness.
func ExtractJSON(s string) (gjson.Result, bool) {
	for start := 0; start < len(s); start++ {
		open := s[start]
		if open != '{' && open != '[' {
			continue
		}
		if end := matchEnd(s, start); end > start {
			candidate := s[start : end+1]
			if gjson.Valid(candidate) {
				return gjson.Parse(candidate), true
			}
		}
	}
	return gjson.Result{}, false
}

// matchEnd returns the index of the bracket closing the document opened
// at start, or -1.
func matchEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

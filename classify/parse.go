package classify

import (
	"encoding/json"
	"strings"
)

// ParseVerdict extracts the first balanced JSON object from raw model
// output and decodes it as a Verdict. Models wrap JSON in prose, code
// fences, or trailing commentary; we scan for the object instead of
// decoding the whole string. Returns false when no decodable object
// is found.
func ParseVerdict(text string) (Verdict, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		if end := matchBrace(text, start); end > start {
			var v Verdict
			if err := json.Unmarshal([]byte(text[start:end+1]), &v); err == nil {
				v.Score = clampScore(v.Score)
				return v, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return Verdict{}, false
}

// matchBrace returns the index of the brace closing the one at start,
// ignoring braces inside JSON strings. Returns -1 if unbalanced.
func matchBrace(s string, start int) int {
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
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

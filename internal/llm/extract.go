package llm

import (
	"encoding/json"
	"strings"
)

// ExtractJSON finds the first well-formed JSON object or array embedded in a
// model reply and unmarshals it into v. Models often wrap their answer in
// prose or markdown fences; scanning for a balanced JSON substring safeguards
// against wordy and descriptive replies.
func ExtractJSON(reply string, v interface{}) bool {
	for start := 0; start < len(reply); start++ {
		open := reply[start]
		if open != '{' && open != '[' {
			continue
		}

		end, ok := findBalanced(reply, start)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(reply[start:end+1]), v); err == nil {
			return true
		}
	}
	return false
}

// findBalanced returns the index of the bracket closing the one at start,
// skipping brackets inside JSON strings.
func findBalanced(s string, start int) (int, bool) {
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// StripFences removes markdown code fences from a model reply, if present.
func StripFences(reply string) string {
	trimmed := strings.TrimSpace(reply)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

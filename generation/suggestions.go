package generation

import (
	"strings"
	"unicode"
)

// DefaultMaxSuggestions caps ExtractSuggestions.
const DefaultMaxSuggestions = 5

// ExtractSuggestions collects numbered or bulleted lines from answer,
// stripped of their markers, up to max items.
func ExtractSuggestions(answer string, max int) []string {
	if max <= 0 {
		max = DefaultMaxSuggestions
	}
	var out []string
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		first := []rune(line)[0]
		if !unicode.IsDigit(first) && first != '-' && first != '•' && first != '*' {
			continue
		}
		s := strings.TrimLeftFunc(line, func(r rune) bool {
			return unicode.IsDigit(r) || strings.ContainsRune(".-•*、)） \t", r)
		})
		s = strings.TrimSpace(strings.Trim(s, "*"))
		if s == "" {
			continue
		}
		out = append(out, s)
		if len(out) == max {
			break
		}
	}
	return out
}

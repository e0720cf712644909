package intake

import (
	"regexp"
	"slices"
)

// namePatterns are tried in order; each contributes its matches in text
// order. Group 1 is the first name and group 2, when the pattern has one
// that captures a capitalized word, the last name.
var namePatterns = []struct {
	re       *regexp.Regexp
	lastName bool
}{
	{regexp.MustCompile(`\b([A-Z][a-z]+)\s+(called|said|reported|from|at|needs?|has|is having|experienced?)\b`), false},
	{regexp.MustCompile(`\b([A-Z][a-z]+)\s+([A-Z][a-z]+)?\s+(called|said|reported|needs?|has|is having|experienced?)\b`), true},
	{regexp.MustCompile(`\b([A-Z][a-z]+)\s+([A-Z][a-z]+)\b`), true},
}

// FallbackNames scans a description for likely person names. It is a
// heuristic: "Windows Update" looks like a name to it too.
func FallbackNames(description string) []string {
	var names []string
	for _, p := range namePatterns {
		for _, m := range p.re.FindAllStringSubmatch(description, -1) {
			name := m[1]
			if p.lastName && m[2] != "" {
				name += " " + m[2]
			}
			if len(name) <= 1 || slices.Contains(names, name) {
				continue
			}
			names = append(names, name)
		}
	}
	return names
}

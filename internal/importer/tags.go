package importer

import (
	"sort"
	"strings"
	"unicode"
)

// ExtractTags scans free text for #tag and @mention markers. Tags must start
// with a letter and may contain letters, digits, dash and underscore; output
// is lowercased, deduplicated, sorted.
func ExtractTags(text string, extra ...string) []string {
	seen := map[string]bool{}
	scan := func(s string) {
		runes := []rune(s)
		for i := 0; i < len(runes); i++ {
			if runes[i] != '#' && runes[i] != '@' {
				continue
			}
			if i > 0 && isTagRune(runes[i-1]) {
				continue // mid-word marker, e.g. "c#" or an email address
			}
			j := i + 1
			if j >= len(runes) || !unicode.IsLetter(runes[j]) {
				continue
			}
			for j < len(runes) && isTagRune(runes[j]) {
				j++
			}
			seen[strings.ToLower(string(runes[i:j]))] = true
			i = j - 1
		}
	}
	scan(text)
	for _, s := range extra {
		scan(s)
	}
	out := make([]string, 0, len(seen))
	for tag := range seen {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func isTagRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_'
}

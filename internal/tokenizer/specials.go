package tokenizer

import (
	"slices"
	"strings"
)

type segment struct {
	text    string
	control bool
}

// sortLongestFirst orders control strings so that the longest match wins.
func sortLongestFirst(s []string) {
	slices.SortStableFunc(s, func(a, b string) int { return len(b) - len(a) })
}

// splitControl cuts text at every occurrence of a control string.
func splitControl(text string, controls []string) []segment {
	if len(controls) == 0 {
		return []segment{{text: text}}
	}
	var out []segment
	start := 0
	for i := 0; i < len(text); {
		hit := ""
		for _, c := range controls {
			if strings.HasPrefix(text[i:], c) {
				hit = c
				break
			}
		}
		if hit == "" {
			i++
			continue
		}
		if start < i {
			out = append(out, segment{text: text[start:i]})
		}
		out = append(out, segment{text: hit, control: true})
		i += len(hit)
		start = i
	}
	if start < len(text) {
		out = append(out, segment{text: text[start:]})
	}
	return out
}

// looksControl matches the <|name|> convention used when added_tokens
// carry no special flag.
func looksControl(s string) bool {
	return len(s) >= 4 && strings.HasPrefix(s, "<|") && strings.HasSuffix(s, "|>")
}

package worker

import (
	"strings"
	"unicode"
)

// AssembleText joins chunk fragments in chunk order with single spaces
func AssembleText(fragments []string) string {
	parts := make([]string, 0, len(fragments))
	for _, f := range fragments {
		if f = strings.TrimSpace(f); f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}

// SplitMessage cuts text into messages of at most limit characters,
// breaking at the last whitespace that fits. A single word longer than
// limit is cut hard.
func SplitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := lastSpace(runes[:limit+1])
		if cut <= 0 {
			cut = limit
		}

		parts = append(parts, strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace))
		runes = []rune(strings.TrimLeftFunc(string(runes[cut:]), unicode.IsSpace))
	}

	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}

	return parts
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}

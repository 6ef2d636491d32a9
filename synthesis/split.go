package synthesis

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitText splits text into chunks of at most limit runes, breaking at
// whitespace. A run of non-space text longer than limit is cut hard.
// Text that already fits is returned as a single chunk.
func SplitText(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	runes := []rune(text)
	var chunks []string
	start := 0
	for {
		for start < len(runes) && unicode.IsSpace(runes[start]) {
			start++
		}
		if len(runes)-start <= limit {
			if tail := strings.TrimRightFunc(string(runes[start:]), unicode.IsSpace); tail != "" {
				chunks = append(chunks, tail)
			}
			return chunks
		}

		end := start + limit
		cut := end
		for i := end; i > start; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRightFunc(string(runes[start:cut]), unicode.IsSpace))
		start = cut
	}
}

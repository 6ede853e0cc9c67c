package gateway

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into chunks of at most limit bytes, preferring to cut at
// the last newline inside the window, then the last space, then a hard cut.
// Separators stay with the chunk before them, so concatenating the chunks
// reproduces the input exactly.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		window := text[:limit]

		cut := strings.LastIndexByte(window, '\n')
		if cut < 0 {
			cut = strings.LastIndexByte(window, ' ')
		}
		if cut < 0 {
			cut = limit
			// Never split a multi-byte rune.
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		} else {
			cut++ // keep the separator in this chunk
		}

		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}

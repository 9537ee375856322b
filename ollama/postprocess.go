package ollama

import (
	"strings"
	"unicode/utf8"
)

// markdownCutset lists formatting markers the chat transport renders
// literally; the generator is told not to use them but still does.
const markdownCutset = "*_`~#>"

// PostProcess shapes raw generator output into one chat-safe line. It trims,
// collapses newlines to spaces, strips formatting markers and control
// characters, and truncates on the last word boundary under limit without
// appending anything. Returns "" when nothing usable remains.
func PostProcess(raw string, limit int) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(text))
	lastSpace := false
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r' || r == '\t' || r == ' ':
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case strings.ContainsRune(markdownCutset, r):
			// drop
		case r < 0x20 || r == 0x7f:
			// drop
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	text = strings.TrimSpace(b.String())

	// Models often quote the whole answer.
	text = strings.Trim(text, `"`)
	text = strings.TrimSpace(text)

	if limit > 0 {
		text = truncateAtWord(text, limit)
	}
	return text
}

// truncateAtWord cuts text to at most limit bytes, backing up to the last
// space so no word is split. Text at exactly the limit passes unchanged. If no
// space exists under the limit, the cut is hard but never inside a rune.
func truncateAtWord(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

package telegram

import (
	"strings"
	"unicode/utf8"
)

// Telegram caps a message at 4096 bytes of UTF-8; staying under 4000
// characters leaves headroom for formatting the API adds.
const (
	maxChars = 4000
	maxBytes = 4096
)

// SplitMessage breaks text into chunks that each fit in one message.
// Splits land on line boundaries where possible; a single oversized
// line is hard-split at rune boundaries.
func SplitMessage(text string) []string {
	if text == "" {
		return nil
	}
	if fits(text) {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	lines := strings.SplitAfter(text, "\n")
	for _, line := range lines {
		if line == "" {
			continue
		}
		if !fits(line) {
			// Oversized line: flush what we have, then hard-split it.
			flush()
			chunks = append(chunks, hardSplit(line)...)
			continue
		}
		if cur.Len() > 0 && !fits(cur.String()+line) {
			flush()
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}

func fits(s string) bool {
	return len(s) <= maxBytes && utf8.RuneCountInString(s) <= maxChars
}

// hardSplit cuts a string into maximal fitting pieces without breaking
// UTF-8 sequences.
func hardSplit(s string) []string {
	var pieces []string
	var cur strings.Builder
	chars := 0
	for _, r := range s {
		rl := utf8.RuneLen(r)
		if chars+1 > maxChars || cur.Len()+rl > maxBytes {
			pieces = append(pieces, cur.String())
			cur.Reset()
			chars = 0
		}
		cur.WriteRune(r)
		chars++
	}
	if cur.Len() > 0 {
		pieces = append(pieces, cur.String())
	}
	return pieces
}

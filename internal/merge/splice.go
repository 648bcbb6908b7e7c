// Package merge turns recognition events into full-buffer replacements that
// keep speech and typed text apart.
package merge

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Anchor is the buffer as it was right before the current utterance segment
// produced its first text. Offsets count runes.
type Anchor struct {
	Text   string
	Cursor int
}

// Mutation replaces the whole buffer. Owners apply it atomically.
type Mutation struct {
	Text   string `json:"text"`
	Cursor int    `json:"cursor"`
}

// NewAnchor clamps cursor into the text.
func NewAnchor(text string, cursor int) Anchor {
	return Anchor{Text: text, Cursor: clamp(cursor, 0, utf8.RuneCountInString(text))}
}

// Splice inserts text at the anchor's cursor. A single space separates the
// insertion from neighbouring text unless that neighbour is empty or already
// has whitespace at the boundary. The returned cursor sits right after the
// inserted text.
func Splice(a Anchor, text string) Mutation {
	runes := []rune(a.Text)
	cursor := clamp(a.Cursor, 0, len(runes))
	text = strings.TrimSpace(text)
	if text == "" {
		return Mutation{Text: a.Text, Cursor: cursor}
	}

	left := string(runes[:cursor])
	right := string(runes[cursor:])

	var b strings.Builder
	b.Grow(len(a.Text) + len(text) + 2)
	b.WriteString(left)
	if needsSeparator(lastRune(left)) {
		b.WriteByte(' ')
	}
	b.WriteString(text)
	newCursor := utf8.RuneCountInString(b.String())
	if needsSeparator(firstRune(right)) {
		b.WriteByte(' ')
	}
	b.WriteString(right)

	return Mutation{Text: b.String(), Cursor: newCursor}
}

func needsSeparator(neighbour rune) bool {
	return neighbour != utf8.RuneError && !unicode.IsSpace(neighbour)
}

func lastRune(s string) rune {
	if s == "" {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeLastRuneInString(s)
	return r
}

func firstRune(s string) rune {
	if s == "" {
		return utf8.RuneError
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

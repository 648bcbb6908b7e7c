// Package buffer provides an in-memory text buffer owner for dictation.
package buffer

import (
	"sync"
	"unicode/utf8"

	"github.com/loqalabs/loqa-scribe/internal/merge"
)

// Change describes the buffer after an update.
type Change struct {
	Text   string
	Cursor int
	// Speech is true when the change came from the merge engine rather than
	// from Edit.
	Speech bool
}

// Buffer is an editable text with a cursor. All updates are serialized by its
// mutex, which makes it the single update context for applied mutations.
type Buffer struct {
	mu        sync.Mutex
	text      string
	cursor    int
	observers []func(Change)
}

func New(text string, cursor int) *Buffer {
	b := &Buffer{}
	b.setLocked(text, cursor)
	return b
}

// Snapshot returns the current text and cursor.
func (b *Buffer) Snapshot() (string, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text, b.cursor
}

// ApplyMutation replaces the buffer with m.
func (b *Buffer) ApplyMutation(m merge.Mutation) {
	b.update(m.Text, m.Cursor, true)
}

// Edit replaces the buffer as a user edit would.
func (b *Buffer) Edit(text string, cursor int) {
	b.update(text, cursor, false)
}

// MoveCursor places the cursor without changing text.
func (b *Buffer) MoveCursor(cursor int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(b.text, cursor, false)
}

// Observe registers fn to run after every update, in update order. fn runs
// inside the update and must not call back into the buffer.
func (b *Buffer) Observe(fn func(Change)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

func (b *Buffer) update(text string, cursor int, speech bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applyLocked(text, cursor, speech)
}

func (b *Buffer) applyLocked(text string, cursor int, speech bool) {
	b.setLocked(text, cursor)
	change := Change{Text: b.text, Cursor: b.cursor, Speech: speech}
	for _, fn := range b.observers {
		fn(change)
	}
}

func (b *Buffer) setLocked(text string, cursor int) {
	n := utf8.RuneCountInString(text)
	if cursor < 0 {
		cursor = 0
	}
	if cursor > n {
		cursor = n
	}
	b.text = text
	b.cursor = cursor
}

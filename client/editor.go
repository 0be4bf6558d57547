package client

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// Position is a zero-based line/column location in a buffer.
type Position struct {
	Line   int
	Column int
}

type Scroll struct {
	Left int
	Top  int
}

// Editor is the text-editing widget a Session drives. SetText must notify
// OnChange listeners just like a user edit does; the Session tells the two
// apart on its own, provided user edits from other goroutines go through
// Session.Do.
type Editor interface {
	SetText(text string)
	Text() string
	Cursor() Position
	SetCursor(pos Position)
	Scroll() Scroll
	SetScroll(s Scroll)
	OnChange(fn func(text string))
	OnCursorMove(fn func(pos Position))
}

// TextBuffer is an in-memory Editor, used by the terminal client and tests.
type TextBuffer struct {
	mu       sync.Mutex
	text     string
	cursor   Position
	scroll   Scroll
	onChange []func(string)
	onCursor []func(Position)
}

var _ Editor = (*TextBuffer)(nil)

func NewTextBuffer(text string) *TextBuffer {
	return &TextBuffer{text: text}
}

func (b *TextBuffer) SetText(text string) {
	b.mu.Lock()
	b.text = text
	b.cursor = Clamp(text, b.cursor)
	listeners := append([]func(string){}, b.onChange...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(text)
	}
}

// Edit replaces the buffer as a user would.
func (b *TextBuffer) Edit(text string) { b.SetText(text) }

func (b *TextBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *TextBuffer) Cursor() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// SetCursor moves the cursor, clamped to the buffer, and notifies listeners.
func (b *TextBuffer) SetCursor(pos Position) {
	b.mu.Lock()
	b.cursor = Clamp(b.text, pos)
	pos = b.cursor
	listeners := append([]func(Position){}, b.onCursor...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(pos)
	}
}

func (b *TextBuffer) Scroll() Scroll {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.scroll
}

func (b *TextBuffer) SetScroll(s Scroll) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scroll = s
}

func (b *TextBuffer) OnChange(fn func(text string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = append(b.onChange, fn)
}

func (b *TextBuffer) OnCursorMove(fn func(pos Position)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCursor = append(b.onCursor, fn)
}

// Clamp returns the valid position in text nearest to pos. Columns count
// runes.
func Clamp(text string, pos Position) Position {
	lines := strings.Split(text, "\n")
	if pos.Line < 0 {
		pos.Line = 0
	}
	if pos.Line >= len(lines) {
		pos.Line = len(lines) - 1
	}
	width := utf8.RuneCountInString(lines[pos.Line])
	if pos.Column < 0 {
		pos.Column = 0
	}
	if pos.Column > width {
		pos.Column = width
	}
	return pos
}

package client

import (
	"sync"
	"sync/atomic"
)

// syncedBuffer wraps the editor with a flag that is set while a remote
// update is being applied. The local-change handler reads it to avoid
// echoing remote content back to the room. mu keeps local edits out of
// the apply window, so the flag is never seen by a user edit.
type syncedBuffer struct {
	editor   Editor
	mu       sync.Mutex
	applying atomic.Bool
}

func newSyncedBuffer(editor Editor) *syncedBuffer {
	return &syncedBuffer{editor: editor}
}

func (b *syncedBuffer) Applying() bool {
	return b.applying.Load()
}

// Apply replaces the whole buffer with text, keeping the local cursor and
// scroll offset. A cursor that no longer fits is clamped.
func (b *syncedBuffer) Apply(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.editor.Cursor()
	scroll := b.editor.Scroll()

	b.applying.Store(true)
	defer b.applying.Store(false)

	b.editor.SetText(text)
	b.editor.SetCursor(Clamp(text, cursor))
	b.editor.SetScroll(scroll)
}

// Local runs a user edit between remote applies.
func (b *syncedBuffer) Local(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

func (b *syncedBuffer) Text() string {
	return b.editor.Text()
}

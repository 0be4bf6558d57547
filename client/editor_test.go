package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  Position
		want Position
	}{
		{"inside", "abc\ndef", Position{1, 2}, Position{1, 2}},
		{"past last line", "abc\ndef", Position{5, 1}, Position{1, 1}},
		{"past line end", "abc\nd", Position{1, 9}, Position{1, 1}},
		{"negative", "abc", Position{-1, -4}, Position{0, 0}},
		{"empty buffer", "", Position{3, 3}, Position{0, 0}},
		{"runes not bytes", "héllo", Position{0, 5}, Position{0, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clamp(tt.text, tt.pos))
		})
	}
}

func TestTextBuffer_Listeners(t *testing.T) {
	buf := NewTextBuffer("one\ntwo")
	var texts []string
	var moves []Position
	buf.OnChange(func(text string) { texts = append(texts, text) })
	buf.OnCursorMove(func(pos Position) { moves = append(moves, pos) })

	buf.SetCursor(Position{Line: 1, Column: 3})
	buf.Edit("x")
	buf.SetCursor(Position{Line: 4, Column: 4})

	assert.Equal(t, []string{"x"}, texts)
	assert.Equal(t, []Position{{1, 3}, {0, 1}}, moves)
	assert.Equal(t, Position{0, 1}, buf.Cursor())
}

func TestTextBuffer_SetTextClampsCursor(t *testing.T) {
	buf := NewTextBuffer("a long line")
	buf.SetCursor(Position{Line: 0, Column: 10})

	buf.SetText("ab")

	assert.Equal(t, Position{0, 2}, buf.Cursor())
}

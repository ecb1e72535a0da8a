package core

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTF8StreamWholePieces(t *testing.T) {
	s := NewUTF8Stream()
	assert.Equal(t, "hello ", s.Push("hello "))
	assert.Equal(t, "world", s.Push("world"))
	assert.Equal(t, "", s.Flush())
}

func TestUTF8StreamSplitMultibyteRune(t *testing.T) {
	// "é" is 0xC3 0xA9 in UTF-8; split the lead byte from its continuation.
	full := "café"
	lead := full[:len(full)-1]
	tail := full[len(full)-1:]

	s := NewUTF8Stream()
	out1 := s.Push(lead)
	assert.Equal(t, "caf", out1, "trailing partial rune must be withheld")

	out2 := s.Push(tail)
	assert.Equal(t, "é", out2)
}

func TestUTF8StreamArbitrarySplitsReassembleExactly(t *testing.T) {
	original := "hello, 世界! 🎉 done"
	for split := 0; split <= len(original); split++ {
		s := NewUTF8Stream()
		var out string
		out += s.Push(original[:split])
		out += s.Push(original[split:])
		out += s.Flush()

		require.Equal(t, original, out, "split at %d must reassemble exactly", split)
		require.True(t, utf8.ValidString(out))
	}
}

func TestUTF8StreamDeliveredPiecesAreAlwaysValid(t *testing.T) {
	original := "日本語のテスト"
	s := NewUTF8Stream()
	var delivered []string
	for i := 0; i < len(original); i++ {
		piece := s.Push(original[i : i+1])
		if piece != "" {
			delivered = append(delivered, piece)
			assert.True(t, utf8.ValidString(piece))
		}
	}
	delivered = append(delivered, s.Flush())

	var rebuilt string
	for _, p := range delivered {
		rebuilt += p
	}
	assert.Equal(t, original, rebuilt)
}

func TestUTF8StreamFlushReturnsIncompleteTrailingBytes(t *testing.T) {
	s := NewUTF8Stream()
	full := "x€" // '€' is 3 bytes: 0xE2 0x82 0xAC
	partial := full[:len(full)-1]
	s.Push(partial)

	flushed := s.Flush()
	assert.Equal(t, partial[1:], flushed) // withheld bytes returned verbatim
	assert.Equal(t, "", s.Flush())
}

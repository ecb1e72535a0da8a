package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBufferAppendAndLen(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.AppendAll([]Token{2, 3, 4})

	require.Equal(t, 4, b.Len())
	assert.Equal(t, []Token{1, 2, 3, 4}, b.Tokens())
	assert.Equal(t, Token(3), b.At(2))
}

func TestTokenBufferParseChunkText(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.ParseChunk(&MediaChunk{RawTokens: []Token{10, 11}})

	assert.Equal(t, []Token{1, 10, 11}, b.Tokens())
	assert.False(t, b.HasMedia())
}

func TestTokenBufferParseChunkPlaceholder(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.ParseChunk(&MediaChunk{Kind: MediaImage, CacheID: "abc", NumPos: 3})
	b.Append(99)

	assert.Equal(t, []Token{1, NullToken, NullToken, NullToken, 99}, b.Tokens())
	require.True(t, b.HasMedia())

	chunk, err := b.FindChunk(1)
	require.NoError(t, err)
	assert.Equal(t, "abc", chunk.CacheID)
	assert.Equal(t, 1, chunk.StartPos)
	assert.Equal(t, 3, chunk.NumPos)

	_, err = b.FindChunk(0)
	assert.Error(t, err)
}

func TestTokenBufferNonPlaceholderTokens(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.ParseChunk(&MediaChunk{NumPos: 2})
	b.Append(5)

	assert.Equal(t, []Token{1, 5}, b.NonPlaceholderTokens())
}

func TestTokenBufferShiftCompactsTailAndChunks(t *testing.T) {
	b := NewTokenBuffer()
	b.AppendAll([]Token{0, 1, 2}) // three plain tokens ahead of the chunk
	b.ParseChunk(&MediaChunk{CacheID: "x", NumPos: 2})
	b.AppendAll([]Token{9, 9, 9})

	// discard the three plain tokens ahead of the chunk (keep = 0), a range
	// that doesn't touch the chunk boundary; the chunk start moves 3 -> 0.
	b.Shift(0, 3)

	require.Equal(t, 5, b.Len())
	chunk, err := b.FindChunk(0)
	require.NoError(t, err)
	assert.Equal(t, 0, chunk.StartPos)
}

func TestTokenBufferShiftNoopWhenDiscardNonPositiveOrOutOfRange(t *testing.T) {
	b := NewTokenBuffer()
	b.AppendAll([]Token{1, 2, 3})

	b.Shift(1, 0)
	assert.Equal(t, 3, b.Len())

	b.Shift(1, 10)
	assert.Equal(t, 3, b.Len())
}

func TestTokenBufferKeepFirstTruncatesAndDropsChunks(t *testing.T) {
	b := NewTokenBuffer()
	b.AppendAll([]Token{1, 2})
	b.ParseChunk(&MediaChunk{NumPos: 2})
	b.AppendAll([]Token{3, 4})

	b.KeepFirst(2)

	assert.Equal(t, []Token{1, 2}, b.Tokens())
	assert.False(t, b.HasMedia())
}

func TestTokenBufferKeepFirstAtChunkStartKeepsChunk(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.ParseChunk(&MediaChunk{CacheID: "z", NumPos: 3})

	b.KeepFirst(2) // keeps position 1 (a placeholder, chunk start)

	assert.Equal(t, 2, b.Len())
	_, err := b.FindChunk(1)
	require.NoError(t, err)
}

func TestTokenBufferKeepFirstMidChunkPanics(t *testing.T) {
	b := NewTokenBuffer()
	b.Append(1)
	b.ParseChunk(&MediaChunk{NumPos: 3})

	assert.Panics(t, func() {
		b.KeepFirst(3) // position 2 is a placeholder but not a chunk start
	})
}

func TestTokenBufferKeepFirstNoopWhenNNotSmallerThanLen(t *testing.T) {
	b := NewTokenBuffer()
	b.AppendAll([]Token{1, 2, 3})

	b.KeepFirst(3)
	assert.Equal(t, 3, b.Len())

	b.KeepFirst(10)
	assert.Equal(t, 3, b.Len())
}

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// acceptHistoryOnly drives just the ring-buffer bookkeeping Accept performs,
// without touching the llama-backed chain/grammar fields, so the history
// logic is testable without the cgo runtime collaborator.
func acceptHistoryOnly(s *Sampler, token Token) {
	s.history[s.historyHead] = token
	s.historyHead = (s.historyHead + 1) % len(s.history)
	if s.historyLen < len(s.history) {
		s.historyLen++
	}
}

func TestSamplerHistoryOrdersOldestFirst(t *testing.T) {
	s := &Sampler{history: make([]Token, 4)}

	for _, tok := range []Token{1, 2, 3} {
		acceptHistoryOnly(s, tok)
	}

	assert.Equal(t, []Token{1, 2, 3}, s.History())
}

func TestSamplerHistoryKeepsLegitimateZeroToken(t *testing.T) {
	s := &Sampler{history: make([]Token, 4)}

	acceptHistoryOnly(s, 0)
	acceptHistoryOnly(s, 5)

	assert.Equal(t, []Token{0, 5}, s.History(), "token id 0 must not be mistaken for an empty ring slot")
}

func TestSamplerHistoryWrapsAroundRingBuffer(t *testing.T) {
	s := &Sampler{history: make([]Token, 3)}

	for _, tok := range []Token{1, 2, 3, 4, 5} {
		acceptHistoryOnly(s, tok)
	}

	assert.Equal(t, []Token{3, 4, 5}, s.History())
}

func TestSamplerHistoryEmptyBeforeAnyAccept(t *testing.T) {
	s := &Sampler{history: make([]Token, 4)}
	assert.Empty(t, s.History())
}

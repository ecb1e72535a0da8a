package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSetWordMatchesAnywhere(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerWord, Text: "JSON"}})
	require.NoError(t, err)

	assert.False(t, ts.matches("plain text so far", 0))
	assert.True(t, ts.matches("here comes JSON now", 0))
}

func TestTriggerSetWordIsRegexEscaped(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerWord, Text: "a.b"}})
	require.NoError(t, err)

	assert.False(t, ts.matches("axb", 0), "literal dot must not match any character")
	assert.True(t, ts.matches("a.b", 0))
}

func TestTriggerSetPatternAnywhere(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerPattern, Text: `\d{3}`}})
	require.NoError(t, err)

	assert.True(t, ts.matches("prefix 123 suffix", 0))
	assert.False(t, ts.matches("only 12 digits", 0))
}

func TestTriggerSetPatternFullIsAnchored(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerPatternFull, Text: `^\{.*\}$`}})
	require.NoError(t, err)

	assert.True(t, ts.matches(`{"a":1}`, 0))
	assert.False(t, ts.matches(`prefix {"a":1}`, 0), "PATTERN_FULL must match the whole string, not a substring")
}

func TestTriggerSetTokenTrigger(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerToken, TokenID: 42}})
	require.NoError(t, err)

	assert.True(t, ts.matches("", 42))
	assert.False(t, ts.matches("", 43))
}

func TestTriggerSetUnknownKindErrors(t *testing.T) {
	_, err := newTriggerSet([]GrammarTrigger{{Kind: TriggerKind(99)}})
	assert.ErrorIs(t, err, ErrUnknownTrigger)
}

func TestTriggerSetNilIsInert(t *testing.T) {
	var ts *triggerSet
	assert.False(t, ts.matches("JSON", 1))
}

func TestTriggerSetCombinesWordAndPattern(t *testing.T) {
	ts, err := newTriggerSet([]GrammarTrigger{
		{Kind: TriggerWord, Text: "START"},
		{Kind: TriggerPattern, Text: `\[\d+\]`},
	})
	require.NoError(t, err)

	assert.True(t, ts.matches("a START marker", 0))
	assert.True(t, ts.matches("index [12] seen", 0))
	assert.False(t, ts.matches("nothing relevant", 0))
}

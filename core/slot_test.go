package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLifecycleIdleBindRelease(t *testing.T) {
	s := NewSlot(3)
	assert.True(t, s.IsIdle())
	assert.Equal(t, PhaseIdle, s.Phase())

	req := NewRequest(TaskParams{Prompt: "hi"})
	buf := NewTokenBuffer()
	buf.Append(1)

	s.Bind(req, buf, nil)
	assert.False(t, s.IsIdle())
	assert.Equal(t, PhaseStarted, s.Phase())

	s.generatedText.WriteString("generated text")
	s.nDecoded = 5
	s.Release()

	assert.True(t, s.IsIdle())
	res := req.Wait()
	require.NoError(t, res.Err)
	assert.Equal(t, "generated text", res.Text)
	assert.Equal(t, 5, res.Decoded)
}

func TestSlotResetWithErrorCompletesRequestAndCallsOnError(t *testing.T) {
	s := NewSlot(0)
	var gotErr error
	req := NewRequest(TaskParams{
		OnError: func(err error) { gotErr = err },
	})
	s.Bind(req, NewTokenBuffer(), nil)

	s.ResetWithError(ErrForcedReset)

	assert.True(t, s.IsIdle())
	res := req.Wait()
	assert.ErrorIs(t, res.Err, ErrForcedReset)
	assert.ErrorIs(t, gotErr, ErrForcedReset)
}

func TestSlotCanBatchWithRequiresSamePhase(t *testing.T) {
	a := NewSlot(0)
	b := NewSlot(1)
	assert.True(t, a.CanBatchWith(b)) // both IDLE

	a.Bind(NewRequest(TaskParams{}), NewTokenBuffer(), nil)
	assert.False(t, a.CanBatchWith(b))

	b.Bind(NewRequest(TaskParams{}), NewTokenBuffer(), nil)
	assert.True(t, a.CanBatchWith(b))
}

func TestSlotProcessTokenEOGStops(t *testing.T) {
	s := NewSlot(0)
	s.Bind(NewRequest(TaskParams{MaximumTokens: -1}), NewTokenBuffer(), nil)

	assert.False(t, s.ProcessToken(true, 7, "piece"))
}

func TestSlotProcessTokenMaximumTokensStops(t *testing.T) {
	s := NewSlot(0)
	s.Bind(NewRequest(TaskParams{MaximumTokens: 2}), NewTokenBuffer(), nil)
	s.nDecoded = 2

	assert.False(t, s.ProcessToken(false, 1, "x"))
}

func TestSlotProcessTokenUnboundedMaximumTokensContinues(t *testing.T) {
	s := NewSlot(0)
	s.Bind(NewRequest(TaskParams{MaximumTokens: -1}), NewTokenBuffer(), nil)
	s.nDecoded = 1_000_000

	assert.True(t, s.ProcessToken(false, 1, "x"))
}

func TestSlotProcessTokenStopStringStops(t *testing.T) {
	s := NewSlot(0)
	s.Bind(NewRequest(TaskParams{MaximumTokens: -1, Stop: []string{"END"}}), NewTokenBuffer(), nil)
	s.generatedText.WriteString("some out")

	assert.True(t, s.ProcessToken(false, 1, "put"))
	assert.False(t, s.ProcessToken(false, 1, "putEND"))
}

func TestSlotEmitStreamingInvokesCallback(t *testing.T) {
	s := NewSlot(0)
	var got []string
	s.Bind(NewRequest(TaskParams{
		Stream:  true,
		OnToken: func(piece string) { got = append(got, piece) },
	}), NewTokenBuffer(), nil)

	s.Emit("a")
	s.Emit("b")

	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, "ab", s.generatedText.String())
}

func TestSlotEmitNonStreamingSkipsCallback(t *testing.T) {
	s := NewSlot(0)
	called := false
	s.Bind(NewRequest(TaskParams{
		Stream:  false,
		OnToken: func(piece string) { called = true },
	}), NewTokenBuffer(), nil)

	s.Emit("a")

	assert.False(t, called)
	assert.Equal(t, "a", s.generatedText.String())
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "IDLE", PhaseIdle.String())
	assert.Equal(t, "GENERATING", PhaseGenerating.String())
	assert.Equal(t, "UNKNOWN", Phase(99).String())
}

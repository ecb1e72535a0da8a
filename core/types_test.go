package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestCompleteIsSingleAssignment(t *testing.T) {
	req := NewRequest(TaskParams{})

	req.complete(Result{Text: "first"})
	req.complete(Result{Text: "second"}) // must be a no-op

	res := req.Wait()
	assert.Equal(t, "first", res.Text)
}

func TestDefaultSamplingConfigIsUsable(t *testing.T) {
	cfg := DefaultSamplingConfig()

	assert.NotEmpty(t, cfg.Samplers)
	assert.Equal(t, MirostatOff, cfg.Mirostat)
	assert.Greater(t, cfg.TopK, 0)
	assert.Greater(t, cfg.NPrev, 0)
}

func TestNewRequestAssignsUniqueIDs(t *testing.T) {
	r1 := NewRequest(TaskParams{Prompt: "a"})
	r2 := NewRequest(TaskParams{Prompt: "b"})

	assert.NotEqual(t, r1.ID, r2.ID)
}

package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/x448/float16"
)

func TestToFloat16RoundTripsWithinHalfPrecision(t *testing.T) {
	in := []float32{0, 1, -1, 0.5, 3.14159}

	out := toFloat16(in)

	assert.Len(t, out, len(in))
	for i, bits := range out {
		got := float16.Frombits(bits).Float32()
		assert.InDelta(t, in[i], got, 0.01)
	}
}

func TestToFloat16EmptyVector(t *testing.T) {
	assert.Empty(t, toFloat16(nil))
}

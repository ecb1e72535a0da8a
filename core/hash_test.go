package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFNV1aKnownVector(t *testing.T) {
	// FNV-1a 64-bit of the empty string is the offset basis itself.
	assert.Equal(t, "14695981039346656037", FNV1a(nil))
}

func TestFNV1aDeterministic(t *testing.T) {
	data := []byte("same bytes every time")
	assert.Equal(t, FNV1a(data), FNV1a(append([]byte{}, data...)))
}

func TestFNV1aDistinguishesInputs(t *testing.T) {
	assert.NotEqual(t, FNV1a([]byte("a")), FNV1a([]byte("b")))
}

// Package uuid tests for identifier generation.
package uuid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_IsValidV4(t *testing.T) {
	id := New()
	assert.True(t, IsValid(id), "generated %q", id)
	assert.NoError(t, Validate(id))
}

func TestNew_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestNewPrefixed(t *testing.T) {
	id := NewPrefixed("evt")
	assert.True(t, strings.HasPrefix(id, "evt_"))
	assert.True(t, IsValid(strings.TrimPrefix(id, "evt_")))
}

func TestIsValid(t *testing.T) {
	tests := map[string]bool{
		"123e4567-e89b-42d3-a456-426614174000": true,
		"123e4567-e89b-12d3-a456-426614174000": false, // v1
		"123e4567-e89b-42d3-c456-426614174000": false, // bad variant
		"123e4567e89b42d3a456426614174000":     false,
		"":                                     false,
	}
	for in, want := range tests {
		assert.Equal(t, want, IsValid(in), "input %q", in)
	}
	assert.Error(t, Validate("nope"))
}

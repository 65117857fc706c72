package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeysValid(t *testing.T) {
	keys := NewKeys([]string{"test-key-1", "", "test-key-2"})

	assert.Equal(t, 2, keys.Len())
	assert.True(t, keys.Valid("test-key-1"))
	assert.True(t, keys.Valid("test-key-2"))
	assert.False(t, keys.Valid("test-key-3"))
	assert.False(t, keys.Valid("test-key"))
	assert.False(t, keys.Valid(""))
}

func TestEmptyKeysRejectEverything(t *testing.T) {
	var keys Keys
	assert.False(t, keys.Valid("anything"))
}

package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllow_FirstCallPerKeyConsumesOneToken(t *testing.T) {
	l := New(1, 3)
	ok, err := l.Allow("app-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_ExhaustsCapacityThenDenies(t *testing.T) {
	l := New(0.001, 2)
	ok1, _ := l.Allow("app-1")
	ok2, _ := l.Allow("app-1")
	ok3, _ := l.Allow("app-1")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.False(t, ok3)
}

func TestAllow_TracksKeysIndependently(t *testing.T) {
	l := New(0.001, 1)
	ok1, _ := l.Allow("app-1")
	ok2, _ := l.Allow("app-2")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestAllow_EmptyKeyErrors(t *testing.T) {
	l := New(1, 1)
	_, err := l.Allow("")
	assert.Error(t, err)
}

func TestReset_RestoresFullCapacity(t *testing.T) {
	l := New(0.001, 1)
	ok1, _ := l.Allow("app-1")
	ok2, _ := l.Allow("app-1")
	require.True(t, ok1)
	require.False(t, ok2)

	l.Reset("app-1")
	ok3, _ := l.Allow("app-1")
	assert.True(t, ok3)
}

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplayWindowInOrder(t *testing.T) {
	var w ReplayWindow
	for c := uint64(1); c <= 100; c++ {
		assert.True(t, w.Mark(c), "counter %d", c)
		assert.False(t, w.Mark(c), "duplicate %d", c)
	}
	assert.Equal(t, uint64(100), w.Highest())
}

func TestReplayWindowRejectsZero(t *testing.T) {
	var w ReplayWindow
	assert.False(t, w.Check(0))
	assert.False(t, w.Mark(0))
}

func TestReplayWindowOutOfOrder(t *testing.T) {
	var w ReplayWindow
	assert.True(t, w.Mark(20))

	// Every counter within 16 below the highest is accepted exactly once.
	for c := uint64(4); c < 20; c++ {
		assert.True(t, w.Check(c), "counter %d", c)
		assert.True(t, w.Mark(c), "counter %d", c)
		assert.False(t, w.Mark(c), "replay of %d", c)
	}

	// Below the floor is always rejected.
	assert.False(t, w.Check(3))
	assert.False(t, w.Mark(1))
}

func TestReplayWindowSlides(t *testing.T) {
	var w ReplayWindow
	assert.True(t, w.Mark(1))
	assert.True(t, w.Mark(3))
	assert.True(t, w.Mark(2))
	assert.False(t, w.Mark(1))

	// A jump larger than the window clears history below the new floor.
	assert.True(t, w.Mark(40))
	assert.False(t, w.Check(23))
	assert.True(t, w.Check(24))
	assert.True(t, w.Check(39))
	assert.False(t, w.Check(40))

	// A jump of exactly the window keeps the old highest marked.
	var v ReplayWindow
	assert.True(t, v.Mark(10))
	assert.True(t, v.Mark(26))
	assert.False(t, v.Check(10))
	assert.True(t, v.Check(11))
}

func TestReplayWindowReset(t *testing.T) {
	var w ReplayWindow
	w.Mark(5)
	w.Reset()
	assert.Equal(t, uint64(0), w.Highest())
	assert.True(t, w.Mark(5))
}

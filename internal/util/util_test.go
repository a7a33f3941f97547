package util

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 3; i++ {
		_, evicted := r.Push(i)
		assert.False(t, evicted)
	}
	old, evicted := r.Push(4)
	require.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.Cap())
}

func TestValidatePeerName(t *testing.T) {
	id, err := ValidatePeerName("  alice ")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	for _, bad := range []string{"", "   ", "a b", "a/b", `a\b`, "..x"} {
		_, err := ValidatePeerName(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(10)
	fmt.Fprint(b, "first line\nsecond ")
	fmt.Fprint(b, "line\n\n")

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "first line", snap[0].Msg)
	assert.Equal(t, "second line", snap[1].Msg)
}

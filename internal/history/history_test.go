package history

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreGetRemove(t *testing.T) {
	h := New()
	h.Store(1, "N1 M10 *3")
	text, ok := h.Get(1)
	require.True(t, ok)
	require.Equal(t, "N1 M10 *3", text)
	require.True(t, h.Remove(1))
	_, ok = h.Get(1)
	require.False(t, ok)
}

func TestBoundEvictsOldest(t *testing.T) {
	h := New()
	for i := uint64(0); i < MaxEntries+10; i++ {
		h.Store(i, "text")
		require.LessOrEqual(t, h.Len(), MaxEntries)
	}
	require.Equal(t, MaxEntries, h.Len())
	// The oldest 10 entries must have been evicted.
	for i := uint64(0); i < 10; i++ {
		_, ok := h.Get(i)
		require.False(t, ok, "entry %d should have been evicted", i)
	}
	_, ok := h.Get(MaxEntries + 9)
	require.True(t, ok)
}

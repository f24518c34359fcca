package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResizedBufferGrowsOnFullBoundary(t *testing.T) {
	r := NewResizedBuffer(4096, 4096, 1024*1024)
	var deltas []int
	r.OnResize = func(oldCap, delta int) { deltas = append(deltas, delta) }
	r.lastGrow = time.Now().Add(-time.Hour) // clear cooldown

	// Fill exactly to capacity, landing the write cursor back on a
	// segment boundary (4096 % 4096 == 0).
	dst, err := r.AsMutBytes()
	require.NoError(t, err)
	require.Len(t, dst, 4096)
	r.AdvanceWrite(4096)

	// Take a 3900-byte guard as scenario 6 describes, then request more
	// space; this should trigger growth to 8KiB while the guard is kept
	// alive against the retired 4KiB buffer.
	guard, ok := r.Take(3900)
	require.True(t, ok)

	r.lastGrow = time.Now().Add(-time.Hour)
	dst2, err := r.AsMutBytes()
	require.NoError(t, err)
	require.True(t, len(dst2) > 0)
	require.Equal(t, 8192, r.Cap())
	require.Equal(t, 1, r.RetiredCount())

	// Guard still valid after resize.
	require.Equal(t, 3900, guard.Len())
	guard.Release()
}

func TestResizedBufferShrinksAfterSustainedLowOccupancy(t *testing.T) {
	r := NewResizedBuffer(4096, 1024, 1024*1024)
	r.lastShrink = time.Now().Add(-time.Hour)

	// Keep occupancy at 0 (no unread bytes) across many writes of a
	// fixed small chunk that's immediately fully read.
	for i := 0; i < shrinkStreak+1; i++ {
		dst, err := r.AsMutBytes()
		require.NoError(t, err)
		n := copy(dst, []byte("x"))
		r.AdvanceWrite(n)
		g, ok := r.Take(n)
		require.True(t, ok)
		g.Release()
		r.cur.reclaim()
	}

	// Only one shrink fires within the test's wall-clock window, since
	// shrinkCooldown (60s) gates successive shrinks; capacity halves
	// once, from 4096 to 2048.
	require.Equal(t, 2048, r.Cap())
}

func TestResizedBufferRefusesGrowPastMax(t *testing.T) {
	r := NewResizedBuffer(1024, 1024, 1024)
	r.lastGrow = time.Now().Add(-time.Hour)

	dst, err := r.AsMutBytes()
	require.NoError(t, err)
	r.AdvanceWrite(len(dst))

	r.lastGrow = time.Now().Add(-time.Hour)
	_, err = r.AsMutBytes()
	require.ErrorIs(t, err, ErrShortWrite)
}

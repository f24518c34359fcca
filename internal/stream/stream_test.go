package stream

import (
	"testing"

	"github.com/meshcache/agent/internal/ring"
	"github.com/stretchr/testify/require"
)

func TestRingStreamPeekAndTake(t *testing.T) {
	rb := ring.NewResizedBuffer(64, 64, 1024)
	dst, err := rb.AsMutBytes()
	require.NoError(t, err)
	n := copy(dst, []byte("HD\r\n"))
	rb.AdvanceWrite(n)

	s := New(rb)
	require.Equal(t, 4, s.Unprocessed())
	require.Equal(t, 2, s.IndexCRLF())

	b0, ok := s.PeekByte(0)
	require.True(t, ok)
	require.Equal(t, byte('H'), b0)

	guard, ok := s.Take(4)
	require.True(t, ok)
	require.Equal(t, "HD\r\n", string(guard.Bytes()))
	guard.Release()
}

func TestRingStreamIncompleteFrame(t *testing.T) {
	rb := ring.NewResizedBuffer(64, 64, 1024)
	dst, err := rb.AsMutBytes()
	require.NoError(t, err)
	n := copy(dst, []byte("HD"))
	rb.AdvanceWrite(n)

	s := New(rb)
	require.Equal(t, -1, s.IndexCRLF())
	_, ok := s.Take(4)
	require.False(t, ok)
}

package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferInvariant_ReadProcessedWrite(t *testing.T) {
	b := NewBuffer(16)
	require.LessOrEqual(t, b.Read(), b.Processed())
	require.LessOrEqual(t, b.Processed(), b.Write())

	copy(b.AsMutBytes(), []byte("hello world12345"))
	b.AdvanceWrite(16)
	require.Equal(t, int64(16), b.Write())

	s, ok := b.Peek(5)
	require.True(t, ok)
	require.Equal(t, "hello", string(s.Bytes()))

	b.AdvanceProcessed(5)
	b.AdvanceRead(5)
	require.LessOrEqual(t, b.Read(), b.Processed())
	require.LessOrEqual(t, b.Processed(), b.Write())
	require.LessOrEqual(t, b.Write(), b.Read()+int64(b.Cap()))
}

func TestBufferWrapsAcrossBoundary(t *testing.T) {
	b := NewBuffer(8)
	copy(b.AsMutBytes(), []byte("abcdefgh"))
	b.AdvanceWrite(8)
	b.AdvanceProcessed(6)
	b.AdvanceRead(6)

	// Free space wraps: 6 bytes consumed, 2 left unread ("gh"), 6 free.
	require.Equal(t, 6, b.Free())
	dst := b.AsMutBytes()
	copy(dst, []byte("XYZ"))
	b.AdvanceWrite(3)

	s, ok := b.Peek(5)
	require.True(t, ok)
	require.Equal(t, "ghXYZ", string(s.Bytes()))
}

func TestIndexCRLF(t *testing.T) {
	b := NewBuffer(32)
	copy(b.AsMutBytes(), []byte("HD\r\nrest"))
	b.AdvanceWrite(8)
	require.Equal(t, 2, b.IndexCRLF())
}

func TestNextPowerOfTwo(t *testing.T) {
	require.Equal(t, 1, nextPowerOfTwo(0))
	require.Equal(t, 1, nextPowerOfTwo(1))
	require.Equal(t, 4, nextPowerOfTwo(3))
	require.Equal(t, 16, nextPowerOfTwo(16))
	require.Equal(t, 32, nextPowerOfTwo(17))
}

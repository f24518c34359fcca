// Package stream defines the Stream abstraction a protocol parser uses
// to pull bytes out of a ring buffer without copying: peek a byte,
// peek a run of bytes, or take N bytes as an owned, reference-counted
// MemGuard. See spec.md §4.B.
package stream

import "github.com/meshcache/agent/internal/ring"

// Stream is the minimal surface a Protocol adapter needs to parse
// request or response frames out of a resizable ring buffer.
type Stream interface {
	// PeekByte returns the byte at relative offset i from the current
	// parse cursor without consuming it. ok is false if fewer than i+1
	// bytes are buffered.
	PeekByte(i int) (b byte, ok bool)

	// Peek previews the next n bytes without consuming them.
	Peek(n int) (s ring.RingSlice, ok bool)

	// IndexCRLF returns the offset of the next "\r\n" relative to the
	// parse cursor, or -1 if none is buffered yet.
	IndexCRLF() int

	// Unprocessed reports how many bytes are buffered and not yet
	// consumed.
	Unprocessed() int

	// Take consumes the next n bytes as an owned MemGuard. Returns
	// false if fewer than n bytes are buffered; the parse cursor is
	// unchanged in that case.
	Take(n int) (*ring.MemGuard, bool)
}

// RingStream adapts a *ring.ResizedBuffer to the Stream interface.
type RingStream struct {
	buf *ring.ResizedBuffer
}

// New wraps buf as a Stream.
func New(buf *ring.ResizedBuffer) *RingStream {
	return &RingStream{buf: buf}
}

func (s *RingStream) PeekByte(i int) (byte, bool) {
	sl, ok := s.buf.Peek(i + 1)
	if !ok {
		return 0, false
	}
	return sl.At(i), true
}

func (s *RingStream) Peek(n int) (ring.RingSlice, bool) { return s.buf.Peek(n) }

func (s *RingStream) IndexCRLF() int { return s.buf.Current().Buffer().IndexCRLF() }

func (s *RingStream) Unprocessed() int { return s.buf.Unprocessed() }

func (s *RingStream) Take(n int) (*ring.MemGuard, bool) { return s.buf.Take(n) }

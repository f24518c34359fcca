package ring

import "sync/atomic"

// guardCell is the per-slice reclamation token. While it holds the
// sentinel value 0 the slice it was issued for is still pinning bytes.
// On MemGuard release the cell is stamped with the slice's length; the
// owning GuardedBuffer pops cells from the front of its queue while
// they carry a nonzero length, advancing read by that length.
type guardCell struct {
	length int64
}

// MemGuard is a reference-counted slice into a GuardedBuffer that
// remains valid even after the buffer has been resized, because the
// retired backing array is kept alive until every guard against it is
// released (see ResizedBuffer).
type MemGuard struct {
	slice RingSlice
	cell  *guardCell
	owner *GuardedBuffer
}

// Len returns the number of bytes the guard pins.
func (g *MemGuard) Len() int {
	if g == nil {
		return 0
	}
	return g.slice.Len()
}

// Bytes materializes the guarded bytes (copying only across a wrap).
func (g *MemGuard) Bytes() []byte {
	if g == nil {
		return nil
	}
	return g.slice.Bytes()
}

// Slice returns the underlying RingSlice view.
func (g *MemGuard) Slice() RingSlice {
	if g == nil {
		return RingSlice{}
	}
	return g.slice
}

// Release stamps the guard's cell with its length, permitting the
// owning buffer to reclaim those bytes on its next write. Idempotent.
func (g *MemGuard) Release() {
	if g == nil || g.cell == nil {
		return
	}
	atomic.StoreInt64(&g.cell.length, int64(g.slice.Len())+1)
	g.cell = nil
}

// WrapBytes returns a MemGuard over a freestanding byte slice that is
// not backed by any ring buffer (e.g. a synthesized write-back
// request). Release is a no-op: there is no buffer to reclaim into.
func WrapBytes(b []byte) *MemGuard {
	return &MemGuard{slice: RingSlice{buf: b, cap: len(b), head: 0, tail: int64(len(b)), linear: true}}
}

// GuardedBuffer wraps a ring Buffer and hands out MemGuards pinning
// unread bytes. It never reclaims bytes referenced by a live MemGuard:
// on every write it pops guard cells from the front of its queue while
// they have been released (nonzero), advancing the read cursor by
// their stored length.
//
// The sentinel stored in a cell is length+1 so that zero unambiguously
// means "not yet released"; reclaim() below subtracts it back out.
type GuardedBuffer struct {
	buf   *Buffer
	cells []*guardCell // FIFO of outstanding guard cells, oldest first
}

// NewGuardedBuffer wraps buf.
func NewGuardedBuffer(buf *Buffer) *GuardedBuffer {
	return &GuardedBuffer{buf: buf}
}

// Buffer returns the wrapped ring buffer.
func (g *GuardedBuffer) Buffer() *Buffer { return g.buf }

// reclaim pops and applies released cells from the front of the queue.
// Must be called with exclusive access to g (single-owner, per §5).
func (g *GuardedBuffer) reclaim() {
	for len(g.cells) > 0 {
		cell := g.cells[0]
		v := atomic.LoadInt64(&cell.length)
		if v == 0 {
			break // still pinned
		}
		g.buf.AdvanceRead(int(v - 1))
		g.cells = g.cells[1:]
	}
}

// PendingGuards reports how many outstanding (possibly still-pinning)
// guard cells exist. Used by the pipeline's delayed-drop scavenger to
// test the quiescence predicate.
func (g *GuardedBuffer) PendingGuards() int { return len(g.cells) }

// AsMutBytes returns the writable segment, first reclaiming any bytes
// whose guards have been released.
func (g *GuardedBuffer) AsMutBytes() []byte {
	g.reclaim()
	return g.buf.AsMutBytes()
}

// AdvanceWrite advances the write offset. Released bytes are reclaimed
// by the next AsMutBytes, not here.
func (g *GuardedBuffer) AdvanceWrite(n int) {
	g.buf.AdvanceWrite(n)
}

// Take pins the next n unprocessed bytes as a MemGuard, advances the
// processed cursor by n, and registers a guard cell so the bytes
// survive until the guard is released. Returns false if fewer than n
// bytes are available.
func (g *GuardedBuffer) Take(n int) (*MemGuard, bool) {
	s, ok := g.buf.Peek(n)
	if !ok {
		return nil, false
	}
	g.buf.AdvanceProcessed(n)
	cell := &guardCell{}
	g.cells = append(g.cells, cell)
	return &MemGuard{slice: s, cell: cell, owner: g}, true
}

// TakeAll consumes every unprocessed byte as one guard. Used by
// protocol adapters that have already validated a whole frame via Peek
// and now want to materialize it.
func (g *GuardedBuffer) TakeAll() (*MemGuard, bool) {
	return g.Take(g.buf.Unprocessed())
}

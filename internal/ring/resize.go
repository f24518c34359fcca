package ring

import "time"

const (
	// DefaultMinCapacity is the smallest capacity a ResizedBuffer will
	// shrink to.
	DefaultMinCapacity = 4 * 1024
	// DefaultMaxCapacity is the largest capacity a ResizedBuffer will
	// grow to before writes start returning ErrShortWrite.
	DefaultMaxCapacity = 1024 * 1024

	growCooldown         = 4 * time.Millisecond
	shrinkCooldown       = 60 * time.Second
	shrinkOccupancyRatio = 0.25
	shrinkStreak         = 1024
)

// retired is a GuardedBuffer kept alive only until every guard it ever
// issued has been released.
type retired struct {
	gb *GuardedBuffer
}

func (r *retired) drained() bool { return r.gb.PendingGuards() == 0 }

// ResizedBuffer owns a current GuardedBuffer plus a list of retired
// ones awaiting drain, and implements the grow/shrink policy from
// spec.md §4.A / §3.
type ResizedBuffer struct {
	cur     *GuardedBuffer
	retired []*retired
	min     int
	max     int

	lastGrow   time.Time
	lastShrink time.Time
	lowStreak  int

	// OnResize, if set, is called with (old capacity, delta) after
	// every grow or shrink, for metrics reporting (spec.md §3).
	OnResize func(oldCap, delta int)

	now func() time.Time
}

// NewResizedBuffer creates a ResizedBuffer starting at `initial`
// capacity, growing up to `max` and shrinking down to `min`.
func NewResizedBuffer(initial, min, max int) *ResizedBuffer {
	if min <= 0 {
		min = DefaultMinCapacity
	}
	if max <= 0 {
		max = DefaultMaxCapacity
	}
	if initial <= 0 {
		initial = min
	}
	now := time.Now()
	return &ResizedBuffer{
		cur:        NewGuardedBuffer(NewBuffer(initial)),
		min:        min,
		max:        max,
		lastGrow:   now,
		lastShrink: now,
		now:        time.Now,
	}
}

// Current returns the live GuardedBuffer.
func (r *ResizedBuffer) Current() *GuardedBuffer { return r.cur }

// Cap returns the current buffer's capacity.
func (r *ResizedBuffer) Cap() int { return r.cur.Buffer().Cap() }

// RetiredCount returns how many retired buffers are still draining.
// Exposed for tests and metrics.
func (r *ResizedBuffer) RetiredCount() int { return len(r.retired) }

// reapRetired drops fully-drained retired buffers.
func (r *ResizedBuffer) reapRetired() {
	live := r.retired[:0]
	for _, rb := range r.retired {
		rb.gb.reclaim()
		if !rb.drained() {
			live = append(live, rb)
		}
	}
	r.retired = live
}

// AsMutBytes returns the writable segment of the current buffer,
// growing it first if the grow policy's conditions are met: the buffer
// is full, the last grow was more than growCooldown ago, and the
// request starts at a segment boundary (write offset sits at byte 0 of
// the backing array, i.e. no partial segment is in flight).
func (r *ResizedBuffer) AsMutBytes() ([]byte, error) {
	r.reapRetired()

	buf := r.cur.Buffer()
	if buf.Free() == 0 {
		now := r.now()
		atBoundary := (buf.Write() & int64(buf.Cap()-1)) == 0
		if atBoundary && now.Sub(r.lastGrow) >= growCooldown && buf.Cap() < r.max {
			if err := r.grow(); err != nil {
				return nil, err
			}
			r.lastGrow = now
		} else if buf.Cap() >= r.max {
			return nil, ErrShortWrite
		}
	}

	b := r.cur.AsMutBytes()
	if b == nil {
		return nil, ErrShortWrite
	}
	return b, nil
}

// grow doubles capacity (bounded by max), copies the live byte range
// [read, write) into the new buffer preserving offsets, and retires the
// old buffer until every outstanding guard against it is released.
func (r *ResizedBuffer) grow() error {
	old := r.cur.Buffer()
	newCap := old.Cap() * 2
	if newCap > r.max {
		newCap = r.max
	}
	if newCap <= old.Cap() {
		return ErrShortWrite
	}

	nb := NewBuffer(newCap)
	// Copy live bytes [read, write) preserving absolute offsets so that
	// any RingSlice computed against old offsets stays interpretable by
	// re-deriving from the old buffer (guards keep their own reference
	// to the old backing array, so this copy only serves new reads).
	n := old.Len()
	if n > 0 {
		segs := old.Slice(old.Read(), n).Segments()
		// Write into nb starting at the same relative read offset so
		// offset bookkeeping (processed, write) carries over unchanged.
		dstStart := int(old.Read()) & (nb.Cap() - 1)
		pos := dstStart
		for _, seg := range segs {
			copy(nb.data[pos:], seg)
			pos += len(seg)
		}
	}
	nb.read = old.read
	nb.processed = old.processed
	nb.write = old.write

	oldGB := r.cur
	r.retired = append(r.retired, &retired{gb: oldGB})

	// The new buffer shares the outstanding guard cells, so bytes pinned
	// before the resize are reclaimed from it once their guards release.
	r.cur = &GuardedBuffer{buf: nb, cells: append([]*guardCell(nil), oldGB.cells...)}
	if r.OnResize != nil {
		r.OnResize(old.Cap(), newCap-old.Cap())
	}
	return nil
}

// AdvanceWrite advances the write cursor and evaluates the shrink
// policy: capacity halves if occupancy has stayed at or below 25% for
// shrinkStreak consecutive writes and the last shrink was at least
// shrinkCooldown ago.
func (r *ResizedBuffer) AdvanceWrite(n int) {
	r.cur.AdvanceWrite(n)

	buf := r.cur.Buffer()
	if buf.Cap() <= r.min {
		r.lowStreak = 0
		return
	}

	occupancy := float64(buf.Len()) / float64(buf.Cap())
	if occupancy <= shrinkOccupancyRatio {
		r.lowStreak++
	} else {
		r.lowStreak = 0
	}

	if r.lowStreak >= shrinkStreak && r.now().Sub(r.lastShrink) >= shrinkCooldown {
		r.shrink()
		r.lowStreak = 0
		r.lastShrink = r.now()
	}
}

func (r *ResizedBuffer) shrink() {
	old := r.cur.Buffer()
	newCap := old.Cap() / 2
	if newCap < r.min {
		newCap = r.min
	}
	if newCap >= old.Cap() {
		return
	}

	nb := NewBuffer(newCap)
	n := old.Len()
	if n > nb.Cap() {
		return // safety: should not happen given the 25% trigger
	}
	if n > 0 {
		segs := old.Slice(old.Read(), n).Segments()
		dstStart := int(old.Read()) & (nb.Cap() - 1)
		pos := dstStart
		for _, seg := range segs {
			copy(nb.data[pos:], seg)
			pos += len(seg)
		}
	}
	nb.read = old.read
	nb.processed = old.processed
	nb.write = old.write

	oldGB := r.cur
	r.retired = append(r.retired, &retired{gb: oldGB})
	r.cur = &GuardedBuffer{buf: nb, cells: append([]*guardCell(nil), oldGB.cells...)}

	if r.OnResize != nil {
		r.OnResize(old.Cap(), newCap-old.Cap())
	}
}

// Take pins n unprocessed bytes from the current buffer. See
// GuardedBuffer.Take.
func (r *ResizedBuffer) Take(n int) (*MemGuard, bool) {
	return r.cur.Take(n)
}

// Peek previews n unprocessed bytes from the current buffer without
// consuming them.
func (r *ResizedBuffer) Peek(n int) (RingSlice, bool) {
	return r.cur.Buffer().Peek(n)
}

// Unprocessed reports bytes written but not yet parsed in the current
// buffer.
func (r *ResizedBuffer) Unprocessed() int { return r.cur.Buffer().Unprocessed() }

// Free reports writable capacity remaining before a grow would be
// considered.
func (r *ResizedBuffer) Free() int { return r.cur.Buffer().Free() }

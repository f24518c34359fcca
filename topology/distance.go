package topology

import "sync/atomic"

// Distance is an ordered replica set with a local-region prefix:
// entries [0, localPrefix) are the preferred ("local") replicas, the
// remainder is cross-region fallback. Select round-robins within the
// local prefix; Next advances to the next available replica, first
// scanning the rest of the local prefix, then falling through to the
// cross-region tail (spec.md §3 "Distance<E>").
type Distance struct {
	replicas    []Backend
	localPrefix int
	rrCounter   uint64
}

// NewDistance builds a Distance over replicas, with the first
// localPrefix entries treated as same-region.
func NewDistance(replicas []Backend, localPrefix int) *Distance {
	if localPrefix > len(replicas) {
		localPrefix = len(replicas)
	}
	return &Distance{replicas: replicas, localPrefix: localPrefix}
}

// Len reports the total replica count.
func (d *Distance) Len() int { return len(d.replicas) }

// Select round-robins across the local-region prefix, falling back to
// the full replica set if no local replicas exist.
func (d *Distance) Select() (Backend, int, bool) {
	if len(d.replicas) == 0 {
		return nil, -1, false
	}
	span := d.localPrefix
	if span == 0 {
		span = len(d.replicas)
	}
	n := atomic.AddUint64(&d.rrCounter, 1)
	idx := int(n % uint64(span))
	return d.replicas[idx], idx, true
}

// Next advances from idx to the next available replica: first scanning
// the remainder of the local prefix (wrapping), then the cross-region
// tail. runs bounds how many replicas have already been tried this
// request so fallback never loops forever.
func (d *Distance) Next(idx int, runs int) (Backend, int, bool) {
	if len(d.replicas) == 0 || runs >= len(d.replicas) {
		return nil, -1, false
	}

	span := d.localPrefix
	if span == 0 {
		span = len(d.replicas)
	}
	for i := 1; i <= span; i++ {
		next := (idx + i) % span
		if d.replicas[next].Available() {
			return d.replicas[next], next, true
		}
	}
	for i := span; i < len(d.replicas); i++ {
		if d.replicas[i].Available() {
			return d.replicas[i], i, true
		}
	}
	return nil, -1, false
}

// At returns the replica at idx, if in range.
func (d *Distance) At(idx int) (Backend, bool) {
	if idx < 0 || idx >= len(d.replicas) {
		return nil, false
	}
	return d.replicas[idx], true
}

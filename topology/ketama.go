package topology

import (
	"sort"

	"github.com/zeebo/xxh3"
)

// ketamaRing is a consistent-hash ring over shard indices, ported from
// the teacher's ConsistentHashSelector (selector.go): each shard gets
// vnodeCount points on the ring keyed by "<index>-<n>", and a key's
// shard is whichever point is next clockwise from the key's hash.
// Using xxh3 in place of the teacher's crc32 to share one hash family
// across the routing path.
type ketamaRing struct {
	points   []uint64
	shardFor map[uint64]int
}

const vnodeCount = 160

func newKetamaRing(shardCount int) *ketamaRing {
	r := &ketamaRing{shardFor: make(map[uint64]int, shardCount*vnodeCount)}
	for i := 0; i < shardCount; i++ {
		for n := 0; n < vnodeCount; n++ {
			key := vnodeKey(i, n)
			h := xxh3.HashString(key)
			r.points = append(r.points, h)
			r.shardFor[h] = i
		}
	}
	sort.Slice(r.points, func(i, j int) bool { return r.points[i] < r.points[j] })
	return r
}

func vnodeKey(shard, n int) string {
	buf := make([]byte, 0, 16)
	buf = appendInt(buf, shard)
	buf = append(buf, '-')
	buf = appendInt(buf, n)
	return string(buf)
}

func appendInt(buf []byte, v int) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	start := len(buf)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	// reverse the digits just appended
	for i, j := start, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return buf
}

func (r *ketamaRing) shard(hash uint64) int {
	if len(r.points) == 0 {
		return 0
	}
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= hash })
	if idx == len(r.points) {
		idx = 0
	}
	return r.shardFor[r.points[idx]]
}

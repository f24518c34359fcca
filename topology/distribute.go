package topology

// Distribution selects which shard within a layer owns a given hash
// (spec.md §4.F "distribute ∈ {modula, ketama, range}").
type Distribution string

const (
	DistModula Distribution = "modula"
	DistKetama Distribution = "ketama"
	DistRange  Distribution = "range"
)

// distributor resolves a routing hash to a shard index within a layer
// of n shards.
type distributor struct {
	kind  Distribution
	ring  *ketamaRing // only set when kind == DistKetama
	nodes int
}

func newDistributor(kind Distribution, shardCount int) *distributor {
	d := &distributor{kind: kind, nodes: shardCount}
	if kind == DistKetama && shardCount > 0 {
		d.ring = newKetamaRing(shardCount)
	}
	return d
}

func (d *distributor) index(hash int64) int {
	if d.nodes <= 0 {
		return 0
	}
	switch d.kind {
	case DistKetama:
		return d.ring.shard(uint64(hash))
	case DistRange:
		// Served by jumpHash: each shard owns a pseudo-random share of
		// the hash keyspace, not a contiguous range of it, and a
		// resize remaps only the minimal share of keys.
		return jumpHash(uint64(hash), d.nodes)
	default: // DistModula
		h := hash
		if h < 0 {
			h = -h
		}
		return int(h % int64(d.nodes))
	}
}

package topology

// Shard is one hash-partitioned unit within a layer: a single master
// endpoint, plus (only meaningful for the slave layer) a Distance of
// replica endpoints serving reads for the same partition.
type Shard struct {
	Master   Backend
	Replicas *Distance
}

// Layer is one full sharded view of the backend set: the master layer,
// a master-L1 (cache-in-front-of-master) layer, the slave layer, or a
// slave-L1 layer (spec.md §3 "Topology").
type Layer struct {
	Shards []Shard
	dist   *distributor
}

func newLayer(shards []Shard, distribution Distribution) *Layer {
	return &Layer{Shards: shards, dist: newDistributor(distribution, len(shards))}
}

// pick resolves hash to the Backend this layer would serve the request
// from: the shard's master, unless the shard carries read replicas (the
// slave layer), in which case a replica is selected by round-robin.
func (l *Layer) pick(hash int64) (Backend, int, bool) {
	if len(l.Shards) == 0 {
		return nil, -1, false
	}
	idx := l.dist.index(hash)
	shard := l.Shards[idx]
	if shard.Replicas != nil && shard.Replicas.Len() > 0 {
		b, _, ok := shard.Replicas.Select()
		return b, idx, ok
	}
	return shard.Master, idx, shard.Master != nil
}

// next falls back to another replica within the same shard (used only
// for the slave layer; master shards have no fallback within-layer).
func (l *Layer) next(shardIdx, replicaIdx, runs int) (Backend, bool) {
	if shardIdx < 0 || shardIdx >= len(l.Shards) {
		return nil, false
	}
	shard := l.Shards[shardIdx]
	if shard.Replicas == nil {
		return nil, false
	}
	b, _, ok := shard.Replicas.Next(replicaIdx, runs)
	return b, ok
}

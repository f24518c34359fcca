// Package topology implements the layered shard dispatcher (spec.md
// §4.F): a request is routed to a layer (master, an optional master-L1
// cache, slave, or an optional slave-L1 cache), then hash-sharded
// within that layer, with retry/fallback across layers on miss or
// backend unavailability. Grounded on the teacher's selector.go
// (ConsistentHashSelector) and server_selector.go (DefaultServerSelector
// / jump-hash), generalized from a flat server list to the spec's
// multi-layer shard topology.
package topology

import (
	"sync/atomic"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/metrics"
	"github.com/meshcache/agent/protocol"
)

// RouteState is the small mutable routing word a CallbackContext
// carries across retries (spec.md §4.F "a small ctx integer stored in
// the request's mutable context word").
type RouteState struct {
	Idx      int
	WriteIdx int
	Inited   bool
	WriteBack bool
	runs     int
}

// Topology is an immutable, atomically-swappable snapshot of the shard
// layout. A new Topology is built wholesale on every reconfiguration
// (copy-on-write, spec.md §4.F "Reconfiguration"); readers never see a
// partially updated layout.
type Topology struct {
	layers    []*Layer // index 0 = master, then master-L1 groups, then slave, then slave-L1 groups
	rNum      int      // number of layers eligible for read dispatch (excludes slave-L1)
	hasL1     bool
	hasSlave  bool
	hasher    protocol.Hasher
	rndIdx    uint64
}

// Config describes one named service's shard layout, mirroring the
// distribution and layer fields (distribution, master, master_l1[],
// slave, slave_l1[]) of the YAML fragment spec.md §4.F's
// `update(name, cfg)` parses; hash and hash_tag are not carried.
type Config struct {
	Distribution Distribution
	Master       []Backend
	MasterL1     [][]Backend
	Slave        []Backend
	SlaveL1      [][]Backend
	LocalPrefix  int // how many of each shard's slave replicas are same-region
}

// New builds a Topology snapshot from cfg.
func New(cfg Config, hasher protocol.Hasher) *Topology {
	t := &Topology{hasher: hasher}

	master := toShards(cfg.Master, nil, cfg.LocalPrefix)
	t.layers = append(t.layers, newLayer(master, cfg.Distribution))

	for _, group := range cfg.MasterL1 {
		t.layers = append(t.layers, newLayer(toShards(group, nil, cfg.LocalPrefix), cfg.Distribution))
	}
	t.hasL1 = len(cfg.MasterL1) > 0

	if len(cfg.Slave) > 0 {
		slave := toShardsWithReplicas(cfg.Master, cfg.Slave, cfg.LocalPrefix)
		t.layers = append(t.layers, newLayer(slave, cfg.Distribution))
		t.hasSlave = true
	}

	t.rNum = len(t.layers)

	for _, group := range cfg.SlaveL1 {
		t.layers = append(t.layers, newLayer(toShards(group, nil, cfg.LocalPrefix), cfg.Distribution))
	}

	return t
}

func toShards(backends []Backend, replicas []Backend, localPrefix int) []Shard {
	shards := make([]Shard, len(backends))
	for i, b := range backends {
		shards[i] = Shard{Master: b}
		if i < len(replicas) {
			shards[i].Replicas = NewDistance([]Backend{replicas[i]}, localPrefix)
		}
	}
	return shards
}

// toShardsWithReplicas builds the slave layer's shards: each shard's
// "master" field is unused for dispatch (the slave layer always reads
// via Replicas), but is retained so write-back fan-out can still find
// the associated master address for logging/metrics.
func toShardsWithReplicas(masters, slaves []Backend, localPrefix int) []Shard {
	n := len(slaves)
	shards := make([]Shard, n)
	for i := 0; i < n; i++ {
		var m Backend
		if i < len(masters) {
			m = masters[i]
		}
		shards[i] = Shard{Master: m, Replicas: NewDistance([]Backend{slaves[i]}, localPrefix)}
	}
	return shards
}

// Send implements the spec.md §4.F send(req) algorithm: decide which
// layer to try next given the command's operation and the route state
// left over from a prior attempt, pick a backend within that layer by
// hash, and forward. Returns false if no layer could accept the
// request; cb has then already been completed with a failure, by Send
// itself or by the backend's Send.
func (t *Topology) Send(cmd *protocol.HashedCommand, cb *callback.Context, rs *RouteState) bool {
	if len(t.layers) == 0 {
		cb.Complete(nil, protocol.ErrUnexpectedData)
		return false
	}

	var goon bool
	if cmd.Flag.Operation() == protocol.OpStore {
		if !rs.Inited {
			rs.WriteBack = len(t.layers) > 1
			rs.Idx = 0
			rs.Inited = true
		} else {
			rs.Idx = rs.WriteIdx + 1
		}
		goon = rs.Idx+1 < len(t.layers)
	} else {
		if !rs.Inited {
			idx := int(atomic.AddUint64(&t.rndIdx, 1) % uint64(t.rNum))
			rs.Idx = idx
			goon = idx != 0 || t.hasSlave
			rs.Inited = true
		} else {
			if rs.Idx != 0 {
				rs.Idx = 0
				goon = t.hasSlave
			} else {
				rs.Idx = t.rNum - 1
				goon = false
			}
			if rs.Idx != 0 {
				rs.WriteBack = true
			}
		}
	}

	rs.WriteIdx = rs.Idx
	rs.runs++
	cb.SetTryNext(goon)
	cb.Redispatch = func() bool { return t.Send(cmd, cb, rs) }

	layer := t.layers[rs.Idx]
	backend, _, ok := layer.pick(cmd.Hash)
	if !ok || backend == nil {
		cb.Complete(nil, protocol.ErrUnexpectedData)
		return false
	}
	if rs.runs > 1 {
		metrics.RecordRetry(backend.Addr())
	}
	return backend.Send(cmd, cb)
}

// Hasher returns the shared hasher used to route keys, for protocol
// adapters that need to compute HashedCommand.Hash while parsing.
func (t *Topology) Hasher() protocol.Hasher { return t.hasher }

// HasL1 reports whether this topology has a master-L1 layer.
func (t *Topology) HasL1() bool { return t.hasL1 }

// HasSlave reports whether this topology has a slave layer.
func (t *Topology) HasSlave() bool { return t.hasSlave }

// Layers returns every layer of the snapshot, slave-L1 layers
// included.
func (t *Topology) Layers() []*Layer { return t.layers }

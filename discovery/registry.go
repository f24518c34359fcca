package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshcache/agent/config"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/topology"
)

// EndpointFactory creates and starts (in its own goroutine) the
// long-lived backend connection for addr, returning the topology.Backend
// handle Topology dispatch sends through. Production wiring supplies
// endpoint.New + Endpoint.Run; tests supply a fake.
type EndpointFactory func(addr string) topology.Backend

// Closer is implemented by backends that need to release resources
// when a reconfiguration drops them (endpoint.Endpoint.Close).
type Closer interface {
	Close()
}

// Registry owns the live Topology snapshot for one service and applies
// config.Discovery updates by copy-on-write (spec.md §4.F
// "Reconfiguration"): a new Topology is built by reusing endpoints
// already known by address, and published atomically; addresses that
// drop out of the new config are closed once the swap has happened, so
// any handler still holding a reference completes its in-flight work
// before observing the close (spec.md §9, scenario 5). Grounded on the
// teacher's config-reload pattern of rebuilding from scratch, adapted
// here to the spec's address-keyed endpoint reuse requirement.
type Registry struct {
	factory EndpointFactory
	hasher  protocol.Hasher

	mu        sync.Mutex
	endpoints map[string]topology.Backend

	current atomic.Pointer[topology.Topology]
}

// NewRegistry creates an empty Registry. Current returns nil until the
// first Update.
func NewRegistry(hasher protocol.Hasher, factory EndpointFactory) *Registry {
	return &Registry{
		factory:   factory,
		hasher:    hasher,
		endpoints: make(map[string]topology.Backend),
	}
}

// Current returns the live Topology snapshot, safe to call
// concurrently with Update (spec.md §5 "Topology snapshots use
// copy-on-write with a single writer ... and many readers").
func (r *Registry) Current() *topology.Topology {
	return r.current.Load()
}

// Update applies a new discovery payload for a service: it resolves
// every configured address to a (possibly reused) endpoint, builds a
// new Topology over them, publishes it, and closes any previously
// known endpoint no longer referenced by the new config.
//
// name is accepted for parity with the discovery.Watcher.OnUpdate
// signature and for future multi-service registries; a Registry
// currently owns exactly one service's topology.
func (r *Registry) Update(name string, cfg *config.Discovery) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(r.endpoints))

	master := r.resolve(cfg.Master, seen)
	masterL1 := make([][]topology.Backend, len(cfg.MasterL1))
	for i, group := range cfg.MasterL1 {
		masterL1[i] = r.resolve(group, seen)
	}
	slave := r.resolve(cfg.Slave, seen)
	slaveL1 := make([][]topology.Backend, len(cfg.SlaveL1))
	for i, group := range cfg.SlaveL1 {
		slaveL1[i] = r.resolve(group, seen)
	}

	next := topology.New(topology.Config{
		Distribution: topology.Distribution(cfg.Distribution),
		Master:       master,
		MasterL1:     masterL1,
		Slave:        slave,
		SlaveL1:      slaveL1,
	}, r.hasher)

	r.current.Store(next)
	r.retire(seen)
}

// resolve maps each address to its endpoint, creating one via factory
// on first sight and marking it seen so retire knows not to close it.
func (r *Registry) resolve(addrs []string, seen map[string]bool) []topology.Backend {
	if len(addrs) == 0 {
		return nil
	}
	backends := make([]topology.Backend, len(addrs))
	for i, addr := range addrs {
		seen[addr] = true
		b, ok := r.endpoints[addr]
		if !ok {
			b = r.factory(addr)
			r.endpoints[addr] = b
		}
		backends[i] = b
	}
	return backends
}

// retire closes and forgets every endpoint not present in the latest
// config. The Topology pointer has already been swapped by the time
// this runs, so no new Send call can reach a retired endpoint; any
// attempt already in flight against it keeps the endpoint reachable
// via the callback's own reference until the handler goroutine's
// drain-before-exit (endpoint.Endpoint.serve) observes the close.
func (r *Registry) retire(seen map[string]bool) {
	for addr, b := range r.endpoints {
		if seen[addr] {
			continue
		}
		delete(r.endpoints, addr)
		if c, ok := b.(Closer); ok {
			c.Close()
		}
	}
}

// Watch ties a Watcher's updates into this Registry and runs the poll
// loop until ctx is done. Call this in its own goroutine.
func (r *Registry) Watch(ctx context.Context, w *Watcher, service string, tick time.Duration) {
	w.OnUpdate = r.Update
	w.Watch(ctx, service, tick)
}

package discovery_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/config"
	"github.com/meshcache/agent/discovery"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/topology"
)

type fakeBackend struct {
	addr   string
	closed bool
}

func (f *fakeBackend) Addr() string    { return f.addr }
func (f *fakeBackend) Available() bool { return true }
func (f *fakeBackend) Send(cmd *protocol.HashedCommand, cb *callback.Context) bool {
	cb.Complete(&protocol.Command{}, nil)
	return true
}
func (f *fakeBackend) Close() { f.closed = true }

func TestRegistryUpdateReusesEndpointsByAddress(t *testing.T) {
	var built []*fakeBackend
	factory := func(addr string) topology.Backend {
		b := &fakeBackend{addr: addr}
		built = append(built, b)
		return b
	}

	r := discovery.NewRegistry(topology.XXH3Hasher{}, factory)
	require.Nil(t, r.Current())

	r.Update("cache", &config.Discovery{
		Distribution: "modula",
		Master:       []string{"a:1", "b:1"},
	})
	first := r.Current()
	require.NotNil(t, first)
	require.Len(t, built, 2)

	// Second update reuses "a:1" and "b:1" (still present) and adds "c:1".
	r.Update("cache", &config.Discovery{
		Distribution: "modula",
		Master:       []string{"a:1", "b:1", "c:1"},
	})
	require.Len(t, built, 3, "a:1 and b:1 must be reused, not recreated")
	require.NotSame(t, first, r.Current())
}

func TestRegistryUpdateRetiresDroppedAddresses(t *testing.T) {
	var built []*fakeBackend
	factory := func(addr string) topology.Backend {
		b := &fakeBackend{addr: addr}
		built = append(built, b)
		return b
	}

	r := discovery.NewRegistry(topology.XXH3Hasher{}, factory)
	r.Update("cache", &config.Discovery{Distribution: "modula", Master: []string{"a:1", "b:1"}})
	require.Len(t, built, 2)

	r.Update("cache", &config.Discovery{Distribution: "modula", Master: []string{"b:1"}})

	require.True(t, built[0].closed, "a:1 dropped from the config must be closed")
	require.False(t, built[1].closed, "b:1 still present must not be closed")
}

func TestRegistryIdempotentUpdateCreatesNoNewEndpoints(t *testing.T) {
	var built int
	factory := func(addr string) topology.Backend {
		built++
		return &fakeBackend{addr: addr}
	}

	r := discovery.NewRegistry(topology.XXH3Hasher{}, factory)
	cfg := &config.Discovery{Distribution: "modula", Master: []string{"a:1", "b:1"}}
	r.Update("cache", cfg)
	r.Update("cache", cfg)
	r.Update("cache", cfg)

	require.Equal(t, 2, built)
}

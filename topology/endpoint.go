package topology

import (
	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/protocol"
)

// Backend is the narrow surface Topology dispatch needs from an
// endpoint.Endpoint: send a command, report liveness, and identify
// itself for copy-on-write reuse across reconfigurations.
type Backend interface {
	Addr() string
	Available() bool
	Send(cmd *protocol.HashedCommand, cb *callback.Context) bool
}

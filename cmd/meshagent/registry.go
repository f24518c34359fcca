package main

import (
	"fmt"

	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/protocol/mctext"
	"github.com/meshcache/agent/protocol/resp"
)

// newProtocol builds the wire adapter named by a service descriptor's
// Protocol field (spec.md §6 per-service descriptor).
func newProtocol(name string) (protocol.Protocol, error) {
	switch name {
	case "mc", "":
		return mctext.New(), nil
	case "redis":
		return resp.New(), nil
	default:
		return nil, fmt.Errorf("meshagent: unknown protocol %q", name)
	}
}

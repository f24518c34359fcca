package pipeline_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/pipeline"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/protocol/mctext"
	"github.com/meshcache/agent/topology"
)

// recordingBackend simulates a backend that always reports a cache
// miss (nil response, no error), matching real endpoint.Endpoint's
// Send contract closely enough to exercise the pipeline's drain path
// without a live TCP connection.
type recordingBackend struct {
	addr string
	sent []*protocol.HashedCommand
}

func (r *recordingBackend) Addr() string    { return r.addr }
func (r *recordingBackend) Available() bool { return true }
func (r *recordingBackend) Send(cmd *protocol.HashedCommand, cb *callback.Context) bool {
	r.sent = append(r.sent, cmd)
	cb.Complete(nil, nil)
	return true
}

type staticTopo struct{ t *topology.Topology }

func (s *staticTopo) Current() *topology.Topology { return s.t }

func TestPipelineRespondsMissAsEN(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	master := &recordingBackend{addr: "m1"}
	topo := topology.New(topology.Config{
		Distribution: topology.DistModula,
		Master:       []topology.Backend{master},
	}, topology.XXH3Hasher{})

	p := pipeline.New(serverConn, mctext.New(), &staticTopo{t: topo}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	_, err := clientConn.Write([]byte("mg foo v\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := clientConn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "EN")
	require.Len(t, master.sent, 1)

	cancel()
	<-done
}

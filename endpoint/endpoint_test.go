package endpoint_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/endpoint"
	"github.com/meshcache/agent/protocol"
)

func newTestEndpoint(t *testing.T, queueSize int) *endpoint.Endpoint {
	t.Helper()
	return endpoint.New(endpoint.Config{
		Addr:      "127.0.0.1:0",
		QueueSize: queueSize,
	}, zap.NewNop())
}

func TestSendWhileUnavailableCompletesSynchronously(t *testing.T) {
	e := newTestEndpoint(t, 4)
	require.False(t, e.Available())

	cb := callback.New(&protocol.HashedCommand{}, true)
	ok := e.Send(&protocol.HashedCommand{}, cb)
	require.False(t, ok)
	require.Equal(t, callback.StateComplete, cb.State())

	_, err := cb.Response()
	require.ErrorIs(t, err, endpoint.ErrChanDisabled)
}

func TestSendAfterCloseFailsSynchronously(t *testing.T) {
	e := newTestEndpoint(t, 4)
	e.Close()

	cb := callback.New(&protocol.HashedCommand{}, true)
	ok := e.Send(&protocol.HashedCommand{}, cb)
	require.False(t, ok)

	_, err := cb.Response()
	require.ErrorIs(t, err, endpoint.ErrChanWriteClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEndpoint(t, 4)
	// nothing can be queued while unavailable, so this checks that a
	// second Close is safe.
	e.Close()
	require.NotPanics(t, func() { e.Close() })
}

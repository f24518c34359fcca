package callback_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/protocol"
)

func TestLifecycleTransitions(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	require.Equal(t, callback.StateInit, c.State())

	c.MarkSent()
	require.Equal(t, callback.StateSent, c.State())
	require.Equal(t, 1, c.Tries())

	c.Complete(&protocol.Command{}, nil)
	require.Equal(t, callback.StateComplete, c.State())

	c.EnterWriteBack()
	require.Equal(t, callback.StateWriteBack, c.State())

	c.Finish()
	require.Equal(t, callback.StateDone, c.State())
}

func TestWaitBlocksUntilComplete(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	done := make(chan struct{})
	go func() {
		resp, err := c.Wait(context.Background())
		require.NoError(t, err)
		require.NotNil(t, resp)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.Complete(&protocol.Command{}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Complete")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := c.Wait(ctx)
	require.Nil(t, resp)
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompleteIsIdempotent(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	c.Complete(&protocol.Command{}, nil)
	require.NotPanics(t, func() {
		c.Complete(nil, errors.New("late duplicate"))
	})
	resp, err := c.Response()
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestShouldRetryRespectsMaxTries(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	err := errors.New("backend unreachable")
	for i := 0; i < callback.MaxTries; i++ {
		require.True(t, c.ShouldRetry(err))
		c.MarkSent()
	}
	require.False(t, c.ShouldRetry(err))
}

func TestSetTryNextRoundTrips(t *testing.T) {
	c := callback.New(&protocol.HashedCommand{}, true)
	require.False(t, c.TryNext())
	c.SetTryNext(true)
	require.True(t, c.TryNext())
	c.SetTryNext(false)
	require.False(t, c.TryNext())
}

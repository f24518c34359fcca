package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshcache/agent/metrics"
)

func TestRecordersDoNotPanic(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.RecordConnect("10.0.0.1:11211", true)
		metrics.RecordConnect("10.0.0.1:11211", false)
		metrics.RecordBytes("10.0.0.1:11211", 128, 64)
		metrics.RecordRetry("10.0.0.1:11211")
		metrics.RecordError("10.0.0.1:11211")
		metrics.RecordRTT("10.0.0.1:11211", 5*time.Millisecond)
		metrics.RecordResize("10.0.0.1:11211", 4096)
		metrics.RecordResize("10.0.0.1:11211", -2048)
		metrics.RecordDisconnect("10.0.0.1:11211")
	})
}

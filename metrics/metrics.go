// Package metrics exposes the per-endpoint counters spec.md §6 calls
// for (connection count, RTT buckets, bytes in/out, retry/error
// counts, buffer capacity deltas) via prometheus/client_golang, grounded
// on the pack's churn package (etalazz-vsa's prom_counters.go): global
// registered collectors, no per-request label cardinality explosion —
// only `backend` as a label, matching a bounded number of configured
// addresses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	connectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_backend_connections_total",
		Help: "Total connection attempts made to a backend.",
	}, []string{"backend"})

	connectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "meshcache_backend_connections_active",
		Help: "Whether a backend currently has a live connection (0 or 1).",
	}, []string{"backend"})

	bytesIn = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_backend_bytes_in_total",
		Help: "Bytes read from a backend connection.",
	}, []string{"backend"})

	bytesOut = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_backend_bytes_out_total",
		Help: "Bytes written to a backend connection.",
	}, []string{"backend"})

	retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_request_retries_total",
		Help: "Requests that were retried against a different shard/layer.",
	}, []string{"backend"})

	errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_backend_errors_total",
		Help: "Backend I/O or protocol errors observed.",
	}, []string{"backend"})

	rtt = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshcache_request_rtt_seconds",
		Help:    "End-to-end request round-trip time as observed by the pipeline.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend"})

	bufferCapacityDelta = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meshcache_ring_buffer_capacity_delta_bytes_total",
		Help: "Net bytes added (positive) or removed (negative, recorded as a separate shrink counter) by ring buffer resizes.",
	}, []string{"backend", "direction"})
)

func init() {
	prometheus.MustRegister(connectionsTotal, connectionsActive, bytesIn, bytesOut,
		retriesTotal, errorsTotal, rtt, bufferCapacityDelta)
}

// RecordConnect marks a new connection attempt and its outcome.
func RecordConnect(backend string, live bool) {
	connectionsTotal.WithLabelValues(backend).Inc()
	v := 0.0
	if live {
		v = 1.0
	}
	connectionsActive.WithLabelValues(backend).Set(v)
}

// RecordDisconnect marks a backend connection as no longer live,
// without counting it as a new connection attempt.
func RecordDisconnect(backend string) { connectionsActive.WithLabelValues(backend).Set(0) }

// RecordBytes adds to the in/out byte counters for backend.
func RecordBytes(backend string, in, out int) {
	if in > 0 {
		bytesIn.WithLabelValues(backend).Add(float64(in))
	}
	if out > 0 {
		bytesOut.WithLabelValues(backend).Add(float64(out))
	}
}

// RecordRetry increments the retry counter for backend.
func RecordRetry(backend string) { retriesTotal.WithLabelValues(backend).Inc() }

// RecordError increments the error counter for backend.
func RecordError(backend string) { errorsTotal.WithLabelValues(backend).Inc() }

// RecordRTT observes a completed request's latency for backend.
func RecordRTT(backend string, d time.Duration) {
	rtt.WithLabelValues(backend).Observe(d.Seconds())
}

// RecordResize reports a ring buffer's OnResize callback (spec.md §3
// "A callback (old_cap, delta) reports net memory change for metrics").
func RecordResize(backend string, delta int) {
	direction := "grow"
	if delta < 0 {
		direction = "shrink"
		delta = -delta
	}
	bufferCapacityDelta.WithLabelValues(backend, direction).Add(float64(delta))
}

// ServeHTTP exposes the registered collectors on addr's /metrics path,
// matching the external aggregator scrape model spec.md §6 describes.
func ServeHTTP(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return server.ListenAndServe()
}

// Package endpoint manages the single persistent connection to one
// backend address: a bounded request queue feeding a dedicated I/O
// goroutine, plus the circuit-breaker and backoff policy guarding
// reconnection. Grounded on the teacher's server_pool.go/pool_channel.go
// (Go-channel-backed resource pool) and circuit_breaker.go
// (gobreaker.CircuitBreaker wrapper), adapted from a pool-of-connections
// model to the one-persistent-connection-per-backend model spec.md
// calls for.
package endpoint

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/protocol"
)

// Config tunes one Endpoint.
type Config struct {
	Addr          string
	Protocol      protocol.Protocol
	QueueSize     int
	DialTimeout   time.Duration
	KeepaliveIdle time.Duration // idle time before a keepalive probe is sent
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.KeepaliveIdle <= 0 {
		c.KeepaliveIdle = 5 * time.Minute
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 50 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

type queueItem struct {
	cmd *protocol.HashedCommand
	cb  *callback.Context
}

// Endpoint is the single owner of one backend TCP connection. Requests
// are enqueued from any number of Pipeline goroutines; exactly one
// handler goroutine (started by Run) owns the socket.
type Endpoint struct {
	cfg     Config
	log     *zap.Logger
	queue   chan queueItem
	closed  chan struct{}
	available int32 // atomic bool: 1 once a connection is live

	breaker *gobreaker.CircuitBreaker[*protocol.Command]
}

// New creates an Endpoint for addr. Call Run in its own goroutine to
// start serving. Send is safe to call immediately, but until the
// connection comes up it fails synchronously with ErrChanDisabled
// instead of queueing.
func New(cfg Config, log *zap.Logger) *Endpoint {
	cfg.setDefaults()
	e := &Endpoint{
		cfg:    cfg,
		log:    log.With(zap.String("backend", cfg.Addr)),
		queue:  make(chan queueItem, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	e.breaker = gobreaker.NewCircuitBreaker[*protocol.Command](NewGobreakerSettings(cfg.Addr))
	return e
}

// Addr returns the backend address this endpoint serves.
func (e *Endpoint) Addr() string { return e.cfg.Addr }

// Available reports whether a backend connection is currently live.
func (e *Endpoint) Available() bool { return atomic.LoadInt32(&e.available) == 1 }

func (e *Endpoint) setAvailable(v bool) {
	if v {
		atomic.StoreInt32(&e.available, 1)
	} else {
		atomic.StoreInt32(&e.available, 0)
	}
}

// Send enqueues cmd for this backend. On success cb transitions to
// Sent once the I/O goroutine actually writes the request; on any
// queueing failure the callback is completed synchronously with the
// corresponding Channel error (spec.md §7) and false is returned so the
// caller (topology dispatch) can try the next layer/shard immediately.
func (e *Endpoint) Send(cmd *protocol.HashedCommand, cb *callback.Context) bool {
	select {
	case <-e.closed:
		cb.Complete(nil, ErrChanWriteClosed)
		return false
	default:
	}

	if !e.Available() || e.breaker.State() == gobreaker.StateOpen {
		cb.Complete(nil, ErrChanDisabled)
		return false
	}

	select {
	case e.queue <- queueItem{cmd: cmd, cb: cb}:
		return true
	default:
		cb.Complete(nil, ErrChanFull)
		return false
	}
}

// recordOutcome feeds a completed attempt's success/failure into the
// circuit breaker. The real response was already produced by serve's
// FIFO match; this call exists purely to drive gobreaker's trip
// counters, so the function body is a pure pass-through of the
// already-known result.
func (e *Endpoint) recordOutcome(resp *protocol.Command, err error) {
	_, _ = e.breaker.Execute(func() (*protocol.Command, error) { return resp, err })
}

// Close stops accepting new requests and fails any still-queued ones.
func (e *Endpoint) Close() {
	select {
	case <-e.closed:
		return
	default:
		close(e.closed)
	}
	for {
		select {
		case item := <-e.queue:
			item.cb.Complete(nil, ErrQueueClosed)
		default:
			return
		}
	}
}

// Package callback implements the request-lifecycle state machine a
// dispatched command moves through: Init, Sent to a backend, Complete
// with a response, optionally a WriteBack populating an upper cache
// layer, and finally Done. Grounded on the ready-channel / atomic
// completion pattern the teacher used for its Command type, generalized
// to also track retries and write-back sub-requests.
package callback

import (
	"context"
	"sync/atomic"

	"github.com/meshcache/agent/protocol"
)

// State is the callback's position in its lifecycle.
type State int32

const (
	StateInit State = iota
	StateSent
	StateComplete
	StateWriteBack
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateSent:
		return "sent"
	case StateComplete:
		return "complete"
	case StateWriteBack:
		return "write-back"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// MaxTries bounds how many backend attempts a single command may make
// before it is surfaced to the client as a failure.
const MaxTries = 3

// Context is the per-command lifecycle record that flows from parsing
// through topology dispatch to response draining. It is not safe for
// concurrent use except via its atomic state field: a single Pipeline
// goroutine owns everything except SetResponse, which the backend I/O
// goroutine calls to hand the result back.
type Context struct {
	Cmd   *protocol.HashedCommand
	First bool
	Last  bool

	tries    int32
	state    int32
	tryNext  int32
	resp     *protocol.Command
	respErr  error
	ready    chan struct{}
	readyHit int32

	// WriteBack can hold a write-back sub-context for an upper layer.
	// The pipeline does not set it: it dispatches each write-back
	// request on a separate Context that it does not link here.
	WriteBack *Context

	// Redispatch re-enters topology dispatch for the next candidate
	// layer/shard, reusing the same route state (spec.md §4.F). Set by
	// the topology on every Send; Complete consults it via need_goon
	// before surfacing a result to the waiter.
	Redispatch func() bool
}

// New creates a callback context in StateInit for cmd.
func New(cmd *protocol.HashedCommand, last bool) *Context {
	return &Context{Cmd: cmd, Last: last, ready: make(chan struct{})}
}

// State returns the current lifecycle state.
func (c *Context) State() State { return State(atomic.LoadInt32(&c.state)) }

func (c *Context) setState(s State) { atomic.StoreInt32(&c.state, int32(s)) }

// Tries reports how many backend attempts have been made.
func (c *Context) Tries() int { return int(atomic.LoadInt32(&c.tries)) }

// MarkSent transitions Init/WriteBack -> Sent and increments the try
// count. Called by the endpoint once a request has been queued to a
// backend connection.
func (c *Context) MarkSent() {
	atomic.AddInt32(&c.tries, 1)
	c.setState(StateSent)
}

// ShouldRetry reports whether the command should be retried against a
// different shard/layer after a failed attempt, bounded by MaxTries
// regardless of what the topology's own try_next flag says.
func (c *Context) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return c.Tries() < MaxTries
}

// SetTryNext records the topology dispatch's try_next decision
// (spec.md §3 CallbackContext "ctx_flags.try_next"): whether another
// layer/shard remains to fall back to after this attempt.
func (c *Context) SetTryNext(v bool) {
	if v {
		atomic.StoreInt32(&c.tryNext, 1)
	} else {
		atomic.StoreInt32(&c.tryNext, 0)
	}
}

// TryNext reports the most recent try_next decision set by topology
// dispatch.
func (c *Context) TryNext() bool { return atomic.LoadInt32(&c.tryNext) == 1 }

// Complete stores the backend's response (or error) and wakes any
// waiter blocked in Wait. Before doing so it applies the spec.md §4.D
// need_goon() policy: if try_next was granted by the last dispatch and
// the attempt did not succeed, it re-enters topology dispatch via
// Redispatch instead of surfacing the result, so the pipeline never
// observes an intermediate failed layer. Safe to call exactly once per
// attempt; only the first call before a Wait observes it (subsequent
// calls from stale retried attempts are ignored once the context has
// already reached the Complete state).
func (c *Context) Complete(resp *protocol.Command, err error) {
	if c.needGoon(resp, err) && c.Redispatch() {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.readyHit, 0, 1) {
		return
	}
	c.resp = resp
	c.respErr = err
	c.setState(StateComplete)
	close(c.ready)
}

// needGoon implements spec.md §4.D: `try_next AND !response_ok AND
// tries < 3`. A response with StatusOK unset counts as not ok, same as
// a transport/channel error.
func (c *Context) needGoon(resp *protocol.Command, err error) bool {
	if c.Redispatch == nil || !c.TryNext() || c.Tries() >= MaxTries {
		return false
	}
	ok := err == nil && resp != nil && resp.Flag.StatusOK()
	return !ok
}

// Wait blocks until Complete is called or ctx is done, returning the
// response (nil on error) and any error.
func (c *Context) Wait(ctx context.Context) (*protocol.Command, error) {
	select {
	case <-c.ready:
		return c.resp, c.respErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Response returns the completed response without blocking; callers
// must only invoke this after observing StateComplete or later.
func (c *Context) Response() (*protocol.Command, error) { return c.resp, c.respErr }

// EnterWriteBack transitions Complete -> WriteBack, used when the
// protocol adapter produced a synthesized write-back request that must
// itself be dispatched and drained before this context is Done.
func (c *Context) EnterWriteBack() { c.setState(StateWriteBack) }

// Finish transitions to Done and releases the command's backing
// MemGuard (and the response's, if present).
func (c *Context) Finish() {
	c.setState(StateDone)
	if c.Cmd != nil {
		c.Cmd.Release()
	}
	if c.resp != nil {
		c.resp.Release()
	}
}

// Package pipeline runs the per-client duplex loop: fill a ring buffer
// from the client socket, parse complete request frames, dispatch each
// through the topology, drain completions strictly in submission
// order, and flush responses back to the client. Grounded on the
// teacher's connection.go read/write loop shape, generalized from a
// single-request-at-a-time client call into the spec's pipelined,
// FIFO-ordered multi-request model.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/agent/callback"
	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/metrics"
	"github.com/meshcache/agent/protocol"
	"github.com/meshcache/agent/topology"
)

// flushThreshold is the tx_buf size (spec.md §4.E) at which the
// pipeline flushes to the client instead of continuing to batch
// responses from the current drain pass.
const flushThreshold = 32 * 1024

// TopologyProvider supplies the live Topology snapshot; reconfiguration
// swaps the pointer it returns without the pipeline needing to know
// about discovery (spec.md §4.F "Reconfiguration").
type TopologyProvider interface {
	Current() *topology.Topology
}

// Pipeline owns one client connection end to end.
type Pipeline struct {
	conn    net.Conn
	proto   protocol.Protocol
	topo    TopologyProvider
	log     *zap.Logger
	rx      *ring.ResizedBuffer
	rxs     stream.Stream
	pending []*entry
	txBuf   bytes.Buffer
	firstOfBurst bool
	label   string
}

// clientLabel identifies this connection for metrics purposes.
func (p *Pipeline) clientLabel() string { return p.label }

type entry struct {
	cb    *callback.Context
	rs    *topology.RouteState
	start time.Time
}

// New creates a Pipeline over an already-accepted client connection.
func New(conn net.Conn, proto protocol.Protocol, topo TopologyProvider, log *zap.Logger) *Pipeline {
	rx := ring.NewResizedBuffer(ring.DefaultMinCapacity, ring.DefaultMinCapacity, ring.DefaultMaxCapacity)
	label := "client"
	if conn != nil && conn.RemoteAddr() != nil {
		label = conn.RemoteAddr().String()
	}
	rx.OnResize = func(_, delta int) { metrics.RecordResize(label, delta) }
	return &Pipeline{
		conn:         conn,
		proto:        proto,
		topo:         topo,
		log:          log,
		rx:           rx,
		rxs:          stream.New(rx),
		firstOfBurst: true,
		label:        label,
	}
}

// Run drives the loop until ctx is done, the client disconnects, or an
// unrecoverable I/O error occurs.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.conn.Close()
	readBuf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(idleDeadline))
		n, err := p.conn.Read(readBuf)
		if n > 0 {
			if ferr := p.fill(readBuf[:n]); ferr != nil {
				return ferr
			}
			if perr := p.parseAndDispatch(); perr != nil {
				return perr
			}
			if derr := p.drain(ctx); derr != nil {
				return derr
			}
			if ferr := p.flush(); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
	}
}

func (p *Pipeline) fill(chunk []byte) error {
	dst, err := p.rx.AsMutBytes()
	if err != nil {
		return err
	}
	n := copy(dst, chunk)
	p.rx.AdvanceWrite(n)
	// A chunk larger than one AsMutBytes segment can't happen here
	// since readBuf is sized well under DefaultMinCapacity in practice;
	// any remainder would require re-filling on the next loop tick.
	return nil
}

func (p *Pipeline) parseAndDispatch() error {
	v := &visitor{p: p}
	topo := p.topo.Current()
	if topo == nil {
		return errors.New("pipeline: no topology published yet")
	}
	return p.proto.ParseRequest(p.rxs, topo.Hasher(), v)
}

// visitor implements protocol.Visitor: each parsed frame becomes a
// CallbackContext queued at the pending tail and immediately dispatched
// through the current topology (spec.md §4.E step 2).
type visitor struct{ p *Pipeline }

func (v *visitor) Process(cmd *protocol.HashedCommand, last bool) error {
	p := v.p
	cb := callback.New(cmd, last)
	cb.First = p.firstOfBurst
	p.firstOfBurst = last

	rs := &topology.RouteState{}
	p.pending = append(p.pending, &entry{cb: cb, rs: rs, start: time.Now()})

	// Topology.Send always resolves cb's completion itself, whether by
	// handing it to a backend, exhausting fallback layers, or (via
	// Redispatch, spec.md §4.D need_goon) retrying across layers; its
	// bool result is purely informational here.
	topo := p.topo.Current()
	topo.Send(cmd, cb, rs)
	return nil
}

// drain pops completed contexts from the pending head strictly in
// order, writing each response (or error) into tx_buf, flushing
// mid-drain once the buffer crosses flushThreshold.
func (p *Pipeline) drain(ctx context.Context) error {
	for len(p.pending) > 0 {
		e := p.pending[0]
		resp, err := e.cb.Wait(ctx)
		if err != nil {
			if werr := p.proto.WriteErrorResponse(e.cb.Cmd, err, &p.txBuf); werr != nil {
				return werr
			}
		} else {
			if werr := p.proto.WriteResponse(e.cb.Cmd, resp, &p.txBuf); werr != nil {
				return werr
			}
			p.maybeWriteBack(e, resp)
		}
		if e.cb.Last {
			metrics.RecordRTT(p.clientLabel(), time.Since(e.start))
		}
		e.cb.Finish()
		p.pending = p.pending[1:]

		if p.txBuf.Len() >= flushThreshold {
			if ferr := p.flush(); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// maybeWriteBack builds and dispatches a write-back request that
// populates an upper cache layer after a read miss served by a lower
// one. The write-back context is not added to p.pending: it detaches
// from this pipeline's FIFO and self-completes independently (spec.md
// §3 CallbackContext "async_mode").
func (p *Pipeline) maybeWriteBack(e *entry, resp *protocol.Command) {
	if !e.rs.WriteBack || !e.cb.Cmd.Flag.Operation().IsRetrieval() {
		return
	}
	wb, ok := p.proto.BuildWriteBackRequest(e.cb.Cmd, resp)
	if !ok {
		return
	}
	wbCb := callback.New(wb, true)
	topo := p.topo.Current()
	rs := &topology.RouteState{Inited: true, Idx: 0}
	go func() {
		topo.Send(wb, wbCb, rs)
		wbCb.Wait(context.Background())
		wbCb.Finish()
	}()
}

func (p *Pipeline) flush() error {
	if p.txBuf.Len() == 0 {
		return nil
	}
	if _, err := p.conn.Write(p.txBuf.Bytes()); err != nil {
		return err
	}
	p.txBuf.Reset()
	return nil
}

// idleDeadline bounds how long Run's blocking Read may wait before
// checking ctx cancellation, so a deployment that cancels ctx during a
// quiet connection still unwinds promptly.
const idleDeadline = 200 * time.Millisecond

package endpoint

import (
	"bytes"
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/meshcache/agent/internal/coarsetime"
	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/metrics"
	"github.com/meshcache/agent/protocol"
)

// Run owns the endpoint's backend connection for the lifetime of ctx:
// dial with exponential backoff, serve requests until the connection
// errors, then reconnect. Run returns once ctx is done or Close is
// called.
func (e *Endpoint) Run(ctx context.Context) {
	backoff := e.cfg.MinBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", e.cfg.Addr, e.cfg.DialTimeout)
		if err != nil {
			e.log.Warn("dial failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			e.setAvailable(false)
			metrics.RecordConnect(e.cfg.Addr, false)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-e.closed:
				return
			}
			backoff *= 2
			if backoff > e.cfg.MaxBackoff {
				backoff = e.cfg.MaxBackoff
			}
			continue
		}

		backoff = e.cfg.MinBackoff
		e.setAvailable(true)
		metrics.RecordConnect(e.cfg.Addr, true)
		e.log.Info("backend connected")

		serveErr := e.serve(ctx, conn)
		conn.Close()
		e.setAvailable(false)
		metrics.RecordDisconnect(e.cfg.Addr)
		if serveErr != nil {
			e.log.Warn("backend connection dropped, reconnecting", zap.Error(serveErr))
			metrics.RecordError(e.cfg.Addr)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.closed:
			return
		default:
		}
	}
}

// serve drains the request queue into conn and matches responses back
// to their callbacks in FIFO order until conn errors or ctx ends.
func (e *Endpoint) serve(ctx context.Context, conn net.Conn) error {
	pending := make([]queueItem, 0, 64)
	rxBuf := ring.NewResizedBuffer(ring.DefaultMinCapacity, ring.DefaultMinCapacity, ring.DefaultMaxCapacity)
	rxBuf.OnResize = func(_, delta int) { metrics.RecordResize(e.cfg.Addr, delta) }
	rx := stream.New(rxBuf)

	var txBuf bytes.Buffer
	lastActivity := coarsetime.Now()
	readErrCh := make(chan error, 1)
	readCh := make(chan []byte, 1)

	go e.readLoop(conn, readCh, readErrCh)

	idleTimer := time.NewTimer(e.cfg.KeepaliveIdle)
	defer idleTimer.Stop()

	for {
		// A Close while requests are still in-flight must not abandon
		// them: the handler keeps draining pending responses off the
		// socket until the queue has nothing left to hand back before
		// it exits (spec.md §9 "Topology live update", scenario 5 "old
		// A's handler observes receiver closure only after the
		// in-flight request completes").
		if isClosed(e.closed) && len(pending) == 0 {
			return nil
		}

		// With nothing in flight, a Close ends serve right away rather
		// than at the next read, write or idle tick.
		var closedCh <-chan struct{}
		if len(pending) == 0 {
			closedCh = e.closed
		}

		select {
		case <-ctx.Done():
			return nil

		case <-closedCh:
			return nil

		case item, ok := <-e.queue:
			if !ok {
				return nil
			}
			item.cb.MarkSent()
			pending = append(pending, item)

			txBuf.Reset()
			if err := writeFrame(&txBuf, item.cmd); err != nil {
				item.cb.Complete(nil, err)
				pending = pending[:len(pending)-1]
				continue
			}
			if _, err := conn.Write(txBuf.Bytes()); err != nil {
				e.failAll(pending, err)
				return err
			}
			metrics.RecordBytes(e.cfg.Addr, 0, txBuf.Len())
			lastActivity = coarsetime.Now()
			resetIdle(idleTimer, e.cfg.KeepaliveIdle)

		case chunk := <-readCh:
			dst, err := rxBuf.AsMutBytes()
			if err != nil {
				e.failAll(pending, err)
				return err
			}
			n := copy(dst, chunk)
			rxBuf.AdvanceWrite(n)
			metrics.RecordBytes(e.cfg.Addr, n, 0)
			lastActivity = coarsetime.Now()
			resetIdle(idleTimer, e.cfg.KeepaliveIdle)

			for len(pending) > 0 {
				resp, err := e.cfg.Protocol.ParseResponse(rx)
				if err != nil {
					metrics.RecordError(e.cfg.Addr)
					pending[0].cb.Complete(nil, err)
					e.recordOutcome(nil, err)
					pending = pending[1:]
					continue
				}
				if resp == nil {
					break // incomplete frame, wait for more bytes
				}
				pending[0].cb.Complete(resp, nil)
				e.recordOutcome(resp, nil)
				pending = pending[1:]
			}

		case err := <-readErrCh:
			e.failAll(pending, err)
			return err

		case <-idleTimer.C:
			if time.Since(lastActivity) >= e.cfg.KeepaliveIdle {
				if err := probe(conn); err != nil {
					e.failAll(pending, err)
					return err
				}
				lastActivity = coarsetime.Now()
			}
			resetIdle(idleTimer, e.cfg.KeepaliveIdle)
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func resetIdle(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func writeFrame(dst *bytes.Buffer, cmd *protocol.HashedCommand) error {
	if cmd.Payload == nil {
		return errors.New("endpoint: nil request payload")
	}
	for _, seg := range cmd.Payload.Slice().Segments() {
		dst.Write(seg)
	}
	return nil
}

func (e *Endpoint) failAll(pending []queueItem, err error) {
	for _, item := range pending {
		item.cb.Complete(nil, err)
		e.recordOutcome(nil, err)
	}
}

// readLoop is the blocking half of the duplex connection: it feeds raw
// chunks to serve's select loop so writes and reads can interleave on a
// single goroutine's state without locking pending/rxBuf.
func (e *Endpoint) readLoop(conn net.Conn, out chan<- []byte, errc chan<- error) {
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			errc <- err
			return
		}
	}
}

// probe checks liveness at the transport layer by writing an empty
// slice to conn and returning any error the write reports (for
// example a reset connection). It sends no bytes and sets no
// deadline, and it does not poll the socket for readability: EOF and
// unexpected incoming bytes are seen by readLoop, not by probe.
func probe(conn net.Conn) error {
	_, err := conn.Write(nil)
	return err
}

// Package resp adapts the Redis RESP (REdis Serialization Protocol)
// wire format to the protocol.Protocol contract. Unlike mctext (which
// forwards meta-protocol multiget/multiset bursts to the client
// unmodified), RESP's MGET/MSET commands are themselves a single array
// frame, so a multi-key request has to be split into independent
// per-key backend commands and the client-visible reply has to be
// reassembled from however many sub-completions come back (spec.md §6
// scenario 3). Flag.KeyCount/PaddingRspIndex/MKeyFirst exist
// specifically to carry that reassembly state across the pipeline's
// per-entry WriteResponse calls without the protocol adapter needing
// any shared state of its own.
package resp

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/protocol"
)

// Protocol implements protocol.Protocol for RESP.
type Protocol struct{}

// New returns a ready-to-use RESP adapter.
func New() *Protocol { return &Protocol{} }

func (p *Protocol) Name() string { return "redis" }

const (
	stateOK = iota
	stateIncomplete
	stateMalformed
)

// readInt parses the decimal integer starting at buf[i] up to the next
// CRLF, returning the value and the offset just past the CRLF.
func readInt(buf []byte, i int) (val, next, state int) {
	j := i
	for j < len(buf) && buf[j] != '\r' {
		j++
	}
	if j+1 >= len(buf) || buf[j+1] != '\n' {
		return 0, 0, stateIncomplete
	}
	v, err := strconv.Atoi(string(buf[i:j]))
	if err != nil {
		return 0, 0, stateMalformed
	}
	return v, j + 2, stateOK
}

func findCRLF(buf []byte, start int) (int, bool) {
	for i := start; i+1 < len(buf); i++ {
		if buf[i] == '\r' && buf[i+1] == '\n' {
			return i, true
		}
	}
	return 0, false
}

// parseArray parses one "*N\r\n($len\r\ndata\r\n)*N" request frame out
// of buf, returning its bulk-string arguments (sub-slices of buf, no
// copy) and the total byte length consumed.
func parseArray(buf []byte) (args [][]byte, total int, err error) {
	if len(buf) == 0 {
		return nil, 0, protocol.ErrIncomplete
	}
	if buf[0] != '*' {
		return nil, 0, protocol.ErrRequestProtocolNotValid
	}
	count, i, state := readInt(buf, 1)
	if state == stateIncomplete {
		return nil, 0, protocol.ErrIncomplete
	}
	if state == stateMalformed || count < 0 {
		return nil, 0, protocol.ErrRequestProtocolNotValid
	}

	out := make([][]byte, 0, count)
	for k := 0; k < count; k++ {
		if i >= len(buf) {
			return nil, 0, protocol.ErrIncomplete
		}
		if buf[i] != '$' {
			return nil, 0, protocol.ErrRequestProtocolNotValid
		}
		ln, next, st := readInt(buf, i+1)
		if st == stateIncomplete {
			return nil, 0, protocol.ErrIncomplete
		}
		if st == stateMalformed || ln < 0 {
			return nil, 0, protocol.ErrRequestProtocolNotValid
		}
		if next+ln+2 > len(buf) {
			return nil, 0, protocol.ErrIncomplete
		}
		out = append(out, buf[next:next+ln])
		i = next + ln + 2
	}
	return out, i, nil
}

func encodeArray(parts [][]byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("*")
	buf.WriteString(strconv.Itoa(len(parts)))
	buf.WriteString("\r\n")
	for _, part := range parts {
		buf.WriteString("$")
		buf.WriteString(strconv.Itoa(len(part)))
		buf.WriteString("\r\n")
		buf.Write(part)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

// ParseRequest pulls complete RESP array frames off s. The whole
// buffered region is peeked and scanned in one pass (RESP's length
// prefixes aren't discoverable via Stream's CRLF-from-cursor search
// alone, unlike mctext's line-oriented grammar), materializing a copy
// only when the region wraps the ring's boundary.
func (p *Protocol) ParseRequest(s stream.Stream, hasher protocol.Hasher, visitor protocol.Visitor) error {
	for {
		n := s.Unprocessed()
		if n == 0 {
			return nil
		}
		peeked, ok := s.Peek(n)
		if !ok {
			return nil
		}
		buf := peeked.Bytes()

		args, total, err := parseArray(buf)
		if err != nil {
			if err == protocol.ErrIncomplete {
				return nil
			}
			return err
		}

		guard, ok := s.Take(total)
		if !ok {
			return protocol.ErrIncomplete
		}

		if err := p.dispatch(args, guard, hasher, visitor); err != nil {
			return err
		}
	}
}

func (p *Protocol) dispatch(args [][]byte, guard *ring.MemGuard, hasher protocol.Hasher, visitor protocol.Visitor) error {
	if len(args) == 0 {
		guard.Release()
		return protocol.ErrRequestProtocolNotValid
	}
	name := strings.ToUpper(string(args[0]))
	switch name {
	case "GET":
		if len(args) != 2 {
			guard.Release()
			return protocol.ErrRequestProtocolNotValid
		}
		return p.emitSingle(args[1], guard, hasher, protocol.OpGet, 'G', visitor)

	case "SET":
		if len(args) < 3 {
			guard.Release()
			return protocol.ErrRequestProtocolNotValid
		}
		return p.emitSingle(args[1], guard, hasher, protocol.OpStore, 'S', visitor)

	case "DEL":
		if len(args) != 2 {
			guard.Release()
			return protocol.ErrRequestProtocolNotValid
		}
		return p.emitSingle(args[1], guard, hasher, protocol.OpStore, 'D', visitor)

	case "MGET":
		guard.Release()
		if len(args) < 2 {
			return protocol.ErrRequestProtocolNotValid
		}
		return p.emitSplitGet(args[1:], hasher, visitor)

	case "MSET":
		guard.Release()
		if len(args) < 3 || (len(args)-1)%2 != 0 {
			return protocol.ErrRequestProtocolNotValid
		}
		return p.emitSplitSet(args[1:], hasher, visitor)

	default:
		guard.Release()
		return protocol.ErrCommandNotSupported
	}
}

// emitSingle forwards a non-split command's original wire bytes to the
// backend unchanged: GET, SET and DEL already arrive as exactly the
// frame a direct client connection would have sent.
func (p *Protocol) emitSingle(key []byte, guard *ring.MemGuard, hasher protocol.Hasher, op protocol.Operation, opcode uint8, visitor protocol.Visitor) error {
	cmd := &protocol.HashedCommand{
		Hash:    hasher.Hash(key),
		Flag:    protocol.NewFlag(opcode, op),
		Key:     key,
		Payload: guard,
	}
	return visitor.Process(cmd, true)
}

// emitSplitGet turns "MGET k1 k2 ... kn" into n independent GET
// commands, tagging each with its position so WriteResponse can
// reassemble a single RESP array in the client's requested key order.
func (p *Protocol) emitSplitGet(keys [][]byte, hasher protocol.Hasher, visitor protocol.Visitor) error {
	n := len(keys)
	for i, key := range keys {
		wire := encodeArray([][]byte{[]byte("GET"), key})
		f := protocol.NewFlag('G', protocol.OpGet)
		f.SetKeyCount(uint8(n))
		f.SetPaddingRspIndex(uint8(i))
		f.SetMKeyFirst(i == 0)
		cmd := &protocol.HashedCommand{
			Hash:    hasher.Hash(key),
			Flag:    f,
			Key:     key,
			Payload: ring.WrapBytes(wire),
		}
		if err := visitor.Process(cmd, i == n-1); err != nil {
			return err
		}
	}
	return nil
}

// emitSplitSet turns "MSET k1 v1 k2 v2 ... kn vn" into n independent
// SET commands; only the last sub-request's completion produces the
// client-visible "+OK\r\n" (spec.md §6 scenario 3).
func (p *Protocol) emitSplitSet(pairs [][]byte, hasher protocol.Hasher, visitor protocol.Visitor) error {
	n := len(pairs) / 2
	for i := 0; i < n; i++ {
		key := pairs[2*i]
		val := pairs[2*i+1]
		wire := encodeArray([][]byte{[]byte("SET"), key, val})
		f := protocol.NewFlag('S', protocol.OpStore)
		f.SetKeyCount(uint8(n))
		f.SetPaddingRspIndex(uint8(i))
		f.SetMKeyFirst(i == 0)
		cmd := &protocol.HashedCommand{
			Hash:    hasher.Hash(key),
			Flag:    f,
			Key:     key,
			Payload: ring.WrapBytes(wire),
		}
		if err := visitor.Process(cmd, i == n-1); err != nil {
			return err
		}
	}
	return nil
}

// replyExtent parses one backend RESP reply value out of buf, returning
// its total byte length and whether it represents a "hit"-like success
// (a nil bulk/array reply, i.e. a cache miss, reports false).
func replyExtent(buf []byte) (int, bool, error) {
	if len(buf) == 0 {
		return 0, false, protocol.ErrIncomplete
	}
	switch buf[0] {
	case '+', ':':
		end, ok := findCRLF(buf, 1)
		if !ok {
			return 0, false, protocol.ErrIncomplete
		}
		return end + 2, true, nil

	case '-':
		end, ok := findCRLF(buf, 1)
		if !ok {
			return 0, false, protocol.ErrIncomplete
		}
		return end + 2, false, nil

	case '$':
		ln, next, state := readInt(buf, 1)
		if state == stateIncomplete {
			return 0, false, protocol.ErrIncomplete
		}
		if state == stateMalformed {
			return 0, false, protocol.ErrResponseProtocolNotValid
		}
		if ln < 0 {
			return next, false, nil // nil bulk string: miss
		}
		total := next + ln + 2
		if total > len(buf) {
			return 0, false, protocol.ErrIncomplete
		}
		return total, true, nil

	case '*':
		count, next, state := readInt(buf, 1)
		if state == stateIncomplete {
			return 0, false, protocol.ErrIncomplete
		}
		if state == stateMalformed {
			return 0, false, protocol.ErrResponseProtocolNotValid
		}
		if count < 0 {
			return next, false, nil
		}
		pos := next
		for i := 0; i < count; i++ {
			sub, _, err := replyExtent(buf[pos:])
			if err != nil {
				return 0, false, err
			}
			pos += sub
		}
		return pos, true, nil

	default:
		return 0, false, protocol.ErrResponseProtocolNotValid
	}
}

func (p *Protocol) ParseResponse(s stream.Stream) (*protocol.Command, error) {
	n := s.Unprocessed()
	if n == 0 {
		return nil, nil
	}
	peeked, ok := s.Peek(n)
	if !ok {
		return nil, nil
	}
	buf := peeked.Bytes()

	total, statusOK, rerr := replyExtent(buf)
	if rerr != nil {
		if rerr == protocol.ErrIncomplete {
			return nil, nil
		}
		// Force forward progress so a malformed reply can't wedge the
		// connection in an infinite reparse of the same bytes.
		if lineLen := s.IndexCRLF(); lineLen >= 0 {
			s.Take(lineLen + 2)
		}
		return nil, rerr
	}

	guard, ok := s.Take(total)
	if !ok {
		return nil, nil
	}
	f := protocol.Flag{}
	f.SetStatusOK(statusOK)
	return &protocol.Command{Flag: f, Payload: guard}, nil
}

func writePassthroughOrMiss(resp *protocol.Command, w protocol.Writer) error {
	if resp == nil || resp.Payload == nil {
		_, err := w.Write([]byte("$-1\r\n"))
		return err
	}
	for _, seg := range resp.Payload.Slice().Segments() {
		if _, err := w.Write(seg); err != nil {
			return err
		}
	}
	return nil
}

// WriteResponse writes resp as the client-visible reply. For a
// non-split command the backend's own RESP reply is already the
// correct client-visible bytes. For an MGET/MSET split, only the first
// sub-request's completion contributes the aggregate array header, and
// for MSET only the last contributes any bytes at all (spec.md §6
// scenario 3).
func (p *Protocol) WriteResponse(req *protocol.HashedCommand, resp *protocol.Command, w protocol.Writer) error {
	n := req.Flag.KeyCount()
	if n == 0 {
		return writePassthroughOrMiss(resp, w)
	}

	last := req.Flag.PaddingRspIndex() == n-1

	if req.Flag.Operation() == protocol.OpStore {
		if !last {
			return nil
		}
		if resp != nil && resp.Flag.StatusOK() {
			_, err := w.Write([]byte("+OK\r\n"))
			return err
		}
		_, err := w.Write([]byte("-ERR mset failed\r\n"))
		return err
	}

	if req.Flag.MKeyFirst() {
		if _, err := w.Write([]byte("*" + strconv.Itoa(int(n)) + "\r\n")); err != nil {
			return err
		}
	}
	return writePassthroughOrMiss(resp, w)
}

// WriteErrorResponse writes a RESP error line for a request whose
// backend round trip failed.
func (p *Protocol) WriteErrorResponse(req *protocol.HashedCommand, cause error, w protocol.Writer) error {
	_, err := w.Write([]byte("-ERR " + cause.Error() + "\r\n"))
	return err
}

// extractBulkValue pulls a bulk string's data block out of a raw RESP
// reply, for synthesizing a write-back SET from a GET's own reply.
func extractBulkValue(raw []byte) []byte {
	if len(raw) == 0 || raw[0] != '$' {
		return nil
	}
	ln, next, state := readInt(raw, 1)
	if state != stateOK || ln < 0 || next+ln+2 > len(raw) {
		return nil
	}
	out := make([]byte, ln)
	copy(out, raw[next:next+ln])
	return out
}

// BuildWriteBackRequest synthesizes a SET with an EX TTL that populates
// an upper cache layer after a read miss served by a lower one.
func (p *Protocol) BuildWriteBackRequest(ctx *protocol.HashedCommand, resp *protocol.Command) (*protocol.HashedCommand, bool) {
	if resp == nil || resp.Payload == nil || !ctx.Flag.Operation().IsRetrieval() {
		return nil, false
	}
	if !resp.Flag.StatusOK() {
		return nil, false
	}

	value := extractBulkValue(resp.Payload.Bytes())
	if value == nil {
		return nil, false
	}

	ttl := strconv.Itoa(int(protocol.WriteBackTTL.Seconds()))
	wire := encodeArray([][]byte{[]byte("SET"), ctx.Key, value, []byte("EX"), []byte(ttl)})

	f := protocol.NewFlag('S', protocol.OpStore)
	f.SetSentOnly(true)
	return &protocol.HashedCommand{
		Hash:    ctx.Hash,
		Flag:    f,
		Key:     ctx.Key,
		Payload: ring.WrapBytes(wire),
	}, true
}

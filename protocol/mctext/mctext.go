// Package mctext adapts the ASCII "meta" memcache protocol (mg/ms/md/ma/
// me/mn) to the protocol.Protocol contract, parsing incrementally off a
// stream.Stream so that backend frames never need to be copied off the
// ring buffer. wire.go carries the command/status/flag vocabulary this
// adapter speaks, scoped to the six commands handled below.
package mctext

import (
	"strconv"
	"strings"

	"github.com/meshcache/agent/internal/ring"
	"github.com/meshcache/agent/internal/stream"
	"github.com/meshcache/agent/protocol"
)

// Protocol implements protocol.Protocol for the meta ASCII format.
type Protocol struct{}

// New returns a ready-to-use meta-protocol adapter.
func New() *Protocol { return &Protocol{} }

func (p *Protocol) Name() string { return "mc" }

// opcode maps a 2-character meta command code to the single byte stored
// in Flag.Opcode (the second character is always the distinguishing
// one: mg, ms, md, ma, me, mn).
func opcode(cmd cmdType) uint8 {
	if len(cmd) != 2 {
		return 0
	}
	return cmd[1]
}

func operationFor(cmd cmdType) protocol.Operation {
	switch cmd {
	case cmdGet:
		return protocol.OpGet
	case cmdSet, cmdDelete, cmdArithmetic:
		return protocol.OpStore
	default:
		return protocol.OpMeta
	}
}

// frame is a single parsed request line plus, for ms, its data block.
type frame struct {
	cmd      cmdType
	key      string
	flags    []wireFlag
	totalLen int // bytes consumed from the stream (header line + data block)
}

func (p *Protocol) ParseRequest(s stream.Stream, hasher protocol.Hasher, visitor protocol.Visitor) error {
	var pending *protocol.HashedCommand

	for {
		fr, n, err := peekRequestFrame(s)
		if err != nil {
			if err == protocol.ErrIncomplete {
				break
			}
			return err
		}
		if fr == nil {
			break
		}

		guard, ok := s.Take(n)
		if !ok {
			return protocol.ErrIncomplete
		}

		f := protocol.NewFlag(opcode(fr.cmd), operationFor(fr.cmd))
		if fr.cmd == cmdGet {
			f.SetMKeyFirst(pending == nil)
		}
		cmd := &protocol.HashedCommand{
			Hash:    hasher.Hash([]byte(fr.key)),
			Flag:    f,
			Key:     []byte(fr.key),
			Payload: guard,
		}

		if pending != nil {
			if err := visitor.Process(pending, false); err != nil {
				return err
			}
		}
		pending = cmd
	}

	if pending != nil {
		if err := visitor.Process(pending, true); err != nil {
			return err
		}
	}
	return nil
}

// peekRequestFrame looks at (without consuming) the next complete
// request frame in s, returning its parsed header and total byte
// length. Returns (nil, 0, protocol.ErrIncomplete) if the buffered bytes
// don't yet form a whole frame.
func peekRequestFrame(s stream.Stream) (*frame, int, error) {
	lineLen := s.IndexCRLF()
	if lineLen < 0 {
		return nil, 0, protocol.ErrIncomplete
	}
	lineSlice, ok := s.Peek(lineLen)
	if !ok {
		return nil, 0, protocol.ErrIncomplete
	}
	line := string(lineSlice.Bytes())
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, 0, protocol.ErrRequestProtocolNotValid
	}

	cmd := cmdType(parts[0])
	fr := &frame{cmd: cmd}
	headerLen := lineLen + 2 // include CRLF

	switch cmd {
	case cmdGet, cmdDelete, cmdArithmetic, cmdDebug:
		if len(parts) < 2 {
			return nil, 0, protocol.ErrRequestProtocolNotValid
		}
		fr.key = parts[1]
		fr.flags = parseFlags(parts[2:])
		fr.totalLen = headerLen
		return fr, fr.totalLen, nil

	case cmdNoOp:
		fr.totalLen = headerLen
		return fr, fr.totalLen, nil

	case cmdSet:
		if len(parts) < 3 {
			return nil, 0, protocol.ErrRequestProtocolNotValid
		}
		fr.key = parts[1]
		size, err := strconv.Atoi(parts[2])
		if err != nil || size < 0 {
			return nil, 0, protocol.ErrRequestProtocolNotValid
		}
		fr.flags = parseFlags(parts[3:])
		dataEnd := headerLen + size + 2 // data + trailing CRLF
		if s.Unprocessed() < dataEnd {
			return nil, 0, protocol.ErrIncomplete
		}
		fr.totalLen = dataEnd
		return fr, fr.totalLen, nil

	default:
		return nil, 0, protocol.ErrCommandNotSupported
	}
}

func parseFlags(tokens []string) []wireFlag {
	flags := make([]wireFlag, 0, len(tokens))
	for _, t := range tokens {
		if t == "" {
			continue
		}
		f := wireFlag{typ: flagType(t[0])}
		if len(t) > 1 {
			f.token = t[1:]
		}
		flags = append(flags, f)
	}
	return flags
}

func statusOK(status statusType) bool {
	switch status {
	case statusHD, statusVA, statusMN, statusME:
		return true
	default:
		return false
	}
}

func (p *Protocol) ParseResponse(s stream.Stream) (*protocol.Command, error) {
	lineLen := s.IndexCRLF()
	if lineLen < 0 {
		return nil, nil
	}
	lineSlice, ok := s.Peek(lineLen)
	if !ok {
		return nil, nil
	}
	line := string(lineSlice.Bytes())

	if strings.HasPrefix(line, errClientPrefix) {
		if _, ok := s.Take(lineLen + 2); !ok {
			return nil, nil
		}
		return nil, protocol.ErrResponseProtocolNotValid
	}
	if strings.HasPrefix(line, errServerPrefix) || line == errGeneric {
		if _, ok := s.Take(lineLen + 2); !ok {
			return nil, nil
		}
		return nil, protocol.ErrResponseProtocolNotValid
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil, protocol.ErrResponseProtocolNotValid
	}
	status := statusType(parts[0])
	totalLen := lineLen + 2

	if status == statusVA {
		if len(parts) < 2 {
			return nil, protocol.ErrResponseProtocolNotValid
		}
		size, err := strconv.Atoi(parts[1])
		if err != nil || size < 0 {
			return nil, protocol.ErrResponseProtocolNotValid
		}
		totalLen += size + 2
	}

	if s.Unprocessed() < totalLen {
		return nil, nil
	}

	guard, ok := s.Take(totalLen)
	if !ok {
		return nil, nil
	}

	f := protocol.Flag{}
	f.SetStatusOK(statusOK(status))
	return &protocol.Command{Flag: f, Payload: guard}, nil
}

// WriteResponse writes the backend's response bytes through verbatim.
// The meta protocol needs no client-side reframing: the wire bytes a
// backend returned are valid bytes to return to the client as-is.
func (p *Protocol) WriteResponse(req *protocol.HashedCommand, resp *protocol.Command, w protocol.Writer) error {
	if resp == nil || resp.Payload == nil {
		_, err := w.Write([]byte(string(statusEN) + crlf))
		return err
	}
	for _, seg := range resp.Payload.Slice().Segments() {
		if _, err := w.Write(seg); err != nil {
			return err
		}
	}
	return nil
}

// WriteErrorResponse writes a SERVER_ERROR line for failures the client
// can safely retry elsewhere.
func (p *Protocol) WriteErrorResponse(req *protocol.HashedCommand, cause error, w protocol.Writer) error {
	_, err := w.Write([]byte(errServerPrefix + " " + cause.Error() + crlf))
	return err
}

// BuildWriteBackRequest synthesizes a quiet "ms" request that populates
// an upper layer after a read miss served by a lower one.
func (p *Protocol) BuildWriteBackRequest(ctx *protocol.HashedCommand, resp *protocol.Command) (*protocol.HashedCommand, bool) {
	if resp == nil || resp.Payload == nil || !ctx.Flag.Operation().IsRetrieval() {
		return nil, false
	}
	if !resp.Flag.StatusOK() {
		return nil, false
	}

	value, ok := extractValue(resp)
	if !ok {
		return nil, false
	}

	wireBytes := encodeSet(string(ctx.Key), value,
		wireFlag{typ: flagTTL, token: strconv.Itoa(int(protocol.WriteBackTTL.Seconds()))},
		wireFlag{typ: flagQuiet},
	)

	f := protocol.NewFlag(opcode(cmdSet), protocol.OpStore)
	f.SetSentOnly(true)
	return &protocol.HashedCommand{
		Hash:    ctx.Hash,
		Flag:    f,
		Key:     ctx.Key,
		Payload: ring.WrapBytes(wireBytes),
	}, true
}

// extractValue pulls the VA data block out of a raw response payload.
func extractValue(resp *protocol.Command) ([]byte, bool) {
	raw := resp.Payload.Bytes()
	nl := strings.IndexByte(string(raw), '\n')
	if nl < 0 {
		return nil, false
	}
	header := string(raw[:nl])
	header = strings.TrimSuffix(header, "\r")
	parts := strings.Fields(header)
	if len(parts) < 2 || statusType(parts[0]) != statusVA {
		return nil, false
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil || size < 0 {
		return nil, false
	}
	start := nl + 1
	if start+size > len(raw) {
		return nil, false
	}
	out := make([]byte, size)
	copy(out, raw[start:start+size])
	return out, true
}

package protocol

import (
	"errors"

	"github.com/meshcache/agent/internal/stream"
)

// Protocol errors (spec.md §7 "Protocol" taxonomy). ErrIncomplete is
// not terminal: the pipeline simply waits for more bytes.
var (
	ErrIncomplete            = errors.New("protocol: incomplete frame")
	ErrRequestProtocolNotValid  = errors.New("protocol: request malformed")
	ErrResponseProtocolNotValid = errors.New("protocol: response malformed")
	ErrCommandNotSupported   = errors.New("protocol: command not supported")
	ErrQuit                  = errors.New("protocol: client quit")
	ErrUnexpectedData        = errors.New("protocol: unexpected data, no pending request")
)

// Hasher computes the routing hash for a key. Implementations live in
// the topology package (spec.md §3 Topology.Hasher); protocol adapters
// only depend on this narrow interface to stay decoupled from
// sharding concerns.
type Hasher interface {
	Hash(key []byte) int64
}

// Visitor receives each request frame a parser extracts from a burst.
// last is true only for the final sub-request of a (possibly
// multi-key) burst, matching spec.md §4.B's split semantics.
type Visitor interface {
	Process(cmd *HashedCommand, last bool) error
}

// Writer is the minimal sink write_response needs: an append-only byte
// buffer (the pipeline's tx_buf).
type Writer interface {
	Write(p []byte) (int, error)
}

// Protocol is the contract a wire-format adapter implements (spec.md
// §4.B). Parsers never allocate on the happy path: everything they
// return is backed by a MemGuard taken from the input stream.
type Protocol interface {
	// Name identifies the protocol for configuration (e.g. "mc",
	// "redis").
	Name() string

	// ParseRequest pulls zero or more complete request frames from s,
	// invoking visitor.Process for each. On incomplete input it
	// returns nil without having consumed the tail; on malformed input
	// it returns a protocol-specific error.
	ParseRequest(s stream.Stream, hasher Hasher, visitor Visitor) error

	// ParseResponse parses one response frame, or returns (nil, nil)
	// if the buffered bytes don't yet form a complete frame.
	ParseResponse(s stream.Stream) (*Command, error)

	// WriteResponse serializes resp as the client-visible reply to
	// req into w. For a split multi-key burst, only the first
	// sub-request's response carries the aggregate framing prefix.
	WriteResponse(req *HashedCommand, resp *Command, w Writer) error

	// WriteErrorResponse writes the protocol-native error framing for
	// a request whose backend round trip failed (spec.md §7
	// "User-visible failure").
	WriteErrorResponse(req *HashedCommand, err error, w Writer) error

	// BuildWriteBackRequest synthesizes a sentonly SET-like request
	// that populates an upper cache layer after a read miss served by
	// a lower layer. Returns (nil, false) if no write-back applies
	// (a non-retrieval request, or a response that is not a hit with a
	// value); ctx is never modified.
	BuildWriteBackRequest(ctx *HashedCommand, resp *Command) (wb *HashedCommand, ok bool)
}

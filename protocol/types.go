// Package protocol defines the wire-protocol adapter contract
// (spec.md §4.B) and the request/response value types that flow
// through the callback, endpoint, topology and pipeline packages.
package protocol

import (
	"time"

	"github.com/meshcache/agent/internal/ring"
)

// Operation classifies a request for topology dispatch and write-back
// eligibility (spec.md §3).
type Operation uint8

const (
	OpGet Operation = iota
	OpMGet
	OpStore
	OpMeta
)

func (o Operation) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpMGet:
		return "mget"
	case OpStore:
		return "store"
	case OpMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// IsRetrieval reports whether the operation is a read eligible for
// layer fallback and write-back on miss.
func (o Operation) IsRetrieval() bool { return o == OpGet || o == OpMGet }

// Flag packs the per-request bits spec.md §3 describes: an 8-bit
// opcode, the Operation, and a handful of single-bit routing flags.
// Packed into a uint32 so HashedCommand stays small and copyable.
type Flag struct {
	bits uint32
}

const (
	flagOpcodeShift  = 0
	flagOpcodeMask   = 0xFF
	flagOpShift      = 8
	flagOpMask       = 0x3 << flagOpShift
	flagSentOnly     = 1 << 10
	flagStatusOK     = 1 << 11
	flagNoForward    = 1 << 12
	flagMKeyFirst    = 1 << 13
	flagKeyCountShift = 16
	flagKeyCountMask  = 0xFF << flagKeyCountShift
	flagPadRspShift   = 24
	flagPadRspMask    = 0xFF << flagPadRspShift
)

// NewFlag builds a Flag for the given opcode/operation.
func NewFlag(opcode uint8, op Operation) Flag {
	f := Flag{}
	f.bits = uint32(opcode) << flagOpcodeShift
	f.SetOperation(op)
	return f
}

func (f Flag) Opcode() uint8 { return uint8((f.bits & flagOpcodeMask) >> flagOpcodeShift) }

func (f Flag) Operation() Operation { return Operation((f.bits & flagOpMask) >> flagOpShift) }
func (f *Flag) SetOperation(op Operation) {
	f.bits = (f.bits &^ flagOpMask) | (uint32(op) << flagOpShift)
}

func (f Flag) SentOnly() bool    { return f.bits&flagSentOnly != 0 }
func (f *Flag) SetSentOnly(v bool) { f.setBit(flagSentOnly, v) }

func (f Flag) StatusOK() bool      { return f.bits&flagStatusOK != 0 }
func (f *Flag) SetStatusOK(v bool) { f.setBit(flagStatusOK, v) }

func (f Flag) NoForward() bool      { return f.bits&flagNoForward != 0 }
func (f *Flag) SetNoForward(v bool) { f.setBit(flagNoForward, v) }

func (f Flag) MKeyFirst() bool      { return f.bits&flagMKeyFirst != 0 }
func (f *Flag) SetMKeyFirst(v bool) { f.setBit(flagMKeyFirst, v) }

func (f Flag) KeyCount() uint8 { return uint8((f.bits & flagKeyCountMask) >> flagKeyCountShift) }
func (f *Flag) SetKeyCount(n uint8) {
	f.bits = (f.bits &^ uint32(flagKeyCountMask)) | (uint32(n) << flagKeyCountShift)
}

func (f Flag) PaddingRspIndex() uint8 {
	return uint8((f.bits & flagPadRspMask) >> flagPadRspShift)
}
func (f *Flag) SetPaddingRspIndex(n uint8) {
	f.bits = (f.bits &^ uint32(flagPadRspMask)) | (uint32(n) << flagPadRspShift)
}

func (f *Flag) setBit(bit uint32, v bool) {
	if v {
		f.bits |= bit
	} else {
		f.bits &^= bit
	}
}

// HashedCommand is a single parsed request frame, ready for topology
// dispatch. Payload is a MemGuard taken directly from the input
// stream: parsers never copy on the happy path (spec.md §4.B).
type HashedCommand struct {
	Hash    int64
	Flag    Flag
	Key     []byte
	Payload *ring.MemGuard
}

// Release releases the command's backing MemGuard, if any.
func (c *HashedCommand) Release() {
	if c == nil || c.Payload == nil {
		return
	}
	c.Payload.Release()
}

// Command is a single parsed response frame. Flag.StatusOK is set by
// the parser when the framed status indicates success.
type Command struct {
	Flag    Flag
	Payload *ring.MemGuard
}

// Release releases the response's backing MemGuard, if any.
func (c *Command) Release() {
	if c == nil || c.Payload == nil {
		return
	}
	c.Payload.Release()
}

// WriteBackTTL is the TTL both protocol adapters apply to every
// synthesized write-back SET request. The discovery payload's
// `exptime` (config.Discovery.WriteBackTTL) is not passed to them.
const WriteBackTTL = 24 * time.Hour

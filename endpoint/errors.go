package endpoint

import "errors"

// Channel errors (spec.md §7 "Channel" taxonomy). All three are
// terminal for the attempt that hit them: the caller completes the
// callback synchronously rather than waiting on a queue that will
// never drain.
var (
	// ErrChanFull is returned when the endpoint's request queue has no
	// free slot.
	ErrChanFull = errors.New("endpoint: request queue full")

	// ErrChanWriteClosed is returned once the endpoint's queue has been
	// closed for writes (shutting down).
	ErrChanWriteClosed = errors.New("endpoint: queue closed")

	// ErrChanDisabled is returned while the endpoint is marked
	// unavailable (no live backend connection, still in backoff).
	ErrChanDisabled = errors.New("endpoint: backend unavailable")

	// ErrQueueClosed is returned from Close callers observe on
	// in-flight requests that were still queued at shutdown.
	ErrQueueClosed = errors.New("endpoint: closed while request was queued")
)

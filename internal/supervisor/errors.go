package supervisor

import "errors"

// Sentinel errors surfaced by worker round-trips. The kernel maps them
// onto wire error codes.
var (
	// ErrEngineUnavailable is returned when the target worker is not
	// configured, not running, or never completed its ready handshake.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrTimeout is returned when a worker round-trip exceeds its deadline.
	// The pending entry is removed before the error is reported.
	ErrTimeout = errors.New("worker request timed out")

	// ErrWorkerExited is returned to in-flight callers when the worker
	// process exits before responding.
	ErrWorkerExited = errors.New("worker exited")

	// ErrReadyTimeout is returned when a worker misses the ready handshake
	// deadline. The subprocess is killed before the error is reported.
	ErrReadyTimeout = errors.New("ready handshake timed out")
)

// Package errs defines the shared error taxonomy used across the optimizer,
// compression, spatial, and txncoord packages.
package errs

import errorkit "gopkg.in/src-d/go-errors.v1"

var (
	// InvalidInput is returned for malformed plans, nonsensical statistics,
	// or wrong-length column blocks.
	InvalidInput = errorkit.NewKind("invalid input: %s")
	// InvalidFormat is returned for truncated or mistyped encoded blocks.
	InvalidFormat = errorkit.NewKind("invalid format: %s")
	// NotFound is returned for an unknown gtid, tablespace, or task.
	NotFound = errorkit.NewKind("not found: %s")
	// ResourceExhausted is returned when the active txn map is at capacity,
	// a wait queue is full, or there is memory pressure on a cache.
	ResourceExhausted = errorkit.NewKind("resource exhausted: %s")
	// Timeout is returned when a prepare/commit/step exceeds its budget.
	Timeout = errorkit.NewKind("timeout: %s")
	// Conflict is returned for a deadlock victim or a concurrent modification.
	Conflict = errorkit.NewKind("conflict: %s")
	// Internal indicates an invariant violation; it is always a bug.
	Internal = errorkit.NewKind("internal error: %s")
	// UnsupportedFormat is returned when a decoder encounters a header
	// version it does not recognize.
	UnsupportedFormat = errorkit.NewKind("unsupported format: %s")
)

// Package errs defines the sentinel error kinds shared across the core
// engine, matching the scope/policy table of the session-engine
// specification.
package errs

import "errors"

var (
	// ErrProtocol marks a wire framing or handshake violation. Scope: one
	// connection. The connection is closed; when a dial fails with it, the
	// address is put on the session's blocklist, which has no timed
	// expiry: the address stays blocked until LRU eviction pushes it out.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout marks a connect, idle, or per-request timeout.
	ErrTimeout = errors.New("timeout")

	// ErrVerification marks a SHA-1 mismatch on an assembled piece.
	ErrVerification = errors.New("piece verification failed")

	// ErrStorage is bubbled up from the storage sink.
	ErrStorage = errors.New("storage error")

	// ErrDuplicate is returned by session-manager operations on a
	// duplicate info-hash.
	ErrDuplicate = errors.New("duplicate torrent")

	// ErrNotFound is returned by session-manager operations on an unknown
	// handle.
	ErrNotFound = errors.New("torrent not found")

	// ErrFatal marks an invariant violation detected at runtime. The
	// session transitions to the error state and refuses further work.
	ErrFatal = errors.New("fatal invariant violation")

	// ErrNoEligiblePiece is returned by the piece picker when a peer has
	// nothing the session wants. Not an error condition for the caller:
	// it just means send no request.
	ErrNoEligiblePiece = errors.New("no eligible piece for peer")
)

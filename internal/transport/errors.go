package transport

import (
	"errors"

	"github.com/chronostruct/wmosh/internal/crypto"
)

// Sentinel errors distinguishing recoverable protocol faults from fatal ones. Authentication and
// decode failures on individual datagrams (crypto.ErrAuthFailure, ErrDecodeFailure) and a missing
// diff basis (ErrDiffBaseMissing) are not fatal -- see Engine.Receive's doc comment; nonce reuse,
// nonce exhaustion and ErrSessionTimeout are fatal and force the session to Closed. Nonce-related
// faults originate in internal/crypto and are surfaced here unwrapped, so
// IsFatal recognizes them directly rather than through a second, transport-local sentinel.
var (
	// ErrDecodeFailure marks a malformed Instruction after successful unsealing. Drop, log at
	// verbose.
	ErrDecodeFailure = errors.New("transport: malformed instruction")
	// ErrDiffBaseMissing marks an Instruction whose old_num basis has already been pruned from
	// the remote queue. Drop; rely on the peer's next, newer-basis retransmission.
	ErrDiffBaseMissing = errors.New("transport: diff basis missing from remote queue")
	// ErrSessionTimeout is fatal: no successful datagram was processed within the timeout
	// window (default 60s), surfaced to the user as "connection lost".
	ErrSessionTimeout = errors.New("transport: connection lost")
)

// IsFatal reports whether err should force the session state machine to Closed.
func IsFatal(err error) bool {
	switch {
	case errors.Is(err, crypto.ErrNonceReuse),
		errors.Is(err, crypto.ErrNonceExhaustion),
		errors.Is(err, ErrSessionTimeout):
		return true
	default:
		return false
	}
}

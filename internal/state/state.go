// Package state implements the synchronized state contract as a small capability set, realized
// here as two concrete byte-accumulating variants rather than a deep interface hierarchy.
//
// Both the local (input) and remote (terminal) sides are modeled as an ever-growing byte
// sequence: the local side accumulates raw keystroke bytes the user has typed; the remote side
// accumulates raw output bytes the server has sent. A diff between two states on the same side is
// simply the byte suffix one holds beyond the other -- cheap to compute, and it hands the VT
// emulator exactly the raw byte runs its consuming interface expects from remote-state diffs.
package state

import (
	"bytes"
	"errors"
)

// ErrNotPrefix is returned by DiffFrom/Subtract when the two states are not on a common,
// monotonically extending history -- this should never happen for states drawn from the same
// queue and indicates caller misuse rather than a wire-format problem.
var ErrNotPrefix = errors.New("state: not a byte-prefix of the target state")

// Bytes is the concrete State implementation used for both local input state and remote terminal
// state.
type Bytes struct {
	data []byte
}

// Initial returns the canonical empty state.
func Initial() Bytes { return Bytes{} }

// FromBytes wraps an existing byte slice as a State, taking ownership of a private copy.
func FromBytes(b []byte) Bytes {
	cp := make([]byte, len(b))
	copy(cp, b)
	return Bytes{data: cp}
}

// Append returns a new state with p appended to the receiver's accumulated bytes.
func (s Bytes) Append(p []byte) Bytes {
	out := make([]byte, len(s.data)+len(p))
	copy(out, s.data)
	copy(out[len(s.data):], p)
	return Bytes{data: out}
}

// Raw exposes the accumulated bytes, e.g. for delivery to the VT emulator.
func (s Bytes) Raw() []byte { return s.data }

// Len reports the number of accumulated bytes.
func (s Bytes) Len() int { return len(s.data) }

// Equal implements the state type contract's equal(other).
func (s Bytes) Equal(other Bytes) bool {
	return bytes.Equal(s.data, other.data)
}

// DiffFrom implements the state type contract's diff_from(other): the suffix of s beyond other,
// such that ApplyDiff(other, diff) == s. other must be a byte-prefix of s.
func (s Bytes) DiffFrom(other Bytes) ([]byte, error) {
	if len(other.data) > len(s.data) || !bytes.Equal(s.data[:len(other.data)], other.data) {
		return nil, ErrNotPrefix
	}
	suffix := s.data[len(other.data):]
	out := make([]byte, len(suffix))
	copy(out, suffix)
	return out, nil
}

// ApplyDiff implements the state type contract's apply_diff(bytes): total over any byte slice,
// since the diff is just the suffix to append.
func (s Bytes) ApplyDiff(diff []byte) Bytes {
	return s.Append(diff)
}

// Subtract implements the local-input-queue-only subtract(prefix) capability: it removes the
// portion of s that the peer has already observed, given as a prefix state.
func (s Bytes) Subtract(prefix Bytes) (Bytes, error) {
	if len(prefix.data) > len(s.data) || !bytes.Equal(s.data[:len(prefix.data)], prefix.data) {
		return Bytes{}, ErrNotPrefix
	}
	return FromBytes(s.data[len(prefix.data):]), nil
}

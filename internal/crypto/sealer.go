package crypto

import (
	"encoding/binary"
	"errors"
)

// ErrNonceReuse is returned by Sealer.Unseal when a received counter exactly repeats one already
// processed within replayWindow.
var ErrNonceReuse = errors.New("crypto: nonce counter reuse")

// ErrNonceExhaustion is returned once a direction's 63-bit counter would overflow.
var ErrNonceExhaustion = errors.New("crypto: nonce counter exhausted")

// Direction distinguishes client->server (0) from server->client (1) nonces, packed as the
// 1-bit direction field of the 64-bit wire nonce.
type Direction byte

const (
	DirectionClientToServer Direction = 0
	DirectionServerToClient Direction = 1

	counterMask = (uint64(1) << 63) - 1
)

// Nonce64 packs a direction bit and 63-bit counter into the 8-byte wire nonce.
func Nonce64(dir Direction, counter uint64) uint64 {
	return (uint64(dir) << 63) | (counter & counterMask)
}

// EncodeNonce renders a 64-bit nonce as its big-endian 8-byte wire form.
func EncodeNonce(n uint64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b
}

// DecodeNonce parses an 8-byte wire nonce back into its 64-bit form.
func DecodeNonce(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// replayWindow bounds how far behind the peer's high-water counter we still remember individual
// counters for exact-reuse detection. A counter older than this is indistinguishable from one we
// never tracked, so it is accepted -- mirroring upstream Mosh's tolerance for arbitrarily stale
// (but not exactly repeated) reordered datagrams.
const replayWindow = 1024

// Sealer wraps a 128-bit session key and enforces the monotone-nonce discipline for one
// direction of a session. Callers obtain fresh nonces only through NextNonce; Seal/Unseal never
// allocate counters themselves.
type Sealer struct {
	key     []byte
	dir     Direction
	counter uint64
	started bool

	peerSeen    bool
	peerHighCtr uint64
	seen        map[uint64]bool
	seenOrder   []uint64
}

// NewSealer constructs a Sealer for one direction of a session using the given 16-byte key.
func NewSealer(key []byte, dir Direction) (*Sealer, error) {
	if len(key) != 16 {
		return nil, errors.New("crypto: session key must be 16 bytes for AES-128")
	}
	k := make([]byte, 16)
	copy(k, key)
	return &Sealer{key: k, dir: dir}, nil
}

// NextNonce allocates and returns the next nonce for outbound sends on this Sealer's direction.
// Counters start at 0 and increase strictly monotonically; NextNonce returns ErrNonceExhaustion
// before it would ever produce a repeated value.
func (s *Sealer) NextNonce() (uint64, error) {
	if s.started && s.counter == counterMask {
		return 0, ErrNonceExhaustion
	}
	if s.started {
		s.counter++
	}
	s.started = true
	return Nonce64(s.dir, s.counter), nil
}

// Seal encrypts plaintext under the given nonce (as allocated by NextNonce) and returns
// ciphertext||tag (the nonce itself is prepended by the datagram layer, not by Seal).
func (s *Sealer) Seal(nonce uint64, plaintext []byte) ([]byte, error) {
	n := EncodeNonce(nonce)
	return Seal(s.key, n[:8], plaintext, nil)
}

// Unseal authenticates and decrypts ciphertext||tag under the given nonce. UDP delivers datagrams
// out of order, so a lower-but-never-before-seen counter is accepted as reordering, not reuse;
// only an exact repeat of a counter still inside replayWindow is reported as ErrNonceReuse.
func (s *Sealer) Unseal(nonce uint64, sealed []byte) ([]byte, error) {
	ctr := nonce &^ (uint64(1) << 63)
	if s.isReplayed(ctr) {
		return nil, ErrNonceReuse
	}
	n := EncodeNonce(nonce)
	plaintext, err := Open(s.key, n[:8], sealed, nil)
	if err != nil {
		return nil, err
	}
	s.markSeen(ctr)
	return plaintext, nil
}

// isReplayed reports whether ctr is an exact repeat of a counter already processed and still
// within replayWindow of the peer's high-water mark. Counters that have aged out of the window
// are treated as unseen rather than replayed -- we simply no longer have the bookkeeping to tell
// the difference, and upstream Mosh accepts that tradeoff rather than growing the window
// unboundedly.
func (s *Sealer) isReplayed(ctr uint64) bool {
	if !s.peerSeen {
		return false
	}
	if ctr > s.peerHighCtr {
		return false
	}
	if s.peerHighCtr-ctr >= replayWindow {
		return false
	}
	return s.seen[ctr]
}

// markSeen records ctr as processed and advances the high-water mark, evicting counters that have
// fallen out of replayWindow.
func (s *Sealer) markSeen(ctr uint64) {
	if !s.peerSeen || ctr > s.peerHighCtr {
		s.peerHighCtr = ctr
		s.peerSeen = true
	}
	if s.seen == nil {
		s.seen = make(map[uint64]bool)
	}
	s.seen[ctr] = true
	s.seenOrder = append(s.seenOrder, ctr)
	s.evictStale()
}

// evictStale drops tracked counters that have fallen more than replayWindow behind peerHighCtr.
func (s *Sealer) evictStale() {
	var floor uint64
	if s.peerHighCtr >= replayWindow-1 {
		floor = s.peerHighCtr - replayWindow + 1
	}
	i := 0
	for i < len(s.seenOrder) && s.seenOrder[i] < floor {
		delete(s.seen, s.seenOrder[i])
		i++
	}
	s.seenOrder = s.seenOrder[i:]
}

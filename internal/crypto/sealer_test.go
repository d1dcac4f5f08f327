package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 16)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestSealUnsealRoundTrip(t *testing.T) {
	key := testKey(t)
	msgs := [][]byte{
		nil,
		[]byte("a"),
		[]byte("hello, mosh"),
		bytes.Repeat([]byte{0x42}, 1000),
	}
	for i, m := range msgs {
		nonce := Nonce64(DirectionClientToServer, uint64(i))
		n := EncodeNonce(nonce)
		sealed, err := Seal(key, n[:8], m, nil)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		if len(sealed) != len(m)+TagSize {
			t.Fatalf("sealed length = %d, want %d", len(sealed), len(m)+TagSize)
		}
		opened, err := Open(key, n[:8], sealed, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if !bytes.Equal(opened, m) {
			t.Fatalf("round trip mismatch: got %x want %x", opened, m)
		}
	}
}

func TestUnsealRejectsTamperedTag(t *testing.T) {
	key := testKey(t)
	n := EncodeNonce(Nonce64(DirectionClientToServer, 0))
	sealed, err := Seal(key, n[:8], []byte("payload"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xFF
	if _, err := Open(key, n[:8], sealed, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestUnsealRejectsTamperedCiphertext(t *testing.T) {
	key := testKey(t)
	n := EncodeNonce(Nonce64(DirectionClientToServer, 0))
	sealed, err := Seal(key, n[:8], []byte("payload data"), nil)
	if err != nil {
		t.Fatal(err)
	}
	sealed[0] ^= 0x01
	if _, err := Open(key, n[:8], sealed, nil); err != ErrAuthFailure {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
}

func TestSealerNonceMonotone(t *testing.T) {
	s, err := NewSealer(testKey(t), DirectionClientToServer)
	if err != nil {
		t.Fatal(err)
	}
	var last uint64
	for i := 0; i < 10; i++ {
		n, err := s.NextNonce()
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && n <= last {
			t.Fatalf("nonce counter not strictly increasing: %d <= %d", n, last)
		}
		last = n
	}
}

func TestSealerDirectionBit(t *testing.T) {
	client, _ := NewSealer(testKey(t), DirectionClientToServer)
	server, _ := NewSealer(testKey(t), DirectionServerToClient)
	cn, _ := client.NextNonce()
	sn, _ := server.NextNonce()
	if cn>>63 != 0 {
		t.Fatalf("client nonce should have direction bit 0, got %#x", cn)
	}
	if sn>>63 != 1 {
		t.Fatalf("server nonce should have direction bit 1, got %#x", sn)
	}
}

func TestUnsealDetectsReplay(t *testing.T) {
	key := testKey(t)
	sender, _ := NewSealer(key, DirectionClientToServer)
	receiver, _ := NewSealer(key, DirectionClientToServer)

	nonce, _ := sender.NextNonce()
	sealed, err := sender.Seal(nonce, []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiver.Unseal(nonce, sealed); err != nil {
		t.Fatalf("first unseal: %v", err)
	}
	if _, err := receiver.Unseal(nonce, sealed); err != ErrNonceReuse {
		t.Fatalf("expected ErrNonceReuse on replay, got %v", err)
	}
}

func TestUnsealAcceptsReorderedNotYetSeenCounter(t *testing.T) {
	key := testKey(t)
	sender, _ := NewSealer(key, DirectionClientToServer)
	receiver, _ := NewSealer(key, DirectionClientToServer)

	var nonces []uint64
	var sealed [][]byte
	for i := 0; i < 3; i++ {
		n, _ := sender.NextNonce()
		s, err := sender.Seal(n, []byte("msg"))
		if err != nil {
			t.Fatal(err)
		}
		nonces = append(nonces, n)
		sealed = append(sealed, s)
	}

	// Deliver out of order: 2, 0, 1. Datagram 0 arrives after a higher counter has already been
	// seen, but it was never previously processed, so it must be accepted as reordering, not
	// flagged as a replay.
	order := []int{2, 0, 1}
	for _, idx := range order {
		if _, err := receiver.Unseal(nonces[idx], sealed[idx]); err != nil {
			t.Fatalf("unseal of reordered datagram %d failed: %v", idx, err)
		}
	}

	// Now an exact repeat of an already-processed counter must still be rejected.
	if _, err := receiver.Unseal(nonces[0], sealed[0]); err != ErrNonceReuse {
		t.Fatalf("expected ErrNonceReuse on exact repeat after reordering, got %v", err)
	}
}

func TestSealerEmptyPlaintext(t *testing.T) {
	key := testKey(t)
	s, _ := NewSealer(key, DirectionClientToServer)
	r, _ := NewSealer(key, DirectionClientToServer)
	nonce, _ := s.NextNonce()
	sealed, err := s.Seal(nonce, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != TagSize {
		t.Fatalf("empty-plaintext seal length = %d, want %d", len(sealed), TagSize)
	}
	got, err := r.Unseal(nonce, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %x", got)
	}
}

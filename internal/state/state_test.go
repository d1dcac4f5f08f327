package state

import "testing"

func TestDiffFromApplyDiffRoundTrip(t *testing.T) {
	s := FromBytes([]byte("hello"))
	tgt := s.Append([]byte(" world"))

	diff, err := tgt.DiffFrom(s)
	if err != nil {
		t.Fatal(err)
	}
	got := s.ApplyDiff(diff)
	if !got.Equal(tgt) {
		t.Fatalf("apply_diff(s, diff_from(s, t)) != t: got %q want %q", got.Raw(), tgt.Raw())
	}
}

func TestDiffFromRejectsNonPrefix(t *testing.T) {
	a := FromBytes([]byte("abc"))
	b := FromBytes([]byte("xyz"))
	if _, err := b.DiffFrom(a); err != ErrNotPrefix {
		t.Fatalf("expected ErrNotPrefix, got %v", err)
	}
}

func TestSubtractRemovesObservedPrefix(t *testing.T) {
	full := FromBytes([]byte("typed so far"))
	prefix := FromBytes([]byte("typed "))
	rest, err := full.Subtract(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if string(rest.Raw()) != "so far" {
		t.Fatalf("subtract result = %q, want %q", rest.Raw(), "so far")
	}
}

func TestInitialIsEmpty(t *testing.T) {
	if Initial().Len() != 0 {
		t.Fatalf("Initial() should be empty")
	}
}

func TestEqual(t *testing.T) {
	a := FromBytes([]byte("same"))
	b := FromBytes([]byte("same"))
	c := FromBytes([]byte("diff"))
	if !a.Equal(b) {
		t.Fatalf("equal states compared unequal")
	}
	if a.Equal(c) {
		t.Fatalf("unequal states compared equal")
	}
}

package vtsink

import "testing"

func TestWriteUpdatesCell(t *testing.T) {
	s := New(80, 24)
	if _, err := s.Write([]byte("A")); err != nil {
		t.Fatal(err)
	}
	if got := s.CellAt(0, 0); got != 'A' {
		t.Fatalf("CellAt(0,0) = %q, want 'A'", got)
	}
}

func TestResizeUpdatesDimensions(t *testing.T) {
	s := New(80, 24)
	s.Resize(100, 40)
	if s.Cols() != 100 || s.Rows() != 40 {
		t.Fatalf("dimensions after resize = (%d,%d), want (100,40)", s.Cols(), s.Rows())
	}
}

func TestCursorPositionTracksWrites(t *testing.T) {
	s := New(80, 24)
	if _, err := s.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	if s.CursorRow() != 0 || s.CursorCol() != 2 {
		t.Fatalf("cursor = (%d,%d), want (0,2)", s.CursorRow(), s.CursorCol())
	}
}

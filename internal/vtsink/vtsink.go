// Package vtsink adapts charmbracelet/x/vt's terminal emulator to the small FrameSource contract
// internal/predictor needs, and wires the full VT emulator in as the rendering backend for the
// rest of wmosh.
package vtsink

import (
	"github.com/charmbracelet/x/vt"
)

// Sink wraps a vt.SafeEmulator, feeding it the raw byte runs extracted from applied remote state
// diffs (internal/transport.ReceiveEvent.NewBytes) and exposing cursor/cell state for the
// predictor's confirmation pass.
type Sink struct {
	emu *vt.SafeEmulator
}

// New constructs a Sink with the given terminal grid dimensions.
func New(cols, rows int) *Sink {
	return &Sink{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write feeds bytes from the applied remote diff into the terminal emulator. Implements
// io.Writer so the session event loop can treat it uniformly with any other output sink.
func (s *Sink) Write(p []byte) (int, error) {
	return s.emu.Write(p)
}

// Resize informs the emulator of a new grid size, e.g. after a console window resize (callers
// should also call Predictor.Resize alongside this to flush pending predictions).
func (s *Sink) Resize(cols, rows int) {
	s.emu.Resize(cols, rows)
}

// Rows and Cols implement predictor.FrameSource.
func (s *Sink) Rows() int { return s.emu.Height() }
func (s *Sink) Cols() int { return s.emu.Width() }

// CellAt implements predictor.FrameSource: returns the single rune occupying (row, col), or the
// zero rune for an empty/blank cell.
func (s *Sink) CellAt(row, col int) rune {
	cell := s.emu.CellAt(col, row)
	if cell == nil || cell.Content == "" {
		return 0
	}
	return []rune(cell.Content)[0]
}

// CursorRow and CursorCol implement predictor.FrameSource.
func (s *Sink) CursorRow() int {
	return s.emu.CursorPosition().Y
}
func (s *Sink) CursorCol() int {
	return s.emu.CursorPosition().X
}

// Emulator exposes the underlying emulator for callers (e.g. a differential renderer) that need
// the full cell/style surface beyond FrameSource.
func (s *Sink) Emulator() *vt.SafeEmulator { return s.emu }

package predictor

import (
	"testing"
	"time"
)

type fakeFrame struct {
	rows, cols int
	cells      map[[2]int]rune
	curRow     int
	curCol     int
}

func newFakeFrame(rows, cols int) *fakeFrame {
	return &fakeFrame{rows: rows, cols: cols, cells: map[[2]int]rune{}}
}

func (f *fakeFrame) Rows() int               { return f.rows }
func (f *fakeFrame) Cols() int                { return f.cols }
func (f *fakeFrame) CursorRow() int           { return f.curRow }
func (f *fakeFrame) CursorCol() int           { return f.curCol }
func (f *fakeFrame) CellAt(row, col int) rune { return f.cells[[2]int{row, col}] }
func (f *fakeFrame) set(row, col int, r rune) { f.cells[[2]int{row, col}] = r }

func TestRegisterKeystrokeAdvancesShadowCursor(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 1, now)
	p.RegisterKeystroke('b', 2, now)
	if p.shadowRow != 0 || p.shadowCol != 2 {
		t.Fatalf("shadow cursor = (%d,%d), want (0,2)", p.shadowRow, p.shadowCol)
	}
	if p.Pending() != 2 {
		t.Fatalf("pending = %d, want 2", p.Pending())
	}
}

func TestRegisterKeystrokeWrapsAtLineEnd(t *testing.T) {
	p := New(Always, 24, 3)
	now := time.Now()
	p.RegisterKeystroke('a', 1, now)
	p.RegisterKeystroke('b', 1, now)
	p.RegisterKeystroke('c', 1, now)
	if p.shadowRow != 1 || p.shadowCol != 0 {
		t.Fatalf("shadow cursor after wrap = (%d,%d), want (1,0)", p.shadowRow, p.shadowCol)
	}
}

func TestNeverModeRecordsNoOverlay(t *testing.T) {
	p := New(Never, 24, 80)
	p.RegisterKeystroke('a', 1, time.Now())
	if p.Pending() != 0 {
		t.Fatalf("Never mode should record no predictions, got %d", p.Pending())
	}
}

func TestConfirmPromotesMatchingPrediction(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 5, now)

	frame := newFakeFrame(24, 80)
	frame.set(0, 0, 'a')

	p.Confirm(5, frame, now.Add(10*time.Millisecond))
	if p.Pending() != 0 {
		t.Fatalf("matching prediction should be retired, %d still pending", p.Pending())
	}
	if got := p.correctnessRatio(); got != 1 {
		t.Fatalf("correctnessRatio = %v, want 1", got)
	}
}

func TestConfirmDropsMismatchAndInvalidatesEpoch(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 5, now)
	p.RegisterKeystroke('b', 5, now)

	frame := newFakeFrame(24, 80)
	frame.set(0, 0, 'z') // mismatch on the first prediction
	frame.set(0, 1, 'b') // would have matched, but its epoch is invalidated

	p.Confirm(5, frame, now.Add(10*time.Millisecond))
	if p.Pending() != 0 {
		t.Fatalf("both predictions share an epoch and should both be dropped on mismatch, %d left", p.Pending())
	}
}

func TestFlushOnUnexpectedCursorJumpBumpsEpoch(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 5, now)
	epochBefore := p.Epoch()

	p.SyncCursor(5, 5) // unexpected jump, nothing to do with typed "a"
	if p.Epoch() == epochBefore {
		t.Fatalf("epoch did not bump on unexpected cursor jump")
	}
	if p.Pending() != 0 {
		t.Fatalf("pending predictions should be flushed on unexpected cursor jump")
	}
}

func TestEpochTimeoutExpiresPrediction(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 5, now)

	frame := newFakeFrame(24, 80)
	p.Confirm(5, frame, now.Add(EpochTimeout+time.Millisecond))
	if p.Pending() != 0 {
		t.Fatalf("prediction should have silently expired, %d still pending", p.Pending())
	}
}

func TestAdaptiveRequiresHighCorrectnessAndGlitch(t *testing.T) {
	p := New(Adaptive, 24, 80)
	now := time.Now()
	frame := newFakeFrame(24, 80)

	// Feed enough correct confirmations to clear the high-water mark, but confirmed almost
	// immediately (no observed glitch) -- adaptive mode should still withhold the overlay.
	for i := 0; i < historyWindow; i++ {
		p.RegisterKeystroke('a', uint64(i+1), now)
		frame.set(0, i, 'a')
		p.Confirm(uint64(i+1), frame, now.Add(10*time.Millisecond))
	}
	if p.ShouldDisplay() {
		t.Fatalf("adaptive mode should not display without an observed glitch")
	}

	p.RegisterKeystroke('b', uint64(historyWindow+2), now)
	frame.set(0, historyWindow, 'b')
	p.Confirm(uint64(historyWindow+2), frame, now.Add(GlitchThreshold+time.Millisecond))
	if !p.ShouldDisplay() {
		t.Fatalf("adaptive mode should display once correctness is high and a glitch was observed")
	}
}

func TestAdaptiveWithholdsOnLowCorrectness(t *testing.T) {
	p := New(Adaptive, 24, 80)
	now := time.Now()
	frame := newFakeFrame(24, 80)

	for i := 0; i < historyWindow; i++ {
		p.RegisterKeystroke('a', uint64(i+1), now)
		frame.set(0, 0, 'z') // always wrong
		p.Confirm(uint64(i+1), frame, now.Add(GlitchThreshold+time.Millisecond))
	}
	if p.ShouldDisplay() {
		t.Fatalf("adaptive mode should withhold predictions when correctness is low")
	}
}

func TestAdaptiveWithholdsMidRunBeforeAnyGlitchObserved(t *testing.T) {
	p := New(Adaptive, 24, 80)
	now := time.Now()

	// A fresh typing run with unconfirmed predictions still pending must not display: having
	// predictions in flight is not itself evidence that prediction is beneficial.
	p.RegisterKeystroke('a', 1, now)
	p.RegisterKeystroke('b', 2, now)
	if p.ShouldDisplay() {
		t.Fatalf("adaptive mode should not display before any confirmation has observed a glitch")
	}
}

func TestOverlayReflectsPendingPredictions(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('h', 1, now)
	p.RegisterKeystroke('i', 1, now)

	overlay := p.Overlay()
	if len(overlay) != 2 {
		t.Fatalf("overlay len = %d, want 2", len(overlay))
	}
	if overlay[0].Glyph != 'h' || overlay[1].Glyph != 'i' {
		t.Fatalf("unexpected overlay contents: %+v", overlay)
	}
}

func TestBackspacePredictsSpace(t *testing.T) {
	p := New(Always, 24, 80)
	now := time.Now()
	p.RegisterKeystroke('a', 1, now)
	p.RegisterKeystroke(ctrlBackspace, 1, now)
	if p.shadowCol != 0 {
		t.Fatalf("shadow col after backspace = %d, want 0", p.shadowCol)
	}
	overlay := p.Overlay()
	if len(overlay) != 2 || overlay[1].Glyph != ' ' {
		t.Fatalf("expected backspace to predict a space glyph, got %+v", overlay)
	}
}

// Package predictor implements the local echo predictor: a speculative overlay of unacknowledged
// keystrokes on the remote framebuffer, with an adaptive enable/disable policy driven by
// observed server confirmations.
package predictor

import (
	"time"
)

// Mode is the predictor's confidence mode.
type Mode int

const (
	Always Mode = iota
	Adaptive
	Never
)

const (
	// GlitchThreshold: an echo arriving later than this after the keystroke was typed counts as
	// "prediction would have been beneficial" for the adaptive policy.
	GlitchThreshold = 250 * time.Millisecond
	// EpochTimeout: predictions older than this with no confirmation are discarded.
	EpochTimeout = 1500 * time.Millisecond
	// historyWindow: N in the adaptive policy's rolling correctness ratio.
	historyWindow = 20
	// highWaterMark: the correctness ratio threshold for displaying predictions in Adaptive mode.
	highWaterMark = 0.90
)

// FrameSource is the minimal read-only view onto the remote terminal framebuffer the predictor
// needs: cell contents and cursor position. The actual VT emulator is a separate collaborator;
// this interface is the only contract the predictor has with it.
type FrameSource interface {
	Rows() int
	Cols() int
	CellAt(row, col int) rune
	CursorRow() int
	CursorCol() int
}

// Prediction is one pending speculative keystroke: the cell it expects to occupy once the
// corresponding local state is acknowledged.
type Prediction struct {
	ConfirmNum uint64 // local-side sequence number this prediction is confirmed at
	Row, Col   int
	Expected   rune
	CreatedAt  time.Time
	Epoch      uint64
}

// The control codes below are the whitelist the predictor treats as having a predictable cursor
// effect, in addition to 7-bit printable characters (see isPredictable).
const (
	ctrlBackspace = 0x08
	ctrlCR        = 0x0D
	ctrlLF        = 0x0A
)

// Predictor holds the pending prediction list, the shadow cursor used to speculatively advance
// through typed bytes, and the adaptive display policy's rolling state.
type Predictor struct {
	mode Mode

	rows, cols int
	shadowRow  int
	shadowCol  int

	pending []Prediction
	epoch   uint64

	history    [historyWindow]bool
	historyLen int
	historyPos int

	lastEchoLatencyBeneficial bool
	typingRunActive           bool
	// showingThisRun is sticky once Confirm observes a beneficial (high-correctness, laggy) echo:
	// it keeps the overlay visible for the remainder of the current typing run even if a later
	// individual confirmation is fast, and is cleared on Flush.
	showingThisRun bool
}

// New constructs a Predictor in the given mode, sized to an initial rows x cols grid.
func New(mode Mode, rows, cols int) *Predictor {
	return &Predictor{mode: mode, rows: rows, cols: cols}
}

// SetMode changes the confidence mode, e.g. in response to a runtime toggle exposed on the CLI.
func (p *Predictor) SetMode(m Mode) { p.mode = m }

// Resize updates the known grid dimensions and flushes pending predictions, since a resize's
// effect on layout is not predictable (mirrors upstream Mosh's behavior of resetting the
// prediction engine on resize).
func (p *Predictor) Resize(rows, cols int) {
	p.rows, p.cols = rows, cols
	p.Flush()
}

// SyncCursor informs the predictor of the framebuffer's actual cursor position. If it doesn't
// match where the shadow cursor expected it to be, every pending prediction is invalidated and
// the epoch is bumped.
func (p *Predictor) SyncCursor(row, col int) {
	if len(p.pending) > 0 && (row != p.shadowRow || col != p.shadowCol) {
		p.Flush()
	}
	p.shadowRow, p.shadowCol = row, col
}

// Flush discards all pending predictions and bumps the epoch. Never treated as fatal -- it's the
// normal response to any detected prediction/framebuffer mismatch.
func (p *Predictor) Flush() {
	p.pending = nil
	p.epoch++
	p.typingRunActive = false
	p.showingThisRun = false
}

// isPredictable reports whether b is a 7-bit printable character or one of the conservative
// whitelisted control codes the predictor advances the shadow cursor for.
func isPredictable(b byte) bool {
	if b >= 0x20 && b < 0x7F {
		return true
	}
	switch b {
	case ctrlBackspace, ctrlCR, ctrlLF:
		return true
	}
	return false
}

// RegisterKeystroke advances the shadow cursor for one typed byte and, if the byte is
// predictable, records an overlay prediction confirmed once confirmNum is acknowledged by the
// peer. Bytes that aren't predictable still pass through to the input queue (handled by the
// caller) but create no overlay.
func (p *Predictor) RegisterKeystroke(b byte, confirmNum uint64, now time.Time) {
	if p.mode == Never {
		return
	}
	if !isPredictable(b) {
		return
	}
	p.typingRunActive = true

	switch b {
	case ctrlBackspace:
		if p.shadowCol > 0 {
			p.shadowCol--
		}
		p.pending = append(p.pending, Prediction{
			ConfirmNum: confirmNum, Row: p.shadowRow, Col: p.shadowCol,
			Expected: ' ', CreatedAt: now, Epoch: p.epoch,
		})
	case ctrlCR:
		p.shadowCol = 0
		p.pending = append(p.pending, Prediction{
			ConfirmNum: confirmNum, Row: p.shadowRow, Col: 0,
			Expected: 0, CreatedAt: now, Epoch: p.epoch,
		})
	case ctrlLF:
		if p.shadowRow < p.rows-1 {
			p.shadowRow++
		}
		p.pending = append(p.pending, Prediction{
			ConfirmNum: confirmNum, Row: p.shadowRow, Col: p.shadowCol,
			Expected: 0, CreatedAt: now, Epoch: p.epoch,
		})
	default:
		r := rune(b)
		row, col := p.shadowRow, p.shadowCol
		p.pending = append(p.pending, Prediction{
			ConfirmNum: confirmNum, Row: row, Col: col,
			Expected: r, CreatedAt: now, Epoch: p.epoch,
		})
		p.shadowCol++
		if p.shadowCol >= p.cols {
			p.shadowCol = 0
			if p.shadowRow < p.rows-1 {
				p.shadowRow++
			}
		}
	}
}

// recordCorrectness pushes one outcome into the rolling correctness ratio's ring buffer.
func (p *Predictor) recordCorrectness(correct bool) {
	p.history[p.historyPos] = correct
	p.historyPos = (p.historyPos + 1) % historyWindow
	if p.historyLen < historyWindow {
		p.historyLen++
	}
}

// correctnessRatio returns the fraction of the last (up to historyWindow) confirmations that
// were correct.
func (p *Predictor) correctnessRatio() float64 {
	if p.historyLen == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < p.historyLen; i++ {
		if p.history[i] {
			correct++
		}
	}
	return float64(correct) / float64(p.historyLen)
}

// Confirm processes a newly-acknowledged peer ack_num against the actual framebuffer: matches are
// promoted (then retired), mismatches drop the prediction and everything later in its epoch. The
// adaptive beneficial-or-not signal is derived from each individual prediction's own echo latency
// (now minus its CreatedAt), not a smoothed RTT estimate -- a single slow keystroke should count as
// a glitch even while the connection's overall RTT looks fine.
func (p *Predictor) Confirm(peerAckNum uint64, frame FrameSource, now time.Time) {
	var kept []Prediction
	var confirmedAny, sawGlitch bool
	invalidatedEpoch := map[uint64]bool{}
	for _, pred := range p.pending {
		if invalidatedEpoch[pred.Epoch] {
			continue
		}
		if now.Sub(pred.CreatedAt) > EpochTimeout {
			continue // silently expired
		}
		if pred.ConfirmNum > peerAckNum {
			kept = append(kept, pred)
			continue
		}
		confirmedAny = true
		if now.Sub(pred.CreatedAt) > GlitchThreshold {
			sawGlitch = true
		}
		actual := frame.CellAt(pred.Row, pred.Col)
		if pred.Expected == 0 || actual == pred.Expected {
			p.recordCorrectness(true)
			// matched (or a non-glyph control prediction with nothing to compare) -- retire.
		} else {
			p.recordCorrectness(false)
			invalidatedEpoch[pred.Epoch] = true
		}
	}
	p.pending = kept

	if confirmedAny {
		p.lastEchoLatencyBeneficial = sawGlitch
	}
	if p.correctnessRatio() >= highWaterMark && p.lastEchoLatencyBeneficial {
		p.showingThisRun = true
	}
}

// ShouldDisplay implements the adaptive policy: always/never modes are unconditional; Adaptive
// mode shows predictions once Confirm has observed a beneficial (high-correctness, laggy) echo
// during the current typing run -- showingThisRun stays set, sticky, until the run ends (Flush),
// so a later fast confirmation doesn't flicker the overlay back off mid-run.
func (p *Predictor) ShouldDisplay() bool {
	switch p.mode {
	case Always:
		return true
	case Never:
		return false
	default:
		return p.typingRunActive && p.showingThisRun
	}
}

// OverlayCell is one cell the renderer should draw with the predictive (underlined) treatment.
type OverlayCell struct {
	Row, Col int
	Glyph    rune
}

// Overlay returns the cells to draw speculatively atop frame, or nil if ShouldDisplay is false.
func (p *Predictor) Overlay() []OverlayCell {
	if !p.ShouldDisplay() {
		return nil
	}
	var out []OverlayCell
	for _, pred := range p.pending {
		if pred.Expected == 0 {
			continue
		}
		out = append(out, OverlayCell{Row: pred.Row, Col: pred.Col, Glyph: pred.Expected})
	}
	return out
}

// Pending reports the number of unconfirmed predictions currently tracked.
func (p *Predictor) Pending() int { return len(p.pending) }

// Epoch returns the current epoch counter.
func (p *Predictor) Epoch() uint64 { return p.epoch }

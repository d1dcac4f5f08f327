// Package transport implements the dual state queues, send scheduler, ack scheduler and RTT
// estimator that together form the SSP transport engine.
package transport

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronostruct/wmosh/internal/state"
	"github.com/chronostruct/wmosh/internal/statequeue"
	"github.com/chronostruct/wmosh/internal/wire"
)

// RetentionWindow is K in throwaway_num = max(0, ack_num - K): how many states back from our
// current ack point we still let the peer keep around. 1024 matches upstream Mosh's observed
// retention depth; see DESIGN.md.
const RetentionWindow = 1024

// SessionTimeout is the fatal timeout: no successful datagram processed in this long means the
// connection is considered lost.
const SessionTimeout = 60 * time.Second

// Engine holds everything the transport layer needs: two state queues, the RTT estimator, and
// the bookkeeping the send/receive paths need. It performs no I/O itself;
// internal/session drives it from the single-threaded event loop, feeding in wall-clock time and
// received datagrams and taking encoded datagrams to actually write to the socket.
type Engine struct {
	codec *wire.Codec
	log   *logrus.Entry

	local  *statequeue.Queue // what this side has typed / produced
	remote *statequeue.Queue // what the peer has told us about its side

	state SessionState

	peerAckNum     uint64 // highest ack_num the peer has sent us (non-decreasing)
	havePeerAck    bool
	lastSentAckNum uint64 // ack_num value we last transmitted

	rtt        *RTTEstimator
	lastSendAt time.Time
	lastDatagramAt time.Time
	haveLastDatagram bool
}

// NewEngine constructs an Engine in the Bootstrapping state. Receive transitions it to Connected
// (via MarkConnected) once the first datagram successfully unseals.
func NewEngine(codec *wire.Codec, now time.Time, log *logrus.Entry) *Engine {
	nowMillis := now.UnixMilli()
	return &Engine{
		codec:      codec,
		log:        log,
		local:      statequeue.New(nowMillis),
		remote:     statequeue.New(nowMillis),
		state:      Bootstrapping,
		rtt:        NewRTTEstimator(),
		lastSendAt: now,
	}
}

// State returns the current session state machine value.
func (e *Engine) State() SessionState { return e.state }

// MarkConnected transitions Bootstrapping -> Connected. A no-op once already past Bootstrapping.
func (e *Engine) MarkConnected() {
	if e.state == Bootstrapping {
		e.state = Connected
	}
}

// MarkDraining transitions to Draining, e.g. on user-initiated quit.
func (e *Engine) MarkDraining() {
	if e.state != Closed {
		e.state = Draining
	}
}

// MarkClosed transitions to the terminal Closed state.
func (e *Engine) MarkClosed() { e.state = Closed }

// RegisterLocalChange appends a new local state, e.g. after the user types a keystroke.
func (e *Engine) RegisterLocalChange(now time.Time, s state.Bytes) uint64 {
	return e.local.NewState(now.UnixMilli(), s)
}

// LocalQueue and RemoteQueue expose the underlying queues for components (the predictor, the
// renderer) that need read access without routing every lookup through the engine.
func (e *Engine) LocalQueue() *statequeue.Queue  { return e.local }
func (e *Engine) RemoteQueue() *statequeue.Queue { return e.remote }

// RTT exposes the RTT estimator for display/diagnostics.
func (e *Engine) RTT() *RTTEstimator { return e.rtt }

// PeerAckNum returns the highest ack_num the peer has confirmed (non-decreasing across the
// session).
func (e *Engine) PeerAckNum() (num uint64, ok bool) { return e.peerAckNum, e.havePeerAck }

// dataPending reports whether the local side has advanced past what the peer has acknowledged.
func (e *Engine) dataPending() bool {
	latest := e.local.Latest()
	if !e.havePeerAck {
		return latest.Num != 0
	}
	basis, err := e.local.Get(e.peerAckNum)
	if err != nil {
		// Our basis was pruned out from under us; treat as pending so we resync with whatever
		// the oldest retained basis is.
		return true
	}
	return !latest.State.Equal(basis.State)
}

// ackPending reports whether we've received a remote state newer than the one we last told the
// peer we'd acknowledged.
func (e *Engine) ackPending() bool {
	return e.remote.Latest().Num > e.lastSentAckNum
}

// NextDeadline reports when Tick should next be invoked to (re)evaluate sending, per the
// three-tier scheduling rule. The session event loop uses this as one of the readiness sources
// it selects over.
func (e *Engine) NextDeadline(now time.Time) time.Time {
	return nextSendDeadline(now, e.lastSendAt, e.rtt.SRTT(), e.dataPending(), e.ackPending())
}

// Tick evaluates the send scheduler and, if it is time, builds and encodes the next Instruction.
// Returns nil datagrams if nothing is due yet.
func (e *Engine) Tick(now time.Time) ([][]byte, error) {
	if e.state == Closed {
		return nil, nil
	}
	deadline := e.NextDeadline(now)
	if deadline.After(now) {
		return nil, nil
	}
	return e.send(now)
}

// send builds and encodes the next outbound Instruction.
func (e *Engine) send(now time.Time) ([][]byte, error) {
	newEntry := e.local.Latest()

	oldNum := e.peerAckNum
	if !e.havePeerAck {
		oldNum = e.local.Oldest().Num
	}
	oldEntry, err := e.local.Get(oldNum)
	if err != nil {
		// Basis pruned; fall back to the earliest we still have and accept a larger diff.
		oldEntry = e.local.Oldest()
		oldNum = oldEntry.Num
	}

	diff, err := newEntry.State.DiffFrom(oldEntry.State)
	if err != nil {
		return nil, err
	}

	ackNum := e.remote.Latest().Num
	var throwawayNum uint64
	if ackNum > RetentionWindow {
		throwawayNum = ackNum - RetentionWindow
	}

	instruction := &wire.Instruction{
		OldNum:       oldNum,
		NewNum:       newEntry.Num,
		AckNum:       ackNum,
		ThrowawayNum: throwawayNum,
		Diff:         wire.EncodeDiff(diff),
		Quit:         e.state == Draining,
	}

	datagrams, err := e.codec.EncodeInstruction(instruction)
	if err != nil {
		return nil, err
	}

	e.lastSendAt = now
	e.lastSentAckNum = ackNum
	e.remote.Prune(throwawayNum, ackNum)
	return datagrams, nil
}

// Close transitions the session to Draining (if not already) and sends one final Instruction
// marked Quit, then transitions to Closed. Callers should write the returned datagrams to the
// socket before tearing down the connection; no further sends happen once Close returns.
func (e *Engine) Close(now time.Time) ([][]byte, error) {
	e.MarkDraining()
	datagrams, err := e.send(now)
	e.MarkClosed()
	return datagrams, err
}

// ReceiveEvent summarizes what happened while processing one inbound datagram, for the session
// loop to act on (e.g. notifying the predictor).
type ReceiveEvent struct {
	// Applied is non-nil if a new remote state was applied this call.
	Applied *statequeue.Entry
	// NewBytes is the raw byte run extracted from the applied diff, handed to the VT emulator.
	NewBytes []byte
	// PeerQuitting is true if this datagram carried the peer's own final (Quit) Instruction.
	PeerQuitting bool
}

// Receive processes one inbound datagram. Authentication and decode failures are reported as
// errors but are NOT fatal -- callers must treat them as a silent drop and continue the event
// loop; only errors satisfying IsFatal should tear the session down.
func (e *Engine) Receive(now time.Time, datagram []byte) (*ReceiveEvent, error) {
	result, err := e.codec.Decode(datagram)
	if err != nil {
		return nil, err
	}
	if result.HasRTTSample {
		e.rtt.Update(time.Duration(result.RTTSample) * time.Millisecond)
	}

	e.haveLastDatagram = true
	e.lastDatagramAt = now

	if e.state == Bootstrapping {
		e.MarkConnected()
	}

	if result.Instruction == nil {
		// Only part of a fragmented instruction arrived so far; nothing more to do yet.
		return &ReceiveEvent{}, nil
	}
	in := result.Instruction

	if in.NewNum <= e.remote.Latest().Num {
		// Already applied, or a stale reorder -- drop.
		return &ReceiveEvent{}, nil
	}

	oldEntry, err := e.remote.Get(in.OldNum)
	if err != nil {
		return nil, ErrDiffBaseMissing
	}

	diff, err := wire.DecodeDiff(in.Diff)
	if err != nil {
		return nil, ErrDecodeFailure
	}

	newState := oldEntry.State.ApplyDiff(diff)
	e.remote.AppendAt(in.NewNum, now.UnixMilli(), newState)

	if !e.havePeerAck || in.AckNum > e.peerAckNum {
		e.peerAckNum = in.AckNum
		e.havePeerAck = true
	}
	e.local.Prune(in.ThrowawayNum, e.peerAckNum)

	entry := e.remote.Latest()
	return &ReceiveEvent{Applied: &entry, NewBytes: diff, PeerQuitting: in.Quit}, nil
}

// CheckTimeout returns ErrSessionTimeout if no datagram has been successfully processed within
// SessionTimeout. Called by the event loop alongside its deadline handling.
func (e *Engine) CheckTimeout(now time.Time) error {
	if !e.haveLastDatagram {
		return nil
	}
	if now.Sub(e.lastDatagramAt) > SessionTimeout {
		return ErrSessionTimeout
	}
	return nil
}

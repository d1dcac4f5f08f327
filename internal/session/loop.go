// Package session implements the single-threaded cooperative event loop driving a client
// session: one select over inbound datagrams, local input, and the transport engine's next send
// deadline. Mirrors the shape of Mosh's own 3-clause select loop (stdin, remote datagrams,
// window resize), translated into Go's channel-based select idiom.
package session

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronostruct/wmosh/internal/predictor"
	"github.com/chronostruct/wmosh/internal/state"
	"github.com/chronostruct/wmosh/internal/transport"
)

// FrameSink is what the event loop writes applied remote bytes into and reads cursor/cell state
// back from for the predictor's confirmation pass -- satisfied by internal/vtsink.Sink.
type FrameSink interface {
	predictor.FrameSource
	Write(p []byte) (int, error)
	Resize(cols, rows int)
}

// Loop owns the transport engine, the predictor, and the frame sink, and drives all three from
// one goroutine. It performs no internal locking: everything below is only ever touched from the
// single goroutine running Run.
type Loop struct {
	conn       net.PacketConn
	remoteAddr net.Addr

	engine    *transport.Engine
	predictor *predictor.Predictor
	sink      FrameSink
	log       *logrus.Entry

	localText []byte

	datagrams chan []byte
	input     chan []byte
	resize    chan [2]int
}

// New constructs a Loop. conn/remoteAddr are the already-established authenticated UDP socket;
// datagrams/input are fed by small reader goroutines the caller starts (e.g. one blocking on
// conn.ReadFrom, one on console input) since a single select cannot itself block on multiple
// blocking reads without them.
func New(conn net.PacketConn, remoteAddr net.Addr, engine *transport.Engine, pred *predictor.Predictor,
	sink FrameSink, log *logrus.Entry) *Loop {
	return &Loop{
		conn:       conn,
		remoteAddr: remoteAddr,
		engine:     engine,
		predictor:  pred,
		sink:       sink,
		log:        log,
		datagrams:  make(chan []byte, 64),
		input:      make(chan []byte, 256),
		resize:     make(chan [2]int, 4),
	}
}

// Datagrams returns the channel a reader goroutine should feed inbound UDP packets into.
func (l *Loop) Datagrams() chan<- []byte { return l.datagrams }

// Input returns the channel a reader goroutine should feed typed input bytes into.
func (l *Loop) Input() chan<- []byte { return l.input }

// Resize returns the channel a console resize watcher should feed new (cols, rows) pairs into.
func (l *Loop) Resize() chan<- [2]int { return l.resize }

// Run is the single select loop. It returns when ctx is cancelled or a fatal error occurs;
// non-fatal errors are logged and the loop continues.
func (l *Loop) Run(ctx context.Context) error {
	for {
		now := time.Now()
		deadline := l.engine.NextDeadline(now)
		wait := deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return l.close()

		case dg := <-l.datagrams:
			timer.Stop()
			if err := l.handleDatagram(dg); err != nil {
				if transport.IsFatal(err) {
					return err
				}
				l.log.WithError(err).Debug("dropping inbound datagram")
			}

		case b := <-l.input:
			timer.Stop()
			l.handleInput(b)

		case dims := <-l.resize:
			timer.Stop()
			l.sink.Resize(dims[0], dims[1])
			l.predictor.Resize(dims[1], dims[0])

		case <-timer.C:
		}

		if err := l.flushSends(time.Now()); err != nil {
			return err
		}
		if err := l.engine.CheckTimeout(time.Now()); err != nil {
			return err
		}
	}
}

// close sends one final Quit-marked Instruction and transitions the engine to Closed, for a
// clean (status 0) exit on user-initiated quit. Errors writing the last datagram are reported,
// but the engine has already reached Closed either way.
func (l *Loop) close() error {
	datagrams, err := l.engine.Close(time.Now())
	if err != nil {
		return err
	}
	for _, dg := range datagrams {
		if _, err := l.conn.WriteTo(dg, l.remoteAddr); err != nil {
			return err
		}
	}
	return nil
}

// handleDatagram processes one inbound UDP packet: decode, apply to the remote state queue,
// write any new bytes into the frame sink, and run the predictor's confirmation pass.
func (l *Loop) handleDatagram(dg []byte) error {
	now := time.Now()
	ev, err := l.engine.Receive(now, dg)
	if err != nil {
		return err
	}
	if ev.Applied == nil {
		return nil
	}
	if ev.PeerQuitting {
		l.log.Info("peer is closing the session")
	}
	if len(ev.NewBytes) > 0 {
		if _, err := l.sink.Write(ev.NewBytes); err != nil {
			l.log.WithError(err).Warn("frame sink write failed")
		}
	}
	l.predictor.SyncCursor(l.sink.CursorRow(), l.sink.CursorCol())
	if ack, ok := l.engine.PeerAckNum(); ok {
		l.predictor.Confirm(ack, l.sink, now)
	}
	return nil
}

// handleInput processes locally typed bytes: extends the cumulative local state and registers a
// speculative prediction for each predictable byte. The underlying network write happens on the
// next send-scheduler deadline via flushSends, not immediately -- the scheduler intentionally
// coalesces bursts of typing into the send cadence.
func (l *Loop) handleInput(b []byte) {
	now := time.Now()
	l.localText = append(l.localText, b...)
	num := l.engine.RegisterLocalChange(now, state.FromBytes(append([]byte{}, l.localText...)))
	for _, c := range b {
		l.predictor.RegisterKeystroke(c, num, now)
	}
}

// flushSends asks the transport engine whether it's time to send and, if so, writes the
// resulting datagram(s) to the socket.
func (l *Loop) flushSends(now time.Time) error {
	datagrams, err := l.engine.Tick(now)
	if err != nil {
		return err
	}
	for _, dg := range datagrams {
		if _, err := l.conn.WriteTo(dg, l.remoteAddr); err != nil {
			return err
		}
	}
	return nil
}

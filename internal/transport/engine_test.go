package transport

import (
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chronostruct/wmosh/internal/crypto"
	"github.com/chronostruct/wmosh/internal/netsim"
	"github.com/chronostruct/wmosh/internal/state"
	"github.com/chronostruct/wmosh/internal/wire"
)

type fakeClock struct{ t uint16 }

func (f *fakeClock) NowMillis16() uint16 { return f.t }

func newEnginePair(t *testing.T, now time.Time) (*Engine, *Engine) {
	t.Helper()
	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	clientSend, _ := crypto.NewSealer(key, crypto.DirectionClientToServer)
	clientRecv, _ := crypto.NewSealer(key, crypto.DirectionServerToClient)
	serverSend, _ := crypto.NewSealer(key, crypto.DirectionServerToClient)
	serverRecv, _ := crypto.NewSealer(key, crypto.DirectionClientToServer)

	log := logrus.NewEntry(logrus.New())
	clientCodec := wire.NewCodec(clientSend, clientRecv, &fakeClock{})
	serverCodec := wire.NewCodec(serverSend, serverRecv, &fakeClock{})

	client := NewEngine(clientCodec, now, log)
	server := NewEngine(serverCodec, now, log)
	return client, server
}

func deliver(t *testing.T, from, to *Engine, now time.Time, datagrams [][]byte) *ReceiveEvent {
	t.Helper()
	var last *ReceiveEvent
	for _, dg := range datagrams {
		ev, err := to.Receive(now, dg)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		last = ev
	}
	return last
}

func TestEchoRoundTrip(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	client.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	datagrams, err := client.send(now)
	if err != nil {
		t.Fatal(err)
	}

	ev := deliver(t, client, server, now, datagrams)
	if ev.Applied == nil || string(ev.NewBytes) != "a" {
		t.Fatalf("server did not apply client's keystroke: %+v", ev)
	}

	server.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	echoDatagrams, err := server.send(now)
	if err != nil {
		t.Fatal(err)
	}
	ev = deliver(t, server, client, now, echoDatagrams)
	if ev.Applied == nil || string(ev.NewBytes) != "a" {
		t.Fatalf("client did not observe server's echo: %+v", ev)
	}
}

func TestPeerAckNumNonDecreasing(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	client.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	d1, _ := client.send(now)
	deliver(t, client, server, now, d1)

	server.RegisterLocalChange(now, state.FromBytes([]byte("x")))
	e1, _ := server.send(now)
	deliver(t, server, client, now, e1)
	ack1, _ := client.PeerAckNum()

	client.RegisterLocalChange(now, state.FromBytes([]byte("ab")))
	d2, _ := client.send(now)
	deliver(t, client, server, now, d2)

	server.RegisterLocalChange(now, state.FromBytes([]byte("xy")))
	e2, _ := server.send(now)
	deliver(t, server, client, now, e2)
	ack2, _ := client.PeerAckNum()

	if ack2 < ack1 {
		t.Fatalf("peer ack num decreased: %d -> %d", ack1, ack2)
	}
}

func TestDropThenRecoverCumulativeDiff(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	// Five consecutive "sends" happen on the server side but their datagrams never reach the
	// client (simulating five lost datagrams); the sixth send's diff is computed from the
	// client's last-acked basis and so naturally carries the cumulative change.
	text := "a"
	for i := 0; i < 5; i++ {
		text += "x"
		server.RegisterLocalChange(now, state.FromBytes([]byte(text)))
		if _, err := server.send(now); err != nil {
			t.Fatal(err)
		}
	}
	text += "x"
	server.RegisterLocalChange(now, state.FromBytes([]byte(text)))
	datagrams, err := server.send(now)
	if err != nil {
		t.Fatal(err)
	}

	ev := deliver(t, server, client, now, datagrams)
	if ev.Applied == nil {
		t.Fatalf("client failed to apply the cumulative diff")
	}
	if string(ev.NewBytes) != text {
		t.Fatalf("expected cumulative diff %q, got %q", text, ev.NewBytes)
	}
	if client.RemoteQueue().Latest().Num != ev.Applied.Num {
		t.Fatalf("remote queue did not record the jumped sequence number")
	}
}

func TestReceiveDropsStaleDiffBase(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	server.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	d, _ := server.send(now)
	deliver(t, server, client, now, d)

	// Craft an instruction referencing an old_num the client's remote queue never held.
	badInstruction := &wire.Instruction{OldNum: 999, NewNum: 5, Diff: wire.EncodeDiff([]byte("z"))}
	payload := badInstruction.Marshal()
	frags := wire.Split(5, payload)
	frame := wire.PlaintextFrame(0, wire.TimestampSentinel, frags[0].Encode())

	key := make([]byte, 16)
	for i := range key {
		key[i] = byte(i)
	}
	sender, _ := crypto.NewSealer(key, crypto.DirectionServerToClient)
	// Burn nonces to roughly track where `server`'s sealer is; since this is a synthetic
	// datagram we just need a nonce higher than any already used by server's real sealer.
	for i := 0; i < 10; i++ {
		sender.NextNonce()
	}
	nonce, _ := sender.NextNonce()
	sealed, err := sender.Seal(nonce, frame)
	if err != nil {
		t.Fatal(err)
	}
	nb := crypto.EncodeNonce(nonce)
	datagram := append(append([]byte{}, nb[:]...), sealed...)

	if _, err := client.Receive(now, datagram); err != ErrDiffBaseMissing {
		t.Fatalf("expected ErrDiffBaseMissing, got %v", err)
	}
}

func TestSendCadenceWithinBounds(t *testing.T) {
	now := time.Now()
	client, _ := newEnginePair(t, now)
	client.RegisterLocalChange(now, state.FromBytes([]byte("a")))

	for _, srtt := range []time.Duration{0, 1 * time.Millisecond, 100 * time.Millisecond, 10 * time.Second} {
		client.rtt = NewRTTEstimator()
		client.rtt.Update(srtt)
		deadline := client.NextDeadline(now)
		interval := deadline.Sub(client.lastSendAt)
		if interval < minSendInterval || interval > maxSendInterval {
			t.Fatalf("srtt %v produced out-of-bounds send interval %v", srtt, interval)
		}
	}
}

// TestEngineOverDelayedPipe exercises two real Engines across a net.Pipe whose client->server
// leg is wrapped in netsim.Delay, so a sent datagram genuinely cannot reach the server's Receive
// before the configured network latency has elapsed.
func TestEngineOverDelayedPipe(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	const delay = 30 * time.Millisecond
	delayed := netsim.Delay(clientConn, delay, 8)
	defer delayed.Close()

	client.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	datagrams, err := client.send(now)
	if err != nil {
		t.Fatal(err)
	}

	received := make(chan error, 1)
	go func() {
		buf := make([]byte, wire.MTU)
		n, err := serverConn.Read(buf)
		if err != nil {
			received <- err
			return
		}
		_, err = server.Receive(time.Now(), buf[:n])
		received <- err
	}()

	start := time.Now()
	for _, dg := range datagrams {
		if _, err := delayed.Write(dg); err != nil {
			t.Fatal(err)
		}
	}
	if err := <-received; err != nil {
		t.Fatalf("server failed to receive delayed datagram: %v", err)
	}
	if elapsed := time.Since(start); elapsed < delay {
		t.Fatalf("datagram reached the server after %v, before the configured %v delay", elapsed, delay)
	}
}

func TestSessionTimeout(t *testing.T) {
	now := time.Now()
	client, server := newEnginePair(t, now)

	client.RegisterLocalChange(now, state.FromBytes([]byte("a")))
	d, _ := client.send(now)
	deliver(t, client, server, now, d)

	if err := server.CheckTimeout(now.Add(SessionTimeout + time.Second)); err != ErrSessionTimeout {
		t.Fatalf("expected ErrSessionTimeout after idle period, got %v", err)
	}
	if err := server.CheckTimeout(now.Add(SessionTimeout / 2)); err != nil {
		t.Fatalf("expected no timeout before the window elapses, got %v", err)
	}
}

package wire

import (
	"github.com/chronostruct/wmosh/internal/crypto"
)

// Clock supplies millisecond-resolution, mod-65536 timestamps from a monotonic source.
// Production code backs this with time.Now() against a fixed epoch; tests supply a fake for
// determinism.
type Clock interface {
	NowMillis16() uint16
}

// Codec ties together sealing, timestamp framing and fragmentation/reassembly for one direction
// pair of a session: Encode produces the datagrams to send for one Instruction; Decode consumes
// received datagrams, unsealing and (once complete) handing back the original payload plus RTT
// timing inputs.
type Codec struct {
	sendSealer *crypto.Sealer
	recvSealer *crypto.Sealer
	clock      Clock

	lastPeerTimestamp    uint16
	haveLastPeerTimestamp bool
	lastPeerTimestampAt   uint16 // local clock reading when lastPeerTimestamp was recorded

	reassembler *Reassembler
}

// NewCodec constructs a Codec from a send/receive Sealer pair (one per direction) and a Clock.
func NewCodec(sendSealer, recvSealer *crypto.Sealer, clock Clock) *Codec {
	return &Codec{
		sendSealer:  sendSealer,
		recvSealer:  recvSealer,
		clock:       clock,
		reassembler: NewReassembler(),
	}
}

// replyTimestamp computes the reply_timestamp field: the most recently received peer timestamp,
// minus the local delay between receiving it and sending now.
func (c *Codec) replyTimestamp(now uint16) uint16 {
	if !c.haveLastPeerTimestamp {
		return TimestampSentinel
	}
	elapsed := now - c.lastPeerTimestampAt // wraps correctly at 65536 by uint16 arithmetic
	return c.lastPeerTimestamp - elapsed
}

// EncodeInstruction seals and fragments one Instruction into the datagrams to emit, assigning
// fragment_id equal to the Instruction's NewNum.
func (c *Codec) EncodeInstruction(in *Instruction) ([][]byte, error) {
	payload := in.Marshal()
	now := c.clock.NowMillis16()
	reply := c.replyTimestamp(now)

	frags := Split(in.NewNum, payload)
	datagrams := make([][]byte, 0, len(frags))
	for _, f := range frags {
		frame := PlaintextFrame(now, reply, f.Encode())
		nonce, err := c.sendSealer.NextNonce()
		if err != nil {
			return nil, err
		}
		sealed, err := c.sendSealer.Seal(nonce, frame)
		if err != nil {
			return nil, err
		}
		nonceBytes := crypto.EncodeNonce(nonce)
		datagram := make([]byte, 0, len(nonceBytes)+len(sealed))
		datagram = append(datagram, nonceBytes[:]...)
		datagram = append(datagram, sealed...)
		datagrams = append(datagrams, datagram)
	}
	return datagrams, nil
}

// DecodeResult carries the outcome of feeding one received datagram through Decode.
type DecodeResult struct {
	// Instruction is non-nil only once all fragments of a set have arrived and decoded cleanly.
	Instruction *Instruction
	// RTTSample is the measured round trip, non-zero only when a reply_timestamp sample was
	// present in this datagram.
	RTTSample    uint16
	HasRTTSample bool
}

// Decode authenticates and unseals one received datagram, buffering it if it is part of a
// fragmented Instruction. Auth failures are reported via the crypto package's sentinel errors and
// must be treated as a silent drop by the caller; malformed Instructions after successful
// unsealing return ErrDecodeFailure.
func (c *Codec) Decode(datagram []byte) (DecodeResult, error) {
	if len(datagram) < 8 {
		return DecodeResult{}, ErrDecodeFailure
	}
	nonce := crypto.DecodeNonce(datagram[:8])
	plaintext, err := c.recvSealer.Unseal(nonce, datagram[8:])
	if err != nil {
		return DecodeResult{}, err
	}

	timestamp, replyTimestamp, payload, err := ParsePlaintextFrame(plaintext)
	if err != nil {
		return DecodeResult{}, err
	}

	now := c.clock.NowMillis16()
	c.lastPeerTimestamp = timestamp
	c.lastPeerTimestampAt = now
	c.haveLastPeerTimestamp = true

	result := DecodeResult{}
	if replyTimestamp != TimestampSentinel {
		result.RTTSample = now - replyTimestamp
		result.HasRTTSample = true
	}

	frag, err := DecodeFragment(payload)
	if err != nil {
		return DecodeResult{}, ErrDecodeFailure
	}
	complete, ok := c.reassembler.Add(frag)
	if !ok {
		return result, nil
	}
	in, err := Unmarshal(complete)
	if err != nil {
		return DecodeResult{}, ErrDecodeFailure
	}
	result.Instruction = in
	return result, nil
}

package wire

import (
	"encoding/binary"
	"errors"
)

// MTU is the maximum on-wire (post-encryption) datagram size before fragmentation kicks in.
const MTU = 1280

// timestampHeaderSize is the 2+2 byte timestamp/reply-timestamp prefix.
const timestampHeaderSize = 4

// fragmentHeaderSize is the 8-byte fragment_id + 2-byte fragment_num prefix.
const fragmentHeaderSize = 10

// finalFragmentBit marks the final fragment in fragment_num's high bit.
const finalFragmentBit uint16 = 0x8000

// TimestampSentinel is the reply_timestamp value meaning "no sample available".
const TimestampSentinel uint16 = 0xFFFF

// ErrFragmentTooLarge indicates a single fragment, even after splitting, would not fit the MTU
// once the crypto tag and fragment header are accounted for -- this should not occur in
// practice given the configured fragment payload size, and indicates a logic error if it does.
var ErrFragmentTooLarge = errors.New("wire: fragment exceeds MTU after overhead")

// fragmentOverhead is the number of bytes consumed by the nonce, tag, timestamp header and
// fragment header around each fragment's data payload.
const fragmentOverhead = 8 /*nonce*/ + TagSizeConst + timestampHeaderSize + fragmentHeaderSize

// TagSizeConst mirrors crypto.TagSize without importing the crypto package, to keep wire
// framing decisions (how much data fits per fragment) independent of the sealing primitive's
// package boundary.
const TagSizeConst = 16

// maxFragmentData is the largest data slice (post timestamp+fragment headers, pre nonce+tag)
// that still fits one MTU-sized datagram on the wire.
const maxFragmentData = MTU - fragmentOverhead

// PlaintextFrame prepends the timestamp/reply_timestamp header to a payload.
func PlaintextFrame(timestamp, replyTimestamp uint16, payload []byte) []byte {
	out := make([]byte, timestampHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:2], timestamp)
	binary.BigEndian.PutUint16(out[2:4], replyTimestamp)
	copy(out[timestampHeaderSize:], payload)
	return out
}

// ParsePlaintextFrame splits a frame produced by PlaintextFrame back into its timestamps and
// payload. Returns ErrDecodeFailure if the frame is too short to contain the header.
func ParsePlaintextFrame(frame []byte) (timestamp, replyTimestamp uint16, payload []byte, err error) {
	if len(frame) < timestampHeaderSize {
		return 0, 0, nil, ErrDecodeFailure
	}
	timestamp = binary.BigEndian.Uint16(frame[0:2])
	replyTimestamp = binary.BigEndian.Uint16(frame[2:4])
	payload = frame[timestampHeaderSize:]
	return timestamp, replyTimestamp, payload, nil
}

// Fragment is one piece of a (possibly) split Instruction payload, as framed inside the
// plaintext's payload section.
type Fragment struct {
	FragmentID  uint64
	FragmentNum uint16 // high bit set on the final fragment
	Data        []byte
}

// Final reports whether this is the last fragment of its set.
func (f Fragment) Final() bool { return f.FragmentNum&finalFragmentBit != 0 }

// Index returns the fragment's position within its set, with the final-fragment bit masked off.
func (f Fragment) Index() uint16 { return f.FragmentNum &^ finalFragmentBit }

// Encode renders a Fragment to bytes: fragment_id(8) || fragment_num(2, high bit = final) || data.
func (f Fragment) Encode() []byte {
	out := make([]byte, fragmentHeaderSize+len(f.Data))
	binary.BigEndian.PutUint64(out[0:8], f.FragmentID)
	binary.BigEndian.PutUint16(out[8:10], f.FragmentNum)
	copy(out[fragmentHeaderSize:], f.Data)
	return out
}

// DecodeFragment parses a Fragment previously produced by Encode.
func DecodeFragment(b []byte) (Fragment, error) {
	if len(b) < fragmentHeaderSize {
		return Fragment{}, ErrDecodeFailure
	}
	return Fragment{
		FragmentID:  binary.BigEndian.Uint64(b[0:8]),
		FragmentNum: binary.BigEndian.Uint16(b[8:10]),
		Data:        append([]byte(nil), b[fragmentHeaderSize:]...),
	}, nil
}

// Split divides payload into one or more Fragments, keeping each resulting sealed datagram under
// MTU. A payload that fits in one datagram on its own still goes through this path and returns a
// single complete fragment (fragment_num 0 with the final bit set), so callers always deal in
// fragments uniformly.
func Split(fragmentID uint64, payload []byte) []Fragment {
	if len(payload) == 0 {
		return []Fragment{{FragmentID: fragmentID, FragmentNum: finalFragmentBit, Data: nil}}
	}
	var frags []Fragment
	for off := 0; off < len(payload); off += maxFragmentData {
		end := off + maxFragmentData
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{FragmentID: fragmentID, Data: payload[off:end]})
	}
	for i := range frags {
		frags[i].FragmentNum = uint16(i)
	}
	frags[len(frags)-1].FragmentNum |= finalFragmentBit
	return frags
}

// Reassemble concatenates a complete, ascending-index set of fragments back into the original
// payload. Callers (Reassembler) are responsible for ensuring completeness and ordering first.
func Reassemble(frags []Fragment) []byte {
	var out []byte
	for _, f := range frags {
		out = append(out, f.Data...)
	}
	return out
}

// Package wire implements the SSP on-wire encodings: the Instruction message and the
// datagram/fragment framing built on top of it.
//
// Instruction is encoded with the protobuf wire format via
// google.golang.org/protobuf/encoding/protowire -- the same low-level varint/tag primitives
// generated protobuf code (such as prometheus's client_model) ultimately compiles down to. No
// .proto/protoc step runs here, so the field layout below is maintained by hand rather than
// generated, but the wire format itself is genuine protobuf, matching upstream Mosh's own
// Instruction/UserMessage encoding.
package wire

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecodeFailure indicates a malformed Instruction was received after successful unsealing.
var ErrDecodeFailure = errors.New("wire: malformed instruction")

// diffRaw/diffCompressed distinguish a zlib-compressed diff from a raw one. Real zlib streams
// begin with a CMF byte whose low nibble is 8 (deflate); we reserve a one-byte prefix instead of
// relying on that, since chaff/diff bytes are otherwise uninterpreted.
const (
	diffRaw        byte = 0x00
	diffCompressed byte = 0x01

	// CompressionThreshold is the diff size in bytes above which the sender zlib-compresses
	// before tagging. Below this, the per-message zlib header overhead isn't worth paying.
	CompressionThreshold = 64
)

// Instruction is the decoded SSP protocol message: a diff plus the sequence/ack bookkeeping that
// lets either side compute what the other has and needs.
type Instruction struct {
	OldNum       uint64
	NewNum       uint64
	AckNum       uint64
	ThrowawayNum uint64
	Diff         []byte
	Chaff        []byte
	// Quit marks the sender's final Instruction of the session, sent once while Draining.
	Quit bool
}

const (
	fieldOldNum       = 1
	fieldNewNum       = 2
	fieldAckNum       = 3
	fieldThrowawayNum = 4
	fieldDiff         = 5
	fieldChaff        = 6
	fieldQuit         = 7
)

// EncodeDiff compresses diff with zlib and prefixes a compression marker byte, choosing
// compression only when it's worthwhile (CompressionThreshold).
func EncodeDiff(diff []byte) []byte {
	if len(diff) <= CompressionThreshold {
		return append([]byte{diffRaw}, diff...)
	}
	var buf bytes.Buffer
	buf.WriteByte(diffCompressed)
	w := zlib.NewWriter(&buf)
	_, _ = w.Write(diff)
	_ = w.Close()
	if buf.Len() >= len(diff)+1 {
		// Compression didn't help (e.g. already-random-looking bytes); send raw instead.
		return append([]byte{diffRaw}, diff...)
	}
	return buf.Bytes()
}

// DecodeDiff reverses EncodeDiff, inflating the payload if the compression marker is set.
func DecodeDiff(tagged []byte) ([]byte, error) {
	if len(tagged) == 0 {
		return nil, nil
	}
	marker, body := tagged[0], tagged[1:]
	switch marker {
	case diffRaw:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case diffCompressed:
		r, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, ErrDecodeFailure
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, ErrDecodeFailure
		}
		return out, nil
	default:
		return nil, ErrDecodeFailure
	}
}

// Marshal encodes the Instruction to its protobuf wire form. Diff is expected to already be
// passed through EncodeDiff by the caller (the transport engine owns the compression decision).
func (in *Instruction) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldOldNum, protowire.VarintType)
	b = protowire.AppendVarint(b, in.OldNum)
	b = protowire.AppendTag(b, fieldNewNum, protowire.VarintType)
	b = protowire.AppendVarint(b, in.NewNum)
	b = protowire.AppendTag(b, fieldAckNum, protowire.VarintType)
	b = protowire.AppendVarint(b, in.AckNum)
	b = protowire.AppendTag(b, fieldThrowawayNum, protowire.VarintType)
	b = protowire.AppendVarint(b, in.ThrowawayNum)
	if len(in.Diff) > 0 {
		b = protowire.AppendTag(b, fieldDiff, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Diff)
	}
	if len(in.Chaff) > 0 {
		b = protowire.AppendTag(b, fieldChaff, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Chaff)
	}
	if in.Quit {
		b = protowire.AppendTag(b, fieldQuit, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	return b
}

// Unmarshal decodes an Instruction previously produced by Marshal. It is total: any malformed
// input returns ErrDecodeFailure rather than panicking.
func Unmarshal(b []byte) (*Instruction, error) {
	in := &Instruction{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, ErrDecodeFailure
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, ErrDecodeFailure
			}
			b = b[n:]
			switch num {
			case fieldOldNum:
				in.OldNum = v
			case fieldNewNum:
				in.NewNum = v
			case fieldAckNum:
				in.AckNum = v
			case fieldThrowawayNum:
				in.ThrowawayNum = v
			case fieldQuit:
				in.Quit = v != 0
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, ErrDecodeFailure
			}
			b = b[n:]
			switch num {
			case fieldDiff:
				in.Diff = append([]byte(nil), v...)
			case fieldChaff:
				in.Chaff = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, ErrDecodeFailure
			}
			b = b[n:]
		}
	}
	return in, nil
}

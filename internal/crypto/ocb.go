// Package crypto implements the authenticated sealing/unsealing primitive used by the SSP
// transport: AES-128 in OCB3 mode (RFC 7253), with a 16-byte tag.
//
// OCB is not present in golang.org/x/crypto or anywhere else in the dependency pack this client
// was built against, so it is implemented here directly atop crypto/aes's cipher.Block, the same
// boundary the upstream C++ implementation sits on top of.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

const (
	blockSize = 16
	TagSize   = 16
)

// ErrAuthFailure is returned by Unseal when the authentication tag does not verify.
var ErrAuthFailure = errors.New("crypto: authentication failure")

// ocb holds the precomputed subkeys for one session key.
type ocb struct {
	block cipher.Block
	lStar [blockSize]byte
	lDol  [blockSize]byte
	lCache []([blockSize]byte) // L_0, L_1, L_2, ... doubling cache
}

// newOCB precomputes L* = E_K(0), L$ = double(L*), and an initial doubling cache.
func newOCB(block cipher.Block) *ocb {
	o := &ocb{block: block}
	var zero [blockSize]byte
	block.Encrypt(o.lStar[:], zero[:])
	o.lDol = gfDouble(o.lStar)
	o.lCache = append(o.lCache, gfDouble(o.lDol))
	return o
}

// lSub returns L_i = double^i(L_0), extending the cache lazily as needed.
func (o *ocb) lSub(i int) [blockSize]byte {
	for len(o.lCache) <= i {
		o.lCache = append(o.lCache, gfDouble(o.lCache[len(o.lCache)-1]))
	}
	return o.lCache[i]
}

// gfDouble multiplies a 128-bit value by x in GF(2^128), per RFC 7253 section 1.
func gfDouble(in [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	carry := in[0] >> 7
	for i := 0; i < blockSize-1; i++ {
		out[i] = (in[i] << 1) | (in[i+1] >> 7)
	}
	out[blockSize-1] = in[blockSize-1] << 1
	if carry != 0 {
		out[blockSize-1] ^= 0x87
	}
	return out
}

func xorBlock(dst, a, b []byte) {
	for i := range dst {
		dst[i] = a[i] ^ b[i]
	}
}

func ntz(x uint64) int {
	if x == 0 {
		return 64
	}
	n := 0
	for x&1 == 0 {
		n++
		x >>= 1
	}
	return n
}

// nonceProcess computes the OCB nonce-dependent values Ktop, Stretch, bottom and offset_0 for a
// given nonce (1..15 bytes) and tag length in bytes, following RFC 7253 section 4.
func (o *ocb) nonceProcess(nonce []byte, tagLen int) [blockSize]byte {
	var padded [blockSize]byte
	// Nonce = num2str(TAGLEN mod 128, 7) || zeros(120 - bitlen(N)) || 1 || N
	padded[blockSize-1-len(nonce)] = 1
	copy(padded[blockSize-len(nonce):], nonce)
	padded[0] |= byte((tagLen * 8) % 128 << 1)

	bottom := padded[blockSize-1] & 0x3F
	ktopIn := make([]byte, blockSize)
	copy(ktopIn, padded[:])
	ktopIn[blockSize-1] &^= 0x3F

	var ktop [blockSize]byte
	o.block.Encrypt(ktop[:], ktopIn)

	// Stretch = Ktop || (Ktop[:8] xor Ktop[1:9])
	var stretch [24]byte
	copy(stretch[:16], ktop[:])
	for i := 0; i < 8; i++ {
		stretch[16+i] = ktop[i] ^ ktop[i+1]
	}

	var offset [blockSize]byte
	bitOff := int(bottom)
	byteOff := bitOff / 8
	bitShift := uint(bitOff % 8)
	if bitShift == 0 {
		copy(offset[:], stretch[byteOff:byteOff+blockSize])
	} else {
		for i := 0; i < blockSize; i++ {
			hi := stretch[byteOff+i] << bitShift
			lo := stretch[byteOff+i+1] >> (8 - bitShift)
			offset[i] = hi | lo
		}
	}
	return offset
}

// Seal encrypts plaintext under nonce (1..15 bytes) with optional associated data, returning
// ciphertext || 16-byte tag. The caller is responsible for never reusing a nonce under the same
// key within a session.
func Seal(key []byte, nonce []byte, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	o := newOCB(block)

	offset := o.nonceProcess(nonce, TagSize)
	checksum := [blockSize]byte{}
	out := make([]byte, 0, len(plaintext)+TagSize)

	full := len(plaintext) / blockSize
	for i := 0; i < full; i++ {
		l := o.lSub(ntz(uint64(i + 1)))
		offset = xor16(offset, l)
		var c [blockSize]byte
		pBlock := plaintext[i*blockSize : (i+1)*blockSize]
		var tmp [blockSize]byte
		xorBlock(tmp[:], pBlock, offset[:])
		block.Encrypt(c[:], tmp[:])
		xorBlock(c[:], c[:], offset[:])
		out = append(out, c[:]...)
		checksum = xor16(checksum, asArr(pBlock))
	}

	rem := plaintext[full*blockSize:]
	if len(rem) > 0 {
		offset = xor16(offset, o.lStar)
		var pad [blockSize]byte
		block.Encrypt(pad[:], offset[:])
		c := make([]byte, len(rem))
		for i := range rem {
			c[i] = rem[i] ^ pad[i]
		}
		out = append(out, c...)

		var padded [blockSize]byte
		copy(padded[:], rem)
		padded[len(rem)] = 0x80
		checksum = xor16(checksum, padded)
	}

	offset = xor16(offset, o.lDol)
	var preTag [blockSize]byte
	xorBlock(preTag[:], checksum[:], offset[:])
	var tag [blockSize]byte
	block.Encrypt(tag[:], preTag[:])

	if len(aad) > 0 {
		hashVal := o.hash(aad)
		tag = xor16(tag, hashVal)
	}

	out = append(out, tag[:]...)
	return out, nil
}

// Open decrypts and authenticates ciphertext||tag produced by Seal under the given nonce and aad.
func Open(key []byte, nonce []byte, sealed, aad []byte) ([]byte, error) {
	if len(sealed) < TagSize {
		return nil, ErrAuthFailure
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	o := newOCB(block)

	ciphertext := sealed[:len(sealed)-TagSize]
	gotTag := sealed[len(sealed)-TagSize:]

	offset := o.nonceProcess(nonce, TagSize)
	checksum := [blockSize]byte{}
	out := make([]byte, 0, len(ciphertext))

	full := len(ciphertext) / blockSize
	for i := 0; i < full; i++ {
		l := o.lSub(ntz(uint64(i + 1)))
		offset = xor16(offset, l)
		cBlock := ciphertext[i*blockSize : (i+1)*blockSize]
		var tmp [blockSize]byte
		xorBlock(tmp[:], cBlock, offset[:])
		var p [blockSize]byte
		block.Decrypt(p[:], tmp[:])
		xorBlock(p[:], p[:], offset[:])
		out = append(out, p[:]...)
		checksum = xor16(checksum, p)
	}

	rem := ciphertext[full*blockSize:]
	if len(rem) > 0 {
		offset = xor16(offset, o.lStar)
		var pad [blockSize]byte
		block.Encrypt(pad[:], offset[:])
		p := make([]byte, len(rem))
		for i := range rem {
			p[i] = rem[i] ^ pad[i]
		}
		out = append(out, p...)

		var padded [blockSize]byte
		copy(padded[:], p)
		padded[len(rem)] = 0x80
		checksum = xor16(checksum, padded)
	}

	offset = xor16(offset, o.lDol)
	var preTag [blockSize]byte
	xorBlock(preTag[:], checksum[:], offset[:])
	var tag [blockSize]byte
	block.Encrypt(tag[:], preTag[:])

	if len(aad) > 0 {
		hashVal := o.hash(aad)
		tag = xor16(tag, hashVal)
	}

	if subtle.ConstantTimeCompare(tag[:], gotTag) != 1 {
		return nil, ErrAuthFailure
	}
	return out, nil
}

// hash implements OCB's HASH function over associated data (RFC 7253 section 4, Algorithm HASH).
func (o *ocb) hash(aad []byte) [blockSize]byte {
	var sum, offset [blockSize]byte
	full := len(aad) / blockSize
	for i := 0; i < full; i++ {
		l := o.lSub(ntz(uint64(i + 1)))
		offset = xor16(offset, l)
		var tmp [blockSize]byte
		xorBlock(tmp[:], aad[i*blockSize:(i+1)*blockSize], offset[:])
		var enc [blockSize]byte
		o.block.Encrypt(enc[:], tmp[:])
		sum = xor16(sum, enc)
	}
	rem := aad[full*blockSize:]
	if len(rem) > 0 {
		offset = xor16(offset, o.lStar)
		var padded [blockSize]byte
		copy(padded[:], rem)
		padded[len(rem)] = 0x80
		var tmp [blockSize]byte
		xorBlock(tmp[:], padded[:], offset[:])
		var enc [blockSize]byte
		o.block.Encrypt(enc[:], tmp[:])
		sum = xor16(sum, enc)
	}
	return sum
}

func xor16(a, b [blockSize]byte) [blockSize]byte {
	var out [blockSize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func asArr(b []byte) [blockSize]byte {
	var a [blockSize]byte
	copy(a[:], b)
	return a
}

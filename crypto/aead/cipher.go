// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package aead implements the frame encryption layer: XChaCha20-Poly1305
// over the frame body with the frame header as associated data, plus the
// sliding-window replay filter.
package aead

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/wraithnet/wraith/frame"
)

const (
	// KeySize is the XChaCha20-Poly1305 key size.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the XChaCha20-Poly1305 nonce size.
	NonceSize = chacha20poly1305.NonceSizeX

	// SaltSize is the size of the per-direction nonce salt.  The nonce is
	// the 8-byte little-endian frame sequence number followed by the salt,
	// so nonce uniqueness reduces to sequence uniqueness per direction.
	SaltSize = NonceSize - 8
)

var (
	// ErrAuth is the uniform failure returned for anything wrong with an
	// encrypted frame.  Callers must not distinguish failure causes to
	// the peer; frames failing to open are dropped silently.
	ErrAuth = errors.New("aead: authentication failure")

	// ErrOversized is returned when sealing would exceed the maximum
	// frame body size.
	ErrOversized = errors.New("aead: oversized frame")
)

func frameNonce(seq uint64, salt *[SaltSize]byte) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], seq)
	copy(nonce[8:], salt[:])
	return nonce
}

// SealFrame encrypts a serialized plaintext frame: the input is the
// output of a Frame's AppendTo, the wire form with an encrypted body and
// the authentication tag appended lands in dst.  The header length field
// is adjusted to cover the tag and the adjusted header is bound as
// associated data.
//
// The result is appended to dst and the extended slice returned; a sender
// reusing one buffer sliced to zero length per frame pays no per-frame
// allocation.  plaintext must not overlap dst.
func SealFrame(key *[KeySize]byte, salt *[SaltSize]byte, dst, plaintext []byte) ([]byte, error) {
	if len(plaintext) < frame.HeaderLength {
		return nil, ErrAuth
	}
	bodyLen := len(plaintext) - frame.HeaderLength
	if bodyLen+frame.TagLength > frame.MaxPayloadLength {
		return nil, ErrOversized
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	hdr := len(dst)
	out := append(dst, plaintext[:frame.HeaderLength]...)
	binary.LittleEndian.PutUint32(out[hdr+28:hdr+32], uint32(bodyLen+frame.TagLength))

	seq := binary.LittleEndian.Uint64(out[hdr+20 : hdr+28])
	nonce := frameNonce(seq, salt)
	return aead.Seal(out, nonce[:], plaintext[frame.HeaderLength:], out[hdr:hdr+frame.HeaderLength]), nil
}

// OpenFrame authenticates and decrypts a wire frame sealed by SealFrame,
// producing the serialized plaintext frame suitable for frame.FromBytes.
// All failures collapse into ErrAuth.
//
// As with SealFrame the result is appended to dst, which must not overlap
// ciphertext; on failure dst's spare capacity may hold partial header
// bytes, but the returned slice is always nil.
func OpenFrame(key *[KeySize]byte, salt *[SaltSize]byte, dst, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < frame.HeaderLength+frame.TagLength {
		return nil, ErrAuth
	}
	if len(ciphertext)-frame.HeaderLength > frame.MaxPayloadLength {
		return nil, ErrAuth
	}

	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}

	seq := binary.LittleEndian.Uint64(ciphertext[20:28])
	nonce := frameNonce(seq, salt)

	hdr := len(dst)
	out := append(dst, ciphertext[:frame.HeaderLength]...)
	out, err = aead.Open(out, nonce[:], ciphertext[frame.HeaderLength:], ciphertext[:frame.HeaderLength])
	if err != nil {
		return nil, ErrAuth
	}
	binary.LittleEndian.PutUint32(out[hdr+28:hdr+32], uint32(len(out)-hdr-frame.HeaderLength))
	return out, nil
}

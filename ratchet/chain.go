// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"encoding/binary"
	"errors"

	"github.com/awnumar/memguard"

	"github.com/wraithnet/wraith/crypto/aead"
	"github.com/wraithnet/wraith/crypto/kdf"
	"github.com/wraithnet/wraith/frame"
	"github.com/wraithnet/wraith/utils"
)

// DefaultMaxSkipped is the default bound on cached skipped message keys
// per receive chain.
const DefaultMaxSkipped = 1024

var (
	// ErrReplay is returned when a frame's sequence number was already
	// accepted or has fallen behind the replay window.
	ErrReplay = errors.New("ratchet: replayed or stale sequence")

	// ErrAuth is returned when a frame fails authentication.
	ErrAuth = errors.New("ratchet: authentication failure")

	// ErrSkipLimit is returned when accepting a frame would require
	// skipping more message keys than the cache bound allows.
	ErrSkipLimit = errors.New("ratchet: skipped key limit exceeded")

	// ErrSequence is returned when sealing a frame whose sequence number
	// does not match the send chain position.
	ErrSequence = errors.New("ratchet: out of order send sequence")

	// ErrExhausted is returned when a chain runs out of sequence numbers.
	ErrExhausted = errors.New("ratchet: sequence space exhausted")
)

func newChainBuffer(chain *[kdf.KeySize]byte) *memguard.LockedBuffer {
	b := memguard.NewBufferFromBytes(chain[:])
	utils.ExplicitBzero(chain[:])
	return b
}

// SendRatchet derives one message key per outgoing frame from a forward
// hash chain.  Sealing frame n destroys the material for frames <= n.
type SendRatchet struct {
	chain *memguard.LockedBuffer
	salt  [aead.SaltSize]byte
	next  uint64
}

// NewSendRatchet creates a send ratchet from an initial chain key and
// nonce salt.  The chain key is consumed: the caller's copy is zeroized.
func NewSendRatchet(chain *[kdf.KeySize]byte, salt *[aead.SaltSize]byte) *SendRatchet {
	r := &SendRatchet{chain: newChainBuffer(chain)}
	copy(r.salt[:], salt[:])
	return r
}

// NextSequence returns the sequence number the next sealed frame must
// carry in its header.
func (r *SendRatchet) NextSequence() uint64 {
	return r.next
}

// Seal encrypts a serialized plaintext frame under the message key for its
// sequence number and advances the chain.  The frame header's sequence
// field must match NextSequence.  The wire form is appended to dst, which
// must not overlap plaintext.
func (r *SendRatchet) Seal(dst, plaintext []byte) ([]byte, error) {
	if len(plaintext) < frame.HeaderLength {
		return nil, ErrAuth
	}
	seq := binary.LittleEndian.Uint64(plaintext[20:28])
	if seq != r.next {
		return nil, ErrSequence
	}
	if r.next == ^uint64(0) {
		return nil, ErrExhausted
	}

	mk, nextChain := kdf.ChainStep(r.chain.Bytes())
	defer utils.ExplicitBzero(mk[:])

	sealed, err := aead.SealFrame(&mk, &r.salt, dst, plaintext)
	if err != nil {
		utils.ExplicitBzero(nextChain[:])
		return nil, err
	}

	old := r.chain
	r.chain = newChainBuffer(&nextChain)
	old.Destroy()
	r.next++
	return sealed, nil
}

// Destroy zeroizes the ratchet's key material.
func (r *SendRatchet) Destroy() {
	r.chain.Destroy()
	utils.ExplicitBzero(r.salt[:])
}

// RecvRatchet is the receive-side counterpart of SendRatchet.  Frames may
// arrive out of order: keys for sequence numbers that were jumped over are
// cached, bounded by maxSkipped with oldest-first eviction, and each is
// destroyed after a single use.  A sliding replay window rejects
// duplicates before any decryption work.
type RecvRatchet struct {
	chain *memguard.LockedBuffer
	salt  [aead.SaltSize]byte
	next  uint64

	skipped      map[uint64]*memguard.LockedBuffer
	skippedOrder []uint64
	maxSkipped   int

	window aead.ReplayWindow
}

// NewRecvRatchet creates a receive ratchet.  The chain key is consumed:
// the caller's copy is zeroized.  A maxSkipped of 0 selects
// DefaultMaxSkipped.
func NewRecvRatchet(chain *[kdf.KeySize]byte, salt *[aead.SaltSize]byte, maxSkipped int) *RecvRatchet {
	if maxSkipped <= 0 {
		maxSkipped = DefaultMaxSkipped
	}
	r := &RecvRatchet{
		chain:      newChainBuffer(chain),
		skipped:    make(map[uint64]*memguard.LockedBuffer),
		maxSkipped: maxSkipped,
	}
	copy(r.salt[:], salt[:])
	return r
}

func (r *RecvRatchet) evictOldest() {
	seq := r.skippedOrder[0]
	r.skippedOrder = r.skippedOrder[1:]
	if b, ok := r.skipped[seq]; ok {
		b.Destroy()
		delete(r.skipped, seq)
	}
}

func (r *RecvRatchet) cacheSkipped(seq uint64, key *[kdf.KeySize]byte) {
	for len(r.skipped) >= r.maxSkipped {
		r.evictOldest()
	}
	r.skipped[seq] = newChainBuffer(key)
	r.skippedOrder = append(r.skippedOrder, seq)
}

// Open authenticates and decrypts a wire frame, enforcing replay
// protection.  The ratchet state only advances when the frame
// authenticates, so forged headers cannot desynchronize the chain or
// poison the skipped key cache.  The plaintext is appended to dst, which
// must not overlap ciphertext.
func (r *RecvRatchet) Open(dst, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < frame.HeaderLength {
		return nil, ErrAuth
	}
	seq := binary.LittleEndian.Uint64(ciphertext[20:28])
	if !r.window.WillAccept(seq) {
		return nil, ErrReplay
	}

	if seq < r.next {
		return r.openSkipped(dst, seq, ciphertext)
	}

	if seq-r.next >= uint64(r.maxSkipped) {
		return nil, ErrSkipLimit
	}

	// Step a scratch chain up to the frame's key without committing
	// anything until the frame authenticates.
	var chain [kdf.KeySize]byte
	copy(chain[:], r.chain.Bytes())
	defer utils.ExplicitBzero(chain[:])

	skippedKeys := make([][kdf.KeySize]byte, 0, seq-r.next)
	defer func() {
		for i := range skippedKeys {
			utils.ExplicitBzero(skippedKeys[i][:])
		}
	}()

	for s := r.next; s < seq; s++ {
		mk, nextChain := kdf.ChainStep(chain[:])
		skippedKeys = append(skippedKeys, mk)
		chain = nextChain
	}
	mk, nextChain := kdf.ChainStep(chain[:])
	defer utils.ExplicitBzero(mk[:])
	defer utils.ExplicitBzero(nextChain[:])

	plaintext, err := aead.OpenFrame(&mk, &r.salt, dst, ciphertext)
	if err != nil {
		return nil, ErrAuth
	}

	// Commit.
	for i, s := 0, r.next; s < seq; i, s = i+1, s+1 {
		r.cacheSkipped(s, &skippedKeys[i])
	}
	old := r.chain
	r.chain = newChainBuffer(&nextChain)
	old.Destroy()
	r.next = seq + 1
	r.window.Update(seq)
	return plaintext, nil
}

func (r *RecvRatchet) openSkipped(dst []byte, seq uint64, ciphertext []byte) ([]byte, error) {
	buf, ok := r.skipped[seq]
	if !ok {
		// Inside the replay window but no cached key: the key was
		// evicted or consumed.
		return nil, ErrReplay
	}

	var mk [kdf.KeySize]byte
	copy(mk[:], buf.Bytes())
	defer utils.ExplicitBzero(mk[:])

	plaintext, err := aead.OpenFrame(&mk, &r.salt, dst, ciphertext)
	if err != nil {
		return nil, ErrAuth
	}

	buf.Destroy()
	delete(r.skipped, seq)
	r.window.Update(seq)
	return plaintext, nil
}

// Destroy zeroizes the ratchet's key material, including all cached
// skipped keys.
func (r *RecvRatchet) Destroy() {
	r.chain.Destroy()
	for _, b := range r.skipped {
		b.Destroy()
	}
	r.skipped = nil
	r.skippedOrder = nil
	utils.ExplicitBzero(r.salt[:])
}

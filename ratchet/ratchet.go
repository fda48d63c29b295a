// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ratchet provides the session key schedule: per-frame symmetric
// key chains with bounded out-of-order tolerance, and periodic
// Diffie-Hellman rekeying that heals the session after a key compromise.
package ratchet

import (
	"crypto/hmac"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist/dh"
	"golang.org/x/crypto/blake2b"

	"github.com/wraithnet/wraith/crypto/kdf"
	"github.com/wraithnet/wraith/utils"
)

var (
	// ErrRekeyPending is returned when initiating a rekey while another
	// locally initiated rekey is outstanding.
	ErrRekeyPending = errors.New("ratchet: rekey already pending")

	// ErrNoRekeyPending is returned when completing a rekey that was
	// never initiated.
	ErrNoRekeyPending = errors.New("ratchet: no rekey pending")

	// ErrCommitment is returned when a rekey acknowledgment's key
	// commitment does not match the locally derived secrets, indicating
	// key desynchronization.
	ErrCommitment = errors.New("ratchet: rekey commitment mismatch")

	rekeyTranscriptLabel = []byte("wraith-rekey-transcript")
)

// Ratchet is the full key schedule of one session: a send chain, a receive
// chain, a one-epoch grace window for in-flight frames across a rekey, and
// the Diffie-Hellman rekey state machine.  It is not safe for concurrent
// use; sessions serialize access through their worker loop.
type Ratchet struct {
	send     *SendRatchet
	recv     *RecvRatchet
	prevRecv *RecvRatchet

	cidSecret  [kdf.KeySize]byte
	transcript []byte

	pending dh.Keypair

	staged           *kdf.SessionSecrets
	stagedTranscript []byte

	rng         io.Reader
	maxSkipped  int
	epoch       uint32
	isInitiator bool
}

// New creates a Ratchet from the handshake output.  The secrets are
// consumed: the caller's copy is zeroized.  If rng is nil the system
// entropy source is used.
func New(secrets *kdf.SessionSecrets, handshakeHash []byte, isInitiator bool, maxSkipped int, rng io.Reader) *Ratchet {
	if rng == nil {
		rng = rand.Reader
	}
	r := &Ratchet{
		rng:         rng,
		maxSkipped:  maxSkipped,
		isInitiator: isInitiator,
		transcript:  append([]byte{}, handshakeHash...),
	}
	r.install(secrets)
	return r
}

// install consumes secrets into fresh chains, demoting the current receive
// chain to the grace slot.
func (r *Ratchet) install(secrets *kdf.SessionSecrets) {
	if r.send != nil {
		r.send.Destroy()
	}
	if r.prevRecv != nil {
		r.prevRecv.Destroy()
	}
	r.prevRecv = r.recv

	r.send = NewSendRatchet(&secrets.SendChain, &secrets.SendSalt)
	r.recv = NewRecvRatchet(&secrets.RecvChain, &secrets.RecvSalt, r.maxSkipped)
	copy(r.cidSecret[:], secrets.CIDSecret[:])
	secrets.Destroy()
}

// NextSequence returns the sequence number the next outgoing frame must
// carry.
func (r *Ratchet) NextSequence() uint64 {
	return r.send.NextSequence()
}

// Seal encrypts a serialized plaintext frame for the current epoch,
// appending the wire form to dst.
func (r *Ratchet) Seal(dst, plaintext []byte) ([]byte, error) {
	return r.send.Seal(dst, plaintext)
}

// Open authenticates and decrypts a wire frame, appending the plaintext
// to dst.  Frames from the previous key epoch that were in flight across
// a rekey are retried against the grace chain before being rejected;
// previous reports which epoch the frame opened under, since sequence
// numbers restart at a rekey and the caller must not mix the two sequence
// spaces.
func (r *Ratchet) Open(dst, ciphertext []byte) (plaintext []byte, previous bool, err error) {
	plaintext, err = r.recv.Open(dst, ciphertext)
	if err == ErrAuth && r.prevRecv != nil {
		if plaintext, perr := r.prevRecv.Open(dst, ciphertext); perr == nil {
			return plaintext, true, nil
		}
	}
	return plaintext, false, err
}

// Epoch returns the current key epoch, starting at 0 and incremented by
// every completed rekey.
func (r *Ratchet) Epoch() uint32 {
	return r.epoch
}

// SentInEpoch returns the number of frames sealed in the current epoch,
// which drives the message-count rekey trigger.
func (r *Ratchet) SentInEpoch() uint64 {
	return r.send.NextSequence()
}

// CIDSecret returns the current connection ID rotation secret.
func (r *Ratchet) CIDSecret() *[kdf.KeySize]byte {
	return &r.cidSecret
}

// RekeyPending returns true iff a locally initiated rekey is outstanding.
func (r *Ratchet) RekeyPending() bool {
	return r.pending != nil
}

// InitiateRekey generates a fresh ephemeral key for a rekey exchange and
// returns its public key for the Rekey frame.  The old keys stay active
// until the peer's acknowledgment completes the exchange.
func (r *Ratchet) InitiateRekey() ([kdf.KeySize]byte, error) {
	var pub [kdf.KeySize]byte
	if r.pending != nil {
		return pub, ErrRekeyPending
	}
	kp, err := dh.X25519.GenerateKeypair(r.rng)
	if err != nil {
		return pub, err
	}
	r.pending = kp
	copy(pub[:], kp.Public().Bytes())
	return pub, nil
}

// CancelRekey abandons a locally initiated rekey, used to resolve crossed
// rekey attempts deterministically.
func (r *Ratchet) CancelRekey() {
	if r.pending != nil {
		r.pending.DropPrivate()
		r.pending = nil
	}
}

// nextTranscript chains the running transcript over a completed rekey
// exchange, ordered by the rekey roles so both peers agree.
func nextTranscript(transcript, initiatorPub, responderPub []byte) []byte {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("ratchet: BUG: blake2b.New256: " + err.Error())
	}
	h.Write(rekeyTranscriptLabel)
	h.Write(transcript)
	h.Write(initiatorPub)
	h.Write(responderPub)
	return h.Sum(nil)
}

func (r *Ratchet) deriveRekey(local dh.Keypair, peerPub *[kdf.KeySize]byte, localInitiated bool) (*kdf.SessionSecrets, []byte, error) {
	pub, err := dh.X25519.ParsePublicKey(peerPub[:])
	if err != nil {
		return nil, nil, err
	}
	shared, err := local.DH(pub)
	if err != nil {
		return nil, nil, err
	}
	defer utils.ExplicitBzero(shared)
	if utils.CtIsZero(shared) {
		return nil, nil, errors.New("ratchet: low order rekey public key")
	}

	var transcript []byte
	if localInitiated {
		transcript = nextTranscript(r.transcript, local.Public().Bytes(), peerPub[:])
	} else {
		transcript = nextTranscript(r.transcript, peerPub[:], local.Public().Bytes())
	}

	// Directions stay anchored to the session roles regardless of which
	// peer initiated the rekey.
	return kdf.DeriveRekeySecrets(r.isInitiator, shared, transcript), transcript, nil
}

// AcceptRekey processes a peer's Rekey frame: it derives the next epoch
// and stages it, returning the local public key and the key commitment for
// the RekeyAck frame.  The epoch is not active until CommitRekey; the
// acknowledgment itself must still travel under the old send keys, since
// the peer cannot decrypt the new epoch before processing it.
func (r *Ratchet) AcceptRekey(peerPub [kdf.KeySize]byte) (localPub [kdf.KeySize]byte, commitment [kdf.CommitmentSize]byte, err error) {
	kp, err := dh.X25519.GenerateKeypair(r.rng)
	if err != nil {
		return localPub, commitment, err
	}
	defer kp.DropPrivate()

	secrets, transcript, err := r.deriveRekey(kp, &peerPub, false)
	if err != nil {
		return localPub, commitment, err
	}

	commitment = kdf.Commitment(secrets.CIDSecret[:])
	copy(localPub[:], kp.Public().Bytes())

	if r.staged != nil {
		r.staged.Destroy()
	}
	r.staged = secrets
	r.stagedTranscript = transcript
	return localPub, commitment, nil
}

// CommitRekey installs the epoch staged by AcceptRekey.  Frames still in
// flight under the old keys remain decryptable for one epoch of grace.
func (r *Ratchet) CommitRekey() error {
	if r.staged == nil {
		return ErrNoRekeyPending
	}
	r.transcript = r.stagedTranscript
	r.install(r.staged)
	r.staged = nil
	r.stagedTranscript = nil
	r.epoch++
	return nil
}

// FinishRekey processes the peer's RekeyAck for a locally initiated rekey,
// verifying the key commitment before installing the next epoch.
func (r *Ratchet) FinishRekey(peerPub [kdf.KeySize]byte, commitment [kdf.CommitmentSize]byte) error {
	if r.pending == nil {
		return ErrNoRekeyPending
	}

	secrets, transcript, err := r.deriveRekey(r.pending, &peerPub, true)
	if err != nil {
		return err
	}

	expected := kdf.Commitment(secrets.CIDSecret[:])
	if !hmac.Equal(expected[:], commitment[:]) {
		secrets.Destroy()
		return ErrCommitment
	}

	r.pending.DropPrivate()
	r.pending = nil
	r.transcript = transcript
	r.install(secrets)
	r.epoch++
	return nil
}

// DropPreviousEpoch destroys the grace chain once the session decides all
// in-flight frames from the previous epoch have drained.
func (r *Ratchet) DropPreviousEpoch() {
	if r.prevRecv != nil {
		r.prevRecv.Destroy()
		r.prevRecv = nil
	}
}

// Destroy zeroizes all key material held by the ratchet.
func (r *Ratchet) Destroy() {
	r.send.Destroy()
	r.recv.Destroy()
	r.DropPreviousEpoch()
	r.CancelRekey()
	if r.staged != nil {
		r.staged.Destroy()
		r.staged = nil
	}
	utils.ExplicitBzero(r.cidSecret[:])
	utils.ExplicitBzero(r.transcript)
}

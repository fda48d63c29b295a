// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package kdf derives the per-session secret material from handshake and
// rekey outputs.  All derivations are labeled HKDF-BLAKE2b expansions so
// that every consumer of key material gets an independent key.
package kdf

import (
	"hash"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/wraithnet/wraith/utils"
)

const (
	// KeySize is the size of all derived symmetric keys.
	KeySize = 32

	// SaltSize is the size of the per-direction nonce salts.
	SaltSize = 16

	// CommitmentSize is the size of a key commitment.
	CommitmentSize = 16
)

const (
	labelChainInitiator = "wraith-chain-i2r"
	labelChainResponder = "wraith-chain-r2i"
	labelSaltInitiator  = "wraith-salt-i2r"
	labelSaltResponder  = "wraith-salt-r2i"
	labelCIDSecret      = "wraith-cid-secret"
	labelRekey          = "wraith-rekey"
	labelCommitment     = "wraith-key-commit"
	labelChainMessage   = "wraith-chain-msg"
	labelChainNext      = "wraith-chain-next"
)

func blake2bFactory() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic("kdf: BUG: blake2b.New256: " + err.Error())
	}
	return h
}

// SessionSecrets is the full set of symmetric secrets a session direction
// pair runs on.  Send/Recv are from the local peer's perspective.
type SessionSecrets struct {
	SendChain [KeySize]byte
	RecvChain [KeySize]byte
	SendSalt  [SaltSize]byte
	RecvSalt  [SaltSize]byte
	CIDSecret [KeySize]byte
}

// Destroy zeroizes the secrets.
func (s *SessionSecrets) Destroy() {
	utils.ExplicitBzero(s.SendChain[:])
	utils.ExplicitBzero(s.RecvChain[:])
	utils.ExplicitBzero(s.SendSalt[:])
	utils.ExplicitBzero(s.RecvSalt[:])
	utils.ExplicitBzero(s.CIDSecret[:])
}

func deriveSecrets(isInitiator bool, ikm, salt []byte) *SessionSecrets {
	prk := hkdf.Extract(blake2bFactory, ikm, salt)
	defer utils.ExplicitBzero(prk)

	expand := func(label string, out []byte) {
		r := hkdf.Expand(blake2bFactory, prk, []byte(label))
		if _, err := io.ReadFull(r, out); err != nil {
			panic("kdf: BUG: hkdf.Expand: " + err.Error())
		}
	}

	s := new(SessionSecrets)
	if isInitiator {
		expand(labelChainInitiator, s.SendChain[:])
		expand(labelChainResponder, s.RecvChain[:])
		expand(labelSaltInitiator, s.SendSalt[:])
		expand(labelSaltResponder, s.RecvSalt[:])
	} else {
		expand(labelChainResponder, s.SendChain[:])
		expand(labelChainInitiator, s.RecvChain[:])
		expand(labelSaltResponder, s.SendSalt[:])
		expand(labelSaltInitiator, s.RecvSalt[:])
	}
	expand(labelCIDSecret, s.CIDSecret[:])
	return s
}

// DeriveSessionSecrets derives the initial session secrets from the Noise
// handshake output.  Both peers derive identical material with mirrored
// directions: i2rKey and r2iKey are the two handshake cipher state keys,
// and handshakeHash binds the derivation to the full transcript.
func DeriveSessionSecrets(isInitiator bool, i2rKey, r2iKey, handshakeHash []byte) *SessionSecrets {
	ikm := make([]byte, 0, len(i2rKey)+len(r2iKey))
	ikm = append(ikm, i2rKey...)
	ikm = append(ikm, r2iKey...)
	defer utils.ExplicitBzero(ikm)
	return deriveSecrets(isInitiator, ikm, handshakeHash)
}

// DeriveRekeySecrets derives replacement session secrets from a rekey
// Diffie-Hellman output.  The transcript input chains the new secrets to
// the previous epoch so that an attacker must compromise every rekey to
// recover any one of them.
func DeriveRekeySecrets(isInitiator bool, shared, transcript []byte) *SessionSecrets {
	ikm := make([]byte, 0, len(labelRekey)+len(shared))
	ikm = append(ikm, labelRekey...)
	ikm = append(ikm, shared...)
	defer utils.ExplicitBzero(ikm)
	return deriveSecrets(isInitiator, ikm, transcript)
}

// Commitment computes a short keyed commitment to derived key material,
// carried in rekey acknowledgments so that the peers can detect key
// desynchronization before any traffic is lost to it.
func Commitment(key []byte) [CommitmentSize]byte {
	h, err := blake2b.New(CommitmentSize, key)
	if err != nil {
		panic("kdf: BUG: blake2b.New: " + err.Error())
	}
	h.Write([]byte(labelCommitment))
	var out [CommitmentSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ChainStep advances a symmetric key chain one step, returning the message
// key for the current position and the next chain key.  The two outputs
// are independent keyed-BLAKE2b evaluations, so disclosure of a message
// key reveals nothing about the chain.
func ChainStep(chainKey []byte) (messageKey, nextChain [KeySize]byte) {
	mh, err := blake2b.New256(chainKey)
	if err != nil {
		panic("kdf: BUG: blake2b.New256: " + err.Error())
	}
	mh.Write([]byte(labelChainMessage))
	copy(messageKey[:], mh.Sum(nil))

	ch, err := blake2b.New256(chainKey)
	if err != nil {
		panic("kdf: BUG: blake2b.New256: " + err.Error())
	}
	ch.Write([]byte(labelChainNext))
	copy(nextChain[:], ch.Sum(nil))
	return
}

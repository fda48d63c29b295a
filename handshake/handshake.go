// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package handshake implements session establishment with the
// Noise_XX_25519_ChaChaPoly_BLAKE2s handshake.  The XX pattern provides
// mutual authentication with identity hiding: static keys only cross the
// wire encrypted, and the responder never learns the initiator's identity
// before proving its own.
package handshake

import (
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/nyquist"
	"github.com/katzenpost/nyquist/cipher"
	"github.com/katzenpost/nyquist/dh"
	"github.com/katzenpost/nyquist/hash"
	"github.com/katzenpost/nyquist/pattern"

	"github.com/wraithnet/wraith/crypto/kdf"
	"github.com/wraithnet/wraith/frame"
	"github.com/wraithnet/wraith/utils"
)

const (
	// MaxMessageSize is the maximum handshake message size.
	MaxMessageSize = frame.MaxPayloadLength

	keyExportLabel = "wraith-key-export"
)

var (
	// ErrAuth is the uniform error for any handshake failure caused by
	// the remote peer: decryption failure, a malformed payload, or a
	// rejected identity.  The cause is never revealed on the wire.
	ErrAuth = errors.New("handshake: authentication failure")

	// ErrState is returned when a message is written or read out of
	// order, or after the handshake has completed or failed.
	ErrState = errors.New("handshake: invalid state")

	protocol = &nyquist.Protocol{
		Pattern: pattern.XX,
		DH:      dh.X25519,
		Cipher:  cipher.ChaChaPoly,
		Hash:    hash.BLAKE2s,
	}

	prologue = []byte("wraith-v2-handshake")
)

// PeerAuthenticator decides whether a remote static identity is allowed to
// establish a session.
type PeerAuthenticator interface {
	// IsPeerValid returns true iff the peer with the given static public
	// key is authorized.
	IsPeerValid(publicKey []byte) bool
}

// allowAll accepts any authenticated peer, for deployments doing identity
// checks at a higher layer.
type allowAll struct{}

func (allowAll) IsPeerValid([]byte) bool { return true }

// AllowAllPeers is a PeerAuthenticator that accepts every peer.
var AllowAllPeers PeerAuthenticator = allowAll{}

// GenerateKeypair generates a fresh X25519 static identity keypair.  If
// rng is nil the system entropy source is used.
func GenerateKeypair(rng io.Reader) (dh.Keypair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	return dh.X25519.GenerateKeypair(rng)
}

// identityPayload is the CBOR payload carried in the encrypted handshake
// messages.  Each peer announces the connection ID it will accept session
// traffic under.
type identityPayload struct {
	ConnID  []byte `cbor:"cid"`
	Version uint8  `cbor:"ver"`
}

// Result is the output of a completed handshake.
type Result struct {
	// Secrets is the initial session secret material.
	Secrets *kdf.SessionSecrets

	// HandshakeHash is the Noise handshake hash, binding the full
	// transcript.  It seeds the rekey transcript chain.
	HandshakeHash []byte

	// RemoteStatic is the peer's authenticated static public key.
	RemoteStatic []byte

	// LocalConnID and RemoteConnID are the connection IDs each peer
	// receives traffic under.
	LocalConnID  frame.ConnectionID
	RemoteConnID frame.ConnectionID
}

// Config is the handshake configuration.
type Config struct {
	// LocalStatic is the long term X25519 identity keypair.
	LocalStatic dh.Keypair

	// LocalConnID is the connection ID the local peer will accept
	// session traffic under, announced to the peer in the encrypted
	// portion of the handshake.
	LocalConnID frame.ConnectionID

	// Authenticator validates the peer's static identity.  If nil, all
	// authenticated peers are accepted.
	Authenticator PeerAuthenticator

	// Rng is the entropy source.  If nil, the system entropy source is
	// used.
	Rng io.Reader

	// IsInitiator is true iff this peer initiates the handshake.
	IsInitiator bool
}

// Handshake is an in-progress session establishment.  It is not safe for
// concurrent use.
type Handshake struct {
	cfg *Config
	hs  *nyquist.HandshakeState

	remoteConnID frame.ConnectionID
	result       *Result

	step   int
	failed bool
}

// New creates a Handshake from the configuration.
func New(cfg *Config) (*Handshake, error) {
	if cfg.LocalStatic == nil {
		return nil, errors.New("handshake: no local static keypair")
	}
	if !cfg.LocalConnID.IsValid() {
		return nil, errors.New("handshake: invalid local connection ID")
	}

	rng := cfg.Rng
	if rng == nil {
		rng = rand.Reader
	}
	hs, err := nyquist.NewHandshake(&nyquist.HandshakeConfig{
		Protocol:       protocol,
		Prologue:       prologue,
		DH:             &nyquist.DHConfig{LocalStatic: cfg.LocalStatic},
		Rng:            rng,
		MaxMessageSize: MaxMessageSize,
		IsInitiator:    cfg.IsInitiator,
	})
	if err != nil {
		return nil, err
	}
	return &Handshake{cfg: cfg, hs: hs}, nil
}

// isWriteStep returns true iff the local peer sends the handshake message
// at the given step (0 based).
func (h *Handshake) isWriteStep(step int) bool {
	return h.cfg.IsInitiator == (step%2 == 0)
}

// carriesIdentity returns true iff the handshake message at the given step
// carries the sender's identity payload.  The initiator's payload travels
// in message 3 and the responder's in message 2; message 1 has no
// confidentiality and carries nothing.
func carriesIdentity(step int) bool {
	return step == 1 || step == 2
}

// WriteMessage produces the next handshake message to send as a cleartext
// Handshake frame.  It returns the completed Result together with the
// final message when the local peer's last write concludes the handshake.
func (h *Handshake) WriteMessage() ([]byte, *Result, error) {
	if h.failed || h.result != nil || h.step > 2 || !h.isWriteStep(h.step) {
		return nil, nil, ErrState
	}

	var payload []byte
	if carriesIdentity(h.step) {
		var err error
		payload, err = cbor.Marshal(&identityPayload{
			ConnID:  h.cfg.LocalConnID[:],
			Version: frame.ProtocolVersion,
		})
		if err != nil {
			return nil, nil, err
		}
	}

	msg, err := h.hs.WriteMessage(nil, payload)
	switch err {
	case nil:
		h.step++
		return msg, nil, nil
	case nyquist.ErrDone:
		h.step++
		result, ferr := h.finalize()
		if ferr != nil {
			return nil, nil, ferr
		}
		return msg, result, nil
	default:
		h.fail()
		return nil, nil, ErrAuth
	}
}

// ReadMessage consumes a handshake message received from the peer.  It
// returns the completed Result when the remote peer's last message
// concludes the handshake.  Any failure is reported as ErrAuth and
// permanently aborts the handshake; the caller drops the offending frame
// silently.
func (h *Handshake) ReadMessage(msg []byte) (*Result, error) {
	if h.failed || h.result != nil || h.step > 2 || h.isWriteStep(h.step) {
		return nil, ErrState
	}

	payload, err := h.hs.ReadMessage(nil, msg)
	if err != nil && err != nyquist.ErrDone {
		h.fail()
		return nil, ErrAuth
	}
	done := err == nyquist.ErrDone

	if carriesIdentity(h.step) {
		var ident identityPayload
		if cerr := cbor.Unmarshal(payload, &ident); cerr != nil {
			h.fail()
			return nil, ErrAuth
		}
		if ident.Version != frame.ProtocolVersion || len(ident.ConnID) != frame.ConnectionIDLength {
			h.fail()
			return nil, ErrAuth
		}
		copy(h.remoteConnID[:], ident.ConnID)
		if !h.remoteConnID.IsValid() {
			h.fail()
			return nil, ErrAuth
		}

		// The peer's static key is bound by the time its identity
		// payload arrives; vet it before going any further.
		status := h.hs.GetStatus()
		if status.DH == nil || status.DH.RemoteStatic == nil {
			h.fail()
			return nil, ErrAuth
		}
		auth := h.cfg.Authenticator
		if auth == nil {
			auth = AllowAllPeers
		}
		if !auth.IsPeerValid(status.DH.RemoteStatic.Bytes()) {
			h.fail()
			return nil, ErrAuth
		}
	}

	h.step++
	if !done {
		return nil, nil
	}
	return h.finalize()
}

// Completed returns true iff the handshake finished successfully.
func (h *Handshake) Completed() bool {
	return h.result != nil
}

func (h *Handshake) fail() {
	h.failed = true
	h.hs.Reset()
}

// exportKey extracts 32 bytes of secret keying material from a handshake
// CipherState.  Encrypting an all-zero block yields the raw keystream,
// which is a PRF output under the (unexported) cipher state key; both
// peers hold identical cipher states and so derive identical values.
func exportKey(cs *nyquist.CipherState) ([]byte, error) {
	var zeroes [kdf.KeySize]byte
	cs.SetNonce(0)
	ct, err := cs.EncryptWithAd(nil, []byte(keyExportLabel), zeroes[:])
	if err != nil {
		return nil, err
	}
	return ct[:kdf.KeySize], nil
}

func (h *Handshake) finalize() (*Result, error) {
	status := h.hs.GetStatus()
	if status.Err != nyquist.ErrDone || len(status.CipherStates) != 2 {
		h.fail()
		return nil, ErrAuth
	}

	// CipherStates[0] protects initiator-to-responder traffic and
	// CipherStates[1] the reverse, per the Noise Split() convention.
	i2rKey, err := exportKey(status.CipherStates[0])
	if err != nil {
		h.fail()
		return nil, ErrAuth
	}
	r2iKey, err := exportKey(status.CipherStates[1])
	if err != nil {
		h.fail()
		return nil, ErrAuth
	}
	status.CipherStates[0].Reset()
	status.CipherStates[1].Reset()
	defer utils.ExplicitBzero(i2rKey)
	defer utils.ExplicitBzero(r2iKey)

	hh := make([]byte, len(status.HandshakeHash))
	copy(hh, status.HandshakeHash)

	h.result = &Result{
		Secrets:       kdf.DeriveSessionSecrets(h.cfg.IsInitiator, i2rKey, r2iKey, hh),
		HandshakeHash: hh,
		RemoteStatic:  status.DH.RemoteStatic.Bytes(),
		LocalConnID:   h.cfg.LocalConnID,
		RemoteConnID:  h.remoteConnID,
	}
	return h.result, nil
}

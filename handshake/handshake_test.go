// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraithnet/wraith/frame"
)

func newTestPair(t *testing.T, auth PeerAuthenticator) (*Handshake, *Handshake) {
	initStatic, err := GenerateKeypair(nil)
	require.NoError(t, err)
	respStatic, err := GenerateKeypair(nil)
	require.NoError(t, err)

	initCID, err := frame.NewConnectionID()
	require.NoError(t, err)
	respCID, err := frame.NewConnectionID()
	require.NoError(t, err)

	init, err := New(&Config{
		LocalStatic:   initStatic,
		LocalConnID:   initCID,
		Authenticator: auth,
		IsInitiator:   true,
	})
	require.NoError(t, err)

	resp, err := New(&Config{
		LocalStatic:   respStatic,
		LocalConnID:   respCID,
		Authenticator: auth,
		IsInitiator:   false,
	})
	require.NoError(t, err)

	return init, resp
}

// runHandshake drives a full XX exchange and returns both results.
func runHandshake(t *testing.T, init, resp *Handshake) (*Result, *Result) {
	msg1, res, err := init.WriteMessage()
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = resp.ReadMessage(msg1)
	require.NoError(t, err)
	require.Nil(t, res)

	msg2, res, err := resp.WriteMessage()
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = init.ReadMessage(msg2)
	require.NoError(t, err)
	require.Nil(t, res)

	msg3, initResult, err := init.WriteMessage()
	require.NoError(t, err)
	require.NotNil(t, initResult)

	respResult, err := resp.ReadMessage(msg3)
	require.NoError(t, err)
	require.NotNil(t, respResult)

	return initResult, respResult
}

func TestHandshake(t *testing.T) {
	require := require.New(t)

	init, resp := newTestPair(t, nil)
	initResult, respResult := runHandshake(t, init, resp)

	require.True(init.Completed())
	require.True(resp.Completed())

	// Transcripts agree.
	require.Equal(initResult.HandshakeHash, respResult.HandshakeHash)

	// Directions mirror.
	require.Equal(initResult.Secrets.SendChain, respResult.Secrets.RecvChain)
	require.Equal(initResult.Secrets.RecvChain, respResult.Secrets.SendChain)
	require.Equal(initResult.Secrets.SendSalt, respResult.Secrets.RecvSalt)
	require.Equal(initResult.Secrets.RecvSalt, respResult.Secrets.SendSalt)
	require.Equal(initResult.Secrets.CIDSecret, respResult.Secrets.CIDSecret)
	require.NotEqual(initResult.Secrets.SendChain, initResult.Secrets.RecvChain)

	// Each side learned the other's identity and connection ID.
	require.Equal(init.cfg.LocalStatic.Public().Bytes(), respResult.RemoteStatic)
	require.Equal(resp.cfg.LocalStatic.Public().Bytes(), initResult.RemoteStatic)
	require.Equal(initResult.LocalConnID, respResult.RemoteConnID)
	require.Equal(respResult.LocalConnID, initResult.RemoteConnID)

	// Completed handshakes refuse further use.
	_, _, err := init.WriteMessage()
	require.Equal(ErrState, err)
	_, err = resp.ReadMessage([]byte{0x00})
	require.Equal(ErrState, err)
}

func TestHandshakeOutOfOrder(t *testing.T) {
	require := require.New(t)

	init, resp := newTestPair(t, nil)

	// The initiator speaks first; a read is a state error.
	_, err := init.ReadMessage([]byte{0x00})
	require.Equal(ErrState, err)

	// The responder may not write before reading message 1.
	_, _, err = resp.WriteMessage()
	require.Equal(ErrState, err)
}

func TestHandshakeTampering(t *testing.T) {
	require := require.New(t)

	init, resp := newTestPair(t, nil)

	msg1, _, err := init.WriteMessage()
	require.NoError(err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(err)

	msg2, _, err := resp.WriteMessage()
	require.NoError(err)

	// Flip a bit in the encrypted portion of message 2.
	tampered := append([]byte{}, msg2...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = init.ReadMessage(tampered)
	require.Equal(ErrAuth, err)

	// The failure is permanent.
	_, err = init.ReadMessage(msg2)
	require.Equal(ErrState, err)
}

type rejectAll struct{}

func (rejectAll) IsPeerValid([]byte) bool { return false }

func TestHandshakeAuthenticatorReject(t *testing.T) {
	require := require.New(t)

	init, resp := newTestPair(t, nil)
	init.cfg.Authenticator = rejectAll{}

	msg1, _, err := init.WriteMessage()
	require.NoError(err)
	_, err = resp.ReadMessage(msg1)
	require.NoError(err)

	msg2, _, err := resp.WriteMessage()
	require.NoError(err)

	// The initiator vets the responder's identity on message 2.
	_, err = init.ReadMessage(msg2)
	require.Equal(ErrAuth, err)
}

type allowOnly struct{ pk []byte }

func (a allowOnly) IsPeerValid(pk []byte) bool { return bytes.Equal(a.pk, pk) }

func TestHandshakePinnedPeer(t *testing.T) {
	require := require.New(t)

	init, resp := newTestPair(t, nil)
	init.cfg.Authenticator = allowOnly{pk: resp.cfg.LocalStatic.Public().Bytes()}
	resp.cfg.Authenticator = allowOnly{pk: init.cfg.LocalStatic.Public().Bytes()}

	initResult, respResult := runHandshake(t, init, resp)
	require.Equal(initResult.HandshakeHash, respResult.HandshakeHash)
}

func TestHandshakeSessionUniqueness(t *testing.T) {
	require := require.New(t)

	a1, b1 := newTestPair(t, nil)
	r1, _ := runHandshake(t, a1, b1)

	a2, b2 := newTestPair(t, nil)
	r2, _ := runHandshake(t, a2, b2)

	require.NotEqual(r1.HandshakeHash, r2.HandshakeHash)
	require.NotEqual(r1.Secrets.SendChain, r2.Secrets.SendChain)
}

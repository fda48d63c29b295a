// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraithnet/wraith/crypto/kdf"
)

func testRatchetPair(t *testing.T) (*Ratchet, *Ratchet) {
	i2r := make([]byte, kdf.KeySize)
	r2i := make([]byte, kdf.KeySize)
	hh := make([]byte, 32)
	copy(i2r, "initiator to responder key!!!!!!")
	copy(r2i, "responder to initiator key!!!!!!")
	copy(hh, "ratchet test handshake hash!!!!!")

	init := New(kdf.DeriveSessionSecrets(true, i2r, r2i, hh), hh, true, 0, nil)
	resp := New(kdf.DeriveSessionSecrets(false, i2r, r2i, hh), hh, false, 0, nil)
	t.Cleanup(func() {
		init.Destroy()
		resp.Destroy()
	})
	return init, resp
}

func exchange(t *testing.T, from, to *Ratchet, payload string) {
	p := testDataFrame(t, from.NextSequence(), payload)
	w, err := from.Seal(nil, p)
	require.NoError(t, err)
	opened, previous, err := to.Open(nil, w)
	require.NoError(t, err)
	require.False(t, previous)
	require.Equal(t, p, opened)
}

func TestRatchetBidirectional(t *testing.T) {
	init, resp := testRatchetPair(t)
	for i := 0; i < 10; i++ {
		exchange(t, init, resp, "ping")
		exchange(t, resp, init, "pong")
	}
	require.Equal(t, uint64(10), init.SentInEpoch())
}

func TestRatchetRekey(t *testing.T) {
	require := require.New(t)

	init, resp := testRatchetPair(t)
	exchange(t, init, resp, "before rekey")

	oldCID := *init.CIDSecret()

	pub, err := init.InitiateRekey()
	require.NoError(err)
	require.True(init.RekeyPending())

	// The initiator keeps sending on the old keys while waiting.
	exchange(t, init, resp, "during rekey")

	respPub, commitment, err := resp.AcceptRekey(pub)
	require.NoError(err)

	// The acknowledgment travels under the old keys; only then does the
	// responder switch epochs.
	require.Equal(uint32(0), resp.Epoch())
	require.NoError(resp.CommitRekey())
	require.Equal(uint32(1), resp.Epoch())

	require.NoError(init.FinishRekey(respPub, commitment))
	require.Equal(uint32(1), init.Epoch())
	require.False(init.RekeyPending())

	// Sequence space restarts and traffic flows under the new keys.
	require.Equal(uint64(0), init.NextSequence())
	exchange(t, init, resp, "after rekey")
	exchange(t, resp, init, "after rekey reverse")

	// The rotation secret changed with the epoch.
	require.NotEqual(oldCID, *init.CIDSecret())
	require.Equal(*init.CIDSecret(), *resp.CIDSecret())
}

func TestRatchetRekeyGracePeriod(t *testing.T) {
	require := require.New(t)

	init, resp := testRatchetPair(t)

	// Seal a frame under epoch 0 but delay its delivery across the rekey.
	inFlight := testDataFrame(t, init.NextSequence(), "in flight")
	w, err := init.Seal(nil, inFlight)
	require.NoError(err)

	pub, err := init.InitiateRekey()
	require.NoError(err)
	respPub, commitment, err := resp.AcceptRekey(pub)
	require.NoError(err)
	require.NoError(resp.CommitRekey())
	require.NoError(init.FinishRekey(respPub, commitment))

	// The delayed frame still opens via the grace chain and is flagged
	// as previous-epoch traffic.
	opened, previous, err := resp.Open(nil, w)
	require.NoError(err)
	require.True(previous)
	require.Equal(inFlight, opened)

	// After the grace chain drains, new-epoch frames keep flowing.
	resp.DropPreviousEpoch()
	w2, err := init.Seal(nil, testDataFrame(t, init.NextSequence(), "new epoch"))
	require.NoError(err)
	_, previous, err = resp.Open(nil, w2)
	require.NoError(err)
	require.False(previous)
}

func TestRatchetRekeyPendingExclusion(t *testing.T) {
	require := require.New(t)

	init, _ := testRatchetPair(t)

	_, err := init.InitiateRekey()
	require.NoError(err)
	_, err = init.InitiateRekey()
	require.Equal(ErrRekeyPending, err)

	init.CancelRekey()
	require.False(init.RekeyPending())
	_, err = init.InitiateRekey()
	require.NoError(err)
}

func TestRatchetRekeyCommitmentMismatch(t *testing.T) {
	require := require.New(t)

	init, resp := testRatchetPair(t)

	pub, err := init.InitiateRekey()
	require.NoError(err)
	respPub, commitment, err := resp.AcceptRekey(pub)
	require.NoError(err)
	require.NoError(resp.CommitRekey())

	bad := commitment
	bad[0] ^= 0x01
	require.Equal(ErrCommitment, init.FinishRekey(respPub, bad))
}

func TestRatchetFinishWithoutInitiate(t *testing.T) {
	require := require.New(t)

	init, _ := testRatchetPair(t)
	var pub [kdf.KeySize]byte
	var commitment [kdf.CommitmentSize]byte
	require.Equal(ErrNoRekeyPending, init.FinishRekey(pub, commitment))
}

func TestRatchetForwardSecrecyAcrossRekey(t *testing.T) {
	require := require.New(t)

	init, resp := testRatchetPair(t)

	w, err := init.Seal(nil, testDataFrame(t, 0, "epoch zero"))
	require.NoError(err)
	_, _, err = resp.Open(nil, w)
	require.NoError(err)

	pub, err := init.InitiateRekey()
	require.NoError(err)
	respPub, commitment, err := resp.AcceptRekey(pub)
	require.NoError(err)
	require.NoError(resp.CommitRekey())
	require.NoError(init.FinishRekey(respPub, commitment))
	resp.DropPreviousEpoch()

	// Old-epoch traffic is gone for good: the consumed frame replays as
	// a failure even though its sequence number restarted.
	_, _, err = resp.Open(nil, w)
	require.Error(err)
}

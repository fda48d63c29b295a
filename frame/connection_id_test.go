// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnectionID(t *testing.T) {
	require := require.New(t)

	cid, err := NewConnectionID()
	require.NoError(err)
	require.True(cid.IsValid())
	require.NotEqual(HandshakeConnectionID, cid)

	require.False(zeroConnectionID.IsValid())
	require.False(HandshakeConnectionID.IsValid())
	require.Len(cid.String(), 2*ConnectionIDLength)
}

func TestConnectionIDRotation(t *testing.T) {
	require := require.New(t)

	cid, err := NewConnectionID()
	require.NoError(err)

	var secret [32]byte
	copy(secret[:], "rotation secret rotation secret!")

	r0 := cid.Rotate(0, &secret)
	r1 := cid.Rotate(1, &secret)
	require.NotEqual(r0, r1)
	require.NotEqual(cid, r1)

	// High 8 bytes are rotation-invariant.
	require.Equal(cid[:8], r0[:8])
	require.Equal(cid[:8], r1[:8])

	// Rotation is its own inverse.
	require.Equal(cid, r0.Rotate(0, &secret))
	require.Equal(cid, r1.Rotate(1, &secret))

	// A different secret yields a different wire form.
	var other [32]byte
	other[0] = 1
	require.NotEqual(r0, cid.Rotate(0, &other))
}

func TestRotationEpoch(t *testing.T) {
	require := require.New(t)

	require.Equal(uint64(0), RotationEpoch(0))
	require.Equal(uint64(0), RotationEpoch(1<<rotationPeriodBits-1))
	require.Equal(uint64(1), RotationEpoch(1<<rotationPeriodBits))
	require.Equal(uint64(2), RotationEpoch(2<<rotationPeriodBits))
}

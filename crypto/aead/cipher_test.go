// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package aead

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wraithnet/wraith/frame"
)

func testKeySalt() (*[KeySize]byte, *[SaltSize]byte) {
	key := new([KeySize]byte)
	salt := new([SaltSize]byte)
	copy(key[:], "frame encryption key for tests!!")
	copy(salt[:], "direction salt!!")
	return key, salt
}

func testCID(t *testing.T) frame.ConnectionID {
	cid, err := frame.NewConnectionID()
	require.NoError(t, err)
	return cid
}

func TestSealOpenRoundTrip(t *testing.T) {
	require := require.New(t)

	key, salt := testKeySalt()
	f := &frame.StreamData{
		ConnID:   testCID(t),
		Sequence: 12345,
		StreamID: 2,
		Offset:   8192,
		Payload:  []byte("the quick brown fox jumps over the lazy dog"),
	}
	plaintext := f.ToBytes()

	wire, err := SealFrame(key, salt, nil, plaintext)
	require.NoError(err)
	require.Len(wire, len(plaintext)+frame.TagLength)

	// The header travels in the clear, except for the adjusted length.
	require.Equal(plaintext[:28], wire[:28])
	require.NotEqual(plaintext[frame.HeaderLength:], wire[frame.HeaderLength:len(plaintext)])

	opened, err := OpenFrame(key, salt, nil, wire)
	require.NoError(err)
	require.Equal(plaintext, opened)

	decoded, err := frame.FromBytes(opened)
	require.NoError(err)
	require.Equal(f, decoded)
}

func TestOpenRejectsTampering(t *testing.T) {
	require := require.New(t)

	key, salt := testKeySalt()
	f := &frame.Ping{ConnID: testCID(t), Sequence: 7}
	wire, err := SealFrame(key, salt, nil, f.ToBytes())
	require.NoError(err)

	for _, idx := range []int{0, 1, 4, 20, frame.HeaderLength, len(wire) - 1} {
		tampered := append([]byte{}, wire...)
		tampered[idx] ^= 0x01
		_, err = OpenFrame(key, salt, nil, tampered)
		require.Equal(ErrAuth, err, "flipped byte %d", idx)
	}

	// Wrong key.
	badKey := new([KeySize]byte)
	copy(badKey[:], key[:])
	badKey[0] ^= 1
	_, err = OpenFrame(badKey, salt, nil, wire)
	require.Equal(ErrAuth, err)

	// Wrong salt.
	badSalt := new([SaltSize]byte)
	copy(badSalt[:], salt[:])
	badSalt[0] ^= 1
	_, err = OpenFrame(key, badSalt, nil, wire)
	require.Equal(ErrAuth, err)

	// Truncated input.
	_, err = OpenFrame(key, salt, nil, wire[:frame.HeaderLength+frame.TagLength-1])
	require.Equal(ErrAuth, err)
}

func TestSealOpenReusesBuffers(t *testing.T) {
	require := require.New(t)

	key, salt := testKeySalt()
	cid := testCID(t)

	// Sealing and opening append into caller-supplied buffers; once the
	// buffer is big enough, no call grows a fresh one.
	sealBuf := make([]byte, 0, 4096)
	openBuf := make([]byte, 0, 4096)
	for seq := uint64(0); seq < 4; seq++ {
		pt := (&frame.Ping{ConnID: cid, Sequence: seq}).ToBytes()

		wire, err := SealFrame(key, salt, sealBuf[:0], pt)
		require.NoError(err)
		require.Equal(4096, cap(wire))
		sealBuf = wire

		opened, err := OpenFrame(key, salt, openBuf[:0], wire)
		require.NoError(err)
		require.Equal(4096, cap(opened))
		require.Equal(pt, opened)
		openBuf = opened
	}
}

func TestSealNonceUniqueness(t *testing.T) {
	require := require.New(t)

	key, salt := testKeySalt()
	cid := testCID(t)

	w1, err := SealFrame(key, salt, nil, (&frame.Ping{ConnID: cid, Sequence: 1}).ToBytes())
	require.NoError(err)
	w2, err := SealFrame(key, salt, nil, (&frame.Ping{ConnID: cid, Sequence: 2}).ToBytes())
	require.NoError(err)
	require.NotEqual(w1[frame.HeaderLength:], w2[frame.HeaderLength:])
}

func TestSealOversized(t *testing.T) {
	require := require.New(t)

	key, salt := testKeySalt()
	f := &frame.Padding{
		ConnID:   testCID(t),
		Sequence: 1,
		Padding:  make([]byte, frame.MaxPayloadLength-frame.TagLength+1),
	}
	_, err := SealFrame(key, salt, nil, f.ToBytes())
	require.Equal(ErrOversized, err)
}

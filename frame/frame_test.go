// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConnID(t *testing.T) ConnectionID {
	cid, err := NewConnectionID()
	require.NoError(t, err)
	return cid
}

func TestHeader(t *testing.T) {
	require := require.New(t)

	cid := testConnID(t)
	f := &StreamData{
		ConnID:   cid,
		Sequence: 0xdeadbeefcafe,
		StreamID: 7,
		Offset:   1 << 32,
		Fin:      true,
		Payload:  []byte("header test"),
	}
	b := f.ToBytes()

	h, err := DecodeHeader(b)
	require.NoError(err)
	require.Equal(byte(typeStreamData), h.Type)
	require.Equal(uint16(FlagFin), h.Flags)
	require.Equal(cid, h.ConnID)
	require.Equal(uint64(0xdeadbeefcafe), h.Sequence)
	require.Equal(uint32(8+len(f.Payload)), h.Length)
	require.Equal(uint32(7), h.StreamID)
	require.False(h.IsHandshake())

	// Truncated header.
	_, err = DecodeHeader(b[:HeaderLength-1])
	require.Equal(ErrTooShort, err)

	// Declared length disagrees with the input size.
	_, err = DecodeHeader(b[:len(b)-1])
	require.Equal(ErrTooShort, err)

	// Bad version byte.
	bad := append([]byte{}, b...)
	bad[0] = 0x10
	_, err = DecodeHeader(bad)
	require.Equal(ErrInvalidVersion, err)

	// Oversized input.
	huge := make([]byte, HeaderLength+MaxPayloadLength+1)
	huge[0] = ProtocolVersion
	_, err = DecodeHeader(huge)
	require.Equal(ErrOversized, err)
}

func TestFrameRoundTrips(t *testing.T) {
	require := require.New(t)

	cid := testConnID(t)
	var pk [KeyLength]byte
	var commit [CommitmentLength]byte
	var token [TokenLength]byte
	for i := range pk {
		pk[i] = byte(i)
	}
	for i := range commit {
		commit[i] = byte(0xA0 + i)
	}
	copy(token[:], "tokentok")

	frames := []Frame{
		&Handshake{Message: []byte("noise message one")},
		&StreamData{ConnID: cid, Sequence: 1, StreamID: 3, Offset: 4096, Payload: []byte("hello")},
		&StreamData{ConnID: cid, Sequence: 2, StreamID: 3, Offset: 4101, Fin: true},
		&StreamOpen{ConnID: cid, Sequence: 3, StreamID: 5},
		&StreamClose{ConnID: cid, Sequence: 4, StreamID: 5, FinalOffset: 123456},
		&StreamReset{ConnID: cid, Sequence: 5, StreamID: 5, ErrorCode: 42},
		&StreamWindow{ConnID: cid, Sequence: 6, StreamID: 5, MaxOffset: 1 << 20},
		&WindowUpdate{ConnID: cid, Sequence: 7, SessionMax: 1 << 24},
		&Ack{ConnID: cid, Sequence: 8, LargestAcked: 100, AckDelay: 250},
		&Ack{
			ConnID:       cid,
			Sequence:     9,
			LargestAcked: 100,
			AckDelay:     1000,
			Ranges:       []AckRange{{Start: 90, End: 100}, {Start: 1, End: 80}},
		},
		&Ping{ConnID: cid, Sequence: 10, Echo: token},
		&Pong{ConnID: cid, Sequence: 11, Echo: token},
		&Rekey{ConnID: cid, Sequence: 12, PublicKey: pk},
		&RekeyAck{ConnID: cid, Sequence: 13, PublicKey: pk, Commitment: commit},
		&PathChallenge{ConnID: cid, Sequence: 14, Token: token},
		&PathResponse{ConnID: cid, Sequence: 15, Token: token},
		&Close{ConnID: cid, Sequence: 16, Reason: 2},
		&CloseAck{ConnID: cid, Sequence: 17},
		&Padding{ConnID: cid, Sequence: 18, Padding: []byte{0, 1, 2, 3}},
	}

	for _, f := range frames {
		b := f.ToBytes()
		decoded, err := FromBytes(b)
		require.NoError(err, "FromBytes(%T)", f)
		require.Equal(f, decoded, "round trip %T", f)
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	require := require.New(t)

	cid := testConnID(t)

	// Unknown frame type.
	b := (&CloseAck{ConnID: cid, Sequence: 1}).ToBytes()
	b[1] = 0x7F
	_, err := FromBytes(b)
	require.Equal(ErrInvalidType, err)

	// Body too short for the type.
	b = (&Rekey{ConnID: cid, Sequence: 2}).ToBytes()
	b = b[:len(b)-1]
	b[28] = KeyLength - 1 // Fix up the length field.
	_, err = FromBytes(b)
	require.Equal(ErrMalformedBody, err)

	// StreamData with no room for the offset.
	sd := (&StreamData{ConnID: cid, Sequence: 3, StreamID: 1, Payload: nil}).ToBytes()
	sd = sd[:HeaderLength+4]
	sd[28] = 4
	_, err = FromBytes(sd)
	require.Equal(ErrMalformedBody, err)

	// Ack declaring more ranges than the body carries.
	ack := (&Ack{ConnID: cid, Sequence: 4, LargestAcked: 9}).ToBytes()
	ack[HeaderLength+12] = 3
	_, err = FromBytes(ack)
	require.Equal(ErrMalformedBody, err)

	// Ack exceeding the range limit.
	ranges := make([]AckRange, MaxAckRanges)
	big := (&Ack{ConnID: cid, Sequence: 5, Ranges: ranges}).ToBytes()
	big[HeaderLength+12] = MaxAckRanges + 1
	_, err = FromBytes(big)
	require.Equal(ErrMalformedBody, err)

	// Trailing junk on a fixed-size body.
	pc := (&PathChallenge{ConnID: cid, Sequence: 6}).ToBytes()
	pc = append(pc, 0x00)
	pc[28] = TokenLength + 1
	_, err = FromBytes(pc)
	require.Equal(ErrMalformedBody, err)
}

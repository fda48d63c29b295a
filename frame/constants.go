// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

const (
	// ProtocolVersion is the wire protocol version byte (0x20 = v2.0).
	ProtocolVersion = 0x20

	// HeaderLength is the size of the fixed frame header in bytes.
	HeaderLength = 40

	// ConnectionIDLength is the size of a connection identifier in bytes.
	ConnectionIDLength = 16

	// TagLength is the size of the AEAD authentication tag appended to
	// every encrypted frame body.
	TagLength = 16

	// MaxPayloadLength is the maximum frame body size the codec will
	// encode or decode.  Oversized input is rejected before any
	// cryptographic processing.
	MaxPayloadLength = 65535

	// MaxAckRanges is the maximum number of SACK ranges an Ack frame
	// will carry.
	MaxAckRanges = 32

	// TokenLength is the size of path challenge/response tokens and
	// ping/pong echo payloads.
	TokenLength = 8

	// KeyLength is the size of the X25519 public key carried by rekey
	// frames.
	KeyLength = 32

	// CommitmentLength is the size of the key commitment carried by
	// rekey acknowledgment frames.
	CommitmentLength = 16
)

type frameType byte

const (
	// Data plane.
	typeStreamData frameType = 0x31

	// Handshake (cleartext, carried under the handshake connection ID).
	typeHandshake frameType = 0x05

	// Control plane.
	typeAck          frameType = 0x10
	typePing         frameType = 0x12
	typePong         frameType = 0x13
	typeWindowUpdate frameType = 0x14

	// Key management.
	typeRekey    frameType = 0x20
	typeRekeyAck frameType = 0x21

	// Stream lifecycle.
	typeStreamOpen   frameType = 0x30
	typeStreamClose  frameType = 0x32
	typeStreamReset  frameType = 0x33
	typeStreamWindow frameType = 0x34

	// Path validation and migration.
	typePathChallenge frameType = 0x40
	typePathResponse  frameType = 0x41

	// Session lifecycle.
	typeClose    frameType = 0x50
	typeCloseAck frameType = 0x51

	// Obfuscation support.
	typePadding frameType = 0xF0
)

// Header flag bits.
const (
	// FlagFin marks a StreamData frame as the final frame of the
	// stream's send direction.
	FlagFin = 0x0001
)

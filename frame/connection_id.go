// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

import (
	"encoding/binary"
	"encoding/hex"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/blake2b"
)

const (
	// rotationPeriodBits determines how often the on-wire connection ID
	// rotates: a new rotation epoch starts every 2^rotationPeriodBits
	// sequence numbers.
	rotationPeriodBits = 16

	cidRotateLabel = "wraith-cid-rotate"
)

// ConnectionID is the opaque identifier carried in frame headers in place
// of network addresses.  The on-wire form is rotated per epoch so that a
// passive observer cannot link frames across rotations.
type ConnectionID [ConnectionIDLength]byte

// HandshakeConnectionID addresses frames exchanged before a session
// exists (all handshake messages).
var HandshakeConnectionID = ConnectionID{
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
	0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF,
}

var zeroConnectionID ConnectionID

// NewConnectionID generates a random connection ID, guaranteed to be
// neither the zero value nor the handshake sentinel.
func NewConnectionID() (ConnectionID, error) {
	var cid ConnectionID
	for {
		if _, err := io.ReadFull(rand.Reader, cid[:]); err != nil {
			return zeroConnectionID, err
		}
		if cid.IsValid() {
			return cid, nil
		}
	}
}

// IsValid returns true iff the connection ID is neither zero nor a
// reserved sentinel value.
func (c ConnectionID) IsValid() bool {
	return c != zeroConnectionID && c != HandshakeConnectionID
}

// RotationEpoch returns the rotation epoch that the given sequence number
// falls in.
func RotationEpoch(seq uint64) uint64 {
	return seq >> rotationPeriodBits
}

// Rotate derives the on-wire form of the connection ID for the given
// rotation epoch.  The transformation XORs the low 8 bytes with a mask
// keyed by the session's CID secret, and is its own inverse.
func (c ConnectionID) Rotate(epoch uint64, secret *[32]byte) ConnectionID {
	h, err := blake2b.New(8, secret[:])
	if err != nil {
		panic("frame: BUG: blake2b.New: " + err.Error())
	}
	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], epoch)
	h.Write([]byte(cidRotateLabel))
	h.Write(epochBytes[:])
	mask := h.Sum(nil)

	out := c
	for i := 0; i < 8; i++ {
		out[8+i] ^= mask[i]
	}
	return out
}

// String returns the hex representation of the connection ID.
func (c ConnectionID) String() string {
	return hex.EncodeToString(c[:])
}

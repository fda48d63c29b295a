// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package frame

// Routable is implemented by every encrypted frame type.  The sender
// stamps the routing fields immediately before sealing: retransmissions
// travel under a fresh sequence number, and the on-wire connection ID
// rotates with the sequence epoch.
type Routable interface {
	Frame

	// SetRouting stamps the on-wire connection ID and sequence number.
	SetRouting(cid ConnectionID, seq uint64)
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *StreamData) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *StreamOpen) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *StreamClose) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *StreamReset) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *StreamWindow) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *WindowUpdate) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Ack) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Ping) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Pong) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Rekey) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *RekeyAck) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *PathChallenge) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *PathResponse) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Close) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *CloseAck) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

// SetRouting stamps the on-wire connection ID and sequence number.
func (f *Padding) SetRouting(cid ConnectionID, seq uint64) {
	f.ConnID, f.Sequence = cid, seq
}

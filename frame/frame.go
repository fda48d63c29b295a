// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package frame implements the wire frame codec.
//
// Every frame starts with a fixed 40-byte header followed by a
// type-specific body:
//
//	 0   1  version (0x20)
//	 1   1  frame type
//	 2   2  flags
//	 4  16  connection id (rotated)
//	20   8  sequence number
//	28   4  body length
//	32   4  stream id
//	36   4  reserved
//
// All multi-byte fields are little-endian.  For encrypted frames the
// header doubles as the AEAD associated data and the body carries the
// ciphertext plus a 16-byte authentication tag; the codec itself only
// deals in plaintext bodies.
package frame

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrTooShort is returned when decoding truncated input.
	ErrTooShort = errors.New("frame: truncated input")

	// ErrOversized is returned when a frame or its declared body length
	// exceeds MaxPayloadLength.
	ErrOversized = errors.New("frame: oversized input")

	// ErrInvalidType is returned when the frame type byte is unknown.
	ErrInvalidType = errors.New("frame: invalid frame type")

	// ErrInvalidVersion is returned when the version byte is not a
	// protocol version this codec understands.
	ErrInvalidVersion = errors.New("frame: invalid protocol version")

	// ErrMalformedBody is returned when a frame body does not match the
	// layout required by its type.
	ErrMalformedBody = errors.New("frame: malformed body")
)

// Frame is the common interface exposed by all wire frame structures.
type Frame interface {
	// AppendTo appends the serialized frame to dst and returns the
	// extended slice.  Senders reuse one encode buffer across frames to
	// keep serialization off the allocator.
	AppendTo(dst []byte) []byte

	// ToBytes serializes the frame and returns the resulting slice.
	ToBytes() []byte
}

// Header is the decoded fixed-layout frame header.
type Header struct {
	Type     byte
	Flags    uint16
	ConnID   ConnectionID
	Sequence uint64
	Length   uint32
	StreamID uint32
}

// IsHandshake returns true iff the frame is a cleartext handshake frame.
func (h *Header) IsHandshake() bool {
	return frameType(h.Type) == typeHandshake
}

// DecodeHeader parses the fixed frame header, validating the version byte
// and the declared body length against the input size.  It is safe to call
// on untrusted input before any cryptographic processing.
func DecodeHeader(b []byte) (*Header, error) {
	if len(b) < HeaderLength {
		return nil, ErrTooShort
	}
	if len(b)-HeaderLength > MaxPayloadLength {
		return nil, ErrOversized
	}
	if b[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	h := &Header{
		Type:     b[1],
		Flags:    binary.LittleEndian.Uint16(b[2:4]),
		Sequence: binary.LittleEndian.Uint64(b[20:28]),
		Length:   binary.LittleEndian.Uint32(b[28:32]),
		StreamID: binary.LittleEndian.Uint32(b[32:36]),
	}
	copy(h.ConnID[:], b[4:20])

	if int(h.Length) != len(b)-HeaderLength {
		return nil, ErrTooShort
	}
	return h, nil
}

func appendHeader(dst []byte, t frameType, flags uint16, cid ConnectionID, seq uint64, streamID uint32, bodyLen int) []byte {
	var h [HeaderLength]byte
	h[0] = ProtocolVersion
	h[1] = byte(t)
	binary.LittleEndian.PutUint16(h[2:4], flags)
	copy(h[4:20], cid[:])
	binary.LittleEndian.PutUint64(h[20:28], seq)
	binary.LittleEndian.PutUint32(h[28:32], uint32(bodyLen))
	binary.LittleEndian.PutUint32(h[32:36], streamID)
	return append(dst, h[:]...)
}

// Handshake is a cleartext handshake frame carrying one Noise message.
// Handshake frames travel under the handshake connection ID and are the
// only frames that bypass the cipher layer.
type Handshake struct {
	Message []byte
}

// AppendTo appends the serialized Handshake to dst and returns the
// extended slice.
func (f *Handshake) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeHandshake, 0, HandshakeConnectionID, 0, 0, len(f.Message))
	return append(out, f.Message...)
}

// ToBytes serializes the Handshake and returns the resulting slice.
func (f *Handshake) ToBytes() []byte { return f.AppendTo(nil) }

// StreamData carries a contiguous run of stream bytes at a given offset.
// The Fin flag marks the final frame of the stream's send direction.
type StreamData struct {
	ConnID   ConnectionID
	Sequence uint64
	StreamID uint32
	Offset   uint64
	Fin      bool
	Payload  []byte
}

// AppendTo appends the serialized StreamData to dst and returns the
// extended slice.
func (f *StreamData) AppendTo(dst []byte) []byte {
	var flags uint16
	if f.Fin {
		flags |= FlagFin
	}
	out := appendHeader(dst, typeStreamData, flags, f.ConnID, f.Sequence, f.StreamID, 8+len(f.Payload))
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], f.Offset)
	out = append(out, off[:]...)
	return append(out, f.Payload...)
}

// ToBytes serializes the StreamData and returns the resulting slice.
func (f *StreamData) ToBytes() []byte { return f.AppendTo(nil) }

// StreamOpen announces a locally opened stream to the peer.
type StreamOpen struct {
	ConnID   ConnectionID
	Sequence uint64
	StreamID uint32
}

// AppendTo appends the serialized StreamOpen to dst and returns the
// extended slice.
func (f *StreamOpen) AppendTo(dst []byte) []byte {
	return appendHeader(dst, typeStreamOpen, 0, f.ConnID, f.Sequence, f.StreamID, 0)
}

// ToBytes serializes the StreamOpen and returns the resulting slice.
func (f *StreamOpen) ToBytes() []byte { return f.AppendTo(nil) }

// StreamClose gracefully closes the sender's direction of a stream.
type StreamClose struct {
	ConnID      ConnectionID
	Sequence    uint64
	StreamID    uint32
	FinalOffset uint64
}

// AppendTo appends the serialized StreamClose to dst and returns the
// extended slice.
func (f *StreamClose) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeStreamClose, 0, f.ConnID, f.Sequence, f.StreamID, 8)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], f.FinalOffset)
	return append(out, tmp[:]...)
}

// ToBytes serializes the StreamClose and returns the resulting slice.
func (f *StreamClose) ToBytes() []byte { return f.AppendTo(nil) }

// StreamReset aborts a stream with an error code.
type StreamReset struct {
	ConnID    ConnectionID
	Sequence  uint64
	StreamID  uint32
	ErrorCode uint32
}

// AppendTo appends the serialized StreamReset to dst and returns the
// extended slice.
func (f *StreamReset) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeStreamReset, 0, f.ConnID, f.Sequence, f.StreamID, 4)
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], f.ErrorCode)
	return append(out, tmp[:]...)
}

// ToBytes serializes the StreamReset and returns the resulting slice.
func (f *StreamReset) ToBytes() []byte { return f.AppendTo(nil) }

// StreamWindow advertises the maximum stream offset the sender is willing
// to receive for one stream.
type StreamWindow struct {
	ConnID    ConnectionID
	Sequence  uint64
	StreamID  uint32
	MaxOffset uint64
}

// AppendTo appends the serialized StreamWindow to dst and returns the
// extended slice.
func (f *StreamWindow) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeStreamWindow, 0, f.ConnID, f.Sequence, f.StreamID, 8)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], f.MaxOffset)
	return append(out, tmp[:]...)
}

// ToBytes serializes the StreamWindow and returns the resulting slice.
func (f *StreamWindow) ToBytes() []byte { return f.AppendTo(nil) }

// WindowUpdate advertises the session-level receive window.
type WindowUpdate struct {
	ConnID     ConnectionID
	Sequence   uint64
	SessionMax uint64
}

// AppendTo appends the serialized WindowUpdate to dst and returns the
// extended slice.
func (f *WindowUpdate) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeWindowUpdate, 0, f.ConnID, f.Sequence, 0, 8)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], f.SessionMax)
	return append(out, tmp[:]...)
}

// ToBytes serializes the WindowUpdate and returns the resulting slice.
func (f *WindowUpdate) ToBytes() []byte { return f.AppendTo(nil) }

// AckRange is a single contiguous run of acknowledged sequence numbers,
// inclusive on both ends.
type AckRange struct {
	Start uint64
	End   uint64
}

// Ack selectively acknowledges received frames.
type Ack struct {
	ConnID       ConnectionID
	Sequence     uint64
	LargestAcked uint64
	AckDelay     uint32 // Microseconds between receipt and acknowledgment.
	Ranges       []AckRange
}

// AppendTo appends the serialized Ack to dst and returns the extended
// slice.
func (f *Ack) AppendTo(dst []byte) []byte {
	if len(f.Ranges) > MaxAckRanges {
		panic("frame: BUG: too many ack ranges")
	}
	out := appendHeader(dst, typeAck, 0, f.ConnID, f.Sequence, 0, 8+4+1+16*len(f.Ranges))
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], f.LargestAcked)
	out = append(out, tmp[:]...)
	binary.LittleEndian.PutUint32(tmp[:4], f.AckDelay)
	out = append(out, tmp[:4]...)
	out = append(out, byte(len(f.Ranges)))
	for _, r := range f.Ranges {
		binary.LittleEndian.PutUint64(tmp[:], r.Start)
		out = append(out, tmp[:]...)
		binary.LittleEndian.PutUint64(tmp[:], r.End)
		out = append(out, tmp[:]...)
	}
	return out
}

// ToBytes serializes the Ack and returns the resulting slice.
func (f *Ack) ToBytes() []byte { return f.AppendTo(nil) }

// Ping is a keepalive and RTT measurement probe.
type Ping struct {
	ConnID   ConnectionID
	Sequence uint64
	Echo     [TokenLength]byte
}

// AppendTo appends the serialized Ping to dst and returns the extended
// slice.
func (f *Ping) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typePing, 0, f.ConnID, f.Sequence, 0, TokenLength)
	return append(out, f.Echo[:]...)
}

// ToBytes serializes the Ping and returns the resulting slice.
func (f *Ping) ToBytes() []byte { return f.AppendTo(nil) }

// Pong answers a Ping, echoing its payload.
type Pong struct {
	ConnID   ConnectionID
	Sequence uint64
	Echo     [TokenLength]byte
}

// AppendTo appends the serialized Pong to dst and returns the extended
// slice.
func (f *Pong) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typePong, 0, f.ConnID, f.Sequence, 0, TokenLength)
	return append(out, f.Echo[:]...)
}

// ToBytes serializes the Pong and returns the resulting slice.
func (f *Pong) ToBytes() []byte { return f.AppendTo(nil) }

// Rekey carries a fresh ephemeral public key, initiating a Diffie-Hellman
// ratchet step.
type Rekey struct {
	ConnID    ConnectionID
	Sequence  uint64
	PublicKey [KeyLength]byte
}

// AppendTo appends the serialized Rekey to dst and returns the extended
// slice.
func (f *Rekey) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeRekey, 0, f.ConnID, f.Sequence, 0, KeyLength)
	return append(out, f.PublicKey[:]...)
}

// ToBytes serializes the Rekey and returns the resulting slice.
func (f *Rekey) ToBytes() []byte { return f.AppendTo(nil) }

// RekeyAck completes a Diffie-Hellman ratchet step with the responder's
// fresh public key and a commitment to the newly derived root, allowing
// the initiator to detect key desynchronization.
type RekeyAck struct {
	ConnID     ConnectionID
	Sequence   uint64
	PublicKey  [KeyLength]byte
	Commitment [CommitmentLength]byte
}

// AppendTo appends the serialized RekeyAck to dst and returns the
// extended slice.
func (f *RekeyAck) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeRekeyAck, 0, f.ConnID, f.Sequence, 0, KeyLength+CommitmentLength)
	out = append(out, f.PublicKey[:]...)
	return append(out, f.Commitment[:]...)
}

// ToBytes serializes the RekeyAck and returns the resulting slice.
func (f *RekeyAck) ToBytes() []byte { return f.AppendTo(nil) }

// PathChallenge probes reachability of a candidate network path.
type PathChallenge struct {
	ConnID   ConnectionID
	Sequence uint64
	Token    [TokenLength]byte
}

// AppendTo appends the serialized PathChallenge to dst and returns the
// extended slice.
func (f *PathChallenge) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typePathChallenge, 0, f.ConnID, f.Sequence, 0, TokenLength)
	return append(out, f.Token[:]...)
}

// ToBytes serializes the PathChallenge and returns the resulting slice.
func (f *PathChallenge) ToBytes() []byte { return f.AppendTo(nil) }

// PathResponse echoes a PathChallenge token, proving the sender observes
// traffic on the challenged path.
type PathResponse struct {
	ConnID   ConnectionID
	Sequence uint64
	Token    [TokenLength]byte
}

// AppendTo appends the serialized PathResponse to dst and returns the
// extended slice.
func (f *PathResponse) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typePathResponse, 0, f.ConnID, f.Sequence, 0, TokenLength)
	return append(out, f.Token[:]...)
}

// ToBytes serializes the PathResponse and returns the resulting slice.
func (f *PathResponse) ToBytes() []byte { return f.AppendTo(nil) }

// Close initiates session teardown.
type Close struct {
	ConnID   ConnectionID
	Sequence uint64
	Reason   uint16
}

// AppendTo appends the serialized Close to dst and returns the extended
// slice.
func (f *Close) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typeClose, 0, f.ConnID, f.Sequence, 0, 2)
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], f.Reason)
	return append(out, tmp[:]...)
}

// ToBytes serializes the Close and returns the resulting slice.
func (f *Close) ToBytes() []byte { return f.AppendTo(nil) }

// CloseAck acknowledges a Close.
type CloseAck struct {
	ConnID   ConnectionID
	Sequence uint64
}

// AppendTo appends the serialized CloseAck to dst and returns the
// extended slice.
func (f *CloseAck) AppendTo(dst []byte) []byte {
	return appendHeader(dst, typeCloseAck, 0, f.ConnID, f.Sequence, 0, 0)
}

// ToBytes serializes the CloseAck and returns the resulting slice.
func (f *CloseAck) ToBytes() []byte { return f.AppendTo(nil) }

// Padding carries cover traffic for the external obfuscation layer.  The
// body is discarded on receipt.
type Padding struct {
	ConnID   ConnectionID
	Sequence uint64
	Padding  []byte
}

// AppendTo appends the serialized Padding to dst and returns the extended
// slice.
func (f *Padding) AppendTo(dst []byte) []byte {
	out := appendHeader(dst, typePadding, 0, f.ConnID, f.Sequence, 0, len(f.Padding))
	return append(out, f.Padding...)
}

// ToBytes serializes the Padding and returns the resulting slice.
func (f *Padding) ToBytes() []byte { return f.AppendTo(nil) }

// FromBytes de-serializes the frame in the buffer b, returning a Frame or
// an error.  Truncated and oversized inputs are rejected before the body
// is examined.
func FromBytes(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return nil, err
	}
	body := b[HeaderLength:]

	switch frameType(h.Type) {
	case typeHandshake:
		f := &Handshake{Message: make([]byte, len(body))}
		copy(f.Message, body)
		return f, nil
	case typeStreamData:
		if len(body) < 8 {
			return nil, ErrMalformedBody
		}
		f := &StreamData{
			ConnID:   h.ConnID,
			Sequence: h.Sequence,
			StreamID: h.StreamID,
			Offset:   binary.LittleEndian.Uint64(body[0:8]),
			Fin:      h.Flags&FlagFin != 0,
		}
		if len(body) > 8 {
			f.Payload = make([]byte, len(body)-8)
			copy(f.Payload, body[8:])
		}
		return f, nil
	case typeStreamOpen:
		if len(body) != 0 {
			return nil, ErrMalformedBody
		}
		return &StreamOpen{ConnID: h.ConnID, Sequence: h.Sequence, StreamID: h.StreamID}, nil
	case typeStreamClose:
		if len(body) != 8 {
			return nil, ErrMalformedBody
		}
		return &StreamClose{
			ConnID:      h.ConnID,
			Sequence:    h.Sequence,
			StreamID:    h.StreamID,
			FinalOffset: binary.LittleEndian.Uint64(body),
		}, nil
	case typeStreamReset:
		if len(body) != 4 {
			return nil, ErrMalformedBody
		}
		return &StreamReset{
			ConnID:    h.ConnID,
			Sequence:  h.Sequence,
			StreamID:  h.StreamID,
			ErrorCode: binary.LittleEndian.Uint32(body),
		}, nil
	case typeStreamWindow:
		if len(body) != 8 {
			return nil, ErrMalformedBody
		}
		return &StreamWindow{
			ConnID:    h.ConnID,
			Sequence:  h.Sequence,
			StreamID:  h.StreamID,
			MaxOffset: binary.LittleEndian.Uint64(body),
		}, nil
	case typeWindowUpdate:
		if len(body) != 8 {
			return nil, ErrMalformedBody
		}
		return &WindowUpdate{
			ConnID:     h.ConnID,
			Sequence:   h.Sequence,
			SessionMax: binary.LittleEndian.Uint64(body),
		}, nil
	case typeAck:
		return ackFromBytes(h, body)
	case typePing:
		if len(body) != TokenLength {
			return nil, ErrMalformedBody
		}
		f := &Ping{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.Echo[:], body)
		return f, nil
	case typePong:
		if len(body) != TokenLength {
			return nil, ErrMalformedBody
		}
		f := &Pong{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.Echo[:], body)
		return f, nil
	case typeRekey:
		if len(body) != KeyLength {
			return nil, ErrMalformedBody
		}
		f := &Rekey{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.PublicKey[:], body)
		return f, nil
	case typeRekeyAck:
		if len(body) != KeyLength+CommitmentLength {
			return nil, ErrMalformedBody
		}
		f := &RekeyAck{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.PublicKey[:], body[:KeyLength])
		copy(f.Commitment[:], body[KeyLength:])
		return f, nil
	case typePathChallenge:
		if len(body) != TokenLength {
			return nil, ErrMalformedBody
		}
		f := &PathChallenge{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.Token[:], body)
		return f, nil
	case typePathResponse:
		if len(body) != TokenLength {
			return nil, ErrMalformedBody
		}
		f := &PathResponse{ConnID: h.ConnID, Sequence: h.Sequence}
		copy(f.Token[:], body)
		return f, nil
	case typeClose:
		if len(body) != 2 {
			return nil, ErrMalformedBody
		}
		return &Close{
			ConnID:   h.ConnID,
			Sequence: h.Sequence,
			Reason:   binary.LittleEndian.Uint16(body),
		}, nil
	case typeCloseAck:
		if len(body) != 0 {
			return nil, ErrMalformedBody
		}
		return &CloseAck{ConnID: h.ConnID, Sequence: h.Sequence}, nil
	case typePadding:
		f := &Padding{ConnID: h.ConnID, Sequence: h.Sequence, Padding: make([]byte, len(body))}
		copy(f.Padding, body)
		return f, nil
	default:
		return nil, ErrInvalidType
	}
}

func ackFromBytes(h *Header, body []byte) (Frame, error) {
	if len(body) < 13 {
		return nil, ErrMalformedBody
	}
	n := int(body[12])
	if n > MaxAckRanges || len(body) != 13+16*n {
		return nil, ErrMalformedBody
	}
	f := &Ack{
		ConnID:       h.ConnID,
		Sequence:     h.Sequence,
		LargestAcked: binary.LittleEndian.Uint64(body[0:8]),
		AckDelay:     binary.LittleEndian.Uint32(body[8:12]),
	}
	if n > 0 {
		f.Ranges = make([]AckRange, n)
		for i := 0; i < n; i++ {
			off := 13 + 16*i
			f.Ranges[i].Start = binary.LittleEndian.Uint64(body[off : off+8])
			f.Ranges[i].End = binary.LittleEndian.Uint64(body[off+8 : off+16])
		}
	}
	return f, nil
}

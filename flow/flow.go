// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package flow implements credit-based flow control.  Each stream and the
// session as a whole carries a pair of byte windows: the receive window is
// what the local peer advertises and polices, the send window is what the
// remote peer has granted.  Windows never shrink; updates carrying a lower
// limit than previously advertised are stale retransmissions and are
// ignored.
package flow

import "errors"

const (
	// DefaultStreamWindow is the initial per-stream receive window.
	DefaultStreamWindow = 256 * 1024

	// DefaultSessionWindow is the initial session-wide receive window.
	DefaultSessionWindow = 4 * 1024 * 1024
)

// ErrFlowViolation is returned when the peer sends beyond the advertised
// receive window.  The session treats it as a protocol error.
var ErrFlowViolation = errors.New("flow: peer exceeded advertised window")

// SendWindow tracks how much the remote peer allows the local peer to
// send, in bytes of stream (or session) offset.
type SendWindow struct {
	limit    uint64
	consumed uint64
}

// NewSendWindow creates a send window with the peer's initial grant.
func NewSendWindow(initial uint64) *SendWindow {
	return &SendWindow{limit: initial}
}

// Available returns how many bytes may currently be sent.
func (w *SendWindow) Available() uint64 {
	if w.consumed >= w.limit {
		return 0
	}
	return w.limit - w.consumed
}

// Consume marks n bytes as sent, returning false if the window does not
// cover them.
func (w *SendWindow) Consume(n uint64) bool {
	if n > w.Available() {
		return false
	}
	w.consumed += n
	return true
}

// Update raises the window to the peer's newly advertised limit.  It
// returns true iff the update increased the window; stale or duplicate
// advertisements are ignored.
func (w *SendWindow) Update(limit uint64) bool {
	if limit <= w.limit {
		return false
	}
	w.limit = limit
	return true
}

// RecvWindow polices inbound data against the locally advertised limit and
// decides when to advertise more.  An update is due once the application
// has consumed half of the window, amortizing window-update frames.
type RecvWindow struct {
	limit      uint64
	consumed   uint64
	windowSize uint64
}

// NewRecvWindow creates a receive window advertising the given size.
func NewRecvWindow(size uint64) *RecvWindow {
	return &RecvWindow{limit: size, windowSize: size}
}

// Limit returns the currently advertised maximum offset.
func (w *RecvWindow) Limit() uint64 {
	return w.limit
}

// Check validates that inbound data ending at the given offset fits the
// advertised window.
func (w *RecvWindow) Check(endOffset uint64) error {
	if endOffset > w.limit {
		return ErrFlowViolation
	}
	return nil
}

// Consume records n bytes as delivered to the application, freeing window
// capacity for a future advertisement.
func (w *RecvWindow) Consume(n uint64) {
	w.consumed += n
}

// NextUpdate returns the new limit to advertise and true when an update is
// due, advancing the window.  Subsequent calls return false until another
// half-window is consumed.
func (w *RecvWindow) NextUpdate() (uint64, bool) {
	if w.consumed+w.windowSize/2 <= w.limit {
		return 0, false
	}
	w.limit = w.consumed + w.windowSize
	return w.limit, true
}

// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport abstracts the unreliable datagram carriers that
// sessions run over.  The engine assumes nothing about the carrier beyond
// best-effort datagram delivery; loss, reordering, and duplication are
// handled above.
package transport

import (
	"errors"
	"net"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Transport is a best-effort datagram carrier.  Implementations must be
// safe for one concurrent reader and any number of writers.
type Transport interface {
	// WriteTo sends one datagram to the given address.
	WriteTo(b []byte, addr net.Addr) error

	// ReadFrom blocks for the next datagram, copying it into b and
	// returning its length and source address.
	ReadFrom(b []byte) (int, net.Addr, error)

	// LocalAddr returns the local address.
	LocalAddr() net.Addr

	// Close shuts the transport down, unblocking any pending ReadFrom.
	Close() error
}

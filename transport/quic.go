// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICDatagram carries frames as unreliable QUIC datagrams over an
// established QUIC connection, for deployments that need to blend in with
// QUIC traffic or traverse QUIC-only middleboxes.  The connection must be
// created with EnableDatagrams set.
type QUICDatagram struct {
	conn   *quic.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// NewQUICDatagram wraps an established QUIC connection.
func NewQUICDatagram(conn *quic.Conn) *QUICDatagram {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICDatagram{conn: conn, ctx: ctx, cancel: cancel}
}

// WriteTo sends one datagram.  The address is ignored: QUIC connections
// are point to point and handle path migration internally.  SendDatagram
// queues the slice until it is packed into a packet, so the caller's
// reusable buffer is copied out first.
func (q *QUICDatagram) WriteTo(b []byte, _ net.Addr) error {
	return q.conn.SendDatagram(append([]byte{}, b...))
}

// ReadFrom blocks for the next datagram.
func (q *QUICDatagram) ReadFrom(b []byte) (int, net.Addr, error) {
	msg, err := q.conn.ReceiveDatagram(q.ctx)
	if err != nil {
		if q.ctx.Err() != nil {
			return 0, nil, ErrClosed
		}
		return 0, nil, err
	}
	n := copy(b, msg)
	return n, q.conn.RemoteAddr(), nil
}

// LocalAddr returns the QUIC connection's local address.
func (q *QUICDatagram) LocalAddr() net.Addr {
	return q.conn.LocalAddr()
}

// Close tears the QUIC connection down.
func (q *QUICDatagram) Close() error {
	q.cancel()
	return q.conn.CloseWithError(0, "")
}

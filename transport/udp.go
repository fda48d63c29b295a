// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"net"
)

// UDP is the primary production transport: frames map one-to-one onto UDP
// datagrams.
type UDP struct {
	conn *net.UDPConn
}

// ListenUDP binds a UDP transport to the given local address, or to an
// ephemeral port when addr is empty.
func ListenUDP(addr string) (*UDP, error) {
	if addr == "" {
		addr = ":0"
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDP{conn: conn}, nil
}

// WriteTo sends one datagram to the given address.
func (u *UDP) WriteTo(b []byte, addr net.Addr) error {
	_, err := u.conn.WriteTo(b, addr)
	return err
}

// ReadFrom blocks for the next datagram.
func (u *UDP) ReadFrom(b []byte) (int, net.Addr, error) {
	return u.conn.ReadFrom(b)
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// Close shuts the socket down.
func (u *UDP) Close() error {
	return u.conn.Close()
}

// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	mrand "math/rand"
	"net"
	"sync"
)

// MemAddr is the address type of in-memory transports.
type MemAddr string

// Network returns the network name.
func (a MemAddr) Network() string { return "mem" }

// String returns the address.
func (a MemAddr) String() string { return string(a) }

type memPacket struct {
	data []byte
	from net.Addr
}

// Mem is one end of an in-memory datagram pair with configurable loss and
// reordering, for deterministic protocol tests.  All impairment decisions
// come from a seeded source, so a failing run reproduces exactly.
type Mem struct {
	mu   sync.Mutex
	addr MemAddr
	peer *Mem

	rng         *mrand.Rand
	lossRate    float64
	reorderRate float64
	held        *memPacket

	inbox     chan memPacket
	haltCh    chan struct{}
	closeOnce sync.Once
}

// NewMemPair creates two connected in-memory endpoints.  Each direction
// drops a datagram with probability lossRate and swaps adjacent datagrams
// with probability reorderRate.
func NewMemPair(seed int64, lossRate, reorderRate float64) (*Mem, *Mem) {
	a := &Mem{
		addr:        "mem-a",
		rng:         mrand.New(mrand.NewSource(seed)),
		lossRate:    lossRate,
		reorderRate: reorderRate,
		inbox:       make(chan memPacket, 4096),
		haltCh:      make(chan struct{}),
	}
	b := &Mem{
		addr:        "mem-b",
		rng:         mrand.New(mrand.NewSource(seed + 1)),
		lossRate:    lossRate,
		reorderRate: reorderRate,
		inbox:       make(chan memPacket, 4096),
		haltCh:      make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

// SetAddr changes the source address the peer observes on subsequent
// datagrams, simulating a NAT rebinding or interface change.
func (m *Mem) SetAddr(addr MemAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = addr
}

// SetImpairments changes the loss and reorder rates for subsequent
// datagrams, so tests can establish over a clean path and then degrade it.
func (m *Mem) SetImpairments(lossRate, reorderRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lossRate = lossRate
	m.reorderRate = reorderRate
}

func (m *Mem) deliver(pkt memPacket) {
	select {
	case m.peer.inbox <- pkt:
	default:
		// A full inbox drops, like any queue.
	}
}

// WriteTo sends one datagram to the peer, subject to the configured
// impairments.  The destination address is ignored.
func (m *Mem) WriteTo(b []byte, _ net.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.haltCh:
		return ErrClosed
	default:
	}

	pkt := memPacket{data: append([]byte{}, b...), from: m.addr}

	if m.rng.Float64() < m.lossRate {
		return nil
	}

	if m.held != nil {
		m.deliver(pkt)
		m.deliver(*m.held)
		m.held = nil
		return nil
	}
	if m.rng.Float64() < m.reorderRate {
		m.held = &pkt
		return nil
	}
	m.deliver(pkt)
	return nil
}

// ReadFrom blocks for the next datagram.
func (m *Mem) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case pkt := <-m.inbox:
		return copy(b, pkt.data), pkt.from, nil
	case <-m.haltCh:
		return 0, nil, ErrClosed
	}
}

// LocalAddr returns the endpoint's current address.
func (m *Mem) LocalAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// Close shuts the endpoint down.  Any datagram still held for reordering
// is flushed to the peer first.
func (m *Mem) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		if m.held != nil {
			m.deliver(*m.held)
			m.held = nil
		}
		m.mu.Unlock()
		close(m.haltCh)
	})
	return nil
}

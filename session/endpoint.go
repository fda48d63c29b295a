// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/katzenpost/nyquist/dh"
	"gopkg.in/op/go-logging.v1"

	"github.com/wraithnet/wraith/config"
	"github.com/wraithnet/wraith/frame"
	"github.com/wraithnet/wraith/handshake"
	"github.com/wraithnet/wraith/log"
	"github.com/wraithnet/wraith/transport"
	"github.com/wraithnet/wraith/worker"
)

const (
	// handshakeTimeout abandons an establishment attempt.
	handshakeTimeout = 15 * time.Second

	// handshakeRetryInterval paces retransmission of the dialer's first
	// message, the only handshake message with nothing driving its
	// retransmission from the other side.
	handshakeRetryInterval = 500 * time.Millisecond

	// unknownCIDCacheSize bounds the cache used to suppress repeated
	// logging for frames addressed to connection IDs nobody owns.
	unknownCIDCacheSize = 1024

	acceptQueueDepth = 16
)

var (
	// ErrEndpointClosed is returned by endpoint operations after Close.
	ErrEndpointClosed = errors.New("session: endpoint closed")

	// ErrHandshakeTimeout is returned when session establishment does not
	// complete within the handshake timeout.
	ErrHandshakeTimeout = errors.New("session: handshake timeout")
)

// pendingHandshake is an establishment attempt that has not completed.
// Dialers block on doneCh; responder-side attempts complete into the
// endpoint's accept queue.
type pendingHandshake struct {
	hs          *handshake.Handshake
	remote      net.Addr
	isInitiator bool
	lastMsg     []byte
	firstMsg    []byte
	startedAt   time.Time
	doneCh      chan *Session
}

// Endpoint owns one transport and demultiplexes its datagrams: cleartext
// handshake frames drive session establishment, everything else routes to
// an established session by its rotated connection ID.
type Endpoint struct {
	worker.Worker

	log        *logging.Logger
	logBackend *log.Backend
	cfg        *config.Config
	clk        clock.Clock
	tr         transport.Transport

	static dh.Keypair
	auth   handshake.PeerAuthenticator

	mu          sync.Mutex
	byCID       map[frame.ConnectionID]*Session
	sessionCIDs map[*Session][]frame.ConnectionID
	pending     map[string]*pendingHandshake
	unknownCIDs *lru.Cache[frame.ConnectionID, struct{}]

	acceptCh  chan *Session
	closeOnce sync.Once
	closedCh  chan struct{}
}

// New creates an Endpoint over the given transport.  The static keypair is
// the local long-term identity; auth vets remote identities and may be nil
// to accept every authenticated peer.
func New(cfg *config.Config, tr transport.Transport, static dh.Keypair, auth handshake.PeerAuthenticator) (*Endpoint, error) {
	if static == nil {
		return nil, errors.New("session: no static keypair")
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New[frame.ConnectionID, struct{}](unknownCIDCacheSize)
	if err != nil {
		return nil, err
	}

	e := &Endpoint{
		log:         logBackend.GetLogger("endpoint"),
		logBackend:  logBackend,
		cfg:         cfg,
		clk:         clock.New(),
		tr:          tr,
		static:      static,
		auth:        auth,
		byCID:       make(map[frame.ConnectionID]*Session),
		sessionCIDs: make(map[*Session][]frame.ConnectionID),
		pending:     make(map[string]*pendingHandshake),
		unknownCIDs: cache,
		acceptCh:    make(chan *Session, acceptQueueDepth),
		closedCh:    make(chan struct{}),
	}
	e.Go(e.readLoop)
	e.Go(e.reapLoop)
	return e, nil
}

// LocalAddr returns the transport's local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.tr.LocalAddr()
}

// PublicKey returns the local static public key bytes.
func (e *Endpoint) PublicKey() []byte {
	return e.static.Public().Bytes()
}

// Accept blocks until an inbound session establishes or the endpoint
// closes.
func (e *Endpoint) Accept() (*Session, error) {
	select {
	case s := <-e.acceptCh:
		return s, nil
	case <-e.closedCh:
		return nil, ErrEndpointClosed
	}
}

// Dial establishes a session with the peer at the given address, blocking
// until the handshake completes or times out.  The first message is
// retransmitted on a timer; later messages are implicitly retransmitted by
// the peer re-answering our retries.
func (e *Endpoint) Dial(remote net.Addr) (*Session, error) {
	cid, err := frame.NewConnectionID()
	if err != nil {
		return nil, err
	}
	hs, err := handshake.New(&handshake.Config{
		LocalStatic:   e.static,
		LocalConnID:   cid,
		Authenticator: e.auth,
		IsInitiator:   true,
	})
	if err != nil {
		return nil, err
	}
	msg, _, err := hs.WriteMessage()
	if err != nil {
		return nil, err
	}
	wire := (&frame.Handshake{Message: msg}).ToBytes()

	p := &pendingHandshake{
		hs:          hs,
		remote:      remote,
		isInitiator: true,
		lastMsg:     wire,
		startedAt:   e.clk.Now(),
		doneCh:      make(chan *Session, 1),
	}

	key := remote.String()
	e.mu.Lock()
	if e.isClosedLocked() {
		e.mu.Unlock()
		return nil, ErrEndpointClosed
	}
	if _, busy := e.pending[key]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("session: handshake with %v already in progress", remote)
	}
	e.pending[key] = p
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.pending[key] == p {
			delete(e.pending, key)
		}
		e.mu.Unlock()
	}()

	if err = e.tr.WriteTo(wire, remote); err != nil {
		return nil, err
	}

	retry := e.clk.Ticker(handshakeRetryInterval)
	defer retry.Stop()
	deadline := e.clk.Now().Add(handshakeTimeout)
	for {
		select {
		case s := <-p.doneCh:
			if s == nil {
				return nil, handshake.ErrAuth
			}
			return s, nil
		case <-retry.C:
			if e.clk.Now().After(deadline) {
				return nil, ErrHandshakeTimeout
			}
			if err = e.tr.WriteTo(wire, remote); err != nil {
				return nil, err
			}
		case <-e.closedCh:
			return nil, ErrEndpointClosed
		case <-e.HaltCh():
			return nil, ErrEndpointClosed
		}
	}
}

// Close shuts the endpoint and all of its sessions down.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.closedCh)
		if err := e.tr.Close(); err != nil {
			e.log.Debugf("transport close: %v", err)
		}
		e.Halt()

		e.mu.Lock()
		sessions := make([]*Session, 0, len(e.sessionCIDs))
		for s := range e.sessionCIDs {
			sessions = append(sessions, s)
		}
		e.mu.Unlock()

		for _, s := range sessions {
			s.teardown(ErrEndpointClosed)
			s.Halt()
		}
	})
	return nil
}

func (e *Endpoint) isClosedLocked() bool {
	select {
	case <-e.closedCh:
		return true
	default:
		return false
	}
}

func (e *Endpoint) readLoop() {
	buf := make([]byte, frame.HeaderLength+frame.MaxPayloadLength)
	for {
		n, from, err := e.tr.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				e.log.Warningf("transport read: %v", err)
			}
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		h, err := frame.DecodeHeader(pkt)
		if err != nil {
			framesDropped.WithLabelValues(dropReasonFormat).Inc()
			continue
		}
		if h.IsHandshake() {
			e.onHandshakeFrame(pkt[frame.HeaderLength:], from)
			continue
		}

		e.mu.Lock()
		s := e.byCID[h.ConnID]
		e.mu.Unlock()
		if s == nil {
			if ok, _ := e.unknownCIDs.ContainsOrAdd(h.ConnID, struct{}{}); !ok {
				e.log.Debugf("frame for unknown connection ID %v from %v", h.ConnID, from)
			}
			framesDropped.WithLabelValues(dropReasonUnknown).Inc()
			continue
		}
		s.enqueue(pkt, from)
	}
}

// reapLoop expires responder-side establishment attempts whose dialer went
// away.  Dialer-side attempts time out in Dial itself.
func (e *Endpoint) reapLoop() {
	ticker := e.clk.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.HaltCh():
			return
		case <-ticker.C:
			now := e.clk.Now()
			e.mu.Lock()
			for key, p := range e.pending {
				if !p.isInitiator && now.Sub(p.startedAt) > handshakeTimeout {
					delete(e.pending, key)
				}
			}
			e.mu.Unlock()
		}
	}
}

// onHandshakeFrame advances the establishment state machine for one peer
// address.  Anything that fails to authenticate is dropped without a wire
// response; the dialer's retries restart from scratch.
func (e *Endpoint) onHandshakeFrame(msg []byte, from net.Addr) {
	key := from.String()

	e.mu.Lock()
	if e.isClosedLocked() {
		e.mu.Unlock()
		return
	}
	p := e.pending[key]

	if p == nil {
		// A new inbound attempt: consume message 1, answer with 2.
		p = e.newResponderLocked(msg, from)
		if p != nil {
			e.pending[key] = p
		}
		e.mu.Unlock()
		return
	}

	// The dialer paces retransmissions of its first message; feeding one
	// to a responder waiting for message 3 would fail authentication and
	// wreck the attempt.  Answer with the cached message 2 instead so the
	// dialer's state machine can make progress.
	if !p.isInitiator && bytes.Equal(msg, p.firstMsg) {
		if werr := e.tr.WriteTo(p.lastMsg, from); werr != nil {
			e.log.Debugf("transport write: %v", werr)
		}
		e.mu.Unlock()
		return
	}

	result, err := p.hs.ReadMessage(msg)
	switch {
	case err == handshake.ErrState:
		// A retransmission of a message already consumed; re-answer so
		// the peer's state machine can make progress.
		if p.lastMsg != nil && !p.isInitiator {
			if werr := e.tr.WriteTo(p.lastMsg, from); werr != nil {
				e.log.Debugf("transport write: %v", werr)
			}
		}
		e.mu.Unlock()
		return
	case err != nil:
		framesDropped.WithLabelValues(dropReasonHandshake).Inc()
		delete(e.pending, key)
		e.mu.Unlock()
		if p.isInitiator {
			p.doneCh <- nil
		}
		return
	}

	if p.isInitiator {
		// Message 2 consumed; message 3 concludes the handshake.
		var out []byte
		out, result, err = p.hs.WriteMessage()
		if err != nil || result == nil {
			framesDropped.WithLabelValues(dropReasonHandshake).Inc()
			delete(e.pending, key)
			e.mu.Unlock()
			p.doneCh <- nil
			return
		}
		wire := (&frame.Handshake{Message: out}).ToBytes()
		p.lastMsg = wire
		if werr := e.tr.WriteTo(wire, from); werr != nil {
			e.log.Debugf("transport write: %v", werr)
		}
	}

	if result == nil {
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	e.mu.Unlock()

	s := e.buildSession(result, from, p.isInitiator)
	if p.isInitiator {
		p.doneCh <- s
		return
	}
	select {
	case e.acceptCh <- s:
	default:
		e.log.Warningf("accept queue full, dropping session from %v", from)
		s.teardown(ErrEndpointClosed)
	}
}

// newResponderLocked starts a responder-side establishment attempt from a
// first handshake message.  Returns nil when the message does not parse as
// a valid first message.
func (e *Endpoint) newResponderLocked(msg []byte, from net.Addr) *pendingHandshake {
	cid, err := frame.NewConnectionID()
	if err != nil {
		return nil
	}
	hs, err := handshake.New(&handshake.Config{
		LocalStatic:   e.static,
		LocalConnID:   cid,
		Authenticator: e.auth,
		IsInitiator:   false,
	})
	if err != nil {
		return nil
	}
	if _, err = hs.ReadMessage(msg); err != nil {
		framesDropped.WithLabelValues(dropReasonHandshake).Inc()
		return nil
	}
	out, _, err := hs.WriteMessage()
	if err != nil {
		framesDropped.WithLabelValues(dropReasonHandshake).Inc()
		return nil
	}
	wire := (&frame.Handshake{Message: out}).ToBytes()
	if err = e.tr.WriteTo(wire, from); err != nil {
		e.log.Debugf("transport write: %v", err)
	}
	return &pendingHandshake{
		hs:        hs,
		remote:    from,
		lastMsg:   wire,
		firstMsg:  append([]byte{}, msg...),
		startedAt: e.clk.Now(),
		doneCh:    make(chan *Session, 1),
	}
}

func (e *Endpoint) buildSession(result *handshake.Result, from net.Addr, isInitiator bool) *Session {
	l := e.logBackend.GetLogger("session:" + result.LocalConnID.String()[:8])
	s := newSession(e, e.cfg, e.clk, e.tr, from, result, isInitiator, l)
	e.log.Noticef("session established with %v (initiator=%v)", from, isInitiator)
	return s
}

// updateSessionCIDs replaces the set of rotated wire connection IDs that
// route to a session.  Sessions call this as the peer's sequence epoch
// advances and across rekeys.
func (e *Endpoint) updateSessionCIDs(s *Session, cids []frame.ConnectionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, old := range e.sessionCIDs[s] {
		if e.byCID[old] == s {
			delete(e.byCID, old)
		}
	}
	for _, cid := range cids {
		e.byCID[cid] = s
	}
	e.sessionCIDs[s] = cids
}

// forgetSession removes a torn-down session from the routing table.
func (e *Endpoint) forgetSession(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cid := range e.sessionCIDs[s] {
		if e.byCID[cid] == s {
			delete(e.byCID, cid)
		}
	}
	delete(e.sessionCIDs, s)
}

// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session implements the secure session engine: encrypted frame
// transport with replay protection and rekeying, reliable stream
// multiplexing with flow control, model-based congestion control, and
// connection migration across network paths.
package session

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/wraithnet/wraith/config"
	"github.com/wraithnet/wraith/congestion"
	"github.com/wraithnet/wraith/crypto/kdf"
	"github.com/wraithnet/wraith/flow"
	"github.com/wraithnet/wraith/frame"
	"github.com/wraithnet/wraith/handshake"
	"github.com/wraithnet/wraith/ratchet"
	"github.com/wraithnet/wraith/transport"
	"github.com/wraithnet/wraith/worker"
)

const (
	// tickInterval drives retransmission, delayed acks, and the rekey
	// and idle timers.
	tickInterval = 10 * time.Millisecond

	// minRTO floors the retransmission timeout.
	minRTO = 100 * time.Millisecond

	// reorderThreshold is how many sequence numbers past an
	// unacknowledged frame the acknowledgments may advance before the
	// frame is declared lost.
	reorderThreshold = 3

	// ackElicitThreshold forces an acknowledgment after this many
	// ack-eliciting frames, ahead of the delayed-ack timer.
	ackElicitThreshold = 8

	// rekeyRetryInterval paces retransmission of an unanswered Rekey.
	rekeyRetryInterval = time.Second

	// pathChallengeTimeout abandons an unanswered path validation.
	pathChallengeTimeout = 3 * time.Second

	// closeTimeout bounds how long Close waits for the peer's
	// acknowledgment.
	closeTimeout = 3 * time.Second

	inboundQueueDepth = 256
)

// ErrIdleTimeout is the teardown cause when a session sees no
// authenticated traffic for the configured idle period.
var ErrIdleTimeout = errors.New("session: idle timeout")

type inboundDatagram struct {
	data []byte
	from net.Addr
}

type sentEntry struct {
	f       frame.Routable
	wireLen uint64
	sentAt  time.Time
	retx    bool
}

type pathChallengeState struct {
	token  [frame.TokenLength]byte
	addr   net.Addr
	sentAt time.Time
}

// Session is one established secure session with a remote peer.  All
// protocol state is serialized under a single lock; the worker goroutine
// is the only consumer of inbound datagrams and timers.
type Session struct {
	worker.Worker

	log *logging.Logger
	cfg *config.Config
	clk clock.Clock
	tr  transport.Transport
	ep  *Endpoint

	inboundCh chan inboundDatagram

	mu       sync.Mutex
	sendCond *sync.Cond

	rat *ratchet.Ratchet
	cc  *congestion.Controller

	localCID      frame.ConnectionID
	remoteCID     frame.ConnectionID
	remoteStatic  []byte
	remoteAddr    net.Addr
	isInitiator   bool
	prevCIDSecret *[kdf.KeySize]byte

	// Reliability.
	sent          map[uint64]*sentEntry
	largestAcked  uint64
	haveAcked     bool
	srtt          time.Duration
	lastSendAt    time.Time
	lastRecvAt    time.Time
	highestRecvAt time.Time

	// Acknowledgment generation.
	recvRanges    []frame.AckRange
	highestRecv   uint64
	haveRecv      bool
	unackedFrames int
	lastAckAt     time.Time

	// Flow control, session level.
	sessSendWin   *flow.SendWindow
	sessRecvWin   *flow.RecvWindow
	sessRecvTotal uint64

	// Streams.  Retired identifiers are remembered so that late
	// retransmissions cannot resurrect a finished stream.
	streams      map[uint32]*Stream
	retired      map[uint32]struct{}
	nextStreamID uint32
	acceptCh     chan *Stream

	// Rekey.
	lastRekeyAt      time.Time
	rekeyPub         [kdf.KeySize]byte
	rekeySentAt      time.Time
	peerRekeyPub     [kdf.KeySize]byte
	havePeerRekey    bool
	cachedRekeyAck   []byte
	graceDeadline    time.Time
	haveGrace        bool
	registeredEpoch  uint64
	registrationDone bool

	// Sequence epoch the previous key space had reached, for grace-period
	// connection ID registrations.
	prevRegisteredEpoch uint64

	// Migration.
	challenge *pathChallengeState

	// Hot-path scratch.  All sealing and opening happens under mu, so one
	// buffer of each kind serves the whole session without per-frame
	// allocation.
	encodeBuf []byte
	sealBuf   []byte
	openBuf   []byte

	draining  bool
	closeOnce sync.Once
	closedCh  chan struct{}
	closeErr  error
}

func newSession(ep *Endpoint, cfg *config.Config, clk clock.Clock, tr transport.Transport, remoteAddr net.Addr, result *handshake.Result, isInitiator bool, l *logging.Logger) *Session {
	s := &Session{
		log:          l,
		cfg:          cfg,
		clk:          clk,
		tr:           tr,
		ep:           ep,
		inboundCh:    make(chan inboundDatagram, inboundQueueDepth),
		rat:          ratchet.New(result.Secrets, result.HandshakeHash, isInitiator, cfg.Crypto.MaxSkippedKeys, nil),
		cc:           congestion.New(clk, uint64(cfg.Session.MTU)),
		localCID:     result.LocalConnID,
		remoteCID:    result.RemoteConnID,
		remoteStatic: result.RemoteStatic,
		remoteAddr:   remoteAddr,
		isInitiator:  isInitiator,
		sent:         make(map[uint64]*sentEntry),
		sessSendWin:  flow.NewSendWindow(cfg.Session.SessionWindow),
		sessRecvWin:  flow.NewRecvWindow(cfg.Session.SessionWindow),
		streams:      make(map[uint32]*Stream),
		retired:      make(map[uint32]struct{}),
		acceptCh:     make(chan *Stream, cfg.Session.MaxStreams),
		closedCh:     make(chan struct{}),
	}
	s.sendCond = sync.NewCond(&s.mu)
	if isInitiator {
		s.nextStreamID = 1
	} else {
		s.nextStreamID = 2
	}
	now := clk.Now()
	s.lastSendAt, s.lastRecvAt, s.lastRekeyAt, s.lastAckAt = now, now, now, now

	s.registerCIDs()
	sessionsActive.Inc()
	s.Go(s.run)
	return s
}

// RemoteStatic returns the peer's authenticated static public key.
func (s *Session) RemoteStatic() []byte {
	return s.remoteStatic
}

// RemoteAddr returns the current validated peer address.
func (s *Session) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteAddr
}

// Epoch returns the current key epoch.
func (s *Session) Epoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rat.Epoch()
}

// RTT returns the smoothed round-trip estimate.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srtt
}

func (s *Session) maxStreamPayload() uint64 {
	return uint64(s.cfg.Session.MTU - frame.HeaderLength - frame.TagLength - 8)
}

// OpenStream opens a new outgoing stream.
func (s *Session) OpenStream() (*Stream, error) {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if len(s.streams) >= s.cfg.Session.MaxStreams {
		s.mu.Unlock()
		return nil, ErrTooManyStreams
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	st := newStream(s, id, s.cfg.Session.StreamWindow)
	// Register only once the announcement is on the wire, so a failed
	// open cannot leak a slot against the stream limit.
	if err := s.sendFrameLocked(&frame.StreamOpen{StreamID: id}, true); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.streams[id] = st
	s.mu.Unlock()
	return st, nil
}

// AcceptStream blocks until the peer opens a stream or the session closes.
func (s *Session) AcceptStream() (*Stream, error) {
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-s.closedCh:
		return nil, ErrSessionClosed
	}
}

// Close performs a graceful shutdown: it tells the peer, waits briefly for
// the acknowledgment, and tears the session down.
func (s *Session) Close() error {
	s.mu.Lock()
	if !s.isClosedLocked() {
		s.draining = true
		if err := s.sendFrameLocked(&frame.Close{Reason: 0}, false); err != nil {
			s.log.Debugf("close frame send failed: %v", err)
		}
	}
	s.mu.Unlock()

	select {
	case <-s.closedCh:
	case <-s.clk.After(closeTimeout):
	}
	s.teardown(ErrSessionClosed)
	s.Halt()
	return nil
}

func (s *Session) isClosedLocked() bool {
	select {
	case <-s.closedCh:
		return true
	default:
		return false
	}
}

// teardown finalizes the session exactly once: key material is destroyed,
// blocked stream operations are woken, and the endpoint forgets the
// connection IDs.
func (s *Session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		close(s.closedCh)
		streams := make([]*Stream, 0, len(s.streams))
		for _, st := range s.streams {
			streams = append(streams, st)
		}
		s.rat.Destroy()
		s.sendCond.Broadcast()
		s.mu.Unlock()

		for _, st := range streams {
			st.sessionClosed(err)
		}
		if s.ep != nil {
			s.ep.forgetSession(s)
		}
		sessionsActive.Dec()
		s.log.Debugf("session torn down: %v", err)
	})
}

// enqueue hands an inbound datagram to the session worker, dropping when
// the queue is full rather than blocking the endpoint's read loop.
func (s *Session) enqueue(data []byte, from net.Addr) {
	select {
	case s.inboundCh <- inboundDatagram{data: data, from: from}:
	default:
		framesDropped.WithLabelValues(dropReasonOverflow).Inc()
	}
}

func (s *Session) run() {
	ticker := s.clk.Ticker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.HaltCh():
			s.teardown(ErrSessionClosed)
			return
		case <-s.closedCh:
			return
		case pkt := <-s.inboundCh:
			s.handleDatagram(pkt)
		case <-ticker.C:
			s.onTick()
		}
	}
}

// sendFrameLocked stamps, seals, and transmits a frame, recording it for
// retransmission when reliable.
func (s *Session) sendFrameLocked(f frame.Routable, reliable bool) error {
	return s.sendFrameToLocked(f, reliable, s.remoteAddr)
}

func (s *Session) sendFrameToLocked(f frame.Routable, reliable bool, addr net.Addr) error {
	if s.isClosedLocked() {
		return ErrSessionClosed
	}
	seq := s.rat.NextSequence()
	epoch := frame.RotationEpoch(seq)
	f.SetRouting(s.remoteCID.Rotate(epoch, s.rat.CIDSecret()), seq)

	s.encodeBuf = f.AppendTo(s.encodeBuf[:0])
	ct, err := s.rat.Seal(s.sealBuf[:0], s.encodeBuf)
	if err != nil {
		return err
	}
	s.sealBuf = ct
	if err = s.tr.WriteTo(ct, addr); err != nil {
		s.log.Debugf("transport write failed: %v", err)
	}

	now := s.clk.Now()
	s.lastSendAt = now
	if reliable {
		s.sent[seq] = &sentEntry{f: f, wireLen: uint64(len(ct)), sentAt: now}
		s.cc.OnPacketSent(uint64(len(ct)))
	}
	return nil
}

// sendStreamData blocks on the session window and the congestion window,
// then transmits one StreamData frame.
func (s *Session) sendStreamData(id uint32, offset uint64, data []byte, fin bool) error {
	n := uint64(len(data))
	wireLen := uint64(frame.HeaderLength+frame.TagLength+8) + n

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.isClosedLocked() {
			return ErrSessionClosed
		}
		if s.sessSendWin.Available() >= n && s.cc.CanSend(wireLen) {
			break
		}
		s.sendCond.Wait()
	}
	s.sessSendWin.Consume(n)

	f := &frame.StreamData{
		StreamID: id,
		Offset:   offset,
		Fin:      fin,
		Payload:  append([]byte{}, data...),
	}
	return s.sendFrameLocked(f, true)
}

func (s *Session) sendStreamClose(id uint32, final uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFrameLocked(&frame.StreamClose{StreamID: id, FinalOffset: final}, true)
}

func (s *Session) sendStreamReset(id uint32, code uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFrameLocked(&frame.StreamReset{StreamID: id, ErrorCode: code}, true)
}

// onStreamConsumed accounts application reads against the stream and
// session receive windows and advertises newly freed capacity.
func (s *Session) onStreamConsumed(id uint32, n uint64, streamLimit uint64, streamDue bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosedLocked() {
		return
	}
	if streamDue {
		if err := s.sendFrameLocked(&frame.StreamWindow{StreamID: id, MaxOffset: streamLimit}, true); err != nil {
			return
		}
	}
	s.sessRecvWin.Consume(n)
	if limit, due := s.sessRecvWin.NextUpdate(); due {
		_ = s.sendFrameLocked(&frame.WindowUpdate{SessionMax: limit}, true)
	}
}

// handleDatagram authenticates, decrypts, and dispatches one datagram.
// Anything that fails to authenticate is dropped silently; the wire gives
// an observer no feedback about why.
func (s *Session) handleDatagram(pkt inboundDatagram) {
	s.mu.Lock()
	if s.isClosedLocked() {
		s.mu.Unlock()
		return
	}

	pt, prev, err := s.rat.Open(s.openBuf[:0], pkt.data)
	if err != nil {
		switch err {
		case ratchet.ErrReplay:
			framesDropped.WithLabelValues(dropReasonReplay).Inc()
		default:
			framesDropped.WithLabelValues(dropReasonAuth).Inc()
		}
		s.mu.Unlock()
		return
	}

	s.openBuf = pt

	f, err := frame.FromBytes(pt)
	if err != nil {
		framesDropped.WithLabelValues(dropReasonFormat).Inc()
		s.mu.Unlock()
		return
	}

	now := s.clk.Now()
	s.lastRecvAt = now

	// Sequence numbers restart at a rekey, so frames straggling in under
	// the grace chain live in a different sequence space: they must not
	// feed the current epoch's acknowledgment state, and an old-epoch Ack
	// must not be matched against current-epoch sent entries.  Everything
	// else (stream data, a duplicate Rekey) still dispatches normally.
	if !prev {
		s.trackRecvLocked(pt, now)
	} else if _, isAck := f.(*frame.Ack); isAck {
		s.mu.Unlock()
		return
	}
	s.maybeMigrateLocked(pkt.from, f)

	s.dispatchLocked(f, pkt.from, now)
	s.mu.Unlock()
}

// trackRecvLocked updates acknowledgment state from an authenticated
// frame's header and keeps the rotated connection ID registrations in step
// with the peer's sequence epoch.
func (s *Session) trackRecvLocked(pt []byte, now time.Time) {
	h, err := frame.DecodeHeader(pt)
	if err != nil {
		return
	}
	seq := h.Sequence
	if !s.haveRecv || seq > s.highestRecv {
		s.highestRecv = seq
		s.haveRecv = true
		s.highestRecvAt = now
	}
	s.insertRecvRangeLocked(seq)

	if epoch := frame.RotationEpoch(s.highestRecv); epoch != s.registeredEpoch || !s.registrationDone {
		s.registeredEpoch = epoch
		s.registrationDone = true
		s.registerCIDs()
	}
}

func (s *Session) insertRecvRangeLocked(seq uint64) {
	// Ranges are kept ascending and disjoint; the set is small.
	for i := range s.recvRanges {
		r := &s.recvRanges[i]
		if seq >= r.Start && seq <= r.End {
			return
		}
		if seq+1 == r.Start {
			r.Start = seq
			s.mergeRecvRangesLocked()
			return
		}
		if seq == r.End+1 {
			r.End = seq
			s.mergeRecvRangesLocked()
			return
		}
		if seq < r.Start {
			s.recvRanges = append(s.recvRanges, frame.AckRange{})
			copy(s.recvRanges[i+1:], s.recvRanges[i:])
			s.recvRanges[i] = frame.AckRange{Start: seq, End: seq}
			s.trimRecvRangesLocked()
			return
		}
	}
	s.recvRanges = append(s.recvRanges, frame.AckRange{Start: seq, End: seq})
	s.trimRecvRangesLocked()
}

func (s *Session) mergeRecvRangesLocked() {
	merged := s.recvRanges[:0]
	for _, r := range s.recvRanges {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+1 {
			if r.End > merged[n-1].End {
				merged[n-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	s.recvRanges = merged
}

func (s *Session) trimRecvRangesLocked() {
	// The oldest ranges fall off first; anything that old is covered by
	// the replay window anyway.
	if len(s.recvRanges) > frame.MaxAckRanges {
		s.recvRanges = s.recvRanges[len(s.recvRanges)-frame.MaxAckRanges:]
	}
}

func (s *Session) dispatchLocked(f frame.Frame, from net.Addr, now time.Time) {
	switch v := f.(type) {
	case *frame.StreamData:
		s.unackedFrames++
		s.onStreamDataLocked(v)
	case *frame.StreamOpen:
		s.unackedFrames++
		s.getOrCreateStreamLocked(v.StreamID)
	case *frame.StreamClose:
		s.unackedFrames++
		if st := s.getOrCreateStreamLocked(v.StreamID); st != nil {
			if err := st.deliverClose(v.FinalOffset); err != nil {
				s.log.Warningf("stream %d: %v", v.StreamID, err)
				s.teardownAsync(err)
			}
		}
	case *frame.StreamReset:
		s.unackedFrames++
		if st := s.streams[v.StreamID]; st != nil {
			st.deliverReset(v.ErrorCode)
			s.retireStreamLocked(v.StreamID)
		}
	case *frame.StreamWindow:
		s.unackedFrames++
		if st := s.streams[v.StreamID]; st != nil {
			st.updateSendWindow(v.MaxOffset)
		}
	case *frame.WindowUpdate:
		s.unackedFrames++
		if s.sessSendWin.Update(v.SessionMax) {
			s.sendCond.Broadcast()
		}
	case *frame.Ack:
		s.onAckLocked(v, now)
	case *frame.Ping:
		s.unackedFrames++
		_ = s.sendFrameLocked(&frame.Pong{Echo: v.Echo}, false)
	case *frame.Pong:
		// Keepalive answer; activity time is already updated.
	case *frame.Rekey:
		s.unackedFrames++
		s.onRekeyLocked(v)
	case *frame.RekeyAck:
		s.unackedFrames++
		s.onRekeyAckLocked(v)
	case *frame.PathChallenge:
		_ = s.sendFrameToLocked(&frame.PathResponse{Token: v.Token}, false, from)
	case *frame.PathResponse:
		s.onPathResponseLocked(v)
	case *frame.Close:
		s.draining = true
		_ = s.sendFrameLocked(&frame.CloseAck{}, false)
		s.teardownAsync(ErrSessionClosed)
	case *frame.CloseAck:
		s.teardownAsync(ErrSessionClosed)
	case *frame.Padding:
		// Cover traffic; discard.
	default:
		framesDropped.WithLabelValues(dropReasonFormat).Inc()
	}
}

// teardownAsync schedules teardown off the worker path, since teardown
// must not run under the session lock.
func (s *Session) teardownAsync(err error) {
	go s.teardown(err)
}

// getOrCreateStreamLocked returns the stream, creating it when the
// identifier belongs to the peer's allocation space.  Frames for streams
// this peer should have opened itself are stale and ignored.
func (s *Session) getOrCreateStreamLocked(id uint32) *Stream {
	if st := s.streams[id]; st != nil {
		return st
	}
	if _, gone := s.retired[id]; gone {
		return nil
	}
	peerParity := uint32(1)
	if s.isInitiator {
		peerParity = 0
	}
	if id == 0 || id%2 != peerParity {
		return nil
	}
	if len(s.streams) >= s.cfg.Session.MaxStreams {
		return nil
	}
	st := newStream(s, id, s.cfg.Session.StreamWindow)
	s.streams[id] = st
	select {
	case s.acceptCh <- st:
	default:
		// The accept queue bound equals the stream bound.
	}
	return st
}

func (s *Session) retireStreamLocked(id uint32) {
	delete(s.streams, id)
	s.retired[id] = struct{}{}
}

// removeStream retires a stream whose both directions have finished, so it
// stops counting against the stream limit.
func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retireStreamLocked(id)
}

func (s *Session) onStreamDataLocked(f *frame.StreamData) {
	st := s.getOrCreateStreamLocked(f.StreamID)
	if st == nil {
		return
	}

	end := f.Offset + uint64(len(f.Payload))
	var newBytes uint64
	if end > st.highEnd() {
		newBytes = end - st.highEnd()
	}
	// A window violation rejects the frame but is not fatal; the peer's
	// retransmission will land once the window opens.
	if err := s.sessRecvWin.Check(s.sessRecvTotal + newBytes); err != nil {
		framesDropped.WithLabelValues(dropReasonFlow).Inc()
		return
	}

	if err := st.deliverData(f.Offset, f.Payload, f.Fin); err != nil {
		if errors.Is(err, flow.ErrFlowViolation) {
			framesDropped.WithLabelValues(dropReasonFlow).Inc()
			return
		}
		// Contradictory final offsets mean the stream state can never
		// reconcile; that does kill the session.
		s.log.Warningf("stream %d: %v", f.StreamID, err)
		s.teardownAsync(err)
		return
	}
	s.sessRecvTotal += newBytes
}

func (s *Session) onAckLocked(f *frame.Ack, now time.Time) {
	covered := func(seq uint64) bool {
		if seq == f.LargestAcked {
			return true
		}
		for _, r := range f.Ranges {
			if seq >= r.Start && seq <= r.End {
				return true
			}
		}
		return false
	}

	var ackedBytes uint64
	var rttSample time.Duration
	for seq, entry := range s.sent {
		if !covered(seq) {
			continue
		}
		ackedBytes += entry.wireLen
		if seq == f.LargestAcked && !entry.retx {
			delay := time.Duration(f.AckDelay) * time.Microsecond
			if sample := now.Sub(entry.sentAt) - delay; sample > 0 {
				rttSample = sample
			}
		}
		delete(s.sent, seq)
	}

	if rttSample > 0 {
		if s.srtt == 0 {
			s.srtt = rttSample
		} else {
			s.srtt = (7*s.srtt + rttSample) / 8
		}
	}
	if ackedBytes > 0 {
		sample := rttSample
		if sample == 0 {
			sample = s.srtt
		}
		s.cc.OnAck(ackedBytes, sample)
		s.sendCond.Broadcast()
	}

	if !s.haveAcked || f.LargestAcked > s.largestAcked {
		s.largestAcked = f.LargestAcked
		s.haveAcked = true
	}

	// Frames the acknowledgments have advanced well past are lost.
	var lost []uint64
	for seq := range s.sent {
		if seq+reorderThreshold <= s.largestAcked {
			lost = append(lost, seq)
		}
	}
	s.retransmitLocked(lost)
}

// retransmitLocked declares the given sent entries lost and re-sends them
// under fresh sequence numbers.
func (s *Session) retransmitLocked(seqs []uint64) {
	for _, seq := range seqs {
		entry, ok := s.sent[seq]
		if !ok {
			continue
		}
		delete(s.sent, seq)
		s.cc.OnLoss(entry.wireLen)
		retransmitsTotal.Inc()
		if err := s.sendFrameLocked(entry.f, true); err != nil {
			return
		}
		if e := s.sent[s.prevSentSeqLocked()]; e != nil {
			e.retx = true
		}
	}
}

func (s *Session) prevSentSeqLocked() uint64 {
	return s.rat.NextSequence() - 1
}

func (s *Session) rtoLocked() time.Duration {
	rto := 3 * s.srtt
	if rto < minRTO {
		rto = minRTO
	}
	return rto
}

func (s *Session) onTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosedLocked() {
		return
	}
	now := s.clk.Now()

	// Idle teardown, with keepalives at a third of the timeout.
	idle := s.cfg.Session.IdleTimeoutDuration()
	if idle > 0 {
		if now.Sub(s.lastRecvAt) > idle {
			s.teardownAsync(ErrIdleTimeout)
			return
		}
		if now.Sub(s.lastSendAt) > idle/3 {
			var echo [frame.TokenLength]byte
			_, _ = io.ReadFull(rand.Reader, echo[:])
			_ = s.sendFrameLocked(&frame.Ping{Echo: echo}, false)
		}
	}

	// Timeout retransmission.
	rto := s.rtoLocked()
	var expired []uint64
	for seq, entry := range s.sent {
		if now.Sub(entry.sentAt) >= rto {
			expired = append(expired, seq)
		}
	}
	s.retransmitLocked(expired)

	// Delayed acknowledgments.
	if s.unackedFrames >= ackElicitThreshold ||
		(s.unackedFrames > 0 && now.Sub(s.lastAckAt) >= s.cfg.Session.AckIntervalDuration()) {
		s.sendAckLocked(now)
	}

	// Rekey policy: wall clock or message count, whichever first.
	if !s.rat.RekeyPending() &&
		(now.Sub(s.lastRekeyAt) >= s.cfg.Rekey.IntervalDuration() ||
			s.rat.SentInEpoch() >= s.cfg.Rekey.MaxMessages) {
		s.initiateRekeyLocked(now)
	}
	if s.rat.RekeyPending() && now.Sub(s.rekeySentAt) >= rekeyRetryInterval {
		s.rekeySentAt = now
		_ = s.sendFrameLocked(&frame.Rekey{PublicKey: s.rekeyPub}, false)
	}

	// Drop the previous epoch's keys once the grace period expires.
	if s.haveGrace && now.After(s.graceDeadline) {
		s.haveGrace = false
		s.prevCIDSecret = nil
		s.rat.DropPreviousEpoch()
		s.registerCIDs()
	}

	// Abandon stale path validations so migration can re-probe.
	if s.challenge != nil && now.Sub(s.challenge.sentAt) > pathChallengeTimeout {
		s.challenge = nil
	}

	s.sendCond.Broadcast()
}

func (s *Session) sendAckLocked(now time.Time) {
	if !s.haveRecv {
		return
	}
	delay := now.Sub(s.highestRecvAt)
	if delay < 0 {
		delay = 0
	}
	ranges := make([]frame.AckRange, len(s.recvRanges))
	copy(ranges, s.recvRanges)
	f := &frame.Ack{
		LargestAcked: s.highestRecv,
		AckDelay:     uint32(delay / time.Microsecond),
		Ranges:       ranges,
	}
	if err := s.sendFrameLocked(f, false); err != nil {
		return
	}
	s.unackedFrames = 0
	s.lastAckAt = now
}

func (s *Session) initiateRekeyLocked(now time.Time) {
	pub, err := s.rat.InitiateRekey()
	if err != nil {
		return
	}
	s.rekeyPub = pub
	s.rekeySentAt = now
	_ = s.sendFrameLocked(&frame.Rekey{PublicKey: pub}, false)
	s.log.Debugf("rekey initiated, epoch %d", s.rat.Epoch())
}

func (s *Session) onRekeyLocked(f *frame.Rekey) {
	// A retransmitted Rekey gets the cached acknowledgment verbatim; it
	// was sealed under keys the peer can still open.
	if s.havePeerRekey && f.PublicKey == s.peerRekeyPub && s.cachedRekeyAck != nil {
		if err := s.tr.WriteTo(s.cachedRekeyAck, s.remoteAddr); err != nil {
			s.log.Debugf("transport write failed: %v", err)
		}
		return
	}

	// Crossed rekeys: the handshake initiator's attempt wins.
	if s.rat.RekeyPending() {
		if s.isInitiator {
			return
		}
		s.rat.CancelRekey()
	}

	localPub, commitment, err := s.rat.AcceptRekey(f.PublicKey)
	if err != nil {
		framesDropped.WithLabelValues(dropReasonAuth).Inc()
		return
	}

	ack := &frame.RekeyAck{PublicKey: localPub, Commitment: commitment}
	seq := s.rat.NextSequence()
	ack.SetRouting(s.remoteCID.Rotate(frame.RotationEpoch(seq), s.rat.CIDSecret()), seq)
	s.encodeBuf = ack.AppendTo(s.encodeBuf[:0])
	wire, err := s.rat.Seal(s.sealBuf[:0], s.encodeBuf)
	if err != nil {
		return
	}
	s.sealBuf = wire
	if err = s.tr.WriteTo(wire, s.remoteAddr); err != nil {
		s.log.Debugf("transport write failed: %v", err)
	}
	s.lastSendAt = s.clk.Now()

	s.peerRekeyPub = f.PublicKey
	s.havePeerRekey = true
	// The scratch buffer is recycled by the next send; the cached wire
	// bytes must survive it.
	s.cachedRekeyAck = append([]byte{}, wire...)

	s.switchEpochLocked(func() error { return s.rat.CommitRekey() })
}

func (s *Session) onRekeyAckLocked(f *frame.RekeyAck) {
	if !s.rat.RekeyPending() {
		return
	}
	s.switchEpochLocked(func() error { return s.rat.FinishRekey(f.PublicKey, f.Commitment) })
}

// switchEpochLocked installs the next key epoch and migrates transport
// state into it: unacknowledged frames are re-sent under the new keys (the
// sequence space restarted, so old acknowledgments are void), and the
// acknowledgment state resets with it.
func (s *Session) switchEpochLocked(install func() error) {
	prevSecret := *s.rat.CIDSecret()
	if err := install(); err != nil {
		framesDropped.WithLabelValues(dropReasonAuth).Inc()
		s.log.Warningf("rekey failed: %v", err)
		return
	}

	now := s.clk.Now()
	s.lastRekeyAt = now
	s.graceDeadline = now.Add(s.cfg.Rekey.GraceDuration())
	s.haveGrace = true
	s.prevCIDSecret = &prevSecret
	rekeysTotal.Inc()

	pending := s.sent
	s.sent = make(map[uint64]*sentEntry)
	s.recvRanges = nil
	s.highestRecv = 0
	s.haveRecv = false
	s.unackedFrames = 0
	s.largestAcked = 0
	s.haveAcked = false

	for _, entry := range pending {
		s.cc.OnLoss(entry.wireLen)
		if err := s.sendFrameLocked(entry.f, true); err != nil {
			break
		}
	}

	s.prevRegisteredEpoch = s.registeredEpoch
	s.registeredEpoch = 0
	s.registrationDone = false
	s.registerCIDs()
	s.log.Debugf("switched to key epoch %d", s.rat.Epoch())
}

func (s *Session) onPathResponseLocked(f *frame.PathResponse) {
	if s.challenge == nil || f.Token != s.challenge.token {
		return
	}
	s.log.Noticef("peer migrated: %v -> %v", s.remoteAddr, s.challenge.addr)
	s.remoteAddr = s.challenge.addr
	s.challenge = nil
	migrationsTotal.Inc()

	// The old path's bandwidth and RTT estimates say nothing about the
	// new one; restart the model, keeping in-flight accounting intact.
	s.cc = congestion.New(s.clk, uint64(s.cfg.Session.MTU))
	for _, entry := range s.sent {
		s.cc.OnPacketSent(entry.wireLen)
	}
	s.srtt = 0
}

// maybeMigrateLocked starts path validation when authenticated traffic
// arrives from an unknown address.  Traffic keeps flowing on the old path
// until the new one proves it can return packets.
func (s *Session) maybeMigrateLocked(from net.Addr, f frame.Frame) {
	if from == nil || from.String() == s.remoteAddr.String() {
		return
	}
	// A path response is part of an in-progress validation, not a new
	// candidate path.
	if _, ok := f.(*frame.PathResponse); ok {
		return
	}
	if s.challenge != nil && s.challenge.addr.String() == from.String() {
		return
	}

	var token [frame.TokenLength]byte
	if _, err := io.ReadFull(rand.Reader, token[:]); err != nil {
		return
	}
	s.challenge = &pathChallengeState{token: token, addr: from, sentAt: s.clk.Now()}
	_ = s.sendFrameToLocked(&frame.PathChallenge{Token: token}, false, from)
}

// registerCIDs keeps the endpoint's demultiplexing table stocked with
// every rotated connection ID the peer may currently send under: the
// epochs adjacent to the peer's observed sequence epoch, for the current
// secret and, during rekey grace, the previous one.  The grace-chain
// registrations stay anchored to the sequence epoch the old key space
// had reached, since the new space restarted at zero.
func (s *Session) registerCIDs() {
	if s.ep == nil {
		return
	}
	var cids []frame.ConnectionID
	add := func(secret *[kdf.KeySize]byte, epoch uint64) {
		start := uint64(0)
		if epoch > 0 {
			start = epoch - 1
		}
		for e := start; e <= epoch+1; e++ {
			cids = append(cids, s.localCID.Rotate(e, secret))
		}
	}
	add(s.rat.CIDSecret(), s.registeredEpoch)
	if s.prevCIDSecret != nil {
		add(s.prevCIDSecret, s.prevRegisteredEpoch)
	}
	s.ep.updateSessionCIDs(s, cids)
}

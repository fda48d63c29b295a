// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"errors"
	"io"
	"sync"

	"github.com/wraithnet/wraith/flow"
)

var (
	// ErrStreamReset is returned by stream operations after either peer
	// reset the stream.
	ErrStreamReset = errors.New("session: stream reset")

	// ErrStreamClosed is returned when writing to a half-closed stream.
	ErrStreamClosed = errors.New("session: stream closed for writing")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")

	// ErrTooManyStreams is returned when opening a stream would exceed
	// the configured stream limit.
	ErrTooManyStreams = errors.New("session: too many streams")

	errFinalOffset = errors.New("session: inconsistent stream final offset")
)

// Stream is one bidirectional, ordered, flow-controlled byte stream
// multiplexed over a session.  Read and Write are safe for concurrent use
// with each other, but each side expects a single caller at a time.
type Stream struct {
	sess *Session
	id   uint32

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	// Receive side: contiguous bytes ready for Read, plus a reassembly
	// map of out-of-order chunks keyed by stream offset.
	readable       []byte
	pending        map[uint64][]byte
	nextRecvOffset uint64
	maxRecvEnd     uint64
	recvWin        *flow.RecvWindow
	finalOffset    uint64
	haveFinal      bool

	// Send side.
	sendWin     *flow.SendWindow
	sendOffset  uint64
	localClosed bool

	wasReset  bool
	resetCode uint32
	dead      bool
	deadErr   error
}

func newStream(sess *Session, id uint32, streamWindow uint64) *Stream {
	st := &Stream{
		sess:    sess,
		id:      id,
		pending: make(map[uint64][]byte),
		recvWin: flow.NewRecvWindow(streamWindow),
		sendWin: flow.NewSendWindow(streamWindow),
	}
	st.readCond = sync.NewCond(&st.mu)
	st.writeCond = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream identifier.
func (st *Stream) ID() uint32 {
	return st.id
}

// ResetCode returns the error code of a received StreamReset, valid only
// after an operation returned ErrStreamReset.
func (st *Stream) ResetCode() uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.resetCode
}

// Read reads from the stream, blocking until data is available, the peer
// half-closes (io.EOF after the final byte), the stream is reset, or the
// session dies.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	for len(st.readable) == 0 {
		if st.wasReset {
			st.mu.Unlock()
			return 0, ErrStreamReset
		}
		if st.haveFinal && st.nextRecvOffset >= st.finalOffset {
			retire := st.localClosed
			st.mu.Unlock()
			if retire {
				st.sess.removeStream(st.id)
			}
			return 0, io.EOF
		}
		if st.dead {
			err := st.deadErr
			st.mu.Unlock()
			return 0, err
		}
		st.readCond.Wait()
	}

	n := copy(p, st.readable)
	st.readable = st.readable[n:]
	st.recvWin.Consume(uint64(n))
	limit, due := st.recvWin.NextUpdate()
	st.mu.Unlock()

	// Window advertisements go out without holding the stream lock.
	st.sess.onStreamConsumed(st.id, uint64(n), limit, due)
	return n, nil
}

// Write writes to the stream, blocking on stream and session flow control.
// The data is segmented into frames no larger than the session MTU.
func (st *Stream) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		st.mu.Lock()
		for {
			if st.wasReset {
				st.mu.Unlock()
				return written, ErrStreamReset
			}
			if st.localClosed {
				st.mu.Unlock()
				return written, ErrStreamClosed
			}
			if st.dead {
				err := st.deadErr
				st.mu.Unlock()
				return written, err
			}
			if st.sendWin.Available() > 0 {
				break
			}
			st.writeCond.Wait()
		}

		n := uint64(len(p) - written)
		if a := st.sendWin.Available(); n > a {
			n = a
		}
		if m := st.sess.maxStreamPayload(); n > m {
			n = m
		}
		st.sendWin.Consume(n)
		offset := st.sendOffset
		st.sendOffset += n
		st.mu.Unlock()

		if err := st.sess.sendStreamData(st.id, offset, p[written:written+int(n)], false); err != nil {
			return written, err
		}
		written += int(n)
	}
	return written, nil
}

// Close half-closes the stream's send direction, signaling the final
// offset to the peer.  The read direction stays usable.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.wasReset {
		st.mu.Unlock()
		return ErrStreamReset
	}
	if st.dead {
		err := st.deadErr
		st.mu.Unlock()
		return err
	}
	if st.localClosed {
		st.mu.Unlock()
		return nil
	}
	st.localClosed = true
	final := st.sendOffset
	drained := st.haveFinal && len(st.readable) == 0 && st.nextRecvOffset >= st.finalOffset
	st.mu.Unlock()

	err := st.sess.sendStreamClose(st.id, final)
	if drained {
		st.sess.removeStream(st.id)
	}
	return err
}

// Reset aborts the stream in both directions with an application error
// code.  Buffered but unread data is discarded.
func (st *Stream) Reset(code uint32) error {
	st.mu.Lock()
	if st.dead || st.wasReset {
		st.mu.Unlock()
		return nil
	}
	st.markResetLocked(code)
	st.mu.Unlock()

	err := st.sess.sendStreamReset(st.id, code)
	st.sess.removeStream(st.id)
	return err
}

func (st *Stream) markResetLocked(code uint32) {
	st.wasReset = true
	st.resetCode = code
	st.readable = nil
	st.pending = nil
	st.readCond.Broadcast()
	st.writeCond.Broadcast()
}

// highEnd returns the highest stream offset the peer has sent through,
// which is what counts against the session-level receive window.
func (st *Stream) highEnd() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.maxRecvEnd
}

// deliverData integrates an inbound StreamData frame.  Duplicate and
// already-consumed chunks are discarded; out-of-order chunks park in the
// reassembly map until the gap before them fills.
func (st *Stream) deliverData(offset uint64, data []byte, fin bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	end := offset + uint64(len(data))
	if st.wasReset {
		// Discarded, but the bytes still traveled: they count against the
		// session-level window like any accepted frame.
		if end > st.maxRecvEnd {
			st.maxRecvEnd = end
		}
		return nil
	}

	if err := st.recvWin.Check(end); err != nil {
		return err
	}
	if fin {
		if err := st.setFinalLocked(end); err != nil {
			return err
		}
	}
	if st.haveFinal && end > st.finalOffset {
		return errFinalOffset
	}

	// The high-water mark only rises for accepted frames; a rejected
	// frame's retransmission must still be visible to session accounting
	// when it eventually lands.
	if end > st.maxRecvEnd {
		st.maxRecvEnd = end
	}

	if end <= st.nextRecvOffset {
		return nil // Stale retransmission.
	}
	if offset > st.nextRecvOffset {
		if _, dup := st.pending[offset]; !dup {
			st.pending[offset] = append([]byte{}, data...)
		}
		return nil
	}

	// Contiguous: trim any consumed prefix and drain the reassembly map.
	st.readable = append(st.readable, data[st.nextRecvOffset-offset:]...)
	st.nextRecvOffset = end
	for {
		chunk, ok := st.pending[st.nextRecvOffset]
		if !ok {
			break
		}
		delete(st.pending, st.nextRecvOffset)
		st.readable = append(st.readable, chunk...)
		st.nextRecvOffset += uint64(len(chunk))
	}
	// Drop any parked chunks the contiguous run has overtaken.
	for off, chunk := range st.pending {
		if off+uint64(len(chunk)) <= st.nextRecvOffset {
			delete(st.pending, off)
		}
	}

	st.readCond.Broadcast()
	return nil
}

func (st *Stream) setFinalLocked(final uint64) error {
	if st.haveFinal && st.finalOffset != final {
		return errFinalOffset
	}
	if final < st.nextRecvOffset {
		return errFinalOffset
	}
	st.finalOffset = final
	st.haveFinal = true
	st.readCond.Broadcast()
	return nil
}

// deliverClose integrates an inbound StreamClose frame.
func (st *Stream) deliverClose(final uint64) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.wasReset {
		return nil
	}
	return st.setFinalLocked(final)
}

// deliverReset integrates an inbound StreamReset frame.
func (st *Stream) deliverReset(code uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.wasReset {
		st.markResetLocked(code)
	}
}

// updateSendWindow integrates an inbound StreamWindow frame.
func (st *Stream) updateSendWindow(limit uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.sendWin.Update(limit) {
		st.writeCond.Broadcast()
	}
}

// sessionClosed wakes all blocked stream operations when the session dies.
func (st *Stream) sessionClosed(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.dead = true
	st.deadErr = err
	st.readCond.Broadcast()
	st.writeCond.Broadcast()
}

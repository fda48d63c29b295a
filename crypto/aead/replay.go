// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package aead

// DefaultReplayWindowSize is the span of the sliding replay window in
// sequence numbers.
const DefaultReplayWindowSize = 1024

const wordBits = 64

// ReplayWindow is a sliding bitmap replay filter over frame sequence
// numbers.  Frames more than the window size behind the highest sequence
// seen are rejected, as are duplicates within the window.  The zero value
// is an empty window of DefaultReplayWindowSize.
type ReplayWindow struct {
	bitmap  [DefaultReplayWindowSize / wordBits]uint64
	highest uint64
	primed  bool
}

// WillAccept returns true iff a frame with the given sequence number would
// currently pass the filter, without updating any state.  It is the
// pre-decryption check; Update must only be called after the frame
// authenticates.
func (w *ReplayWindow) WillAccept(seq uint64) bool {
	if !w.primed || seq > w.highest {
		return true
	}
	diff := w.highest - seq
	if diff >= DefaultReplayWindowSize {
		return false
	}
	return w.bitmap[diff/wordBits]&(1<<(diff%wordBits)) == 0
}

// Update marks the sequence number as seen, returning false if the frame
// should have been rejected.  Callers invoke it only for frames that
// passed authentication, so a received sequence can never be replayed
// even if WillAccept raced with another frame.
func (w *ReplayWindow) Update(seq uint64) bool {
	if !w.primed {
		w.primed = true
		w.highest = seq
		w.bitmap[0] = 1
		return true
	}

	if seq > w.highest {
		w.shift(seq - w.highest)
		w.highest = seq
		w.bitmap[0] |= 1
		return true
	}

	diff := w.highest - seq
	if diff >= DefaultReplayWindowSize {
		return false
	}
	word, bit := diff/wordBits, diff%wordBits
	if w.bitmap[word]&(1<<bit) != 0 {
		return false
	}
	w.bitmap[word] |= 1 << bit
	return true
}

// Highest returns the highest sequence number accepted so far.
func (w *ReplayWindow) Highest() uint64 {
	return w.highest
}

// Reset returns the window to its initial empty state, used when the
// session rekeys and the sequence space restarts.
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}

// shift slides the window forward by d sequence numbers, aging every
// recorded bit.
func (w *ReplayWindow) shift(d uint64) {
	if d >= DefaultReplayWindowSize {
		for i := range w.bitmap {
			w.bitmap[i] = 0
		}
		return
	}
	wordShift := int(d / wordBits)
	bitShift := d % wordBits
	for i := len(w.bitmap) - 1; i >= 0; i-- {
		var v uint64
		if j := i - wordShift; j >= 0 {
			v = w.bitmap[j] << bitShift
			if j > 0 {
				// Shifts of >= 64 bits evaluate to 0, so bitShift == 0
				// needs no special handling.
				v |= w.bitmap[j-1] >> (wordBits - bitShift)
			}
		}
		w.bitmap[i] = v
	}
}

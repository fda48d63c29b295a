// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package flow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSendWindow(t *testing.T) {
	require := require.New(t)

	w := NewSendWindow(100)
	require.Equal(uint64(100), w.Available())

	require.True(w.Consume(60))
	require.Equal(uint64(40), w.Available())

	// Exceeding the window is refused and consumes nothing.
	require.False(w.Consume(41))
	require.Equal(uint64(40), w.Available())

	require.True(w.Consume(40))
	require.Equal(uint64(0), w.Available())
	require.False(w.Consume(1))

	// A raise unblocks the sender.
	require.True(w.Update(150))
	require.Equal(uint64(50), w.Available())

	// Stale and duplicate updates are ignored.
	require.False(w.Update(150))
	require.False(w.Update(120))
	require.Equal(uint64(50), w.Available())
}

func TestRecvWindow(t *testing.T) {
	require := require.New(t)

	w := NewRecvWindow(1000)
	require.Equal(uint64(1000), w.Limit())

	require.NoError(w.Check(500))
	require.NoError(w.Check(1000))
	require.Equal(ErrFlowViolation, w.Check(1001))

	// No update until half the window is consumed.
	w.Consume(400)
	_, due := w.NextUpdate()
	require.False(due)

	w.Consume(200)
	limit, due := w.NextUpdate()
	require.True(due)
	require.Equal(uint64(1600), limit)
	require.Equal(uint64(1600), w.Limit())

	// The update resets the trigger.
	_, due = w.NextUpdate()
	require.False(due)

	// The raised limit admits more data.
	require.NoError(w.Check(1600))
	require.Equal(ErrFlowViolation, w.Check(1601))
}

func TestWindowPairConvergence(t *testing.T) {
	require := require.New(t)

	// Simulate the two ends of one direction: data flows until the
	// sender stalls, the receiver consumes and advertises, and the
	// sender resumes.  Total transferred must exceed the initial window.
	recv := NewRecvWindow(1000)
	send := NewSendWindow(1000)

	var sent, delivered uint64
	for delivered < 5000 {
		// Sender pushes as much as the window allows, in 300 byte frames.
		for send.Available() > 0 {
			n := uint64(300)
			if a := send.Available(); a < n {
				n = a
			}
			require.True(send.Consume(n))
			require.NoError(recv.Check(sent + n))
			sent += n
		}

		// Receiver drains to the application and advertises.
		recv.Consume(sent - delivered)
		delivered = sent
		if limit, due := recv.NextUpdate(); due {
			send.Update(limit)
		}
	}
	require.GreaterOrEqual(delivered, uint64(5000))
}

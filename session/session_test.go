// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"io"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/wraithnet/wraith/config"
	"github.com/wraithnet/wraith/frame"
	"github.com/wraithnet/wraith/handshake"
	"github.com/wraithnet/wraith/transport"
)

type testPeers struct {
	epA, epB *Endpoint
	trA, trB *transport.Mem
	sA, sB   *Session
}

func quietConfig() *config.Config {
	cfg := config.Default()
	cfg.Logging.Disable = true
	return cfg
}

// establishPair brings up two endpoints over a clean in-memory link and
// establishes one session between them.  Impairments are applied by the
// tests themselves after establishment.
func establishPair(t *testing.T, seed int64, mutate func(a, b *config.Config)) *testPeers {
	require := require.New(t)

	cfgA, cfgB := quietConfig(), quietConfig()
	if mutate != nil {
		mutate(cfgA, cfgB)
	}

	trA, trB := transport.NewMemPair(seed, 0, 0)

	keyA, err := handshake.GenerateKeypair(nil)
	require.NoError(err)
	keyB, err := handshake.GenerateKeypair(nil)
	require.NoError(err)

	epA, err := New(cfgA, trA, keyA, nil)
	require.NoError(err)
	epB, err := New(cfgB, trB, keyB, nil)
	require.NoError(err)
	t.Cleanup(func() {
		_ = epA.Close()
		_ = epB.Close()
	})

	acceptedCh := make(chan *Session, 1)
	go func() {
		s, aerr := epB.Accept()
		if aerr == nil {
			acceptedCh <- s
		} else {
			acceptedCh <- nil
		}
	}()

	sA, err := epA.Dial(trB.LocalAddr())
	require.NoError(err)
	sB := <-acceptedCh
	require.NotNil(sB)

	// Mutual authentication: each side holds the other's identity.
	require.Equal(keyB.Public().Bytes(), sA.RemoteStatic())
	require.Equal(keyA.Public().Bytes(), sB.RemoteStatic())

	return &testPeers{epA: epA, epB: epB, trA: trA, trB: trB, sA: sA, sB: sB}
}

func randomPayload(seed int64, n int) []byte {
	b := make([]byte, n)
	mrand.New(mrand.NewSource(seed)).Read(b)
	return b
}

// transfer writes the payload on a fresh stream from src, half-closes it,
// and reads it back on dst, checking integrity.
func transfer(t *testing.T, src, dst *Session, payload []byte) {
	require := require.New(t)

	writeErr := make(chan error, 1)
	go func() {
		st, err := src.OpenStream()
		if err != nil {
			writeErr <- err
			return
		}
		if _, err = st.Write(payload); err != nil {
			writeErr <- err
			return
		}
		writeErr <- st.Close()
	}()

	st, err := dst.AcceptStream()
	require.NoError(err)
	got, err := io.ReadAll(st)
	require.NoError(err)
	require.NoError(<-writeErr)
	require.Equal(payload, got)
}

func TestSessionEstablishAndEcho(t *testing.T) {
	p := establishPair(t, 1, nil)
	transfer(t, p.sA, p.sB, []byte("hello over a fresh session"))
	transfer(t, p.sB, p.sA, []byte("and back the other way"))
}

func TestSessionStreamIDParity(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 2, nil)

	stA, err := p.sA.OpenStream()
	require.NoError(err)
	require.Equal(uint32(1), stA.ID()%2, "initiator streams are odd")

	stB, err := p.sB.OpenStream()
	require.NoError(err)
	require.Equal(uint32(0), stB.ID()%2, "responder streams are even")
}

func TestSessionBulkTransferLossy(t *testing.T) {
	p := establishPair(t, 3, nil)

	// Degrade the path only after the handshake is done.
	p.trA.SetImpairments(0.01, 0.02)
	p.trB.SetImpairments(0.01, 0.02)

	size := 1 << 20
	if testing.Short() {
		size = 128 * 1024
	}
	transfer(t, p.sA, p.sB, randomPayload(3, size))
}

func TestSessionBidirectionalStream(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 4, nil)

	request := randomPayload(4, 8*1024)
	reply := randomPayload(5, 8*1024)

	clientErr := make(chan error, 1)
	go func() {
		st, err := p.sA.OpenStream()
		if err != nil {
			clientErr <- err
			return
		}
		if _, err = st.Write(request); err != nil {
			clientErr <- err
			return
		}
		if err = st.Close(); err != nil {
			clientErr <- err
			return
		}
		got, err := io.ReadAll(st)
		if err != nil {
			clientErr <- err
			return
		}
		if string(got) != string(reply) {
			clientErr <- io.ErrUnexpectedEOF
			return
		}
		clientErr <- nil
	}()

	st, err := p.sB.AcceptStream()
	require.NoError(err)
	got, err := io.ReadAll(st)
	require.NoError(err)
	require.Equal(request, got)
	_, err = st.Write(reply)
	require.NoError(err)
	require.NoError(st.Close())
	require.NoError(<-clientErr)
}

func TestSessionRekeyUnderTraffic(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 6, func(a, b *config.Config) {
		a.Rekey.Interval = 150
		b.Rekey.Interval = 150
	})

	// Both peers hit the wall-clock trigger; crossed attempts resolve in
	// favor of the session initiator.
	require.Eventually(func() bool {
		return p.sA.Epoch() >= 1 && p.sB.Epoch() >= 1
	}, 10*time.Second, 20*time.Millisecond, "rekey never completed")

	// Traffic still flows under the new epoch.
	transfer(t, p.sA, p.sB, randomPayload(6, 32*1024))
	transfer(t, p.sB, p.sA, randomPayload(7, 32*1024))
}

func TestSessionMigration(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 8, nil)

	transfer(t, p.sA, p.sB, []byte("pre-migration traffic"))

	// Simulate a NAT rebinding on A's side; B must validate the new path
	// before adopting it.
	p.trA.SetAddr("mem-a-rebound")
	transfer(t, p.sA, p.sB, randomPayload(8, 16*1024))

	require.Eventually(func() bool {
		return p.sB.RemoteAddr().String() == "mem-a-rebound"
	}, 10*time.Second, 20*time.Millisecond, "peer never adopted the new path")

	transfer(t, p.sB, p.sA, []byte("post-migration traffic"))
}

func TestSessionMigrationBogusResponse(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 17, nil)

	transfer(t, p.sA, p.sB, []byte("settled traffic"))
	oldAddr := p.sB.RemoteAddr().String()

	// An unsolicited response carrying a token nobody handed out must
	// not move the peer off the validated path.
	var forged [frame.TokenLength]byte
	copy(forged[:], "forgery!")
	p.sA.mu.Lock()
	err := p.sA.sendFrameLocked(&frame.PathResponse{Token: forged}, false)
	p.sA.mu.Unlock()
	require.NoError(err)

	// A response with the wrong token leaves an in-progress validation
	// pending and the old path authoritative.
	p.sB.mu.Lock()
	var tok [frame.TokenLength]byte
	copy(tok[:], "genuine!")
	p.sB.challenge = &pathChallengeState{token: tok, addr: transport.MemAddr("mem-imposter"), sentAt: time.Now()}
	p.sB.onPathResponseLocked(&frame.PathResponse{Token: forged})
	stillPending := p.sB.challenge != nil
	p.sB.challenge = nil
	p.sB.mu.Unlock()
	require.True(stillPending)

	time.Sleep(200 * time.Millisecond)
	require.Equal(oldAddr, p.sB.RemoteAddr().String())
	transfer(t, p.sA, p.sB, []byte("old path still carries traffic"))
}

func TestSessionStreamReset(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 9, nil)

	stA, err := p.sA.OpenStream()
	require.NoError(err)
	_, err = stA.Write([]byte("doomed"))
	require.NoError(err)

	stB, err := p.sB.AcceptStream()
	require.NoError(err)

	require.NoError(stA.Reset(42))

	buf := make([]byte, 64)
	require.Eventually(func() bool {
		_, rerr := stB.Read(buf)
		return rerr == ErrStreamReset
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(uint32(42), stB.ResetCode())

	// Local operations on the reset stream fail immediately.
	_, err = stA.Write([]byte("more"))
	require.Equal(ErrStreamReset, err)
}

func TestSessionGracefulClose(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 10, nil)

	transfer(t, p.sA, p.sB, []byte("last words"))
	require.NoError(p.sA.Close())

	// The peer learns of the close and tears down too.
	_, err := p.sB.AcceptStream()
	require.Equal(ErrSessionClosed, err)

	_, err = p.sA.OpenStream()
	require.Equal(ErrSessionClosed, err)
}

func TestSessionIdleTimeout(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 11, func(a, b *config.Config) {
		a.Session.IdleTimeout = 300
		b.Session.IdleTimeout = 300
	})

	// Keepalives hold an idle session open as long as the path works.
	time.Sleep(600 * time.Millisecond)
	transfer(t, p.sA, p.sB, []byte("still alive"))

	// A dead path defeats the keepalives and the session times out.
	p.trA.SetImpairments(1.0, 0)
	p.trB.SetImpairments(1.0, 0)
	require.Eventually(func() bool {
		_, err := p.sA.OpenStream()
		return err == ErrSessionClosed
	}, 10*time.Second, 50*time.Millisecond)
}

func TestSessionTooManyStreams(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 12, func(a, b *config.Config) {
		a.Session.MaxStreams = 4
		b.Session.MaxStreams = 4
	})

	for i := 0; i < 4; i++ {
		_, err := p.sA.OpenStream()
		require.NoError(err)
	}
	_, err := p.sA.OpenStream()
	require.Equal(ErrTooManyStreams, err)
}

func TestEndpointDialTimeout(t *testing.T) {
	require := require.New(t)

	trA, trB := transport.NewMemPair(13, 0, 0)

	keyA, err := handshake.GenerateKeypair(nil)
	require.NoError(err)
	epA, err := New(quietConfig(), trA, keyA, nil)
	require.NoError(err)
	t.Cleanup(func() { _ = epA.Close() })

	trA.SetImpairments(1.0, 0)
	_, err = epA.Dial(trB.LocalAddr())
	require.Equal(ErrHandshakeTimeout, err)
}

func TestEndpointDuplicatedFirstMessage(t *testing.T) {
	require := require.New(t)

	trA, trB := transport.NewMemPair(20, 0, 0)

	keyA, err := handshake.GenerateKeypair(nil)
	require.NoError(err)
	keyB, err := handshake.GenerateKeypair(nil)
	require.NoError(err)

	epB, err := New(quietConfig(), trB, keyB, nil)
	require.NoError(err)
	t.Cleanup(func() { _ = epB.Close() })

	acceptedCh := make(chan *Session, 1)
	go func() {
		s, _ := epB.Accept()
		acceptedCh <- s
	}()

	// Hand-drive the dialer side so the first message can be duplicated
	// between the responder's answer and the concluding third message.
	cid, err := frame.NewConnectionID()
	require.NoError(err)
	hs, err := handshake.New(&handshake.Config{
		LocalStatic: keyA,
		LocalConnID: cid,
		IsInitiator: true,
	})
	require.NoError(err)

	msg1, _, err := hs.WriteMessage()
	require.NoError(err)
	wire1 := (&frame.Handshake{Message: msg1}).ToBytes()
	require.NoError(trA.WriteTo(wire1, trB.LocalAddr()))

	readHandshake := func() []byte {
		buf := make([]byte, frame.HeaderLength+frame.MaxPayloadLength)
		for {
			n, _, rerr := trA.ReadFrom(buf)
			require.NoError(rerr)
			h, herr := frame.DecodeHeader(buf[:n])
			require.NoError(herr)
			if h.IsHandshake() {
				return append([]byte{}, buf[frame.HeaderLength:n]...)
			}
		}
	}
	msg2 := readHandshake()

	// The duplicated first message must not wreck the half-open attempt;
	// the responder re-answers with its cached second message.
	require.NoError(trA.WriteTo(wire1, trB.LocalAddr()))
	require.Equal(msg2, readHandshake())

	_, err = hs.ReadMessage(msg2)
	require.NoError(err)
	msg3, result, err := hs.WriteMessage()
	require.NoError(err)
	require.NotNil(result)
	require.NoError(trA.WriteTo((&frame.Handshake{Message: msg3}).ToBytes(), trB.LocalAddr()))

	select {
	case s := <-acceptedCh:
		require.NotNil(s)
		require.Equal(keyA.Public().Bytes(), s.RemoteStatic())
	case <-time.After(5 * time.Second):
		t.Fatal("responder never established after a duplicated first message")
	}
}

func TestSessionOpenStreamFailureLeavesNoSlot(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 21, nil)

	require.NoError(p.sA.Close())
	for i := 0; i < 4; i++ {
		_, err := p.sA.OpenStream()
		require.Equal(ErrSessionClosed, err)
	}
	require.Equal(0, p.sA.Status().OpenStreams)
}

func TestEndpointPeerAuthentication(t *testing.T) {
	require := require.New(t)

	trA, trB := transport.NewMemPair(14, 0, 0)

	keyA, err := handshake.GenerateKeypair(nil)
	require.NoError(err)
	keyB, err := handshake.GenerateKeypair(nil)
	require.NoError(err)

	epA, err := New(quietConfig(), trA, keyA, nil)
	require.NoError(err)
	epB, err := New(quietConfig(), trB, keyB, rejectAllPeers{})
	require.NoError(err)
	t.Cleanup(func() {
		_ = epA.Close()
		_ = epB.Close()
	})

	acceptedCh := make(chan *Session, 1)
	go func() {
		s, _ := epB.Accept()
		acceptedCh <- s
	}()

	// The XX pattern authenticates the initiator last, so the dialer
	// completes before the responder vets it; the rejection is silent
	// and the responder simply never produces a session.
	sA, err := epA.Dial(trB.LocalAddr())
	require.NoError(err)
	defer func() { _ = sA.Close() }()

	select {
	case s := <-acceptedCh:
		require.Nil(s, "responder accepted a rejected peer")
	case <-time.After(2 * time.Second):
	}
}

type rejectAllPeers struct{}

func (rejectAllPeers) IsPeerValid([]byte) bool { return false }

func TestSessionStatusAndDiagnostics(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 15, nil)

	st := p.sA.Status()
	require.Equal(PhaseEstablished, st.Phase)
	require.Equal(uint32(0), st.Epoch)
	require.Equal(0, st.OpenStreams)

	_, err := p.sA.OpenStream()
	require.NoError(err)
	require.Equal(1, p.sA.Status().OpenStreams)

	blob, err := p.sA.MarshalDiagnostics()
	require.NoError(err)
	var decoded map[string]interface{}
	require.NoError(cbor.Unmarshal(blob, &decoded))
	require.Equal("Established", decoded["phase"])
	require.NotContains(decoded, "secrets")

	require.NoError(p.sA.Close())
	require.Equal(PhaseClosed, p.sA.Status().Phase)
}

func TestSessionPadding(t *testing.T) {
	require := require.New(t)
	p := establishPair(t, 16, nil)

	// Cover traffic is discarded by the peer and does not disturb the
	// data plane.
	for i := 0; i < 8; i++ {
		require.NoError(p.sA.SendPadding(512))
	}
	transfer(t, p.sA, p.sB, []byte("data between the noise"))
}

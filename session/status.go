// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/wraithnet/wraith/frame"
)

// Phase identifies where a session is in its lifecycle.
type Phase int

const (
	// PhaseEstablished is a live session carrying traffic.
	PhaseEstablished Phase = iota

	// PhaseDraining is a session that has sent or received a Close and is
	// waiting out teardown.
	PhaseDraining

	// PhaseClosed is a torn-down session.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseEstablished:
		return "Established"
	case PhaseDraining:
		return "Draining"
	case PhaseClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	Phase       Phase
	RTT         time.Duration
	Bandwidth   float64 // Estimated bottleneck bandwidth, bytes/sec.
	OpenStreams int
	Epoch       uint32
	RemoteAddr  string
}

// Status returns a snapshot of the session's health.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	phase := PhaseEstablished
	switch {
	case s.isClosedLocked():
		phase = PhaseClosed
	case s.draining:
		phase = PhaseDraining
	}
	return Status{
		Phase:       phase,
		RTT:         s.srtt,
		Bandwidth:   s.cc.Bandwidth(),
		OpenStreams: len(s.streams),
		Epoch:       s.rat.Epoch(),
		RemoteAddr:  s.remoteAddr.String(),
	}
}

// diagnosticsBlob is the CBOR shape of a session diagnostics snapshot.  It
// carries no key material.
type diagnosticsBlob struct {
	LocalConnID  []byte  `cbor:"lcid"`
	RemoteConnID []byte  `cbor:"rcid"`
	Phase        string  `cbor:"phase"`
	Epoch        uint32  `cbor:"epoch"`
	RTTMicros    int64   `cbor:"rtt_us"`
	Bandwidth    float64 `cbor:"bw"`
	OpenStreams  int     `cbor:"streams"`
	RemoteAddr   string  `cbor:"raddr"`
}

// MarshalDiagnostics serializes a diagnostics snapshot of the session as
// CBOR, for status pipes and monitoring.  Secrets are never included.
func (s *Session) MarshalDiagnostics() ([]byte, error) {
	st := s.Status()
	return cbor.Marshal(&diagnosticsBlob{
		LocalConnID:  s.localCID[:],
		RemoteConnID: s.remoteCID[:],
		Phase:        st.Phase.String(),
		Epoch:        st.Epoch,
		RTTMicros:    st.RTT.Microseconds(),
		Bandwidth:    st.Bandwidth,
		OpenStreams:  st.OpenStreams,
		RemoteAddr:   st.RemoteAddr,
	})
}

// SendPadding emits one padding frame with n random body bytes.  It is the
// hook an external traffic-shaping layer uses to emit cover traffic; the
// peer discards the body on receipt.
func (s *Session) SendPadding(n int) error {
	max := int(s.maxStreamPayload())
	if n > max {
		n = max
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, body); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendFrameLocked(&frame.Padding{Padding: body}, false)
}

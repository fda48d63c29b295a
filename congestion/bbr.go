// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package congestion implements a model-based congestion controller in the
// BBR family.  Instead of backing off on loss alone, it maintains explicit
// estimates of the path's bottleneck bandwidth (a windowed maximum of
// delivery rate samples) and its round-trip propagation delay (a windowed
// minimum), and paces transmission around their product.
package congestion

import (
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// State identifies the controller's operating mode.
type State int

const (
	// StateStartup grows the sending rate exponentially to find the
	// bottleneck bandwidth.
	StateStartup State = iota

	// StateDrain removes the queue built up during startup.
	StateDrain

	// StateProbeBW cycles the pacing gain around 1.0 to track changes
	// in the bottleneck bandwidth.
	StateProbeBW

	// StateProbeRTT periodically shrinks the window to re-measure the
	// path's propagation delay.
	StateProbeRTT
)

func (s State) String() string {
	switch s {
	case StateStartup:
		return "Startup"
	case StateDrain:
		return "Drain"
	case StateProbeBW:
		return "ProbeBW"
	case StateProbeRTT:
		return "ProbeRTT"
	default:
		return "Unknown"
	}
}

const (
	// startupGain is 2/ln(2), the smallest gain that doubles the
	// delivery rate every round trip.
	startupGain = 2.885
	drainGain   = 1.0 / startupGain

	// cwndGain bounds the data in flight to twice the estimated
	// bandwidth-delay product outside of ProbeRTT.
	cwndGain = 2.0

	// fullBWThreshold and fullBWRounds decide when the pipe is full:
	// startup exits after 3 rounds of less than 25% bandwidth growth.
	fullBWThreshold = 1.25
	fullBWRounds    = 3

	// bwWindowRounds is the length of the windowed-max bandwidth filter.
	bwWindowRounds = 10

	// minRTTExpiry and probeRTTDuration govern the ProbeRTT schedule.
	minRTTExpiry     = 10 * time.Second
	probeRTTDuration = 200 * time.Millisecond

	// minCwndPackets floors the congestion window.
	minCwndPackets = 4

	// initialCwndPackets seeds the window before any bandwidth estimate
	// exists.
	initialCwndPackets = 10

	// lossPacingFactor is the multiplicative pacing penalty per lossy
	// round; lossPacingFloor bounds the cumulative penalty.
	lossPacingFactor = 0.85
	lossPacingFloor  = 0.25
)

// probeBWGains is the ProbeBW pacing gain cycle: probe up, drain the
// probe's queue, then cruise.
var probeBWGains = [8]float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

type bwSample struct {
	round uint64
	bw    float64
}

// Controller is a per-session congestion controller.  It is not safe for
// concurrent use; sessions serialize access through their worker loop.
type Controller struct {
	clk clock.Clock
	mtu uint64

	state State

	minRTT   time.Duration
	minRTTAt time.Time

	// Windowed max filter over per-round delivery rate samples,
	// maintained as a monotonically decreasing deque.
	bwFilter []bwSample

	round          uint64
	roundStart     time.Time
	roundDelivered uint64
	roundLoss      bool

	fullBW      float64
	fullBWCount int

	cycleIndex int
	cycleStart time.Time

	probeRTTStart time.Time

	pacingMultiplier float64
	inFlight         uint64
}

// New creates a Controller.  The clock is injectable for tests; callers
// pass clock.New() in production.
func New(clk clock.Clock, mtu uint64) *Controller {
	return &Controller{
		clk:              clk,
		mtu:              mtu,
		state:            StateStartup,
		pacingMultiplier: 1.0,
		roundStart:       clk.Now(),
	}
}

// State returns the controller's current operating mode.
func (c *Controller) State() State {
	return c.state
}

// InFlight returns the bytes currently unacknowledged.
func (c *Controller) InFlight() uint64 {
	return c.inFlight
}

// Bandwidth returns the bottleneck bandwidth estimate in bytes per second,
// or 0 before any sample exists.
func (c *Controller) Bandwidth() float64 {
	if len(c.bwFilter) == 0 {
		return 0
	}
	return c.bwFilter[0].bw
}

// MinRTT returns the propagation delay estimate.
func (c *Controller) MinRTT() time.Duration {
	return c.minRTT
}

// bdp returns the estimated bandwidth-delay product in bytes.
func (c *Controller) bdp() float64 {
	return c.Bandwidth() * c.minRTT.Seconds()
}

// Window returns the congestion window in bytes.
func (c *Controller) Window() uint64 {
	if c.state == StateProbeRTT {
		return minCwndPackets * c.mtu
	}
	bdp := c.bdp()
	if bdp == 0 {
		return initialCwndPackets * c.mtu
	}
	gain := cwndGain
	if c.state == StateStartup {
		gain = startupGain
	}
	w := uint64(gain * bdp)
	if floor := uint64(minCwndPackets * c.mtu); w < floor {
		w = floor
	}
	return w
}

// CanSend returns true iff sending n more bytes keeps the data in flight
// within the congestion window.
func (c *Controller) CanSend(n uint64) bool {
	return c.inFlight+n <= c.Window()
}

// pacingGain returns the gain for the current state and ProbeBW phase.
func (c *Controller) pacingGain() float64 {
	switch c.state {
	case StateStartup:
		return startupGain
	case StateDrain:
		return drainGain
	case StateProbeBW:
		return probeBWGains[c.cycleIndex]
	default:
		return 1.0
	}
}

// PacingRate returns the target send rate in bytes per second, or 0 before
// any bandwidth estimate exists (callers send window-limited until then).
func (c *Controller) PacingRate() float64 {
	bw := c.Bandwidth()
	if bw == 0 {
		return 0
	}
	return c.pacingGain() * bw * c.pacingMultiplier
}

// OnPacketSent records n bytes entering flight.
func (c *Controller) OnPacketSent(n uint64) {
	c.inFlight += n
}

// OnLoss records n bytes declared lost.  Loss does not collapse the model;
// it applies a bounded multiplicative pacing penalty for the round.
func (c *Controller) OnLoss(n uint64) {
	if n > c.inFlight {
		n = c.inFlight
	}
	c.inFlight -= n
	if !c.roundLoss {
		c.roundLoss = true
		c.pacingMultiplier *= lossPacingFactor
		if c.pacingMultiplier < lossPacingFloor {
			c.pacingMultiplier = lossPacingFloor
		}
	}
}

// OnAck records n bytes acknowledged with the given round-trip sample and
// advances the state machine.
func (c *Controller) OnAck(n uint64, rtt time.Duration) {
	now := c.clk.Now()

	if n > c.inFlight {
		n = c.inFlight
	}
	c.inFlight -= n
	c.roundDelivered += n

	if rtt > 0 && (c.minRTT == 0 || rtt < c.minRTT) {
		c.minRTT = rtt
		c.minRTTAt = now
	} else if rtt > 0 && rtt == c.minRTT {
		c.minRTTAt = now
	}

	// A measurement round is one propagation delay long.
	roundLen := c.minRTT
	if roundLen == 0 {
		roundLen = rtt
	}
	if elapsed := now.Sub(c.roundStart); roundLen > 0 && elapsed >= roundLen {
		bw := float64(c.roundDelivered) / elapsed.Seconds()
		c.advanceRound(now, bw)
	}

	c.updateState(now)
}

func (c *Controller) advanceRound(now time.Time, bw float64) {
	c.round++
	c.roundStart = now
	c.roundDelivered = 0

	// Drop samples that fell out of the filter window, then expired
	// smaller samples from the back to keep the deque decreasing.
	for len(c.bwFilter) > 0 && c.bwFilter[0].round+bwWindowRounds < c.round {
		c.bwFilter = c.bwFilter[1:]
	}
	for len(c.bwFilter) > 0 && c.bwFilter[len(c.bwFilter)-1].bw <= bw {
		c.bwFilter = c.bwFilter[:len(c.bwFilter)-1]
	}
	c.bwFilter = append(c.bwFilter, bwSample{round: c.round, bw: bw})

	// Pacing penalty decays once a round completes cleanly.
	if !c.roundLoss {
		c.pacingMultiplier = math.Min(1.0, c.pacingMultiplier/lossPacingFactor)
	}
	c.roundLoss = false

	if c.state == StateStartup {
		if c.Bandwidth() >= c.fullBW*fullBWThreshold {
			c.fullBW = c.Bandwidth()
			c.fullBWCount = 0
		} else {
			c.fullBWCount++
			if c.fullBWCount >= fullBWRounds {
				c.state = StateDrain
			}
		}
	}
}

func (c *Controller) updateState(now time.Time) {
	// ProbeRTT preempts everything once the propagation delay estimate
	// goes stale.
	if c.state != StateProbeRTT && c.minRTT > 0 && now.Sub(c.minRTTAt) > minRTTExpiry {
		c.state = StateProbeRTT
		c.probeRTTStart = now
		return
	}

	switch c.state {
	case StateDrain:
		if float64(c.inFlight) <= c.bdp() {
			c.enterProbeBW(now)
		}
	case StateProbeBW:
		if c.minRTT > 0 && now.Sub(c.cycleStart) >= c.minRTT {
			c.cycleIndex = (c.cycleIndex + 1) % len(probeBWGains)
			c.cycleStart = now
		}
	case StateProbeRTT:
		d := probeRTTDuration
		if c.minRTT > d {
			d = c.minRTT
		}
		if now.Sub(c.probeRTTStart) >= d {
			c.minRTTAt = now
			if c.fullBWCount >= fullBWRounds {
				c.enterProbeBW(now)
			} else {
				c.state = StateStartup
			}
		}
	}
}

func (c *Controller) enterProbeBW(now time.Time) {
	c.state = StateProbeBW
	c.cycleIndex = 0
	c.cycleStart = now
}

// SPDX-FileCopyrightText: © 2025 The Wraith Authors
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "wraith"

var (
	framesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped, by reason.",
		},
		[]string{"reason"},
	)

	rekeysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rekeys_total",
			Help:      "Completed Diffie-Hellman rekey exchanges.",
		},
	)

	migrationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "migrations_total",
			Help:      "Validated connection migrations.",
		},
	)

	retransmitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Frames retransmitted after loss detection or timeout.",
		},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Sessions currently established.",
		},
	)
)

const (
	dropReasonAuth      = "auth"
	dropReasonReplay    = "replay"
	dropReasonFormat    = "format"
	dropReasonUnknown   = "unknown_connection"
	dropReasonOverflow  = "queue_overflow"
	dropReasonFlow      = "flow_violation"
	dropReasonHandshake = "handshake"
)

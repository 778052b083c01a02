// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsActiveGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "datapipe_relay_sessions_active",
		Help: "Number of currently-connected sessions.",
	},
		[]string{"role"})

	sessionsAccepted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datapipe_relay_sessions_accepted",
		Help: "Count of accepted connections.",
	},
		[]string{"role"})

	sessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datapipe_relay_sessions_finished",
		Help: "Count of sessions that have ended, by final state.",
	},
		[]string{"role", "state"})

	handshakeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datapipe_relay_handshake_failures",
		Help: "Count of failed handshakes, by step.",
	},
		[]string{"step"})

	acceptErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_relay_accept_errors",
		Help: "Count of errors accepting connections.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		sessionsActiveGauge,
		sessionsAccepted,
		sessionsFinished,
		handshakeFailures,
		acceptErrors,
	)
}

// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package acquisition

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	streamsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datapipe_acquisition_streams_active",
		Help: "Number of acquisition streams currently reading.",
	})

	streamBuffers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_acquisition_buffers",
		Help: "Count of sample buffers produced by acquisition streams.",
	})

	streamSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_acquisition_samples",
		Help: "Count of sample records produced by acquisition streams.",
	})

	streamBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_acquisition_bytes",
		Help: "Count of sample bytes produced by acquisition streams.",
	})

	streamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datapipe_acquisition_errors",
		Help: "Count of acquisition stream errors.",
	}, []string{"type"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		streamsActiveGauge,
		streamBuffers,
		streamSamples,
		streamBytes,
		streamErrors,
	)
}

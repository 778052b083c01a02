// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	writersActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "datapipe_writer_active",
		Help: "Number of writers currently attached to a stream.",
	})

	writerSamples = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_writer_samples",
		Help: "Count of sample records written to output targets.",
	})

	writerBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "datapipe_writer_bytes",
		Help: "Count of sample bytes written to output targets.",
	})

	targetErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "datapipe_writer_target_errors",
		Help: "Count of output target errors.",
	}, []string{"type"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		writersActiveGauge,
		writerSamples,
		writerBytes,
		targetErrors,
	)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "cellpipe"
	toolsSubsystem   = "tools"
)

// Prometheus metrics for tool invocations, exposed via /metrics.
// Registered once at package init; all operations are thread-safe.
var (
	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: toolsSubsystem,
			Name:      "invocations_total",
			Help:      "Total tool invocations by tool and result code",
		},
		[]string{"tool", "code"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: toolsSubsystem,
			Name:      "invocation_duration_seconds",
			Help:      "Wall-clock duration of tool invocations",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"tool"},
	)
)

func recordInvocation(tool, code string, duration time.Duration) {
	invocationsTotal.WithLabelValues(tool, code).Inc()
	invocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Connection Manager
// =============================================================================

var (
	// connectionState is 1 for the current state and 0 for the others.
	// Labels: state
	connectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "opsync",
		Subsystem: "connection",
		Name:      "state",
		Help:      "Current connection state (1 = active)",
	}, []string{"state"})

	// healthChecks counts health probes.
	// Labels: role (production, local), result (ok, failed)
	healthChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "connection",
		Name:      "health_checks_total",
		Help:      "Health checks by endpoint role and result",
	}, []string{"role", "result"})

	// retryAttempts counts automatic and manual reconnect attempts.
	retryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "connection",
		Name:      "retry_attempts_total",
		Help:      "Reconnect attempts",
	})

	// failovers counts switches from production to local.
	failovers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "connection",
		Name:      "failovers_total",
		Help:      "Production to local failovers",
	})
)

func recordState(s State) {
	for _, st := range []State{StateChecking, StateConnected, StateReconnecting, StateFailed} {
		v := 0.0
		if st == s {
			v = 1
		}
		connectionState.WithLabelValues(st.String()).Set(v)
	}
}

func recordHealthCheck(role Role, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	healthChecks.WithLabelValues(role.String(), result).Inc()
}

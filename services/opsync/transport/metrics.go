// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts classified requests.
	// Labels: method, outcome
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "transport",
		Name:      "requests_total",
		Help:      "Outbound requests by method and outcome",
	}, []string{"method", "outcome"})

	// requestDuration measures round trips that reached the network.
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opsync",
		Subsystem: "transport",
		Name:      "request_duration_seconds",
		Help:      "Outbound request latency in seconds",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
	}, []string{"method"})

	// sharedRequests counts GETs answered by an in-flight identical call.
	sharedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "transport",
		Name:      "shared_requests_total",
		Help:      "GET calls deduplicated onto an in-flight request",
	})

	// rejectedRequests counts calls refused while the backend is marked down.
	rejectedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opsync",
		Subsystem: "transport",
		Name:      "rejected_requests_total",
		Help:      "Calls failed fast after the reconnect budget was exhausted",
	})
)

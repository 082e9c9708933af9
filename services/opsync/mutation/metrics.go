// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mutation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultSuccess    = "success"
	resultRolledBack = "rolled_back"
	resultRejected   = "rejected"
)

// mutationsTotal counts finished mutations.
// Labels: collection, op (create|update|delete), result (success|rolled_back|rejected)
var mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "opsync",
	Subsystem: "mutation",
	Name:      "mutations_total",
	Help:      "Optimistic mutations by collection, operation and result",
}, []string{"collection", "op", "result"})

func recordMutation(collection, op, result string) {
	mutationsTotal.WithLabelValues(collection, op, result).Inc()
}

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
	"fmt"
	"net/http"
)

// Outcome is the single classification given to every request.
type Outcome int

const (
	// OutcomeSuccess is any 2xx response.
	OutcomeSuccess Outcome = iota

	// OutcomeAuthExpired is a 401 response.
	OutcomeAuthExpired

	// OutcomeNetworkUnreachable means no response: timeout, DNS, refused.
	OutcomeNetworkUnreachable

	// OutcomeServerError is any other non-2xx response.
	OutcomeServerError

	// OutcomeCancelled means the caller's own context ended the request.
	// It has no global side effect.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAuthExpired:
		return "auth_expired"
	case OutcomeNetworkUnreachable:
		return "network_unreachable"
	case OutcomeServerError:
		return "server_error"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", o)
	}
}

// classify maps a finished exchange onto an Outcome.
//
// # Inputs
//
//   - status: HTTP status, ignored when transportErr is non-nil
//   - transportErr: error from http.Client.Do or reading the body
//   - callerDone: true when the caller's context (not the pipeline's own
//     timeout) was already done
func classify(status int, transportErr error, callerDone bool) Outcome {
	if transportErr != nil {
		if callerDone {
			return OutcomeCancelled
		}
		return OutcomeNetworkUnreachable
	}
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusUnauthorized:
		return OutcomeAuthExpired
	default:
		return OutcomeServerError
	}
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"fmt"
	"time"

	"github.com/AleutianAI/opsync/services/opsync/model"
)

// State is the authentication state.
type State int

const (
	// StateLoggedOut means no usable session.
	StateLoggedOut State = iota

	// StateRestoring means a token exists but no profile has been confirmed
	// or cached yet. No user is presented.
	StateRestoring

	// StateLoggedIn means a user is presented.
	StateLoggedIn
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateRestoring:
		return "restoring"
	case StateLoggedIn:
		return "logged_in"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session is a snapshot of the controller's state.
type Session struct {
	State State

	// User is set only in StateLoggedIn.
	User *model.User

	// CachedAt is when the presented profile was last confirmed by the
	// server.
	CachedAt time.Time

	// Stale is true while the presented profile comes from the cache and
	// revalidation has failed.
	Stale bool
}

// LoggedIn reports whether a user is presented.
func (s Session) LoggedIn() bool {
	return s.State == StateLoggedIn && s.User != nil
}

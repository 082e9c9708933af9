// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/AleutianAI/opsync/pkg/ux"
	"github.com/AleutianAI/opsync/services/opsync/connection"
	"github.com/AleutianAI/opsync/services/opsync/mutation"
	"github.com/AleutianAI/opsync/services/opsync/session"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
)

// connectionBanner maps a connection status to the persistent banner, or
// false when nothing needs to be shown.
func connectionBanner(st connection.Status, maxRetries int) (ux.Banner, bool) {
	switch st.State {
	case connection.StateChecking:
		return ux.Banner{Severity: ux.SeverityInfo, Title: "Checking connection", Detail: st.Endpoint.URL}, true

	case connection.StateReconnecting:
		return ux.Banner{
			Severity: ux.SeverityWarning,
			Title:    "Reconnecting",
			Detail:   fmt.Sprintf("attempt %d of %d to %s", st.RetryCount, maxRetries, st.Endpoint.URL),
		}, true

	case connection.StateFailed:
		if !st.ShowError {
			return ux.Banner{}, false
		}
		b := ux.Banner{
			Severity: ux.SeverityError,
			Title:    "Cannot reach the server",
			Detail:   st.Endpoint.URL,
			Action:   "check your connection, then run `opsync retry`",
		}
		if st.LastError != "" {
			b.Detail += ": " + st.LastError
		}
		return b, true

	default:
		if st.Endpoint.Role == connection.RoleLocal {
			return ux.Banner{
				Severity: ux.SeverityWarning,
				Title:    "Using the local development backend",
				Detail:   st.Endpoint.URL,
			}, true
		}
		return ux.Banner{}, false
	}
}

// mutationNotice is the one-off message for a failed, rolled back save.
func mutationNotice(err error) ux.Notice {
	sev := ux.SeverityError
	if syncerr.KindOf(err) == syncerr.KindValidation || syncerr.KindOf(err) == syncerr.KindConcurrentMutation {
		sev = ux.SeverityWarning
	}
	return ux.Notice{Severity: sev, Message: syncerr.UserMessage(err)}
}

func sessionLines(s session.Session) [][2]string {
	if !s.LoggedIn() {
		return [][2]string{{"session", s.State.String()}}
	}
	lines := [][2]string{
		{"session", s.State.String()},
		{"user", s.User.Email},
	}
	if s.User.Name != "" {
		lines = append(lines, [2]string{"name", s.User.Name})
	}
	if s.User.Role != "" {
		lines = append(lines, [2]string{"role", s.User.Role})
	}
	if s.Stale {
		lines = append(lines, [2]string{"profile", "cached, could not refresh"})
	}
	return lines
}

// recordTable lays records out with id first, name second and the
// remaining fields in alphabetical order.
func recordTable(records []mutation.Record) ([]string, [][]string) {
	seen := map[string]bool{}
	var rest []string
	for _, r := range records {
		for k := range r {
			if k == "id" || k == "name" || seen[k] {
				continue
			}
			seen[k] = true
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)

	headers := []string{"id", "name"}
	headers = append(headers, rest...)

	rows := make([][]string, 0, len(records))
	for _, r := range records {
		row := make([]string, len(headers))
		for i, h := range headers {
			row[i] = cell(r[h])
		}
		rows = append(rows, row)
	}
	return headers, rows
}

func cell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64, bool, int, int64:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func sortedByID(records []mutation.Record) []mutation.Record {
	out := slices.Clone(records)
	slices.SortStableFunc(out, func(a, b mutation.Record) int {
		ai, bi := a.EntityID(), b.EntityID()
		if len(ai) != len(bi) {
			return len(ai) - len(bi)
		}
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	})
	return out
}

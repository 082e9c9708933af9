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
	"context"
	"errors"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/opsync/services/opsync"
	"github.com/AleutianAI/opsync/services/opsync/session"
)

// start opens the client, checks the connection and restores the session.
// The connection banner is shown when there is one.
func (a *app) start(ctx context.Context) (*opsync.Client, session.Session, error) {
	c, err := a.open(ctx)
	if err != nil {
		return nil, session.Session{}, err
	}
	sess := c.Start(ctx)
	a.showConnection(c)
	return c, sess, nil
}

func (a *app) showConnection(c *opsync.Client) {
	if b, ok := connectionBanner(c.Connection.Status(), c.Connection.MaxAutoRetries()); ok {
		a.out.Banner(b)
	}
}

// requireLogin returns errSilent after telling the user to log in.
func (a *app) requireLogin(sess session.Session) error {
	if sess.LoggedIn() {
		return nil
	}
	a.out.Error("Not logged in. Run `opsync login` first.")
	return errSilent
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the connection and session state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, err := a.start(ctx)
			if err != nil {
				return err
			}
			if err := c.Session.Wait(ctx); err != nil {
				return err
			}

			st := c.Connection.Status()
			storage := "plain"
			if c.Credentials.Secure() {
				storage = "encrypted"
			}
			lines := [][2]string{
				{"endpoint", st.Endpoint.URL},
				{"role", st.Endpoint.Role.String()},
				{"connection", st.State.String()},
				{"retries", strconv.Itoa(st.RetryCount)},
				{"storage", storage},
				{"config", a.cfgPath},
			}
			lines = append(lines, sessionLines(c.Session.Current())...)
			a.out.KeyValues(lines)
			return nil
		},
	}
}

func newRetryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry the connection to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}

			var connected bool
			_ = a.out.WithSpinner("Connecting", func() error {
				connected = c.Connection.HandleRetryConnection(ctx)
				if !connected {
					return errors.New("backend unreachable")
				}
				return nil
			})
			a.showConnection(c)
			if !connected {
				return errSilent
			}
			a.out.Muted("Connected to " + c.Connection.ActiveEndpoint().String())
			return nil
		},
	}
}

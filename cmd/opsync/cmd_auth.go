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
	"errors"
	"net/mail"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/opsync/pkg/ux"
	"github.com/AleutianAI/opsync/services/opsync/session"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
)

// envPassword lets scripts log in without a prompt.
const envPassword = "OPSYNC_PASSWORD"

// promptCredentials asks for whatever is missing. It is a variable so tests
// can replace the interactive form.
var promptCredentials = func(email, password *string) error {
	var fields []huh.Field
	if *email == "" {
		fields = append(fields, huh.NewInput().
			Title("Email").
			Value(email).
			Validate(func(s string) error {
				if _, err := mail.ParseAddress(s); err != nil {
					return errors.New("enter a valid email address")
				}
				return nil
			}))
	}
	if *password == "" {
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(password))
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}

func newLoginCmd(a *app) *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and keep the session on this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, err := a.start(ctx)
			if err != nil {
				return err
			}

			password := a.getenv(envPassword)
			if email == "" || password == "" {
				if !ux.IsTerminal(os.Stdin) || a.out.Mode() == ux.ModeMachine {
					return errors.New("email and password are required (use --email and " + envPassword + ")")
				}
				if err := promptCredentials(&email, &password); err != nil {
					return err
				}
			}

			user, err := c.Session.Login(ctx, email, password)
			if err != nil {
				var le *session.LoginError
				if errors.As(err, &le) {
					a.out.Error(le.Message)
				} else {
					a.out.Error(syncerr.UserMessage(err))
				}
				return errSilent
			}
			a.out.Success("Logged in as " + user.Email)
			return nil
		},
	}
	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			c.Session.Logout(ctx)
			a.out.Success("Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
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
			sess := c.Session.Current()
			if err := a.requireLogin(sess); err != nil {
				return err
			}
			a.out.KeyValues(sessionLines(sess))
			return nil
		},
	}
}

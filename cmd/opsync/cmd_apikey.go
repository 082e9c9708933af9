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
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/opsync/cmd/opsync/config"
)

// maskKey keeps the first and last four characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

func newAPIKeyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Show or change the API key sent with every request",
	}

	var reveal bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the API key in use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			key := c.Credentials.GetAPIKey()
			if !reveal {
				key = maskKey(key)
			}
			a.out.KeyValues([][2]string{{"api key", key}})
			return nil
		},
	}
	show.Flags().BoolVar(&reveal, "reveal", false, "print the full key")

	set := &cobra.Command{
		Use:   "set <key>",
		Short: "Store a new API key",
		Long: `Stores the key in the credential store and in the config file. Pass an
empty string to go back to OPSYNC_API_KEY or the built-in key.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			key := strings.TrimSpace(args[0])
			if !c.Credentials.SetAPIKey(key) {
				a.out.Error("Could not save the API key")
				return errSilent
			}

			// Re-read the file so environment overrides are not written back.
			fileCfg, err := config.ReadFile(a.cfgPath)
			if err != nil {
				return err
			}
			fileCfg.APIKey = key
			if err := config.Save(a.cfgPath, fileCfg); err != nil {
				return fmt.Errorf("update %s: %w", a.cfgPath, err)
			}
			if key == "" {
				a.out.Success("API key cleared")
				return nil
			}
			a.out.Success("API key saved")
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

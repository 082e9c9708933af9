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
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	return run(newApp(stdout, stderr), args)
}

func run(a *app, args []string) int {
	stderr := a.stderr
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := root.ExecuteContext(ctx)
	a.close()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errSilent) {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return 1
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "opsync",
		Short: "Work with the operations backend from the terminal",
		Long: `opsync keeps a local session with the operations backend, fails over to
a development backend when configured, and applies changes optimistically:
a failed save is rolled back and reported.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.flags.configPath, "config", "", "config file (default ~/.opsync/opsync.yaml)")
	f.StringVarP(&a.flags.output, "output", "o", "", "output mode: rich, plain or machine (default: detected)")
	f.StringVar(&a.flags.trace, "trace", "", "export traces: stdout or otlp")
	f.BoolVar(&a.flags.local, "local", false, "allow failover to the local development backend")
	f.BoolVar(&a.flags.ephemeral, "ephemeral", false, "keep credentials in memory only")

	root.AddCommand(
		newStatusCmd(a),
		newRetryCmd(a),
		newMonitorCmd(a),
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newListCmd(a),
		newCreateCmd(a),
		newUpdateCmd(a),
		newDeleteCmd(a),
		newAPIKeyCmd(a),
	)
	return root
}

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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/opsync/pkg/ux"
	"github.com/AleutianAI/opsync/pkg/validation"
	"github.com/AleutianAI/opsync/services/opsync/mutation"
)

// =============================================================================
// Field arguments
// =============================================================================

// parseFields turns key=value arguments into mutation fields.
//
// Values are typed the way JSON would read them: integers, floats, true,
// false and null keep their type; anything else is a string. Quote a value
// ("'42'" or '"true"') to force a string.
func parseFields(args []string) (mutation.Fields, error) {
	fields := make(mutation.Fields, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		fields[key] = parseValue(raw)
	}
	return fields, nil
}

func parseValue(raw string) any {
	if n := len(raw); n >= 2 && (raw[0] == '"' && raw[n-1] == '"' || raw[0] == '\'' && raw[n-1] == '\'') {
		return raw[1 : n-1]
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// =============================================================================
// Commands
// =============================================================================

// collection starts the client, requires a session and loads the named
// collection.
func (a *app) collection(ctx context.Context, name string) (*mutation.Engine[mutation.Record], error) {
	name, err := validation.SanitizeCollection(name)
	if err != nil {
		return nil, err
	}
	c, _, err := a.start(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.Session.Wait(ctx); err != nil {
		return nil, err
	}
	if err := a.requireLogin(c.Session.Current()); err != nil {
		return nil, err
	}

	eng, err := c.Collections.Engine(name)
	if err != nil {
		return nil, err
	}
	if _, err := eng.Load(ctx); err != nil {
		a.out.Notice(mutationNotice(err))
		return nil, errSilent
	}
	return eng, nil
}

// printRecords writes records as a table, or as JSON in machine mode.
func (a *app) printRecords(records []mutation.Record) error {
	records = sortedByID(records)
	if a.out.Mode() == ux.ModeMachine {
		enc := json.NewEncoder(a.out.Writer())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		a.out.Muted("No records")
		return nil
	}
	headers, rows := recordTable(records)
	a.out.Table(headers, rows)
	return nil
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list <collection>",
		Aliases: []string{"ls"},
		Short:   "List the records in a collection",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := a.collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printRecords(eng.Snapshot())
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "create <collection> key=value...",
		Short: "Create a record",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			eng, err := a.collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec, err := eng.Create(cmd.Context(), fields)
			if err != nil {
				a.out.Notice(mutationNotice(err))
				return errSilent
			}
			if rec == nil {
				a.out.Success("Created")
				return nil
			}
			a.out.Success("Created " + rec.EntityID())
			return a.printRecords([]mutation.Record{rec})
		},
	}
}

func newUpdateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "update <collection> <id> key=value...",
		Short: "Update fields of a record",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateRecordID(args[1]); err != nil {
				return err
			}
			fields, err := parseFields(args[2:])
			if err != nil {
				return err
			}
			eng, err := a.collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			rec, err := eng.Update(cmd.Context(), args[1], fields)
			if err != nil {
				a.out.Notice(mutationNotice(err))
				return errSilent
			}
			a.out.Success("Updated " + args[1])
			return a.printRecords([]mutation.Record{rec})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <collection> <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a record",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateRecordID(args[1]); err != nil {
				return err
			}
			eng, err := a.collection(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := eng.Delete(cmd.Context(), args[1]); err != nil {
				a.out.Notice(mutationNotice(err))
				return errSilent
			}
			a.out.Success("Deleted " + args[1])
			return nil
		},
	}
}

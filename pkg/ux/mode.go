// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// EnvMode overrides output mode detection.
const EnvMode = "OPSYNC_OUTPUT"

// Mode defines how rich the CLI output is.
type Mode string

const (
	// ModeRich enables colors, icons and boxes.
	ModeRich Mode = "rich"

	// ModePlain uses plain text with the same layout, for pipes and logs.
	ModePlain Mode = "plain"

	// ModeMachine prints one "KIND: text" line per message, for scripting.
	ModeMachine Mode = "machine"
)

// ParseMode converts a string to a Mode. Unknown values are ModeRich.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "plain", "p", "text":
		return ModePlain
	case "machine", "quiet", "q":
		return ModeMachine
	default:
		return ModeRich
	}
}

// DetectMode picks the mode for w. The environment override wins; a
// writer that is not a terminal gets ModePlain.
func DetectMode(w io.Writer, getenv func(string) string) Mode {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvMode); v != "" {
		return ParseMode(v)
	}
	if !IsTerminal(w) {
		return ModePlain
	}
	return ModeRich
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMode(t *testing.T) {
	tests := map[string]Mode{
		"plain":   ModePlain,
		" TEXT ":  ModePlain,
		"machine": ModeMachine,
		"q":       ModeMachine,
		"rich":    ModeRich,
		"":        ModeRich,
		"bogus":   ModeRich,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseMode(in), "ParseMode(%q)", in)
	}
}

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer
	noEnv := func(string) string { return "" }

	assert.Equal(t, ModePlain, DetectMode(&buf, noEnv), "a buffer is not a terminal")
	assert.Equal(t, ModeMachine, DetectMode(&buf, func(k string) string {
		if k == EnvMode {
			return "machine"
		}
		return ""
	}))
	assert.False(t, IsTerminal(&buf))
}

func TestPrinter_PlainHasNoEscapes(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	p.Title("Status")
	p.Success("saved")
	p.Warning("slow")
	p.Error("failed")
	p.Info("info")
	p.Muted("muted")

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Equal(t, "Status\n✓ saved\n⚠ slow\n✗ failed\ninfo\nmuted\n", out)
}

func TestPrinter_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeMachine)

	p.Title("Status")
	p.Success("saved")
	p.Error("failed")
	p.Muted("hidden")
	p.Notice(Notice{Severity: SeverityError, Message: "rolled back"})

	assert.Equal(t, "OK: saved\nERROR: failed\nERROR: rolled back\n", buf.String())
}

func TestPrinter_KeyValues(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModePlain).KeyValues([][2]string{{"state", "connected"}, {"endpoint", "http://x"}})

	assert.Equal(t, "state:    connected\nendpoint: http://x\n", buf.String())
}

func TestPrinter_Table(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModePlain).Table([]string{"ID", "NAME"}, [][]string{{"1", "kg"}, {"12", "metre"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Equal(t, []string{"ID  NAME", "1   kg", "12  metre"}, lines)

	buf.Reset()
	NewPrinter(&buf, ModeRich).Table([]string{"ID"}, [][]string{{"1"}})
	assert.Contains(t, buf.String(), "ID")
	assert.Contains(t, buf.String(), "╭")
}

func TestRenderBanner(t *testing.T) {
	b := Banner{
		Severity: SeverityError,
		Title:    "Server unreachable",
		Detail:   "http://localhost:8787",
		Action:   "run opsync retry",
	}

	plain := RenderBanner(b, ModePlain, 0)
	assert.Equal(t, "ERROR Server unreachable: http://localhost:8787 (run opsync retry)", plain)

	rich := RenderBanner(b, ModeRich, 50)
	assert.Contains(t, rich, "Server unreachable")
	assert.Contains(t, rich, "run opsync retry")
	assert.Contains(t, rich, "╭")

	minimal := RenderBanner(Banner{Severity: SeverityInfo, Title: "Connected"}, ModePlain, 0)
	assert.Equal(t, "INFO Connected", minimal)
}

func TestNotice_Plain(t *testing.T) {
	var buf bytes.Buffer
	NewPrinter(&buf, ModePlain).Notice(Notice{Severity: SeverityWarning, Message: "Name already taken"})
	assert.Equal(t, "⚠ Name already taken\n", buf.String())
}

func TestWithSpinner_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModePlain)

	assert.NoError(t, p.WithSpinner("Checking", func() error { return nil }))
	err := p.WithSpinner("Saving", func() error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")

	assert.Equal(t, "Checking...\n✓ Checking\nSaving...\n✗ Saving: boom\n", buf.String())
}

func TestSpinner_RichStartStop(t *testing.T) {
	var buf bytes.Buffer
	s := NewPrinter(&buf, ModeRich).NewSpinner("Working")
	s.Start()
	s.Start()
	s.UpdateMessage("Still working")
	s.Stop()
	s.Stop()

	assert.Contains(t, buf.String(), "\r\033[K")
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Severity ranks banners and notices.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) kind() string {
	switch s {
	case SeverityWarning:
		return "WARN"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (s Severity) icon() Icon {
	switch s {
	case SeverityWarning:
		return IconWarning
	case SeverityError:
		return IconError
	default:
		return IconArrow
	}
}

// Banner is a persistent surface: it stays up for as long as its
// condition holds (the backend being unreachable, for example) and is
// re-rendered on every refresh.
type Banner struct {
	Severity Severity
	Title    string
	Detail   string

	// Action tells the user what they can do, e.g. "run `opsync retry`".
	Action string
}

// Notice is a one-off message that is shown once and not repeated,
// such as a failed save that has been rolled back.
type Notice struct {
	Severity Severity
	Message  string
}

// RenderBanner returns the banner as a string without a trailing newline.
func RenderBanner(b Banner, mode Mode, width int) string {
	if mode != ModeRich {
		line := b.Severity.kind() + " " + b.Title
		if b.Detail != "" {
			line += ": " + b.Detail
		}
		if b.Action != "" {
			line += " (" + b.Action + ")"
		}
		return line
	}

	style := Styles.InfoBox
	title := Styles.Title
	switch b.Severity {
	case SeverityWarning:
		style, title = Styles.WarningBox, Styles.Warning.Bold(true)
	case SeverityError:
		style, title = Styles.ErrorBox, Styles.Error.Bold(true)
	}
	if width > 0 {
		style = style.Width(width)
	}

	lines := []string{b.Severity.icon().Render() + " " + title.Render(b.Title)}
	if b.Detail != "" {
		lines = append(lines, b.Detail)
	}
	if b.Action != "" {
		lines = append(lines, Styles.Muted.Render(string(IconArrow)+" "+b.Action))
	}
	return style.Render(strings.Join(lines, "\n"))
}

// Banner prints b.
func (p *Printer) Banner(b Banner) {
	p.println(RenderBanner(b, p.mode, 60))
}

// Notice prints n on a single line.
func (p *Printer) Notice(n Notice) {
	switch p.mode {
	case ModeMachine:
		p.println(n.Severity.kind() + ": " + n.Message)
	case ModePlain:
		p.println(string(n.Severity.icon()) + " " + n.Message)
	default:
		style := lipgloss.NewStyle().Foreground(ColorAccent)
		switch n.Severity {
		case SeverityWarning:
			style = Styles.Warning
		case SeverityError:
			style = Styles.Error
		}
		p.println(n.Severity.icon().Render() + " " + style.Render(n.Message))
	}
}

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
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/opsync/cmd/opsync/config"
	"github.com/AleutianAI/opsync/pkg/ux"
	"github.com/AleutianAI/opsync/services/opsync"
	"github.com/AleutianAI/opsync/services/opsync/connection"
	"github.com/AleutianAI/opsync/services/opsync/session"
)

// =============================================================================
// Events
// =============================================================================

type statusMsg connection.Status

type sessionMsg session.Session

type configMsg struct{ apiKey string }

type retryDoneMsg struct{ connected bool }

// monitorEvent is one line of machine output.
type monitorEvent struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	State      string    `json:"state,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	Error      string    `json:"error,omitempty"`
	User       string    `json:"user,omitempty"`
}

// =============================================================================
// Command
// =============================================================================

func newMonitorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch the connection and session until interrupted",
		Long: `monitor shows the connection banner and session as they change. In a
terminal, press r to retry the connection and q to quit. Edits to the
config file's api_key are applied without restarting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, _, err := a.start(ctx)
			if err != nil {
				return err
			}

			statuses, stopStatus := c.Connection.Subscribe()
			defer stopStatus()
			sessions, stopSession := c.Session.Subscribe()
			defer stopSession()

			configs := make(chan configMsg, 1)
			if err := config.Watch(ctx, a.cfgPath, 0, a.logger.Slog(), func(cfg config.OpsyncConfig) {
				if a.applyAPIKey(c, cfg.APIKey) {
					select {
					case configs <- configMsg{apiKey: c.Credentials.GetAPIKey()}:
					default:
					}
				}
			}); err != nil {
				a.logger.Warn("config reload disabled", "error", err)
			}

			if a.out.Mode() == ux.ModeRich && ux.IsTerminal(a.stdout) {
				return a.runMonitorTUI(ctx, c, statuses, sessions, configs)
			}
			return a.runMonitorLines(ctx, c, statuses, sessions, configs)
		},
	}
}

// applyAPIKey stores key when it differs from the one in use. A key that
// only comes from the environment is never persisted.
func (a *app) applyAPIKey(c *opsync.Client, key string) bool {
	if key == "" || key == c.Credentials.GetAPIKey() || key == a.getenv(config.EnvAPIKey) {
		return false
	}
	if !c.Credentials.SetAPIKey(key) {
		a.logger.Warn("could not apply the api key from the config file")
		return false
	}
	a.logger.Info("api key reloaded from config")
	return true
}

// runMonitorLines prints one line per change until ctx is done.
func (a *app) runMonitorLines(ctx context.Context, c *opsync.Client, statuses <-chan connection.Status, sessions <-chan session.Session, configs <-chan configMsg) error {
	maxRetries := c.Connection.MaxAutoRetries()
	for {
		select {
		case <-ctx.Done():
			return nil

		case st, ok := <-statuses:
			if !ok {
				return nil
			}
			ev := monitorEvent{Type: "connection", At: st.UpdatedAt, State: st.State.String(), Endpoint: st.Endpoint.URL, RetryCount: st.RetryCount, Error: st.LastError}
			if a.out.Mode() == ux.ModeMachine {
				a.emit(ev)
				continue
			}
			if b, show := connectionBanner(st, maxRetries); show {
				a.out.Banner(b)
			} else {
				a.out.Info(fmt.Sprintf("connected to %s", st.Endpoint))
			}

		case s, ok := <-sessions:
			if !ok {
				return nil
			}
			ev := monitorEvent{Type: "session", At: time.Now().UTC(), State: s.State.String()}
			if s.User != nil {
				ev.User = s.User.Email
			}
			if a.out.Mode() == ux.ModeMachine {
				a.emit(ev)
				continue
			}
			a.out.KeyValues(sessionLines(s))

		case cm := <-configs:
			if a.out.Mode() == ux.ModeMachine {
				a.emit(monitorEvent{Type: "config", At: time.Now().UTC()})
				continue
			}
			a.out.Muted("api key updated: " + maskKey(cm.apiKey))
		}
	}
}

func (a *app) emit(ev monitorEvent) {
	if err := json.NewEncoder(a.out.Writer()).Encode(ev); err != nil {
		a.logger.Warn("write event", "error", err)
	}
}

// =============================================================================
// Interactive view
// =============================================================================

type monitorModel struct {
	ctx        context.Context
	client     *opsync.Client
	maxRetries int

	statuses <-chan connection.Status
	sessions <-chan session.Session
	configs  <-chan configMsg

	status   connection.Status
	session  session.Session
	apiKey   string
	notice   string
	retrying bool
	spinner  spinner.Model
	width    int
}

func (a *app) runMonitorTUI(ctx context.Context, c *opsync.Client, statuses <-chan connection.Status, sessions <-chan session.Session, configs <-chan configMsg) error {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(ux.Styles.Title))
	m := monitorModel{
		ctx:        ctx,
		client:     c,
		maxRetries: c.Connection.MaxAutoRetries(),
		statuses:   statuses,
		sessions:   sessions,
		configs:    configs,
		status:     c.Connection.Status(),
		session:    c.Session.Current(),
		apiKey:     c.Credentials.GetAPIKey(),
		spinner:    sp,
		width:      80,
	}
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithOutput(a.stdout))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func waitStatus(ch <-chan connection.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(st)
	}
}

func waitSession(ch <-chan session.Session) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return nil
		}
		return sessionMsg(s)
	}
}

func waitConfig(ch <-chan configMsg) tea.Cmd {
	return func() tea.Msg { return <-ch }
}

// Init implements tea.Model.
func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitStatus(m.statuses), waitSession(m.sessions), waitConfig(m.configs))
}

// Update implements tea.Model.
func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "Q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r", "R":
			if m.retrying {
				return m, nil
			}
			m.retrying = true
			m.notice = ""
			return m, m.retry()
		}

	case statusMsg:
		m.status = connection.Status(msg)
		return m, waitStatus(m.statuses)

	case sessionMsg:
		m.session = session.Session(msg)
		return m, waitSession(m.sessions)

	case configMsg:
		m.apiKey = msg.apiKey
		m.notice = "API key reloaded from config"
		return m, waitConfig(m.configs)

	case retryDoneMsg:
		m.retrying = false
		if msg.connected {
			m.notice = "Reconnected"
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m monitorModel) retry() tea.Cmd {
	return func() tea.Msg {
		return retryDoneMsg{connected: m.client.Connection.HandleRetryConnection(m.ctx)}
	}
}

// View implements tea.Model.
func (m monitorModel) View() string {
	var b strings.Builder
	b.WriteString(ux.Styles.Title.Render("opsync monitor"))
	b.WriteString("\n\n")

	if banner, show := connectionBanner(m.status, m.maxRetries); show {
		b.WriteString(ux.RenderBanner(banner, ux.ModeRich, m.width))
		b.WriteString("\n")
	}

	state := m.status.State.String()
	if m.retrying || m.status.State == connection.StateChecking || m.status.State == connection.StateReconnecting {
		state = m.spinner.View() + " " + state
	}
	rows := [][2]string{
		{"connection", state},
		{"endpoint", m.status.Endpoint.String()},
		{"api key", maskKey(m.apiKey)},
	}
	rows = append(rows, sessionLines(m.session)...)
	for _, r := range rows {
		fmt.Fprintf(&b, "%s %s\n", ux.Styles.Muted.Render(fmt.Sprintf("%-12s", r[0])), r[1])
	}

	if m.notice != "" {
		b.WriteString("\n" + ux.Styles.Success.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + ux.Styles.Muted.Render("r retry • q quit") + "\n")
	return b.String()
}

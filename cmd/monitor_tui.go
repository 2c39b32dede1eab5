// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
	"github.com/Thermoquad/ispbridge/pkg/events"
	"github.com/Thermoquad/ispbridge/pkg/isp"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Key bindings
type monitorKeys struct {
	Enable  key.Binding
	Disable key.Binding
	Toggle  key.Binding
	Reset   key.Binding
	Quit    key.Binding
}

func defaultMonitorKeys() monitorKeys {
	return monitorKeys{
		Enable:  key.NewBinding(key.WithKeys("e"), key.WithHelp("e", "enable")),
		Disable: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disable")),
		Toggle:  key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "toggle")),
		Reset:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset target")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap
func (k monitorKeys) ShortHelp() []key.Binding {
	return []key.Binding{k.Enable, k.Disable, k.Toggle, k.Reset, k.Quit}
}

// FullHelp implements help.KeyMap
func (k monitorKeys) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}

// TUI model
type monitorModel struct {
	connInfo      string
	connected     bool
	send          func(bridge.Action) error
	last          *events.Event
	commandRate   float64
	errorRate     float64
	eventLog      []logEntry
	maxLogEntries int
	viewport      viewport.Model
	help          help.Model
	keys          monitorKeys
	width         int
	height        int
	quitting      bool
}

// Messages
type monitorTickMsg time.Time
type eventMsg struct {
	event events.Event
}
type connectionLostMsg struct {
	err error
}
type reconnectedMsg struct {
	connInfo string
}
type actionResultMsg struct {
	action bridge.Action
	err    error
}

func initialMonitorModel(connInfo string, send func(bridge.Action) error) monitorModel {
	return monitorModel{
		connInfo:      connInfo,
		connected:     true,
		send:          send,
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 100,
		viewport:      viewport.New(78, 5),
		help:          help.New(),
		keys:          defaultMonitorKeys(),
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

// sendAction runs the send off the UI goroutine
func (m monitorModel) sendAction(a bridge.Action) tea.Cmd {
	send := m.send
	return func() tea.Msg {
		return actionResultMsg{action: a, err: send(a)}
	}
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Enable):
			return m, m.sendAction(bridge.ActionEnable)
		case key.Matches(msg, m.keys.Disable):
			return m, m.sendAction(bridge.ActionDisable)
		case key.Matches(msg, m.keys.Toggle):
			return m, m.sendAction(bridge.ActionToggle)
		case key.Matches(msg, m.keys.Reset):
			return m, m.sendAction(bridge.ActionReset)
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLog()

	case monitorTickMsg:
		return m, monitorTickCmd()

	case eventMsg:
		m.applyEvent(msg.event)

	case actionResultMsg:
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Failed to send %s: %v", msg.action, msg.err), true)
		} else {
			m.addLogEntry(fmt.Sprintf("Requested %s", msg.action), false)
		}

	case connectionLostMsg:
		m.connected = false
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v (reconnecting)", msg.err), true)
		} else {
			m.addLogEntry("Connection lost (reconnecting)", true)
		}

	case reconnectedMsg:
		m.connected = true
		m.connInfo = msg.connInfo
		m.addLogEntry("Reconnected", false)
	}

	return m, nil
}

// applyEvent logs what changed since the previous event and derives rates
// from the counter deltas
func (m *monitorModel) applyEvent(e events.Event) {
	prev := m.last
	m.last = &e

	switch e.Kind {
	case events.KindEnabled:
		m.addLogEntry("Programming port open", false)
	case events.KindDisabled:
		m.addLogEntry("Programming port closed", false)
	case events.KindState:
		if prev == nil || prev.State != e.State {
			m.addLogEntry(fmt.Sprintf("Programmer %s", e.State), e.State == isp.StateForcedShutdown)
		}
	}

	if prev == nil {
		return
	}
	if e.Errors > prev.Errors {
		m.addLogEntry(fmt.Sprintf("Protocol errors: %d", e.Errors), true)
	}
	if e.Stats.BusErrors > prev.Stats.BusErrors {
		m.addLogEntry(fmt.Sprintf("Bus errors: %d", e.Stats.BusErrors), true)
	}
	if dt := e.Time.Sub(prev.Time).Seconds(); dt > 0 && e.Stats.Commands >= prev.Stats.Commands {
		m.commandRate = float64(e.Stats.Commands-prev.Stats.Commands) / dt
		m.errorRate = float64(eventErrors(e)-eventErrors(*prev)) / dt
		if m.errorRate < 0 {
			m.errorRate = 0
		}
	}
}

func eventErrors(e events.Event) uint64 {
	s := e.Stats
	return s.SyncErrors + s.UnknownCommands + s.ForcedShutdowns + s.BusErrors
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
	m.refreshLog()
}

func (m *monitorModel) resizeLog() {
	// Reserve space for header, status and statistics
	h := m.height - 17
	if h < 5 {
		h = 5
	}
	w := m.width - 4
	if w < 20 {
		w = 20
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.refreshLog()
}

func (m *monitorModel) refreshLog() {
	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	timeStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	var b strings.Builder
	for i, entry := range m.eventLog {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(timeStyle.Render(entry.timestamp.Format("15:04:05")))
		b.WriteString(" ")
		if entry.isError {
			b.WriteString(errorStyle.Render(entry.message))
		} else {
			b.WriteString(entry.message)
		}
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("ISPBRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Connection: %s", m.connInfo)))
	s.WriteString("\n\n")

	if !m.connected {
		s.WriteString(warningStyle.Render("⏳ Reconnecting..."))
		s.WriteString("\n\n")
	} else if m.last == nil {
		s.WriteString(warningStyle.Render("⏳ Waiting for the first event..."))
		s.WriteString("\n\n")
	}

	if m.last != nil {
		e := m.last
		port := errorStyle.Render("closed")
		if e.Enabled {
			port = statsValueStyle.Render("open")
		}
		state := statsValueStyle.Render(e.State.String())
		switch e.State {
		case isp.StateForcedShutdown:
			state = errorStyle.Render(e.State.String())
		case isp.StatePending:
			state = warningStyle.Render(e.State.String())
		}
		errs := statsValueStyle.Render(fmt.Sprintf("%d", e.Errors))
		if e.Errors > 0 {
			errs = errorStyle.Render(fmt.Sprintf("%d", e.Errors))
		}

		status := strings.Builder{}
		status.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Port:"), port,
			statsLabelStyle.Render("Programmer:"), state,
			statsLabelStyle.Render("Errors:"), errs,
		))

		st := e.Stats
		status.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Sessions:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Sessions)),
			statsLabelStyle.Render("Commands:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Commands)),
			statsLabelStyle.Render("Read:"), statsValueStyle.Render(fmt.Sprintf("%d B", st.BytesRead)),
		))
		status.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Flash:"), statsValueStyle.Render(fmt.Sprintf("%d B (%d pages)", st.FlashBytesWritten, st.PagesCommitted)),
			statsLabelStyle.Render("EEPROM:"), statsValueStyle.Render(fmt.Sprintf("%d B", st.EEPROMBytesWritten)),
		))
		if eventErrors(*e) > 0 {
			status.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
				statsLabelStyle.Render("Faults:"), errorStyle.Render(fmt.Sprintf("%d", eventErrors(*e))),
				headerStyle.Render("sync"), st.SyncErrors,
				headerStyle.Render("unknown"), st.UnknownCommands,
				headerStyle.Render("forced"), st.ForcedShutdowns,
				headerStyle.Render("bus"), st.BusErrors,
			))
		}
		status.WriteString(fmt.Sprintf("%s %s   %s %s",
			statsLabelStyle.Render("Command Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f cmds/s", m.commandRate)),
			statsLabelStyle.Render("Error Rate:"), func() string {
				if m.errorRate > 0 {
					return errorStyle.Render(fmt.Sprintf("%.1f err/s", m.errorRate))
				}
				return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", m.errorRate))
			}(),
		))

		s.WriteString(boxStyle.Render(status.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")
	if len(m.eventLog) == 0 {
		s.WriteString(boxStyle.Render(headerStyle.Render("No events yet")))
	} else {
		s.WriteString(boxStyle.Render(m.viewport.View()))
	}
	s.WriteString("\n")
	s.WriteString(m.help.View(m.keys))
	s.WriteString("\n")

	return s.String()
}

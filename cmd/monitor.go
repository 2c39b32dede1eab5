// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ispbridge/pkg/bridge"
	"github.com/Thermoquad/ispbridge/pkg/events"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI for watching and controlling a bridge",
	Long: `Watch a running bridge through its event stream (serve --events).

Shows whether the programming port is open, the programmer state, error
counters, and transfer statistics. Keys:

  e  enable the programming port
  d  disable it
  t  toggle it
  r  pulse the target reset line
  q  quit

The connection is re-established automatically if the bridge restarts.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

// ErrNotConnected is returned when an action is sent while reconnecting
var ErrNotConnected = errors.New("not connected to the bridge")

// monitorManager handles connection lifecycle and reconnection
type monitorManager struct {
	client   *events.Client
	connInfo string
	mu       sync.RWMutex
	writeMu  sync.Mutex
	p        *tea.Program
	done     chan struct{}
}

func (mm *monitorManager) getClient() *events.Client {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.client
}

func (mm *monitorManager) setClient(c *events.Client, connInfo string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.client = c
	mm.connInfo = connInfo
}

// send posts an action. Safe for concurrent use.
func (mm *monitorManager) send(a bridge.Action) error {
	c := mm.getClient()
	if c == nil {
		return ErrNotConnected
	}
	mm.writeMu.Lock()
	defer mm.writeMu.Unlock()
	return c.Send(a)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	client, connInfo, err := OpenMonitor()
	if err != nil {
		return err
	}

	mm := &monitorManager{
		client:   client,
		connInfo: connInfo,
		done:     make(chan struct{}),
	}

	m := initialMonitorModel(connInfo, mm.send)
	p := tea.NewProgram(m, tea.WithAltScreen())
	mm.p = p

	go mm.readerLoop()

	_, err = p.Run()
	close(mm.done)
	if c := mm.getClient(); c != nil {
		c.Close()
	}
	if err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// readerLoop forwards events to the TUI and reconnects when the stream drops
func (mm *monitorManager) readerLoop() {
	for {
		err := mm.readEvents()

		select {
		case <-mm.done:
			return
		default:
		}

		mm.p.Send(connectionLostMsg{err: err})
		if !mm.reconnect() {
			return
		}
	}
}

// readEvents reads until the connection fails
func (mm *monitorManager) readEvents() error {
	c := mm.getClient()
	if c == nil {
		return ErrNotConnected
	}
	for {
		e, err := c.Next()
		if err != nil {
			return err
		}
		mm.p.Send(eventMsg{event: e})
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (mm *monitorManager) reconnect() bool {
	if c := mm.getClient(); c != nil {
		c.Close()
	}
	mm.setClient(nil, mm.connInfo)

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-mm.done:
			return false
		case <-time.After(backoff):
		}

		c, connInfo, err := OpenMonitor()
		if err == nil {
			mm.setClient(c, connInfo)
			mm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}

		// Exponential backoff
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

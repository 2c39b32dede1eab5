// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ispbridge/pkg/events"
)

var eventLogStats bool

var eventLogCmd = &cobra.Command{
	Use:   "event_log",
	Short: "Print bridge events as they arrive",
	Long: `Connect to a bridge event stream (serve --events) and print one line per
event with its timestamp, kind, programmer state, and counters.

Statistics events are hidden unless --stats is given.`,
	RunE: runEventLog,
}

func init() {
	eventLogCmd.Flags().BoolVar(&eventLogStats, "stats", false, "Also print periodic statistics events")
	rootCmd.AddCommand(eventLogCmd)
}

func runEventLog(cmd *cobra.Command, args []string) error {
	client, connInfo, err := OpenMonitor()
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("ispbridge - Event Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	return printEvents(cmd.OutOrStdout(), client.Next, eventLogStats)
}

// printEvents prints events from next until it fails. A closed stream ends
// the log without an error.
func printEvents(w io.Writer, next func() (events.Event, error), showStats bool) error {
	for {
		e, err := next()
		if err != nil {
			if err == io.EOF || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				fmt.Fprintln(w, "Connection closed")
				return nil
			}
			return err
		}
		if e.Kind == events.KindStats && !showStats {
			continue
		}
		fmt.Fprintf(w, "[%s] %s\n", e.Time.Format("15:04:05.000"), e)
	}
}

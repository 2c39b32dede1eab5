// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ispbridge/pkg/stk500"
)

var (
	pingCount    int
	pingInterval time.Duration
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure GET_SYNC round trips to a programmer",
	Long: `Send GET_SYNC commands to a programmer and wait for INSYNC OK.

This is useful for verifying:
  - The programming port is open and accepting clients
  - No other client holds the bridge
  - Round-trip latency is low enough for avrdude's timeouts

The bridge drops a client that stays silent for a second, so keep
--interval well below that.`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingCount, "count", 5, "Number of pings to send")
	pingCmd.Flags().DurationVar(&pingInterval, "interval", 100*time.Millisecond, "Delay between pings")
}

// pingResult summarises a ping run
type pingResult struct {
	sent     int
	received int
	min      time.Duration
	max      time.Duration
	total    time.Duration
}

func (r pingResult) average() time.Duration {
	if r.received == 0 {
		return 0
	}
	return r.total / time.Duration(r.received)
}

func runPing(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenProgrammer()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("ispbridge - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	res := pingProgrammer(cmd.OutOrStdout(), stk500.NewClient(conn), pingCount, pingInterval)

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d in sync, %.0f%% lost\n",
		res.sent, res.received, float64(res.sent-res.received)/float64(res.sent)*100)
	if res.received > 0 {
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n",
			res.min.Round(time.Microsecond), res.average().Round(time.Microsecond), res.max.Round(time.Microsecond))
	}

	if res.received < res.sent {
		return errors.Errorf("%d of %d pings failed", res.sent-res.received, res.sent)
	}
	return nil
}

// pingProgrammer sends count GET_SYNC commands and reports each one on w
func pingProgrammer(w io.Writer, c *stk500.Client, count int, interval time.Duration) pingResult {
	if count < 1 {
		count = 1
	}
	var res pingResult
	for i := 1; i <= count; i++ {
		res.sent++
		start := time.Now()
		err := c.Sync(1)
		rtt := time.Since(start)

		if err != nil {
			fmt.Fprintf(w, "Ping %d/%d: FAILED: %v\n", i, count, err)
		} else {
			fmt.Fprintf(w, "Ping %d/%d: INSYNC OK, rtt=%v\n", i, count, rtt.Round(time.Microsecond))
			res.received++
			res.total += rtt
			if res.min == 0 || rtt < res.min {
				res.min = rtt
			}
			if rtt > res.max {
				res.max = rtt
			}
		}

		if i < count {
			time.Sleep(interval)
		}
	}
	return res
}

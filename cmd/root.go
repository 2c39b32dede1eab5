// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
)

var (
	// Serial programmer flags
	portName string
	baudRate int

	// TCP bridge flags
	bridgeAddr string

	// Event stream flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Logging flags
	logLevel string
	logJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "ispbridge",
	Short: "STK500v1 over TCP to AVR ISP bridge",
	Long: `ispbridge - Program AVR microcontrollers over the network.

The serve command exposes an STK500v1 programmer on a TCP port and drives
the target over SPI, so avrdude can flash it with:

  avrdude -c avrisp -p m328p -P net:<host>:328 -U flash:w:firmware.hex

The other commands are clients: probe and flash talk STK500v1 to a bridge
or to a serial programmer (such as an ArduinoISP), monitor watches a running
bridge and can enable, disable, or reset it.

Connection modes:
  TCP bridge:    --addr host:328
  Serial:        --port /dev/ttyUSB0 [--baud 19200]
  Event stream:  --url ws://host:8328/events [--username user]

For event stream authentication, the password is read from the
ISPBRIDGE_PASSWORD environment variable, or prompted interactively if not
set. The --password flag is intentionally not provided to avoid leaking
credentials in shell history.`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	// Serial programmer flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port of an STK500v1 programmer")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 19200, "Baud rate (serial only)")

	// TCP bridge flags
	rootCmd.PersistentFlags().StringVarP(&bridgeAddr, "addr", "a", "", "Bridge address (host:port)")

	// Event stream flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "Event stream URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Logging flags
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log as JSON instead of console text")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

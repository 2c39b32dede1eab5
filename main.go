// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// ispbridge - STK500v1 over TCP to AVR ISP bridge
//
// Serves an avrdude-compatible programmer on a TCP port and programs AVR
// targets over SPI, plus client commands to probe, flash, and monitor it.

package main

import (
	"os"

	"github.com/Thermoquad/ispbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

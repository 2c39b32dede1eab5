// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ispbridge/pkg/stk500"
)

var (
	partName     string
	syncAttempts int
	skipSigCheck bool
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Identify a programmer and its target",
	Long: `Connect to an STK500v1 programmer, print its sign-on and versions, then
enter programming mode and read the target signature and fuses.

Works against a running bridge (--addr host:328) or a serial programmer such
as an ArduinoISP (--port /dev/ttyUSB0 --baud 19200).

Known parts: m328p, m168, m8, t85.`,
	RunE: runProbe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&partName, "part", "m328p", "Target part (avrdude short name)")
	rootCmd.PersistentFlags().IntVar(&syncAttempts, "sync-attempts", 10, "GET_SYNC attempts before giving up")
	rootCmd.PersistentFlags().BoolVar(&skipSigCheck, "force", false, "Continue when the signature does not match --part")
	rootCmd.AddCommand(probeCmd)
}

// fuse reads use raw ISP instructions through UNIVERSAL
var fuseReads = []struct {
	name    string
	a, b, c byte
}{
	{"lfuse", 0x50, 0x00, 0x00},
	{"hfuse", 0x58, 0x08, 0x00},
	{"efuse", 0x50, 0x08, 0x00},
	{"lock", 0x58, 0x00, 0x00},
}

func runProbe(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenProgrammer()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("ispbridge probe\n")
	fmt.Printf("Connection: %s\n\n", connInfo)

	c := stk500.NewClient(conn)
	if err := c.Sync(syncAttempts); err != nil {
		return err
	}

	id, err := c.SignOn()
	if err != nil {
		return err
	}
	hwVer, err := c.GetParameter(stk500.ParamHWVersion)
	if err != nil {
		return err
	}
	major, err := c.GetParameter(stk500.ParamSWMajor)
	if err != nil {
		return err
	}
	minor, err := c.GetParameter(stk500.ParamSWMinor)
	if err != nil {
		return err
	}
	fmt.Printf("Programmer:  %s\n", id)
	fmt.Printf("Hardware:    %d\n", hwVer)
	fmt.Printf("Firmware:    %d.%d\n\n", major, minor)

	params, err := beginProgramming(c, os.Stdout)
	if err != nil {
		return err
	}
	defer c.LeaveProgMode()

	fmt.Printf("Part:        %s\n", partName)
	fmt.Printf("Parameters:  %s\n", stk500.FormatParameters(params))
	for _, f := range fuseReads {
		v, err := c.Universal(f.a, f.b, f.c, 0x00)
		if err != nil {
			return errors.Wrapf(err, "read %s", f.name)
		}
		fmt.Printf("%-12s 0x%02X\n", f.name+":", v)
	}
	return nil
}

// beginProgramming describes the part to the programmer, enters programming
// mode and checks the signature
func beginProgramming(c *stk500.Client, out io.Writer) (stk500.Parameters, error) {
	params, want, ok := stk500.LookupPart(partName)
	if !ok {
		return params, errors.Errorf("unknown part %q", partName)
	}

	if err := c.SetDevice(params); err != nil {
		return params, err
	}
	if err := c.EnterProgMode(); err != nil {
		return params, err
	}

	sig, err := c.ReadSignature()
	if err != nil {
		c.LeaveProgMode()
		return params, err
	}
	fmt.Fprintf(out, "Signature:   %s\n", stk500.FormatSignature(sig))
	if sig != want {
		mismatch := &stk500.SignatureMismatchError{Expected: want, Actual: sig}
		if !skipSigCheck {
			c.LeaveProgMode()
			return params, errors.Wrap(mismatch, "use --force to override")
		}
		fmt.Fprintf(out, "Warning: %v\n", mismatch)
	}
	return params, nil
}

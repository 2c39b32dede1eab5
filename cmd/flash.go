// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/ispbridge/pkg/stk500"
)

var noVerify bool

var flashCmd = &cobra.Command{
	Use:   "flash FILE.hex",
	Short: "Program an Intel HEX image into flash",
	Long: `Write an Intel HEX image into the target's flash page by page, then
read every written page back and compare.

Pages the image does not touch are skipped. Gaps inside a page are padded
with 0xFF.`,
	Args: cobra.ExactArgs(1),
	RunE: runFlash,
}

var dumpCmd = &cobra.Command{
	Use:   "dump FILE.hex",
	Short: "Read flash into an Intel HEX file",
	Long: `Read the whole flash of the target and write it as Intel HEX. Trailing
erased bytes (0xFF) are left out. Use - for standard output.`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	flashCmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip reading pages back")
	rootCmd.AddCommand(flashCmd)
	rootCmd.AddCommand(dumpCmd)
}

// flashPage is one page-aligned block of the image
type flashPage struct {
	addr uint32 // byte address
	data []byte
}

// loadImage parses an Intel HEX file
func loadImage(r io.Reader) (*gohex.Memory, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse Intel HEX")
	}
	if len(mem.GetDataSegments()) == 0 {
		return nil, errors.New("image is empty")
	}
	return mem, nil
}

// imagePages splits the image into the pages it touches
func imagePages(mem *gohex.Memory, pageSize, flashSize uint32) ([]flashPage, error) {
	if pageSize == 0 {
		return nil, errors.New("page size is zero")
	}

	touched := make(map[uint32]bool)
	var order []uint32
	for _, seg := range mem.GetDataSegments() {
		end := seg.Address + uint32(len(seg.Data))
		if end > flashSize {
			return nil, errors.Errorf("image ends at 0x%X, past the %d byte flash", end, flashSize)
		}
		for a := seg.Address - seg.Address%pageSize; a < end; a += pageSize {
			if !touched[a] {
				touched[a] = true
				order = append(order, a)
			}
		}
	}

	pages := make([]flashPage, 0, len(order))
	for _, a := range order {
		pages = append(pages, flashPage{addr: a, data: mem.ToBinary(a, pageSize, 0xFF)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].addr < pages[j].addr })
	return pages, nil
}

func runFlash(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	mem, err := loadImage(f)
	f.Close()
	if err != nil {
		return err
	}

	conn, connInfo, err := OpenProgrammer()
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("Connection: %s\n", connInfo)

	c := stk500.NewClient(conn)
	if err := c.Sync(syncAttempts); err != nil {
		return err
	}
	params, err := beginProgramming(c, os.Stdout)
	if err != nil {
		return err
	}
	defer c.LeaveProgMode()

	pages, err := imagePages(mem, uint32(params.PageSize), params.FlashSize)
	if err != nil {
		return err
	}

	fmt.Printf("Writing %d pages of %d bytes\n", len(pages), params.PageSize)
	for i, p := range pages {
		if err := c.LoadAddress(uint16(p.addr / 2)); err != nil {
			return err
		}
		if err := c.ProgramPage(stk500.MemFlash, p.data); err != nil {
			return errors.Wrapf(err, "page at 0x%04X", p.addr)
		}
		printProgress("Writing", i+1, len(pages))
	}

	if noVerify {
		fmt.Printf("Done (not verified)\n")
		return nil
	}

	for i, p := range pages {
		if err := c.LoadAddress(uint16(p.addr / 2)); err != nil {
			return err
		}
		got, err := c.ReadPage(stk500.MemFlash, len(p.data))
		if err != nil {
			return errors.Wrapf(err, "page at 0x%04X", p.addr)
		}
		if off := firstDifference(p.data, got); off >= 0 {
			fmt.Println()
			return errors.Errorf("verify failed at 0x%04X: wrote 0x%02X, read 0x%02X",
				p.addr+uint32(off), p.data[off], got[off])
		}
		printProgress("Verifying", i+1, len(pages))
	}
	fmt.Printf("Done, %d bytes verified\n", len(pages)*int(params.PageSize))
	return nil
}

func runDump(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenProgrammer()
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "Connection: %s\n", connInfo)

	c := stk500.NewClient(conn)
	if err := c.Sync(syncAttempts); err != nil {
		return err
	}
	params, err := beginProgramming(c, os.Stderr)
	if err != nil {
		return err
	}
	defer c.LeaveProgMode()

	// READ_PAGE carries at most 256 bytes
	const chunk = stk500.MaxPageSize
	image := make([]byte, 0, params.FlashSize)
	for addr := uint32(0); addr < params.FlashSize; addr += chunk {
		if err := c.LoadAddress(uint16(addr / 2)); err != nil {
			return err
		}
		data, err := c.ReadPage(stk500.MemFlash, chunk)
		if err != nil {
			return errors.Wrapf(err, "read at 0x%04X", addr)
		}
		image = append(image, data...)
	}
	image = bytes.TrimRight(image, "\xff")

	mem := gohex.NewMemory()
	if len(image) > 0 {
		if err := mem.AddBinary(0, image); err != nil {
			return err
		}
	}

	var w io.Writer = os.Stdout
	if args[0] != "-" {
		out, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}
	if err := mem.DumpIntelHex(w, 16); err != nil {
		return errors.Wrap(err, "write Intel HEX")
	}
	fmt.Fprintf(os.Stderr, "Read %d bytes of flash\n", len(image))
	return nil
}

// firstDifference returns the first offset where a and b differ, or -1
func firstDifference(a, b []byte) int {
	for i := range a {
		if i >= len(b) || a[i] != b[i] {
			return i
		}
	}
	return -1
}

func printProgress(label string, done, total int) {
	const width = 40
	filled := done * width / total
	bar := bytes.Repeat([]byte("#"), filled)
	bar = append(bar, bytes.Repeat([]byte(" "), width-filled)...)
	fmt.Printf("\r%-10s |%s| %3d%%", label, bar, done*100/total)
	if done == total {
		fmt.Println()
	}
}

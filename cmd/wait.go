// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	waitTimeout int
	waitFrom    int
)

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Test connection by waiting for a valid frame",
	Long: `Wait for a valid bus frame on the connection until timeout.

Noise and rejected frames are counted but otherwise ignored; the command
returns as soon as one complete frame passes its checksum. With --from, only
frames sent by that node count.

Exit codes:
  0 - Frame received before timeout
  1 - Timeout reached without receiving a valid frame
  2 - Connection error`,
	RunE: runWait,
}

func init() {
	rootCmd.AddCommand(waitCmd)
	waitCmd.Flags().IntVar(&waitTimeout, "timeout", 10, "Timeout in seconds to wait for a frame")
	waitCmd.Flags().IntVar(&waitFrom, "from", -1, "Only accept frames from this source address")
}

func runWait(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tinybus - Wait\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", waitTimeout)
	fmt.Printf("Waiting for valid frame...\n\n")

	decoder := newDecoder()
	buf := make([]byte, 128)

	frameChan := make(chan *tinybus.Frame, 1)
	errChan := make(chan error, 1)

	go func() {
		rejected := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}

			for i := 0; i < n; i++ {
				frame, decodeErr := decoder.DecodeByte(buf[i])
				if decodeErr != nil {
					rejected++
					continue
				}
				if frame == nil {
					continue
				}
				if waitFrom >= 0 && int(frame.Source()) != waitFrom {
					continue
				}
				if rejected > 0 {
					fmt.Printf("(rejected %d frames before the first valid one)\n", rejected)
				}
				frameChan <- frame
				return
			}
		}
	}()

	select {
	case frame := <-frameChan:
		fmt.Printf("SUCCESS: Received valid frame\n")
		fmt.Printf("  Type: 0x%02X\n", frame.Type())
		fmt.Printf("  Source: %s\n", tinybus.FormatAddress(frame.Source()))
		fmt.Printf("  Destination: %s\n", tinybus.FormatAddress(frame.Destination()))
		fmt.Printf("  Length: %d bytes\n", frame.Length())
		fmt.Printf("  Checksum: 0x%02X\n", frame.Checksum())
		os.Exit(0)

	case err := <-errChan:
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	case <-time.After(time.Duration(waitTimeout) * time.Second):
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid frame received within %d seconds\n", waitTimeout)
		os.Exit(1)
	}

	return nil
}

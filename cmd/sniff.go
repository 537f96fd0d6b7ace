// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var sniffDuration int

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Dump raw bus bytes without decoding",
	Long: `Log every chunk of bytes read from the connection as hex.

Raw sync bytes are shown as [AA] so frame boundaries stand out even when the
frames themselves do not decode. Useful for checking baud rate, bit order
and link stability before anything else.

Exit codes:
  0 - Duration elapsed with the connection up
  1 - Connection failed during the test
  2 - Connection error`,
	RunE: runSniff,
}

func init() {
	rootCmd.AddCommand(sniffCmd)
	sniffCmd.Flags().IntVar(&sniffDuration, "duration", 30, "Test duration in seconds")
}

// formatRaw renders bytes as hex with sync bytes bracketed
func formatRaw(data []byte, msbFirst bool) string {
	var b strings.Builder
	for i, c := range data {
		if msbFirst {
			c = tinybus.ReverseBits(c)
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		if c == tinybus.SyncByte {
			fmt.Fprintf(&b, "[%02X]", c)
		} else {
			fmt.Fprintf(&b, "%02X", c)
		}
	}
	return b.String()
}

func runSniff(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tinybus - Raw Byte Sniffer\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", sniffDuration)

	readChan := make(chan []byte, 100)
	errChan := make(chan error, 1)

	go func() {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				errChan <- err
				return
			}
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				readChan <- data
			}
		}
	}()

	start := time.Now()
	endTime := start.Add(time.Duration(sniffDuration) * time.Second)
	bytesReceived := 0
	syncs := 0
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	for time.Now().Before(endTime) {
		select {
		case data := <-readChan:
			bytesReceived += len(data)
			raw := formatRaw(data, settings.Serial.MSBFirst)
			syncs += strings.Count(raw, "[")
			fmt.Printf("[%s] %3d bytes: %s\n", time.Now().Format("15:04:05.000"), len(data), raw)

		case err := <-errChan:
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			fmt.Printf("\n--- Sniff Results ---\n")
			fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("Bytes received: %d\n", bytesReceived)
			fmt.Printf("Sync bytes: %d\n", syncs)
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)

		case <-heartbeat.C:
			if bytesReceived == 0 {
				fmt.Printf("[%s] No data yet... (%.0fs remaining)\n",
					time.Now().Format("15:04:05.000"), time.Until(endTime).Seconds())
			}
		}
	}

	fmt.Printf("\n--- Sniff Results ---\n")
	fmt.Printf("Duration: %d seconds\n", sniffDuration)
	fmt.Printf("Bytes received: %d\n", bytesReceived)
	fmt.Printf("Sync bytes: %d\n", syncs)
	fmt.Printf("Result: PASSED (connection stable)\n")

	return nil
}

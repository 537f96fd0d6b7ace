// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	scanTimeout int
	scanType    uint8
	scanPassive bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nodes on the bus",
	Long: `Broadcast a request and list every node that answers.

A frame of the given type is sent to the broadcast address (0xFF). Every
valid frame seen until the timeout is attributed to its source, whatever
its destination. With --passive nothing is sent and the scan only listens.

Exit codes:
  0 - At least one node found
  1 - No node seen before timeout
  2 - Connection error`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", 3, "Seconds to collect responses")
	scanCmd.Flags().Uint8Var(&scanType, "type", 0x02, "Message type of the broadcast request")
	scanCmd.Flags().BoolVar(&scanPassive, "passive", false, "Listen only, send nothing")
}

type scanNode struct {
	address   byte
	frames    int
	types     map[byte]int
	firstSeen time.Time
}

// scanResult accumulates the nodes seen during a scan
type scanResult struct {
	self  byte
	nodes map[byte]*scanNode
}

func newScanResult(self byte) *scanResult {
	return &scanResult{self: self, nodes: make(map[byte]*scanNode)}
}

// add records a frame and reports whether its source is new
func (r *scanResult) add(f *tinybus.Frame) bool {
	if f.Source() == r.self {
		return false
	}
	n, ok := r.nodes[f.Source()]
	if !ok {
		n = &scanNode{address: f.Source(), types: make(map[byte]int), firstSeen: f.Timestamp()}
		r.nodes[f.Source()] = n
	}
	n.frames++
	n.types[f.Type()]++
	return !ok
}

// sorted returns the nodes in address order
func (r *scanResult) sorted() []*scanNode {
	out := make([]*scanNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].address < out[j].address })
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tinybus - Node Scan\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", scanTimeout)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	frames, errs := readFrames(ctx, conn, newDecoder())

	start := time.Now()
	if !scanPassive {
		fmt.Printf("Broadcasting type 0x%02X from %s...\n", scanType, tinybus.FormatAddress(settings.Node.Address))
		if _, err := writeFrame(conn, tinybus.AddressBroadcast, scanType, nil); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			os.Exit(2)
		}
	}

	result := newScanResult(settings.Node.Address)
	deadline := time.After(time.Duration(scanTimeout) * time.Second)

collect:
	for {
		select {
		case f := <-frames:
			if result.add(f) {
				fmt.Printf("  found %s after %v\n", tinybus.FormatAddress(f.Source()),
					time.Since(start).Round(time.Millisecond))
			}
		case err := <-errs:
			fmt.Printf("READ FAILED: %v\n", err)
			os.Exit(2)
		case <-deadline:
			break collect
		}
	}

	fmt.Printf("\n--- Scan summary ---\n")
	fmt.Printf("Nodes found: %d\n", len(result.nodes))
	for _, n := range result.sorted() {
		types := make([]int, 0, len(n.types))
		for t := range n.types {
			types = append(types, int(t))
		}
		sort.Ints(types)
		fmt.Printf("  %s  frames=%d types=", tinybus.FormatAddress(n.address), n.frames)
		for i, t := range types {
			if i > 0 {
				fmt.Print(",")
			}
			fmt.Printf("0x%02X", t)
		}
		fmt.Println()
	}

	if len(result.nodes) == 0 {
		fmt.Printf("No nodes seen. Check wiring, baud rate and bit order.\n")
		os.Exit(1)
	}
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// Payload keys of ping requests and replies
const (
	pingKeySequence = 0
	pingKeySentAt   = 1
)

var (
	pingTimeout int
	pingCount   int
	pingDst     uint8
	pingType    uint8
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure round trip time to a bus node",
	Long: `Send frames to a node and wait for a frame back from it.

Each request carries a CBOR map {0: sequence, 1: send time in ms}. Any frame
from the destination addressed to this tool counts as the reply, so nodes
running "tinybus echo" or any firmware that answers the request type work.

Exit codes:
  0 - All pings answered
  1 - One or more pings timed out
  2 - Connection error`,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 2, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
	pingCmd.Flags().Uint8Var(&pingDst, "dst", 0x01, "Destination node address")
	pingCmd.Flags().Uint8Var(&pingType, "type", 0x01, "Message type of the ping request")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingDst == tinybus.AddressBroadcast {
		return fmt.Errorf("cannot ping the broadcast address; use scan")
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Tinybus - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Target: %s from %s\n", tinybus.FormatAddress(pingDst), tinybus.FormatAddress(settings.Node.Address))
	fmt.Printf("Timeout: %d seconds per ping\n\n", pingTimeout)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	frames, errs := readFrames(ctx, conn, newDecoder(tinybus.WithAddressFilter(settings.Node.Address)))

	successCount := 0
	var rtts []time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		startTime := time.Now()
		payload, err := tinybus.MarshalPayload(map[int]interface{}{
			pingKeySequence: i,
			pingKeySentAt:   startTime.UnixMilli(),
		})
		if err != nil {
			return err
		}
		if _, err := writeFrame(conn, pingDst, pingType, payload); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			continue
		}

		if reply, ok := awaitReply(frames, errs, pingDst, time.Duration(pingTimeout)*time.Second); ok {
			rtt := time.Since(startTime)
			rtts = append(rtts, rtt)
			successCount++
			fmt.Printf("reply from %s type=0x%02X len=%d rtt=%v\n",
				tinybus.FormatAddress(reply.Source()), reply.Type(), reply.Length(), rtt.Round(time.Millisecond))
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d replies received, %.0f%% loss\n",
		pingCount, successCount, float64(pingCount-successCount)/float64(pingCount)*100)
	if len(rtts) > 0 {
		lo, avg, hi := summarizeRTT(rtts)
		fmt.Printf("rtt min/avg/max = %v/%v/%v\n", lo.Round(time.Millisecond), avg.Round(time.Millisecond), hi.Round(time.Millisecond))
	}

	if successCount < pingCount {
		os.Exit(1)
	}
	return nil
}

// awaitReply waits for the next frame from src, printing the reason on failure
func awaitReply(frames <-chan *tinybus.Frame, errs <-chan error, src byte, timeout time.Duration) (*tinybus.Frame, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-frames:
			if f.Source() == src {
				return f, true
			}
		case err := <-errs:
			fmt.Printf("READ FAILED: %v\n", err)
			os.Exit(2)
		case <-deadline:
			fmt.Printf("TIMEOUT (no reply in %v)\n", timeout)
			return nil, false
		}
	}
}

// summarizeRTT returns the minimum, mean and maximum of a non-empty sample
func summarizeRTT(rtts []time.Duration) (lo, avg, hi time.Duration) {
	lo, hi = rtts[0], rtts[0]
	var total time.Duration
	for _, r := range rtts {
		total += r
		if r < lo {
			lo = r
		}
		if r > hi {
			hi = r
		}
	}
	return lo, total / time.Duration(len(rtts)), hi
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var echoBroadcast bool

var echoCmd = &cobra.Command{
	Use:   "echo",
	Short: "Answer every frame addressed to this tool",
	Long: `Act as a bus node that sends each received frame back to its source.

The reply keeps the message type and payload. Broadcast frames are only
answered with --broadcast, which is how "tinybus scan" finds this node.`,
	RunE: runEcho,
}

func init() {
	rootCmd.AddCommand(echoCmd)
	echoCmd.Flags().BoolVar(&echoBroadcast, "broadcast", false, "Also answer broadcast frames")
}

func runEcho(cmd *cobra.Command, args []string) error {
	self := settings.Node.Address

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Tinybus - Echo\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Address: %s\n", tinybus.FormatAddress(self))
	fmt.Printf("Press Ctrl+C to exit\n\n")

	frames, errs := readFrames(ctx, conn, newDecoder(tinybus.WithAddressFilter(self)))
	answered := 0

	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nAnswered %d frames\n", answered)
			return nil
		case err := <-errs:
			if errors.Is(err, ErrConnectionClosed) || ctx.Err() != nil {
				fmt.Printf("\nAnswered %d frames\n", answered)
				return nil
			}
			return fmt.Errorf("read failed: %w", err)
		case f := <-frames:
			if !shouldEcho(f, self, echoBroadcast) {
				continue
			}
			if _, err := writeFrame(conn, f.Source(), f.Type(), f.Payload()); err != nil {
				logger.Warn("echo failed", zap.Error(err))
				continue
			}
			answered++
			logger.Info("echoed",
				zap.String("to", tinybus.FormatAddress(f.Source())),
				zap.Uint8("type", f.Type()),
				zap.Int("payload", len(f.Payload())))
		}
	}
}

// shouldEcho reports whether a received frame gets a reply
func shouldEcho(f *tinybus.Frame, self byte, broadcast bool) bool {
	if f.Source() == self || f.Source() == tinybus.AddressBroadcast {
		return false
	}
	if f.IsBroadcast() {
		return broadcast
	}
	return f.Destination() == self
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/internal/capture"
	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	monitorRecord  string
	monitorFilter  int
	monitorShowRaw bool
)

var monitorErrorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Display bus frames in human-readable format",
	Long: `Continuously decode and display bus frames as they arrive.

Each frame is shown with timestamp, type, addresses, checksum and payload.
Payloads that decode as a CBOR map are listed key by key.

With --record, frames and errors are also stored in a SQLite capture file
that can be inspected later with "tinybus capture".`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().StringVar(&monitorRecord, "record", "", "Record frames to a SQLite capture file")
	monitorCmd.Flags().IntVar(&monitorFilter, "filter", -1, "Only show frames addressed to this node (broadcasts included)")
	monitorCmd.Flags().BoolVar(&monitorShowRaw, "raw", false, "Print the wire bytes of each frame")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorFilter > 0xFF {
		return fmt.Errorf("invalid --filter address %d", monitorFilter)
	}

	recordPath := settings.Capture.Path
	if cmd.Flags().Changed("record") {
		recordPath = monitorRecord
	}

	var store *capture.Store
	if recordPath != "" {
		var err error
		store, err = capture.Open(recordPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	fmt.Printf("Tinybus - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	if store != nil {
		fmt.Printf("Recording: %s\n", recordPath)
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	var opts []tinybus.DecoderOption
	if monitorFilter >= 0 {
		opts = append(opts, tinybus.WithAddressFilter(byte(monitorFilter)))
	}
	decoder := newDecoder(opts...)
	buf := make([]byte, 128)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
				fmt.Println("Connection closed")
				return finishCapture(store)
			}
			logger.Warn("read error", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for i := 0; i < n; i++ {
			frame, err := decoder.DecodeByte(buf[i])
			if err != nil {
				fmt.Println(monitorErrorStyle.Render("[ERROR] " + tinybus.FormatError(err)))
				if store != nil {
					if err := store.RecordError(ctx, time.Now(), err); err != nil {
						logger.Error("capture failed", zap.Error(err))
					}
				}
				continue
			}
			if frame == nil {
				continue
			}

			fmt.Print(tinybus.FormatFrame(frame))
			if monitorShowRaw {
				fmt.Printf("  Wire:    % X\n", decoder.RawBytes())
			}
			if store != nil {
				if err := store.RecordFrame(ctx, frame); err != nil {
					logger.Error("capture failed", zap.Error(err))
				}
			}
		}
	}
}

// finishCapture trims the capture file to the configured retention
func finishCapture(store *capture.Store) error {
	if store == nil || settings.Capture.Retain <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	removed, err := store.Prune(ctx, settings.Capture.Retain)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("pruned capture", zap.Int64("removed", removed))
	}
	return nil
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/internal/capture"
	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	captureLimit int
	captureKeep  int
)

var captureCmd = &cobra.Command{
	Use:   "capture [file]",
	Short: "Inspect a capture file written by monitor --record",
	Long: `Print the newest records of a capture file, oldest first.

The file defaults to capture.path from the config file. With --keep, older
records beyond the given count are deleted first.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCapture,
}

func init() {
	rootCmd.AddCommand(captureCmd)
	captureCmd.Flags().IntVarP(&captureLimit, "limit", "n", 20, "Number of records to show")
	captureCmd.Flags().IntVar(&captureKeep, "keep", 0, "Delete all but the newest N records")
}

// formatRecord renders one capture record on a single line
func formatRecord(r capture.Record) string {
	ts := r.ReceivedAt.Format("2006-01-02 15:04:05.000")
	if !r.Valid() {
		return fmt.Sprintf("%s  ERROR %s (type=0x%02X src=%s len=%d)",
			ts, r.Error, r.Type, tinybus.FormatAddress(r.Source), r.Length)
	}
	return fmt.Sprintf("%s  type=0x%02X %s -> %s len=%d sum=0x%02X  % X",
		ts, r.Type, tinybus.FormatAddress(r.Source), tinybus.FormatAddress(r.Destination), r.Length, r.Checksum, r.Payload)
}

func runCapture(cmd *cobra.Command, args []string) error {
	path := settings.Capture.Path
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return errors.New("no capture file given and capture.path is not configured")
	}

	store, err := capture.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()

	if captureKeep > 0 {
		removed, err := store.Prune(ctx, captureKeep)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d records\n", removed)
	}

	frames, errs, err := store.Counts(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Capture: %s\n", path)
	fmt.Printf("Frames: %d   Errors: %d\n\n", frames, errs)

	records, err := store.Recent(ctx, captureLimit)
	if err != nil {
		return err
	}
	for i := len(records) - 1; i >= 0; i-- {
		fmt.Println(formatRecord(records[i]))
	}
	return nil
}

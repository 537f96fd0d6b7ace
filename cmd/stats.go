// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Track frame errors and bus statistics",
	Long: `Decode the bus and keep running statistics on what arrives.

Counted per category:
  - Valid frames and the nodes that sent them
  - Checksum mismatches, malformed lengths, oversized and truncated frames
  - Invalid escape sequences and stray bytes between frames
  - Frame and error rates

Errors before the first valid frame are attributed to joining the bus
mid-stream and only counted as skipped bytes. By default only errors are
displayed. Use --show-all to display valid frames too.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	statsCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// busEvent is what the tracker reports for one wire byte
type busEvent struct {
	frame   *tinybus.Frame
	err     error
	synced  bool
	skipped int
}

// busTracker feeds wire bytes through a decoder and keeps statistics
type busTracker struct {
	decoder      *tinybus.Decoder
	stats        *tinybus.Statistics
	synchronized bool
	skipped      int
	violations   int
}

func newBusTracker(decoder *tinybus.Decoder) *busTracker {
	return &busTracker{
		decoder: decoder,
		stats:   tinybus.NewStatistics(),
	}
}

// feed processes one byte. ok is false when nothing worth reporting happened.
func (t *busTracker) feed(b byte) (ev busEvent, ok bool) {
	wasInFrame := t.decoder.InFrame()
	frame, err := t.decoder.DecodeByte(b)

	if v := t.decoder.EscapeViolations(); v > t.violations {
		for ; t.violations < v; t.violations++ {
			t.stats.RecordEscapeViolation()
		}
	}

	switch {
	case err != nil:
		if !t.synchronized {
			t.skipped++
			return busEvent{}, false
		}
		t.stats.RecordError(err)
		return busEvent{err: err}, true

	case frame != nil:
		t.stats.RecordFrame()
		ev = busEvent{frame: frame}
		if !t.synchronized {
			t.synchronized = true
			t.stats.RecordSync()
			ev.synced = true
			ev.skipped = t.skipped
		}
		return ev, true

	case !wasInFrame && !t.decoder.InFrame():
		if t.synchronized {
			t.stats.RecordStray()
		} else {
			t.skipped++
		}
	}
	return busEvent{}, false
}

// runStatsTUI runs statistics in TUI mode
func runStatsTUI(conn Connection, connInfo string) error {
	tracker := newBusTracker(newDecoder())

	m := newStatsModel(connInfo, tracker.stats, showAll)
	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				p.Send(connErrMsg{err: err})
				return
			}
			for i := 0; i < n; i++ {
				if ev, ok := tracker.feed(buf[i]); ok {
					p.Send(busEventMsg(ev))
				}
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// runStatsText runs statistics in plain text mode
func runStatsText(conn Connection, connInfo string) error {
	fmt.Printf("Tinybus - Bus Statistics\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	tracker := newBusTracker(newDecoder())

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	readBuf := make(chan []byte, 10)
	readErr := make(chan error, 1)
	go func() {
		buf := make([]byte, 128)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				readErr <- err
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			readBuf <- data
		}
	}()

	for {
		select {
		case data := <-readBuf:
			for _, b := range data {
				ev, ok := tracker.feed(b)
				if !ok {
					continue
				}
				if ev.synced {
					if ev.skipped > 0 {
						fmt.Printf("[SYNC] Synchronized after skipping %d bytes\n\n", ev.skipped)
					} else {
						fmt.Printf("[SYNC] Synchronized\n\n")
					}
				}
				switch {
				case ev.err != nil:
					printFrameError(ev.err)
				case showAll:
					fmt.Print(tinybus.FormatFrame(ev.frame))
				}
			}

		case err := <-readErr:
			fmt.Println()
			fmt.Print(tracker.stats.String())
			if errors.Is(err, ErrConnectionClosed) {
				return nil
			}
			return fmt.Errorf("read failed: %w", err)

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(tracker.stats.String())
			fmt.Println()
		}
	}
}

// printFrameError prints a frame error in highlighted format
func printFrameError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mFRAME ERROR:\033[0m %s\n", timestamp, tinybus.FormatError(err))
	fmt.Printf("  >>> FRAME REJECTED <<<\n\n")
}

func runStats(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	logger.Debug("starting statistics", zap.Bool("tui", useTUI), zap.String("connection", connInfo))

	if useTUI {
		return runStatsTUI(conn, connInfo)
	}
	return runStatsText(conn, connInfo)
}

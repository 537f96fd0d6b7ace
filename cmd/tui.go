// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Per-node traffic seen by the TUI
type nodeActivity struct {
	frames   uint64
	lastType byte
	lastSeen time.Time
}

// TUI model
type statsModel struct {
	connInfo      string
	showAll       bool
	stats         *tinybus.Statistics
	snapshot      *tinybus.Statistics
	nodes         map[byte]*nodeActivity
	eventLog      []eventLogEntry
	maxLogEntries int
	synchronized  bool
	skippedBytes  int
	connErr       error
	spinner       spinner.Model
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type busEventMsg busEvent
type connErrMsg struct {
	err error
}

// formatDuration renders an elapsed time as 1d 2h 3m 4s, dropping leading zero units
func formatDuration(d time.Duration) string {
	total := int64(d / time.Second)
	if total <= 0 {
		return "0s"
	}

	units := []struct {
		suffix string
		size   int64
	}{
		{"d", 86400},
		{"h", 3600},
		{"m", 60},
		{"s", 1},
	}

	parts := make([]string, 0, len(units))
	for _, u := range units {
		n := total / u.size
		total %= u.size
		if n > 0 || len(parts) > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", n, u.suffix))
		}
	}
	return strings.Join(parts, " ")
}

// takeSnapshot copies the counters so View never races the reader
func takeSnapshot(stats *tinybus.Statistics) *tinybus.Statistics {
	snap := stats.Snapshot()
	return &snap
}

func newStatsModel(connInfo string, stats *tinybus.Statistics, showAll bool) statsModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	return statsModel{
		connInfo:      connInfo,
		showAll:       showAll,
		stats:         stats,
		snapshot:      takeSnapshot(stats),
		nodes:         make(map[byte]*nodeActivity),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		spinner:       sp,
		width:         80,
		height:        24,
	}
}

func (m statsModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.spinner.Tick,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.snapshot = takeSnapshot(m.stats)
		return m, tickCmd()

	case spinner.TickMsg:
		if m.synchronized {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case connErrMsg:
		m.connErr = msg.err
		m.addLogEntry(fmt.Sprintf("CONNECTION LOST: %v", msg.err), true)

	case busEventMsg:
		m.applyEvent(busEvent(msg))
		m.snapshot = takeSnapshot(m.stats)
	}

	return m, nil
}

func (m *statsModel) applyEvent(ev busEvent) {
	if ev.synced {
		m.synchronized = true
		m.skippedBytes = ev.skipped
		if ev.skipped > 0 {
			m.addLogEntry(fmt.Sprintf("Synchronized after skipping %d bytes", ev.skipped), false)
		} else {
			m.addLogEntry("Synchronized", false)
		}
	}

	if ev.err != nil {
		m.addLogEntry(tinybus.FormatError(ev.err), true)
		return
	}

	if f := ev.frame; f != nil {
		n, ok := m.nodes[f.Source()]
		if !ok {
			n = &nodeActivity{}
			m.nodes[f.Source()] = n
		}
		n.frames++
		n.lastType = f.Type()
		n.lastSeen = f.Timestamp()

		if m.showAll {
			m.addLogEntry(fmt.Sprintf("type=0x%02X %s -> %s len=%d",
				f.Type(), tinybus.FormatAddress(f.Source()), tinybus.FormatAddress(f.Destination()), f.Length()), false)
		}
	}
}

func (m *statsModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})

	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m statsModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("TINYBUS - BUS STATISTICS"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | Press 'q' to quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case m.connErr != nil:
		s.WriteString(errorStyle.Render(fmt.Sprintf("✗ Connection lost: %v", m.connErr)))
	case !m.synchronized:
		s.WriteString(m.spinner.View() + warningStyle.Render(" Waiting for first valid frame..."))
	default:
		s.WriteString(valueStyle.Render("✓ Synchronized"))
		if m.skippedBytes > 0 {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (skipped %d bytes)", m.skippedBytes)))
		}
	}
	s.WriteString("\n\n")

	st := m.snapshot
	errs := st.ChecksumErrors + st.MalformedFrames + st.OversizedFrames + st.TruncatedFrames + st.OtherErrors
	total := st.FramesReceived + errs
	var validPercent, errorPercent float64
	if total > 0 {
		validPercent = float64(st.FramesReceived) * 100.0 / float64(total)
		errorPercent = float64(errs) * 100.0 / float64(total)
	}

	var stats strings.Builder
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Total:"), valueStyle.Render(fmt.Sprintf("%d", total)),
		labelStyle.Render("Valid:"), valueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.FramesReceived, validPercent)),
		labelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errs, errorPercent)),
	))

	if errs > 0 {
		stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
			labelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", st.ChecksumErrors)),
			labelStyle.Render("Malformed:"), errorStyle.Render(fmt.Sprintf("%d", st.MalformedFrames)),
			labelStyle.Render("Oversized:"), errorStyle.Render(fmt.Sprintf("%d", st.OversizedFrames)),
			labelStyle.Render("Truncated:"), errorStyle.Render(fmt.Sprintf("%d", st.TruncatedFrames)),
		))
	}

	if st.EscapeViolations > 0 || st.StrayBytes > 0 {
		stats.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Bad escapes:"), warningStyle.Render(fmt.Sprintf("%d", st.EscapeViolations)),
			labelStyle.Render("Stray bytes:"), warningStyle.Render(fmt.Sprintf("%d", st.StrayBytes)),
		))
	}

	errRate := valueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		errRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	stats.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		labelStyle.Render("Frame Rate:"), valueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		labelStyle.Render("Error Rate:"), errRate,
		labelStyle.Render("Uptime:"), valueStyle.Render(formatDuration(time.Since(st.StartTime))),
	))

	s.WriteString(boxStyle.Render(stats.String()))
	s.WriteString("\n\n")

	if len(m.nodes) > 0 {
		s.WriteString(labelStyle.Render("Nodes:"))
		s.WriteString("\n")

		addrs := make([]int, 0, len(m.nodes))
		for a := range m.nodes {
			addrs = append(addrs, int(a))
		}
		sort.Ints(addrs)

		var nodes strings.Builder
		for i, a := range addrs {
			n := m.nodes[byte(a)]
			if i > 0 {
				nodes.WriteString("\n")
			}
			nodes.WriteString(fmt.Sprintf("%s %s   last type 0x%02X, %s ago",
				labelStyle.Render(tinybus.FormatAddress(byte(a))),
				valueStyle.Render(fmt.Sprintf("%d frames", n.frames)),
				n.lastType, formatDuration(time.Since(n.lastSeen))))
		}
		s.WriteString(boxStyle.Render(nodes.String()))
		s.WriteString("\n\n")
	}

	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 15 - len(m.nodes)
	if logHeight < 5 {
		logHeight = 5
	}

	var events strings.Builder
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		events.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				events.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				events.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(events.String()))

	return s.String()
}

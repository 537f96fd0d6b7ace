// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import "sync"

// Peripheral is the hardware capability set the Transceiver drives.
// A chip binding implements it over real registers; pkg/sim implements it
// over a simulated bus.
type Peripheral interface {
	// SetDriverEnable switches the line driver between driving the bus and
	// high impedance.
	SetDriverEnable(on bool)

	// SetEdgeInterrupt arms or disarms the data-line edge interrupt.
	SetEdgeInterrupt(on bool)

	// StartBitTimer and StopBitTimer gate the clock feeding the shift register.
	StartBitTimer()
	StopBitTimer()

	// ResyncBitTimer loads the bit timer counter so the next sample lands
	// ticks later.
	ResyncBitTimer(ticks uint8)

	// LoadShift loads value into the shift register and arms the overflow
	// interrupt after bits clock cycles. Bits are shifted MSB first.
	LoadShift(value byte, bits uint8)

	// SampleShift runs the shift register free, clocking in one line sample
	// per bit timer tick without raising overflow. Used while hunting for
	// the preamble.
	SampleShift()

	// StopShift disables the shift register.
	StopShift()

	// ShiftData returns the current shift register contents.
	ShiftData() byte

	// ClearShiftData zeroes the shift register.
	ClearShiftData()

	// LineLow reports whether the data line currently reads low.
	LineLow() bool
}

// InterruptMask masks interrupts while held. Application-facing calls hold it
// around any check-then-transition on state shared with interrupt handlers.
type InterruptMask = sync.Locker

// Event identifies a hardware interrupt source.
type Event int

const (
	EventEdge Event = iota
	EventTimer
	EventOverflow
)

// String returns the event name
func (e Event) String() string {
	switch e {
	case EventEdge:
		return "edge"
	case EventTimer:
		return "timer"
	case EventOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// InterruptHandler receives hardware events.
type InterruptHandler interface {
	Handle(ev Event)
}

// SyncSource tells where a synchronization event came from.
type SyncSource int

const (
	// SyncFromPreamble is the startup preamble lock.
	SyncFromPreamble SyncSource = iota
	// SyncFromFrame is an unescaped sync byte on the wire, marking a frame start.
	SyncFromFrame
)

// String returns the source name
func (s SyncSource) String() string {
	if s == SyncFromPreamble {
		return "preamble"
	}
	return "frame"
}

// LinkHandler is the upward boundary of the Transceiver. Methods run in
// interrupt context and must not block.
type LinkHandler interface {
	SyncAcquired(src SyncSource)
	// ByteReceived delivers one decoded byte. err is non-nil when the byte
	// followed an escape sentinel with an unknown substitute code; the raw
	// byte is still delivered.
	ByteReceived(b byte, err error)
	ByteSent()
}

// noopMask is used when no interrupt mask is configured
type noopMask struct{}

func (noopMask) Lock()   {}
func (noopMask) Unlock() {}

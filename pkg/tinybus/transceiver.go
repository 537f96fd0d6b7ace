// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"fmt"

	"go.uber.org/zap"
)

// TransceiverState is the bit-level state of the Transceiver
type TransceiverState int

// Transceiver states
const (
	StateHuntingPreamble1 TransceiverState = iota
	StateHuntingPreamble2
	StateIdle
	StateReceiving
	StateTransmittingHigh
	StateTransmittingLow
)

// String returns the state name
func (s TransceiverState) String() string {
	switch s {
	case StateHuntingPreamble1:
		return "HUNTING_PREAMBLE_1"
	case StateHuntingPreamble2:
		return "HUNTING_PREAMBLE_2"
	case StateIdle:
		return "IDLE"
	case StateReceiving:
		return "RECEIVING"
	case StateTransmittingHigh:
		return "TRANSMITTING_HIGH"
	case StateTransmittingLow:
		return "TRANSMITTING_LOW"
	default:
		return fmt.Sprintf("STATE(%d)", int(s))
	}
}

// Transceiver emulates a half-duplex UART on a shift register and a bit
// timer. All Handle* methods run in interrupt context.
//
// A byte goes out as two shift loads of five bits: start bit plus the high
// nibble, then the low nibble plus stop bit. A received byte is clocked in as
// a single nine-bit load triggered by the start-bit edge.
type Transceiver struct {
	p    Peripheral
	link LinkHandler
	log  *zap.Logger

	state     TransceiverState
	unescaper Unescaper
	err       error
	buf       byte // second half of the byte being transmitted

	// second byte of an escape sequence still to transmit
	queued    byte
	hasQueued bool
}

// NewTransceiver creates a Transceiver. It does nothing until Start.
func NewTransceiver(p Peripheral, link LinkHandler, log *zap.Logger) *Transceiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transceiver{
		p:     p,
		link:  link,
		log:   log,
		state: StateHuntingPreamble1,
	}
}

// Start arms the hardware. With requireSync the transceiver hunts for the
// preamble before accepting traffic, otherwise it starts Idle.
func (t *Transceiver) Start(requireSync bool) {
	t.unescaper.Reset()
	t.err = nil
	t.hasQueued = false

	t.p.SetDriverEnable(false)
	t.p.StopShift()

	if requireSync {
		t.state = StateHuntingPreamble1
		t.p.ClearShiftData()
		t.p.SampleShift()
		t.p.StartBitTimer()
		t.p.SetEdgeInterrupt(true)
		return
	}

	t.state = StateIdle
	t.p.StopBitTimer()
	t.p.SetEdgeInterrupt(true)
}

// State returns the current state. Outside interrupt context, read it with
// interrupts masked.
func (t *Transceiver) State() TransceiverState {
	return t.state
}

// Err returns the last escape violation seen, if any.
func (t *Transceiver) Err() error {
	return t.err
}

// ClearErr resets the error flag.
func (t *Transceiver) ClearErr() {
	t.err = nil
}

// EscapePending reports whether an escape sentinel is waiting for its code.
func (t *Transceiver) EscapePending() bool {
	return t.unescaper.Pending()
}

// Handle dispatches a hardware event
func (t *Transceiver) Handle(ev Event) {
	switch ev {
	case EventEdge:
		t.HandleEdge()
	case EventTimer:
		t.HandleTimer()
	case EventOverflow:
		t.HandleOverflow()
	}
}

// HandleEdge is the data-line edge interrupt.
func (t *Transceiver) HandleEdge() {
	switch t.state {
	case StateHuntingPreamble1, StateHuntingPreamble2:
		// keep the sample point centered on the bits we are hunting
		t.p.ResyncBitTimer(HalfBitTicks)

	case StateIdle:
		if !t.p.LineLow() {
			return
		}
		// start bit: sample half a bit later
		t.p.ResyncBitTimer(HalfBitTicks)
		t.state = StateReceiving
		t.p.SetEdgeInterrupt(false)
		t.p.LoadShift(0, ReceiveBits)
		t.p.StartBitTimer()
	}
}

// HandleTimer is the bit timer interrupt. It only matters while hunting.
func (t *Transceiver) HandleTimer() {
	switch t.state {
	case StateHuntingPreamble1:
		if t.p.ShiftData() == Preamble1 {
			t.state = StateHuntingPreamble2
			t.p.ClearShiftData()
		}

	case StateHuntingPreamble2:
		if t.p.ShiftData() == Preamble2 {
			t.state = StateIdle
			t.p.StopShift()
			t.p.StopBitTimer()
			t.p.SetEdgeInterrupt(true)
			t.log.Debug("preamble locked")
			t.link.SyncAcquired(SyncFromPreamble)
		}
	}
}

// HandleOverflow is the shift register overflow interrupt.
func (t *Transceiver) HandleOverflow() {
	switch t.state {
	case StateTransmittingHigh:
		t.p.LoadShift(t.buf, TransmitBits)
		t.state = StateTransmittingLow

	case StateTransmittingLow:
		if t.hasQueued {
			t.hasQueued = false
			t.loadWire(t.queued)
			return
		}
		t.p.StopShift()
		t.p.StopBitTimer()
		t.p.SetDriverEnable(false)
		t.state = StateIdle
		t.p.SetEdgeInterrupt(true)
		t.link.ByteSent()

	case StateReceiving:
		b := t.p.ShiftData()
		t.p.StopShift()
		t.p.StopBitTimer()
		t.state = StateIdle
		t.p.SetEdgeInterrupt(true)
		t.receive(b)
	}
}

// receive runs a clocked-in byte through sync detection and the escape codec
func (t *Transceiver) receive(b byte) {
	if b == SyncByte {
		// a raw sync always resynchronizes, even right after an escape
		t.unescaper.Reset()
		t.link.SyncAcquired(SyncFromFrame)
		return
	}

	out, ok, err := t.unescaper.Feed(b)
	if err != nil {
		t.err = err
		t.log.Debug("escape violation", zap.Uint8("code", b))
	}
	if ok {
		t.link.ByteReceived(out, err)
	}
}

// SendSync transmits a raw, unescaped sync byte.
func (t *Transceiver) SendSync() error {
	if err := t.ready(); err != nil {
		return err
	}
	t.loadWire(SyncByte)
	return nil
}

// SendByte transmits one data byte, escaping sentinels. ByteSent fires once
// the whole escape sequence is on the wire.
func (t *Transceiver) SendByte(b byte) error {
	if err := t.ready(); err != nil {
		return err
	}
	if needsEscape(b) {
		t.queued = escapeCode(b)
		t.hasQueued = true
		t.loadWire(EscapeByte)
		return nil
	}
	t.loadWire(b)
	return nil
}

func (t *Transceiver) ready() error {
	switch t.state {
	case StateIdle:
		return nil
	case StateHuntingPreamble1, StateHuntingPreamble2:
		return ErrNotSynchronized
	default:
		return ErrBusy
	}
}

// loadWire starts shifting out one wire byte
func (t *Transceiver) loadWire(w byte) {
	t.p.SetEdgeInterrupt(false)
	t.p.SetDriverEnable(true)
	t.buf = w<<4 | stopBitPadding
	t.state = StateTransmittingHigh
	t.p.LoadShift(w>>1, TransmitBits)
	t.p.StartBitTimer()
}

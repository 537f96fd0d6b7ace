// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"errors"
	"testing"
)

func newTestTransceiver(requireSync bool) (*Transceiver, *fakePeripheral, *recordingLink) {
	p := &fakePeripheral{}
	link := &recordingLink{}
	tr := NewTransceiver(p, link, nil)
	tr.Start(requireSync)
	return tr, p, link
}

// receiveByte clocks one wire byte in through an edge and an overflow
func receiveByte(tr *Transceiver, p *fakePeripheral, b byte) {
	p.lineLow = true
	tr.HandleEdge()
	p.lineLow = false
	p.shift = b
	tr.HandleOverflow()
}

// ============================================================
// Start / Preamble Tests
// ============================================================

func TestTransceiver_StartIdle(t *testing.T) {
	tr, p, _ := newTestTransceiver(false)

	if tr.State() != StateIdle {
		t.Fatalf("expected IDLE, got %v", tr.State())
	}
	if !p.edge {
		t.Error("edge interrupt should be armed when idle")
	}
	if p.driver {
		t.Error("driver must be off when idle")
	}
	if p.shifting {
		t.Error("shift register should be off until a start bit")
	}
}

func TestTransceiver_PreambleHunt(t *testing.T) {
	tr, p, link := newTestTransceiver(true)

	if tr.State() != StateHuntingPreamble1 {
		t.Fatalf("expected HUNTING_PREAMBLE_1, got %v", tr.State())
	}
	if !p.timer {
		t.Fatal("bit timer should run while hunting")
	}
	if !p.shifting || !p.sampling {
		t.Fatal("shift register should sample the line while hunting")
	}
	if len(p.loads) != 0 {
		t.Errorf("hunting must not load the shift register, got %v", p.loads)
	}

	// edges keep the sample point centered
	tr.HandleEdge()
	if len(p.resyncs) != 1 || p.resyncs[0] != HalfBitTicks {
		t.Errorf("expected resync to %d, got %v", HalfBitTicks, p.resyncs)
	}

	// noise does not advance the hunt
	p.shift = 0x3C
	tr.HandleTimer()
	if tr.State() != StateHuntingPreamble1 {
		t.Fatalf("noise advanced the hunt to %v", tr.State())
	}

	p.shift = Preamble1
	tr.HandleTimer()
	if tr.State() != StateHuntingPreamble2 {
		t.Fatalf("expected HUNTING_PREAMBLE_2, got %v", tr.State())
	}
	if p.shift != 0 {
		t.Error("shift register should be cleared after the first pattern")
	}

	p.shift = Preamble1
	tr.HandleTimer()
	if tr.State() != StateHuntingPreamble2 {
		t.Fatalf("wrong second pattern moved state to %v", tr.State())
	}

	p.shift = Preamble2
	tr.HandleTimer()
	if tr.State() != StateIdle {
		t.Fatalf("expected IDLE after preamble, got %v", tr.State())
	}
	if p.timer {
		t.Error("bit timer should stop after lock")
	}
	if p.shifting || p.sampling {
		t.Error("shift register should stop after lock")
	}
	if len(link.events) != 1 || link.events[0].kind != "sync" || link.events[0].src != SyncFromPreamble {
		t.Errorf("expected a single preamble sync event, got %+v", link.events)
	}
}

func TestTransceiver_NotSynchronized(t *testing.T) {
	tr, _, _ := newTestTransceiver(true)

	if err := tr.SendByte(0x01); !errors.Is(err, ErrNotSynchronized) {
		t.Errorf("expected ErrNotSynchronized, got %v", err)
	}
	if err := tr.SendSync(); !errors.Is(err, ErrNotSynchronized) {
		t.Errorf("expected ErrNotSynchronized, got %v", err)
	}
}

// ============================================================
// Receive Tests
// ============================================================

func TestTransceiver_ReceiveByte(t *testing.T) {
	tr, p, link := newTestTransceiver(false)

	p.lineLow = true
	tr.HandleEdge()
	if tr.State() != StateReceiving {
		t.Fatalf("expected RECEIVING, got %v", tr.State())
	}
	if p.edge {
		t.Error("edge interrupt should be disarmed while receiving")
	}
	last := p.loads[len(p.loads)-1]
	if last.bits != ReceiveBits {
		t.Errorf("expected %d-bit receive load, got %d", ReceiveBits, last.bits)
	}

	p.shift = 0x42
	tr.HandleOverflow()
	if tr.State() != StateIdle {
		t.Fatalf("expected IDLE, got %v", tr.State())
	}
	if !p.edge {
		t.Error("edge interrupt should be re-armed")
	}
	if len(link.events) != 1 || link.events[0].b != 0x42 || link.events[0].err != nil {
		t.Errorf("unexpected events %+v", link.events)
	}
}

func TestTransceiver_EdgeWithLineHigh(t *testing.T) {
	tr, _, _ := newTestTransceiver(false)
	tr.HandleEdge()
	if tr.State() != StateIdle {
		t.Errorf("rising edge should not start a receive, state %v", tr.State())
	}
}

func TestTransceiver_ReceiveEscapes(t *testing.T) {
	tests := []struct {
		name    string
		wire    []byte
		out     byte
		wantErr bool
	}{
		{"escaped sync", []byte{EscapeByte, EscapedSync}, SyncByte, false},
		{"escaped escape", []byte{EscapeByte, EscapedEscape}, EscapeByte, false},
		{"unknown code", []byte{EscapeByte, 0x07}, 0x07, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, p, link := newTestTransceiver(false)

			receiveByte(tr, p, tt.wire[0])
			if !tr.EscapePending() {
				t.Fatal("escape should be pending")
			}
			if link.count("byte") != 0 {
				t.Fatal("escape sentinel must not produce a byte")
			}

			receiveByte(tr, p, tt.wire[1])
			if link.count("byte") != 1 {
				t.Fatalf("expected one byte, got %+v", link.events)
			}
			ev := link.events[0]
			if ev.b != tt.out {
				t.Errorf("expected 0x%02X, got 0x%02X", tt.out, ev.b)
			}
			if (ev.err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", ev.err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(tr.Err(), ErrEscapeViolation) {
				t.Errorf("error flag should be set, got %v", tr.Err())
			}
		})
	}
}

func TestTransceiver_SyncResetsEscape(t *testing.T) {
	tr, p, link := newTestTransceiver(false)

	receiveByte(tr, p, EscapeByte)
	receiveByte(tr, p, SyncByte)

	if tr.EscapePending() {
		t.Error("raw sync must clear a pending escape")
	}
	if len(link.events) != 1 || link.events[0].kind != "sync" || link.events[0].src != SyncFromFrame {
		t.Errorf("expected a frame sync event, got %+v", link.events)
	}
}

func TestTransceiver_ClearErr(t *testing.T) {
	tr, p, _ := newTestTransceiver(false)
	receiveByte(tr, p, EscapeByte)
	receiveByte(tr, p, 0x33)
	if tr.Err() == nil {
		t.Fatal("expected error flag")
	}
	tr.ClearErr()
	if tr.Err() != nil {
		t.Error("ClearErr should reset the flag")
	}
}

// ============================================================
// Transmit Tests
// ============================================================

func TestTransceiver_TransmitByte(t *testing.T) {
	tr, p, link := newTestTransceiver(false)

	if err := tr.SendByte(0x3C); err != nil {
		t.Fatalf("SendByte: %v", err)
	}
	if tr.State() != StateTransmittingHigh {
		t.Fatalf("expected TRANSMITTING_HIGH, got %v", tr.State())
	}
	if !p.driver || p.edge {
		t.Error("driver should be on and edge interrupt off while sending")
	}

	tr.HandleOverflow()
	if tr.State() != StateTransmittingLow {
		t.Fatalf("expected TRANSMITTING_LOW, got %v", tr.State())
	}
	if len(p.loads) != 2 {
		t.Fatalf("expected two shift loads, got %d", len(p.loads))
	}
	if p.loads[0].value != 0x1E || p.loads[1].value != 0xCF {
		t.Errorf("halves = 0x%02X 0x%02X, want 0x1E 0xCF", p.loads[0].value, p.loads[1].value)
	}
	if got := wireByte(t, p.loads[0], p.loads[1]); got != 0x3C {
		t.Errorf("reassembled 0x%02X", got)
	}

	tr.HandleOverflow()
	if tr.State() != StateIdle {
		t.Fatalf("expected IDLE, got %v", tr.State())
	}
	if p.driver || !p.edge {
		t.Error("driver should be released and edge interrupt re-armed")
	}
	if link.count("sent") != 1 {
		t.Errorf("expected one ByteSent, got %d", link.count("sent"))
	}
}

func TestTransceiver_TransmitEscaped(t *testing.T) {
	tests := []struct {
		in   byte
		wire []byte
	}{
		{SyncByte, []byte{EscapeByte, EscapedSync}},
		{EscapeByte, []byte{EscapeByte, EscapedEscape}},
	}

	for _, tt := range tests {
		tr, p, link := newTestTransceiver(false)

		if err := tr.SendByte(tt.in); err != nil {
			t.Fatalf("SendByte: %v", err)
		}
		for i := 0; i < 4; i++ {
			if link.count("sent") != 0 {
				t.Fatalf("ByteSent fired after %d overflows", i)
			}
			tr.HandleOverflow()
		}

		if link.count("sent") != 1 {
			t.Errorf("expected exactly one ByteSent for 0x%02X, got %d", tt.in, link.count("sent"))
		}
		if len(p.loads) != 4 {
			t.Fatalf("expected four shift loads, got %d", len(p.loads))
		}
		got := []byte{wireByte(t, p.loads[0], p.loads[1]), wireByte(t, p.loads[2], p.loads[3])}
		if got[0] != tt.wire[0] || got[1] != tt.wire[1] {
			t.Errorf("wire = % X, want % X", got, tt.wire)
		}
	}
}

func TestTransceiver_SendSyncIsRaw(t *testing.T) {
	tr, p, _ := newTestTransceiver(false)
	if err := tr.SendSync(); err != nil {
		t.Fatalf("SendSync: %v", err)
	}
	tr.HandleOverflow()
	if got := wireByte(t, p.loads[0], p.loads[1]); got != SyncByte {
		t.Errorf("expected raw sync on the wire, got 0x%02X", got)
	}
}

func TestTransceiver_Busy(t *testing.T) {
	tr, p, _ := newTestTransceiver(false)

	p.lineLow = true
	tr.HandleEdge()
	if err := tr.SendByte(0x01); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while receiving, got %v", err)
	}

	tr2, _, _ := newTestTransceiver(false)
	_ = tr2.SendByte(0x01)
	if err := tr2.SendByte(0x02); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy while transmitting, got %v", err)
	}
}

func TestTransceiver_OverflowWhileIdle(t *testing.T) {
	tr, p, link := newTestTransceiver(false)
	tr.Handle(EventOverflow)
	tr.Handle(EventTimer)
	if tr.State() != StateIdle || len(link.events) != 0 || len(p.loads) != 0 {
		t.Error("stray interrupts while idle should be ignored")
	}
}

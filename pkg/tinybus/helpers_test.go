// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import "testing"

// ============================================================
// Fake Peripheral
// ============================================================

type shiftLoad struct {
	value byte
	bits  uint8
}

// fakePeripheral records what the transceiver asks of the hardware
type fakePeripheral struct {
	driver   bool
	edge     bool
	timer    bool
	shifting bool
	sampling bool
	lineLow  bool
	shift    byte

	loads   []shiftLoad
	resyncs []uint8
}

func (p *fakePeripheral) SetDriverEnable(on bool)  { p.driver = on }
func (p *fakePeripheral) SetEdgeInterrupt(on bool) { p.edge = on }
func (p *fakePeripheral) StartBitTimer()           { p.timer = true }
func (p *fakePeripheral) StopBitTimer()            { p.timer = false }
func (p *fakePeripheral) ResyncBitTimer(t uint8)   { p.resyncs = append(p.resyncs, t) }
func (p *fakePeripheral) StopShift()               { p.shifting, p.sampling = false, false }
func (p *fakePeripheral) ShiftData() byte          { return p.shift }
func (p *fakePeripheral) ClearShiftData()          { p.shift = 0 }
func (p *fakePeripheral) LineLow() bool            { return p.lineLow }

func (p *fakePeripheral) SampleShift() {
	p.shifting = true
	p.sampling = true
}

func (p *fakePeripheral) LoadShift(value byte, bits uint8) {
	p.shift = value
	p.shifting = true
	p.sampling = false
	p.loads = append(p.loads, shiftLoad{value: value, bits: bits})
}

// ============================================================
// Recording handlers
// ============================================================

type linkEvent struct {
	kind string // "sync", "byte", "sent"
	src  SyncSource
	b    byte
	err  error
}

type recordingLink struct {
	events []linkEvent
}

func (l *recordingLink) SyncAcquired(src SyncSource) {
	l.events = append(l.events, linkEvent{kind: "sync", src: src})
}

func (l *recordingLink) ByteReceived(b byte, err error) {
	l.events = append(l.events, linkEvent{kind: "byte", b: b, err: err})
}

func (l *recordingLink) ByteSent() {
	l.events = append(l.events, linkEvent{kind: "sent"})
}

func (l *recordingLink) count(kind string) int {
	n := 0
	for _, e := range l.events {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type recordingHandler struct {
	syncs  int
	frames []*Frame
	sent   int
	errs   []error
}

func (h *recordingHandler) SyncAcquired()          { h.syncs++ }
func (h *recordingHandler) FrameReceived(f *Frame) { h.frames = append(h.frames, f) }
func (h *recordingHandler) FrameSent()             { h.sent++ }
func (h *recordingHandler) FrameError(err error)   { h.errs = append(h.errs, err) }

// ============================================================
// Wire helpers
// ============================================================

// wireByte rebuilds a wire byte from its two transmit halves, checking the
// start and stop bits.
func wireByte(t *testing.T, hi, lo shiftLoad) byte {
	t.Helper()
	if hi.bits != TransmitBits || lo.bits != TransmitBits {
		t.Fatalf("transmit loads should be %d bits, got %d and %d", TransmitBits, hi.bits, lo.bits)
	}
	if hi.value&0x80 != 0 {
		t.Fatalf("missing start bit in first half 0x%02X", hi.value)
	}
	if lo.value&0x0F != 0x0F {
		t.Fatalf("missing stop bit in second half 0x%02X", lo.value)
	}
	return (hi.value<<1)&0xF0 | lo.value>>4
}

// drainTx clocks out everything the node has queued and returns the wire
// bytes in order.
func drainTx(t *testing.T, n *Node, p *fakePeripheral) []byte {
	t.Helper()
	var wire []byte
	for guard := 0; p.shifting && p.driver; guard++ {
		if guard > 1<<20 {
			t.Fatal("transmission never finished")
		}
		start := len(p.loads)
		n.HandleOverflow() // first half done
		if len(p.loads) != start+1 {
			t.Fatalf("expected second half load after first overflow")
		}
		hi, lo := p.loads[start-1], p.loads[start]
		wire = append(wire, wireByte(t, hi, lo))
		n.HandleOverflow() // second half done
	}
	return wire
}

// deliver clocks one wire byte into an idle node the way the hardware would:
// a start-bit edge, then a nine-bit shift overflow.
func deliver(n *Node, p *fakePeripheral, b byte) {
	p.lineLow = true
	n.HandleEdge()
	p.lineLow = false
	p.shift = b
	n.HandleOverflow()
}

func deliverAll(n *Node, p *fakePeripheral, wire []byte) {
	for _, b := range wire {
		deliver(n, p, b)
	}
}

// newTestNode builds an initialized node that starts idle
func newTestNode(t *testing.T, address byte) (*Node, *fakePeripheral, *recordingHandler) {
	t.Helper()
	p := &fakePeripheral{}
	h := &recordingHandler{}
	n, err := NewNode(Config{Address: address}, p, h)
	if err != nil {
		t.Fatalf("NewNode: %v", err)
	}
	n.Initialize()
	return n, p, h
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import "github.com/Thermoquad/tinybus/pkg/tinybus"

// Port is one node's view of the bus. It implements tinybus.Peripheral.
// Its fields are only touched with the bus interrupt mask held.
type Port struct {
	bus  *Bus
	node *tinybus.Node

	driver   bool
	edge     bool
	timer    bool
	shifting bool
	sampling bool
	lineLow  bool
	shift    byte
	bits     uint8

	// transmit halves already shifted out for the current wire byte
	halves  [2]byte
	nhalves int
}

// Node returns the node running on this port
func (p *Port) Node() *tinybus.Node {
	return p.node
}

// Address returns the node address
func (p *Port) Address() byte {
	return p.node.Address()
}

// Send starts a frame from this port's node
func (p *Port) Send(destination, msgType byte, payload []byte) error {
	return p.node.SendFrame(destination, msgType, payload)
}

func (p *Port) SetDriverEnable(on bool) {
	p.driver = on
	if !on {
		p.nhalves = 0
	}
}

func (p *Port) SetEdgeInterrupt(on bool) { p.edge = on }
func (p *Port) StartBitTimer()           { p.timer = true }
func (p *Port) StopBitTimer()            { p.timer = false }
func (p *Port) ResyncBitTimer(uint8)     {}
func (p *Port) StopShift()               { p.shifting, p.sampling = false, false }
func (p *Port) ShiftData() byte          { return p.shift }
func (p *Port) ClearShiftData()          { p.shift = 0 }
func (p *Port) LineLow() bool            { return p.lineLow }

// SampleShift arms the register in free-running mode. Bus.Preamble shifts
// line samples into it.
func (p *Port) SampleShift() {
	p.shift = 0
	p.bits = 0
	p.shifting = true
	p.sampling = true
}

// LoadShift starts the shift register. While driving the line, the overflow
// for this half is queued right away; receive overflows are queued when a
// byte arrives.
func (p *Port) LoadShift(value byte, bits uint8) {
	p.shift = value
	p.bits = bits
	p.shifting = true
	p.sampling = false
	if p.driver {
		p.bus.enqueue(p, tinybus.EventOverflow)
	}
}

func (p *Port) transmitting() bool {
	return p.driver && p.shifting && p.bits == tinybus.TransmitBits
}

// halfSent records a transmit half leaving the register and puts the wire
// byte on the bus once both halves are out.
func (p *Port) halfSent(b *Bus) {
	p.halves[p.nhalves] = p.shift
	p.nhalves++
	if p.nhalves < len(p.halves) {
		return
	}
	p.nhalves = 0

	hi, lo := p.halves[0], p.halves[1]
	b.transmit(p, (hi<<1)&0xF0|lo>>4)
}

// sampleBits clocks the bits of pattern into a sampling register MSB first,
// one timer tick per bit, as they would arrive from the line.
func (p *Port) sampleBits(pattern byte) {
	for i := 7; i >= 0; i-- {
		p.shift = p.shift<<1 | (pattern>>uint(i))&1
		p.node.HandleTimer()
		if !p.sampling {
			return
		}
	}
}

// receive clocks one wire byte in: the start bit edge, then a full shift.
func (p *Port) receive(b *Bus, w byte) {
	p.lineLow = true
	p.node.HandleEdge()
	p.lineLow = false

	if !p.shifting || p.bits != tinybus.ReceiveBits {
		return
	}
	p.shift = w
	b.enqueue(p, tinybus.EventOverflow)
}

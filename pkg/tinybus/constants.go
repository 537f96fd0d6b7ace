// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package tinybus implements a small interrupt-driven protocol for nodes
// sharing a half-duplex multi-drop serial bus.
//
// The package is split in two cooperating layers. The Transceiver emulates a
// UART on top of a shift-register peripheral and a bit timer, hunts for bus
// synchronization and applies the escape codec. The Node sits above it and
// parses or builds addressed, checksummed frames one byte at a time.
//
// Hardware is reached only through the Peripheral capability interface, so
// the same state machines run on a microcontroller binding, in the pkg/sim
// bus simulator, or behind the host-side Decoder.
package tinybus

// Reserved wire bytes
const (
	SyncByte      byte = 0xAA
	EscapeByte    byte = 0x55
	EscapedSync   byte = 0x00
	EscapedEscape byte = 0x01
)

// Frame layout
const (
	HeaderSize     = 6
	ChecksumSize   = 1
	MinFrameLength = HeaderSize + ChecksumSize

	DefaultMaxPayload = 256
	MaxFrameLength    = 0xFFFF
	MaxPayloadLimit   = MaxFrameLength - MinFrameLength
)

// Header field offsets
const (
	offsetSync = iota
	offsetType
	offsetLengthLow
	offsetLengthHigh
	offsetDestination
	offsetSource
)

// AddressBroadcast is accepted by every node.
const AddressBroadcast byte = 0xFF

// Preamble patterns hunted for on startup
const (
	Preamble1 byte = 0b01111111
	Preamble2 byte = 0b11000000
)

// Bit timing, in timer ticks
const (
	BitTimerTicks  = 104
	HalfBitTicks   = BitTimerTicks / 2
	ReceiveBits    = 9 // start bit + 8 data bits
	TransmitBits   = 5 // start or stop bit + one nibble
	stopBitPadding = 0x0F
)

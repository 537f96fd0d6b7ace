// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Frame is one addressed protocol message.
//
// Wire layout before escaping:
//
//	sync(1) | type(1) | length(2, LE) | destination(1) | source(1) | payload | checksum(1)
//
// length counts the whole frame including header and checksum.
type Frame struct {
	msgType     byte
	length      uint16
	destination byte
	source      byte
	payload     []byte
	checksum    byte
	timestamp   time.Time
}

// NewFrame builds a frame and computes its length and checksum.
// The payload is referenced, not copied.
func NewFrame(destination, source, msgType byte, payload []byte) (*Frame, error) {
	if len(payload) > MaxPayloadLimit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadLimit)
	}

	f := &Frame{
		msgType:     msgType,
		length:      uint16(MinFrameLength + len(payload)),
		destination: destination,
		source:      source,
		payload:     payload,
		timestamp:   time.Now(),
	}
	f.checksum = f.computeChecksum()
	return f, nil
}

// Type returns the application message type
func (f *Frame) Type() byte {
	return f.msgType
}

// Length returns the declared frame length
func (f *Frame) Length() uint16 {
	return f.length
}

// Destination returns the target node address
func (f *Frame) Destination() byte {
	return f.destination
}

// Source returns the sender's address
func (f *Frame) Source() byte {
	return f.source
}

// Payload returns the payload bytes
func (f *Frame) Payload() []byte {
	return f.payload
}

// Checksum returns the frame checksum
func (f *Frame) Checksum() byte {
	return f.checksum
}

// Timestamp returns when the frame was built or completed
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// IsBroadcast returns true if the frame is addressed to every node
func (f *Frame) IsBroadcast() bool {
	return f.destination == AddressBroadcast
}

// Header returns the six header bytes, sync included.
func (f *Frame) Header() [HeaderSize]byte {
	var h [HeaderSize]byte
	h[offsetSync] = SyncByte
	h[offsetType] = f.msgType
	binary.LittleEndian.PutUint16(h[offsetLengthLow:offsetDestination], f.length)
	h[offsetDestination] = f.destination
	h[offsetSource] = f.source
	return h
}

// wireLen is the number of unescaped bytes in the frame
func (f *Frame) wireLen() int {
	return HeaderSize + len(f.payload) + ChecksumSize
}

// byteAt returns the unescaped frame byte at position i
func (f *Frame) byteAt(i int) byte {
	switch {
	case i < HeaderSize:
		h := f.Header()
		return h[i]
	case i < HeaderSize+len(f.payload):
		return f.payload[i-HeaderSize]
	default:
		return f.checksum
	}
}

func (f *Frame) computeChecksum() byte {
	h := f.Header()
	return CalculateChecksum(h[:]) + CalculateChecksum(f.payload)
}

// Bytes returns the frame without escaping.
func (f *Frame) Bytes() []byte {
	data := make([]byte, 0, f.wireLen())
	h := f.Header()
	data = append(data, h[:]...)
	data = append(data, f.payload...)
	data = append(data, f.checksum)
	return data
}

// EncodeFrame returns the frame as it appears on the wire: a raw sync byte
// followed by every other byte escaped.
func EncodeFrame(f *Frame) []byte {
	raw := f.Bytes()
	wire := make([]byte, 0, len(raw)*2)
	wire = append(wire, SyncByte)
	for _, b := range raw[1:] {
		wire = AppendEscaped(wire, b)
	}
	return wire
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"fmt"
	"time"
)

// ReceiveState is the frame-level receive state
type ReceiveState int

// Receive states
const (
	RxIdle ReceiveState = iota
	RxAwaitingHeader
	RxAwaitingPayload
	RxAwaitingChecksum
	RxIgnoring
)

// String returns the state name
func (s ReceiveState) String() string {
	switch s {
	case RxIdle:
		return "IDLE"
	case RxAwaitingHeader:
		return "AWAITING_HEADER"
	case RxAwaitingPayload:
		return "AWAITING_PAYLOAD"
	case RxAwaitingChecksum:
		return "AWAITING_CHECKSUM"
	case RxIgnoring:
		return "IGNORING"
	default:
		return fmt.Sprintf("RX(%d)", int(s))
	}
}

// rxResult is what one receive step produced
type rxResult struct {
	frame   *Frame
	err     error
	ignored bool // a misaddressed frame was skipped to its end
	stray   bool // data byte outside any frame
}

// receiver parses de-escaped bytes into frames. It is shared by Node and the
// host-side Decoder.
type receiver struct {
	state      ReceiveState
	index      int
	address    byte
	filter     bool
	maxPayload int

	msgType      byte
	length       uint16
	destination  byte
	source       byte
	payload      []byte
	payloadLen   int
	sum          Checksum
	remaining    int
	misaddressed bool
}

func newReceiver(address byte, filter bool, maxPayload int) receiver {
	return receiver{address: address, filter: filter, maxPayload: maxPayload}
}

func (r *receiver) reset() {
	r.state = RxIdle
	r.index = 0
	r.msgType = 0
	r.length = 0
	r.destination = 0
	r.source = 0
	r.misaddressed = false
	r.payload = nil
	r.payloadLen = 0
	r.remaining = 0
	r.sum = 0
}

// inFrame reports whether a frame is being read or skipped
func (r *receiver) inFrame() bool {
	return r.state != RxIdle
}

// sync opens a new frame. The sync byte itself is implicit, so reading
// resumes at header index 1.
func (r *receiver) sync() rxResult {
	var res rxResult
	switch r.state {
	case RxAwaitingHeader, RxAwaitingPayload, RxAwaitingChecksum:
		res.err = r.frameError(ErrFrameTruncated)
	}

	r.reset()
	r.state = RxAwaitingHeader
	r.index = 1
	r.sum = Checksum(SyncByte)
	return res
}

// feed consumes one de-escaped byte
func (r *receiver) feed(b byte) rxResult {
	switch r.state {
	case RxIdle:
		return rxResult{stray: true}

	case RxAwaitingHeader:
		r.sum = r.sum.Add(b)
		switch r.index {
		case offsetType:
			r.msgType = b
		case offsetLengthLow:
			r.length = uint16(b)
		case offsetLengthHigh:
			r.length |= uint16(b) << 8
		case offsetDestination:
			r.destination = b
		case offsetSource:
			r.source = b
		}
		r.index++
		if r.index == HeaderSize {
			return r.endHeader()
		}
		return rxResult{}

	case RxAwaitingPayload:
		r.sum = r.sum.Add(b)
		r.payload = append(r.payload, b)
		r.index++
		if len(r.payload) == r.payloadLen {
			r.state = RxAwaitingChecksum
		}
		return rxResult{}

	case RxAwaitingChecksum:
		expected := byte(r.sum)
		if b != expected {
			err := r.frameError(ErrChecksumMismatch)
			err.Expected = expected
			err.Got = b
			r.reset()
			return rxResult{err: err}
		}
		f := &Frame{
			msgType:     r.msgType,
			length:      r.length,
			destination: r.destination,
			source:      r.source,
			payload:     r.payload,
			checksum:    b,
			timestamp:   time.Now(),
		}
		r.reset()
		return rxResult{frame: f}

	case RxIgnoring:
		r.remaining--
		if r.remaining <= 0 {
			ignored := r.misaddressed
			r.reset()
			return rxResult{ignored: ignored}
		}
		return rxResult{}
	}

	return rxResult{}
}

// endHeader decides what to do with the rest of the frame once the header
// is complete.
func (r *receiver) endHeader() rxResult {
	if r.length < MinFrameLength {
		err := r.frameError(ErrMalformedLength)
		r.reset()
		return rxResult{err: err}
	}

	r.payloadLen = int(r.length) - MinFrameLength

	if r.filter && r.destination != r.address && r.destination != AddressBroadcast {
		r.misaddressed = true
		r.skip()
		return rxResult{}
	}

	if r.payloadLen > r.maxPayload {
		err := r.frameError(ErrFrameTooLarge)
		r.skip()
		return rxResult{err: err}
	}

	r.payload = make([]byte, 0, r.payloadLen)
	if r.payloadLen == 0 {
		r.state = RxAwaitingChecksum
	} else {
		r.state = RxAwaitingPayload
	}
	return rxResult{}
}

// skip counts down the payload and checksum bytes of an unwanted frame
func (r *receiver) skip() {
	r.state = RxIgnoring
	r.remaining = r.payloadLen + ChecksumSize
}

func (r *receiver) frameError(reason error) *FrameError {
	return &FrameError{
		Reason:      reason,
		Type:        r.msgType,
		Source:      r.source,
		Destination: r.destination,
		Length:      r.length,
	}
}

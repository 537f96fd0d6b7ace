// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

// maxRawBuffer bounds RawBytes while no sync byte arrives
const maxRawBuffer = 4 * (DefaultMaxPayload + MinFrameLength)

// Decoder turns a raw wire byte stream into frames. It is the host-side
// counterpart of a Node's receive path, for tools that read the bus through
// an ordinary UART instead of the shift-register transceiver.
type Decoder struct {
	unescaper  Unescaper
	rx         receiver
	reverse    bool
	rawBuffer  []byte
	violations int
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithAddressFilter only accepts frames for address or broadcast.
// Without it the decoder is promiscuous.
func WithAddressFilter(address byte) DecoderOption {
	return func(d *Decoder) {
		d.rx.address = address
		d.rx.filter = true
	}
}

// WithMaxPayload bounds accepted payloads
func WithMaxPayload(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 && n <= MaxPayloadLimit {
			d.rx.maxPayload = n
		}
	}
}

// WithBitReversal mirrors every incoming byte before decoding. Use it when
// an LSB-first UART listens to MSB-first nodes.
func WithBitReversal() DecoderOption {
	return func(d *Decoder) {
		d.reverse = true
	}
}

// NewDecoder creates a new stream decoder
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		rx:        newReceiver(0, false, DefaultMaxPayload),
		rawBuffer: make([]byte, 0, 2*(DefaultMaxPayload+MinFrameLength)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Reset drops any partial frame
func (d *Decoder) Reset() {
	d.unescaper.Reset()
	d.rx.reset()
	d.rawBuffer = d.rawBuffer[:0]
}

// RawBytes returns the wire bytes accumulated since the last frame boundary,
// as received, before any bit reversal
func (d *Decoder) RawBytes() []byte {
	return d.rawBuffer
}

// EscapeViolations returns how many unknown escape codes were seen
func (d *Decoder) EscapeViolations() int {
	return d.violations
}

// InFrame reports whether a frame is partially decoded
func (d *Decoder) InFrame() bool {
	return d.rx.inFrame()
}

// DecodeByte processes a single wire byte.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error if a frame was rejected.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	wire := b
	if d.reverse {
		b = ReverseBits(b)
	}

	if b == SyncByte {
		d.unescaper.Reset()
		d.rawBuffer = append(d.rawBuffer[:0], wire)
		res := d.rx.sync()
		return nil, res.err
	}

	if len(d.rawBuffer) >= maxRawBuffer {
		d.rawBuffer = d.rawBuffer[:0]
	}
	d.rawBuffer = append(d.rawBuffer, wire)

	out, ok, err := d.unescaper.Feed(b)
	if err != nil {
		d.violations++
	}
	if !ok {
		return nil, nil
	}

	res := d.rx.feed(out)
	return res.frame, res.err
}

// Decode feeds every byte of data and collects the completed frames and
// errors in arrival order.
func (d *Decoder) Decode(data []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error
	for _, b := range data {
		f, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
		}
		if f != nil {
			frames = append(frames, f)
		}
	}
	return frames, errs
}

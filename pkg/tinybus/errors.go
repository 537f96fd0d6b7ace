// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"errors"
	"fmt"
)

var (
	ErrBusy             = errors.New("bus busy")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrMalformedLength  = errors.New("malformed frame length")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum payload")
	ErrFrameTruncated   = errors.New("frame truncated by sync")
	ErrEscapeViolation  = errors.New("invalid escape sequence")
	ErrNotSynchronized  = errors.New("not synchronized to bus")
)

// FrameError reports a rejected frame together with the header fields that
// were read before the failure.
type FrameError struct {
	Reason      error
	Type        byte
	Source      byte
	Destination byte
	Length      uint16

	// Set for checksum mismatches only
	Expected byte
	Got      byte
}

// Error implements the error interface
func (e *FrameError) Error() string {
	if errors.Is(e.Reason, ErrChecksumMismatch) {
		return fmt.Sprintf("%v: expected 0x%02X, got 0x%02X (type=0x%02X src=0x%02X dst=0x%02X len=%d)",
			e.Reason, e.Expected, e.Got, e.Type, e.Source, e.Destination, e.Length)
	}
	return fmt.Sprintf("%v (type=0x%02X src=0x%02X dst=0x%02X len=%d)",
		e.Reason, e.Type, e.Source, e.Destination, e.Length)
}

// Unwrap returns the sentinel reason
func (e *FrameError) Unwrap() error {
	return e.Reason
}

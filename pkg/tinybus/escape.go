// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import "fmt"

// Escape returns the wire bytes for a single data byte.
// Sync and escape sentinels become a two-byte escape sequence.
func Escape(b byte) []byte {
	return AppendEscaped(nil, b)
}

// AppendEscaped appends the wire bytes for b to dst.
func AppendEscaped(dst []byte, b byte) []byte {
	switch b {
	case SyncByte:
		return append(dst, EscapeByte, EscapedSync)
	case EscapeByte:
		return append(dst, EscapeByte, EscapedEscape)
	default:
		return append(dst, b)
	}
}

// EscapeBytes escapes every byte of data.
func EscapeBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		result = AppendEscaped(result, b)
	}
	return result
}

// needsEscape reports whether b must go out as a two-byte sequence
func needsEscape(b byte) bool {
	return b == SyncByte || b == EscapeByte
}

// escapeCode returns the substitute sent after the escape sentinel
func escapeCode(b byte) byte {
	if b == SyncByte {
		return EscapedSync
	}
	return EscapedEscape
}

// Unescaper decodes the receive side of the escape codec one byte at a time.
// The zero value is ready to use.
//
// Raw sync bytes are not handled here; callers treat an unescaped sync as a
// synchronization event before feeding data bytes in.
type Unescaper struct {
	pending bool
}

// Feed processes one wire byte. ok is false when b was an escape sentinel and
// no data byte is produced yet. An unknown substitute code is passed through
// unchanged with ok set and ErrEscapeViolation returned.
func (u *Unescaper) Feed(b byte) (out byte, ok bool, err error) {
	if u.pending {
		u.pending = false
		switch b {
		case EscapedSync:
			return SyncByte, true, nil
		case EscapedEscape:
			return EscapeByte, true, nil
		default:
			return b, true, fmt.Errorf("%w: 0x%02X after escape", ErrEscapeViolation, b)
		}
	}

	if b == EscapeByte {
		u.pending = true
		return 0, false, nil
	}

	return b, true, nil
}

// Pending reports whether the previous byte was an escape sentinel.
func (u *Unescaper) Pending() bool {
	return u.pending
}

// Reset drops any pending escape.
func (u *Unescaper) Reset() {
	u.pending = false
}

// UnescapeBytes reverses EscapeBytes.
func UnescapeBytes(data []byte) ([]byte, error) {
	var u Unescaper
	result := make([]byte, 0, len(data))

	for _, b := range data {
		out, ok, err := u.Feed(b)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, out)
		}
	}

	if u.Pending() {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}

	return result, nil
}

// ReverseBits mirrors the bit order of b. Nodes shift MSB first while
// ordinary host UARTs sample LSB first.
func ReverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		if b&(1<<i) != 0 {
			r |= 1 << (7 - i)
		}
	}
	return r
}

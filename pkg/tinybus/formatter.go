// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.timestamp.Format("15:04:05.000")

	result := fmt.Sprintf("[%s] type=0x%02X src=%s dst=%s len=%d sum=0x%02X\n",
		timestamp, f.msgType, FormatAddress(f.source), FormatAddress(f.destination), f.length, f.checksum)

	if len(f.payload) == 0 {
		return result + "  (no payload)\n"
	}

	if m, err := UnmarshalPayload(f.payload); err == nil && len(m) > 0 {
		result += FormatPayloadMap(m)
	}
	return result + HexDump(f.payload)
}

// FormatAddress renders a node address
func FormatAddress(addr byte) string {
	if addr == AddressBroadcast {
		return "BROADCAST"
	}
	return fmt.Sprintf("0x%02X", addr)
}

// FormatPayloadMap lists the entries of a CBOR payload map in key order
func FormatPayloadMap(m map[int]interface{}) string {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	var b strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case []byte:
			fmt.Fprintf(&b, "  %d: % X\n", k, v)
		case string:
			fmt.Fprintf(&b, "  %d: %q\n", k, v)
		default:
			fmt.Fprintf(&b, "  %d: %v\n", k, v)
		}
	}
	return b.String()
}

// FormatError describes a frame error for display
func FormatError(err error) string {
	var fe *FrameError
	if errors.As(err, &fe) {
		switch {
		case errors.Is(fe, ErrChecksumMismatch):
			return fmt.Sprintf("CHECKSUM MISMATCH from %s: expected 0x%02X, got 0x%02X",
				FormatAddress(fe.Source), fe.Expected, fe.Got)
		case errors.Is(fe, ErrMalformedLength):
			return fmt.Sprintf("MALFORMED LENGTH %d (minimum %d)", fe.Length, MinFrameLength)
		case errors.Is(fe, ErrFrameTooLarge):
			return fmt.Sprintf("FRAME TOO LARGE from %s: length %d", FormatAddress(fe.Source), fe.Length)
		case errors.Is(fe, ErrFrameTruncated):
			return "FRAME TRUNCATED by sync"
		}
	}
	return err.Error()
}

// HexDump formats bytes as rows of sixteen
func HexDump(data []byte) string {
	result := "  Payload: "
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			result += "\n           "
		}
		result += fmt.Sprintf("%02X ", b)
	}
	return result + "\n"
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

// Checksum is the running 8-bit modular sum carried over a frame's header
// and payload bytes, before escaping.
type Checksum byte

// Add folds one byte into the sum
func (c Checksum) Add(b byte) Checksum {
	return c + Checksum(b)
}

// CalculateChecksum sums data in one pass
func CalculateChecksum(data []byte) byte {
	var c Checksum
	for _, b := range data {
		c = c.Add(b)
	}
	return byte(c)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Tinybus - multi-drop serial bus tool
//
// A CLI for monitoring, testing, simulating and bridging a half-duplex
// multi-drop bus of small nodes exchanging addressed, checksummed frames.

package main

import (
	"os"

	"github.com/Thermoquad/tinybus/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

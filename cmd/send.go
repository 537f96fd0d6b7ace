// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/tinybus/pkg/tinybus"
)

var (
	sendDst      uint8
	sendType     uint8
	sendHex      string
	sendCBOR     []string
	sendCount    int
	sendInterval time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a frame on the bus",
	Long: `Build a frame and write it to the connection.

The payload is either raw bytes (--hex "aa 55 00") or a CBOR map built from
key=value pairs (--cbor 0=21 --cbor 1=on). Values that parse as integers are
encoded as integers, "true" and "false" as booleans, anything else as text.

Examples:
  tinybus send --port /dev/ttyUSB0 --dst 0x02 --type 0x10 --hex "01 02"
  tinybus send --url ws://bridge.local/bus --dst 0xFF --type 0x02`,
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint8Var(&sendDst, "dst", tinybus.AddressBroadcast, "Destination address")
	sendCmd.Flags().Uint8Var(&sendType, "type", 0x00, "Message type")
	sendCmd.Flags().StringVar(&sendHex, "hex", "", "Payload as hex bytes")
	sendCmd.Flags().StringArrayVar(&sendCBOR, "cbor", nil, "Payload map entry key=value (repeatable)")
	sendCmd.Flags().IntVar(&sendCount, "count", 1, "Number of times to send the frame")
	sendCmd.Flags().DurationVar(&sendInterval, "interval", 100*time.Millisecond, "Delay between repeated frames")
	sendCmd.MarkFlagsMutuallyExclusive("hex", "cbor")
}

// parseHexPayload accepts hex with optional spaces, colons or 0x prefixes
func parseHexPayload(s string) ([]byte, error) {
	clean := strings.NewReplacer("0x", "", "0X", "", " ", "", ":", "", ",", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}

// parseCBORPairs turns key=value arguments into a CBOR payload map
func parseCBORPairs(pairs []string) (map[int]interface{}, error) {
	m := make(map[int]interface{}, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid map entry %q: want key=value", pair)
		}
		key, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			return nil, fmt.Errorf("invalid map key %q: %w", k, err)
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("duplicate map key %d", key)
		}
		m[key] = parseCBORValue(strings.TrimSpace(v))
	}
	return m, nil
}

func parseCBORValue(v string) interface{} {
	if i, err := strconv.ParseInt(v, 0, 64); err == nil {
		return i
	}
	if v == "true" || v == "false" {
		return v == "true"
	}
	return v
}

// buildPayload resolves the payload flags
func buildPayload(hexPayload string, pairs []string) ([]byte, error) {
	switch {
	case hexPayload != "":
		return parseHexPayload(hexPayload)
	case len(pairs) > 0:
		m, err := parseCBORPairs(pairs)
		if err != nil {
			return nil, err
		}
		return tinybus.MarshalPayload(m)
	default:
		return nil, nil
	}
}

func runSend(cmd *cobra.Command, args []string) error {
	if sendCount < 1 {
		return errors.New("--count must be at least 1")
	}

	payload, err := buildPayload(sendHex, sendCBOR)
	if err != nil {
		return err
	}
	if limit := settings.Node.MaxPayload; limit > 0 && len(payload) > limit {
		return fmt.Errorf("%w: %d bytes (max %d)", tinybus.ErrPayloadTooLarge, len(payload), limit)
	}

	conn, connInfo, err := OpenConnection()
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Connection: %s\n", connInfo)
	for i := 0; i < sendCount; i++ {
		f, err := writeFrame(conn, sendDst, sendType, payload)
		if err != nil {
			return err
		}
		fmt.Print(tinybus.FormatFrame(f))
		fmt.Printf("  Wire:    % X\n", tinybus.EncodeFrame(f))

		if i < sendCount-1 {
			time.Sleep(sendInterval)
		}
	}
	return nil
}

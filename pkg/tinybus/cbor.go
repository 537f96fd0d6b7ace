// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package tinybus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Payloads are opaque to the protocol. These helpers implement the common
// application convention of an integer-keyed CBOR map.

// MarshalPayload encodes an integer-keyed map as CBOR. A nil or empty map
// encodes as an empty payload.
func MarshalPayload(m map[int]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return []byte{}, nil
	}
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a CBOR payload into an integer-keyed map.
// An empty payload decodes to a nil map.
func UnmarshalPayload(data []byte) (map[int]interface{}, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var raw interface{}
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR: %w", err)
	}

	v, ok := raw.(map[interface{}]interface{})
	if !ok {
		return nil, fmt.Errorf("expected CBOR map, got %T", raw)
	}

	payload := make(map[int]interface{}, len(v))
	for key, val := range v {
		switch k := key.(type) {
		case uint64:
			payload[int(k)] = val
		case int64:
			payload[int(k)] = val
		default:
			return nil, fmt.Errorf("expected integer map key, got %T", key)
		}
	}

	return payload, nil
}

// GetMapUint extracts an unsigned integer from a payload map
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v >= 0 {
			return uint64(v), true
		}
	}
	return 0, false
}

// GetMapInt extracts a signed integer from a payload map
func GetMapInt(m map[int]interface{}, key int) (int64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// GetMapString extracts a text string from a payload map
func GetMapString(m map[int]interface{}, key int) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

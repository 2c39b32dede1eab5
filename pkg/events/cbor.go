// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// envelope is the [msg_type, payload] array every message travels in
type envelope struct {
	_       struct{} `cbor:",toarray"`
	Type    uint8
	Payload cbor.RawMessage
}

const cborNull = 0xF6

// EncodeMessage wraps payload in an envelope. A nil payload travels as null.
func EncodeMessage(msgType uint8, payload map[int]interface{}) ([]byte, error) {
	env := envelope{Type: msgType}
	if payload != nil {
		raw, err := cbor.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = raw
	}
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// ParseMessage unwraps an envelope. Payload keys must be integers; a null
// payload yields a nil map.
func ParseMessage(data []byte) (uint8, map[int]interface{}, error) {
	if len(data) == 0 {
		return 0, nil, fmt.Errorf("empty message")
	}

	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return 0, nil, fmt.Errorf("decode message: %w", err)
	}
	if len(env.Payload) == 0 || env.Payload[0] == cborNull {
		return env.Type, nil, nil
	}

	var payload map[int]interface{}
	if err := cbor.Unmarshal(env.Payload, &payload); err != nil {
		return 0, nil, fmt.Errorf("decode payload of 0x%02X: %w", env.Type, err)
	}
	return env.Type, payload, nil
}

// GetMapUint reads a non-negative integer
func GetMapUint(m map[int]interface{}, key int) (uint64, bool) {
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

// GetMapInt reads any integer
func GetMapInt(m map[int]interface{}, key int) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

func GetMapBool(m map[int]interface{}, key int) (bool, bool) {
	v, ok := m[key].(bool)
	return v, ok
}

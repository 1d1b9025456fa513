// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pushdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNoPayload = errors.New("push message has no payload")

// Envelope is the still-encrypted push as delivered by the push transport.
type Envelope struct {
	Payload    string
	ReceivedAt time.Time
}

// EnvelopeFromData extracts the envelope from the push transport's data map.
func EnvelopeFromData(data map[string]string) (Envelope, error) {
	payload, ok := data["payload"]
	if !ok || payload == "" {
		return Envelope{}, ErrNoPayload
	}
	return Envelope{Payload: payload, ReceivedAt: time.Now()}, nil
}

type rawEnvelope struct {
	Data map[string]string `json:"data"`
}

// ParseEnvelope parses a transport message in the {"data": {"payload": ...}}
// form. A bare base64 payload (optionally JSON-quoted) is accepted too.
func ParseEnvelope(input []byte) (Envelope, error) {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" {
		return Envelope{}, ErrNoPayload
	}
	switch trimmed[0] {
	case '{':
		var raw rawEnvelope
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return Envelope{}, fmt.Errorf("failed to parse push envelope: %w", err)
		}
		return EnvelopeFromData(raw.Data)
	case '"':
		var payload string
		if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
			return Envelope{}, fmt.Errorf("failed to parse push envelope: %w", err)
		}
		return EnvelopeFromData(map[string]string{"payload": payload})
	default:
		return EnvelopeFromData(map[string]string{"payload": trimmed})
	}
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package notification

import (
	"time"
)

type ChannelID string

const (
	ChannelSilent ChannelID = "silent_notification"
	ChannelNoisy  ChannelID = "noisy_notification"
	ChannelGroup  ChannelID = "group_notification"
)

type Importance int

const (
	ImportanceLow Importance = iota + 1
	ImportanceDefault
	ImportanceHigh
)

func (i Importance) String() string {
	switch i {
	case ImportanceLow:
		return "low"
	case ImportanceDefault:
		return "default"
	case ImportanceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Channel describes how the tray should present notifications of one kind.
type Channel struct {
	ID          ChannelID
	Name        string
	Description string
	Importance  Importance
	Sound       bool
	// Vibration is an off/on pattern starting with a pause.
	Vibration []time.Duration
}

func ms(vals ...int) []time.Duration {
	out := make([]time.Duration, len(vals))
	for i, val := range vals {
		out[i] = time.Duration(val) * time.Millisecond
	}
	return out
}

// Channels returns the channel definitions a tray must register before
// posting.
func Channels() []Channel {
	return []Channel{{
		ID:          ChannelSilent,
		Name:        "Silent notifications",
		Description: "Messages that don't ask for sound",
		Importance:  ImportanceLow,
	}, {
		ID:          ChannelNoisy,
		Name:        "Noisy notifications",
		Description: "Direct messages that ask for sound",
		Importance:  ImportanceHigh,
		Sound:       true,
		Vibration:   ms(0, 500, 250, 500),
	}, {
		ID:          ChannelGroup,
		Name:        "Group notifications",
		Description: "Messages in group chats",
		Importance:  ImportanceDefault,
		Sound:       true,
		Vibration:   ms(0, 1000, 500, 1000),
	}}
}

// ChannelByID returns the definition of the channel.
func ChannelByID(channelID ChannelID) (Channel, bool) {
	for _, ch := range Channels() {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return Channel{}, false
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pushdata contains the decrypted push payload schema and its decoder.
package pushdata

import (
	"maunium.net/go/mautrix/id"
)

// PushData is the decrypted content of one push delivery.
type PushData struct {
	Dismiss  []DismissEvent
	Messages []PushMessage
	// ImageAuth is the short-lived token appended to avatar and image URLs.
	ImageAuth *string
}

// DismissEvent asks for any notification of the room to be removed,
// usually because the room was read on another device.
type DismissEvent struct {
	RoomID id.RoomID
}

type PushMessage struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  PushUser

	// Optional fields are nil when absent and point to "" when the backend
	// sent an explicit empty string.
	RoomName   *string
	RoomAvatar *string
	Image      *string

	Text      string
	Timestamp int64 // unix milliseconds

	Sound   bool
	Reply   bool
	Mention bool
}

type PushUser struct {
	ID     id.UserID
	Name   string
	Avatar *string
}

// DisplayName returns the sender name, falling back to the user ID when the
// backend didn't include one.
func (pu PushUser) DisplayName() string {
	if pu.Name != "" {
		return pu.Name
	}
	return string(pu.ID)
}

// HasAvatar returns true if the user has a non-empty avatar path.
func (pu PushUser) HasAvatar() bool {
	return nonEmpty(pu.Avatar)
}

// HasRoomAvatar returns true if the message carries a non-empty room avatar path.
func (pm *PushMessage) HasRoomAvatar() bool {
	return nonEmpty(pm.RoomAvatar)
}

// HasImage returns true if the message carries a non-empty image path.
func (pm *PushMessage) HasImage() bool {
	return nonEmpty(pm.Image)
}

// ImageAuthToken returns the image auth token or an empty string.
func (pd *PushData) ImageAuthToken() string {
	if pd.ImageAuth == nil {
		return ""
	}
	return *pd.ImageAuth
}

func nonEmpty(val *string) bool {
	return val != nil && *val != ""
}

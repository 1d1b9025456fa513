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
	"fmt"

	"maunium.net/go/mautrix/id"
)

// DecodeError is returned when the decrypted payload doesn't match the schema.
// Field is the JSON path of the missing or invalid field, or empty if the
// payload isn't valid JSON at all.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Field == "":
		return fmt.Sprintf("failed to decode push data: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("failed to decode push data: invalid field %s: %v", e.Field, e.Err)
	default:
		return fmt.Sprintf("failed to decode push data: missing required field %s", e.Field)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type rawPushData struct {
	Dismiss   []rawDismiss `json:"dismiss"`
	Messages  []rawMessage `json:"messages"`
	ImageAuth *string      `json:"image_auth"`
}

type rawDismiss struct {
	RoomID *id.RoomID `json:"room_id"`
}

type rawUser struct {
	ID     *id.UserID `json:"id"`
	Name   *string    `json:"name"`
	Avatar *string    `json:"avatar"`
}

type rawMessage struct {
	RoomID     *id.RoomID  `json:"room_id"`
	EventID    *id.EventID `json:"event_id"`
	Sender     *rawUser    `json:"sender"`
	RoomName   *string     `json:"room_name"`
	RoomAvatar *string     `json:"room_avatar"`
	Text       *string     `json:"text"`
	Image      *string     `json:"image"`
	Timestamp  *int64      `json:"timestamp"`
	Sound      bool        `json:"sound"`
	Reply      bool        `json:"reply"`
	Mention    bool        `json:"mention"`
}

// Decode parses a decrypted push payload. Unknown fields are ignored. Missing
// required fields (and empty identifiers, which can't be routed anywhere)
// fail with a *DecodeError naming the field.
func Decode(plaintext []byte) (*PushData, error) {
	var raw rawPushData
	if err := json.Unmarshal(plaintext, &raw); err != nil {
		return nil, &DecodeError{Err: err}
	}
	data := &PushData{
		Dismiss:   make([]DismissEvent, 0, len(raw.Dismiss)),
		Messages:  make([]PushMessage, 0, len(raw.Messages)),
		ImageAuth: raw.ImageAuth,
	}
	for i, dismiss := range raw.Dismiss {
		if dismiss.RoomID == nil || *dismiss.RoomID == "" {
			return nil, &DecodeError{Field: fmt.Sprintf("dismiss[%d].room_id", i)}
		}
		data.Dismiss = append(data.Dismiss, DismissEvent{RoomID: *dismiss.RoomID})
	}
	for i, msg := range raw.Messages {
		decoded, err := msg.decode(fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return nil, err
		}
		data.Messages = append(data.Messages, decoded)
	}
	return data, nil
}

func (msg *rawMessage) decode(path string) (PushMessage, error) {
	missing := func(field string) error {
		return &DecodeError{Field: path + "." + field}
	}
	switch {
	case msg.RoomID == nil || *msg.RoomID == "":
		return PushMessage{}, missing("room_id")
	case msg.EventID == nil || *msg.EventID == "":
		return PushMessage{}, missing("event_id")
	case msg.Sender == nil:
		return PushMessage{}, missing("sender")
	case msg.Sender.ID == nil || *msg.Sender.ID == "":
		return PushMessage{}, missing("sender.id")
	case msg.Text == nil:
		return PushMessage{}, missing("text")
	case msg.Timestamp == nil:
		return PushMessage{}, missing("timestamp")
	}
	sender := PushUser{
		ID:     *msg.Sender.ID,
		Avatar: msg.Sender.Avatar,
	}
	if msg.Sender.Name != nil {
		sender.Name = *msg.Sender.Name
	}
	return PushMessage{
		RoomID:     *msg.RoomID,
		EventID:    *msg.EventID,
		Sender:     sender,
		RoomName:   msg.RoomName,
		RoomAvatar: msg.RoomAvatar,
		Image:      msg.Image,
		Text:       *msg.Text,
		Timestamp:  *msg.Timestamp,
		Sound:      msg.Sound,
		Reply:      msg.Reply,
		Mention:    msg.Mention,
	}, nil
}

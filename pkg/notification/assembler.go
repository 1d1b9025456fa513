// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package notification turns conversation threads into tray notifications.
package notification

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/conversation"
)

const DefaultMaxHistory = 8

// CategoryMessage marks descriptors as chat messages for trays that sort by
// category.
const CategoryMessage = "msg"

// DefaultIcon names a bundled fallback icon.
type DefaultIcon string

const (
	IconChat  DefaultIcon = "ic_chat"
	IconGroup DefaultIcon = "ic_group_chat"
)

// Icon is either a resolved image or a bundled fallback.
type Icon struct {
	Image   *avatar.Image
	Default DefaultIcon
}

func (i Icon) IsDefault() bool {
	return i.Image == nil
}

type ActionKind string

const ActionDismiss ActionKind = "dismiss"

// Action is a button attached to a notification.
type Action struct {
	Kind    ActionKind
	Label   string
	NotifID int
	RoomID  id.RoomID
}

// Descriptor is everything the tray needs to render one notification.
type Descriptor struct {
	NotifID   int
	RoomID    id.RoomID
	Channel   ChannelID
	Title     string
	Body      string
	Timestamp time.Time
	DeepLink  string
	Icon      Icon
	IsGroup   bool
	// Messages is the tail of the conversation shown in the expanded view.
	Messages   []conversation.Message
	Self       conversation.Person
	Picture    *avatar.Image
	ShortcutID string
	Category   string
	AutoCancel bool
	Actions    []Action
}

// Shortcut is a long-lived conversation shortcut the notification links to.
type Shortcut struct {
	ID        string
	Label     string
	Icon      Icon
	LongLived bool
	URI       string
	// Person is set for direct chats only.
	Person *conversation.Person
}

type Tray interface {
	Post(ctx context.Context, notifID int, desc Descriptor) error
	Cancel(ctx context.Context, notifID int) error
}

type ShortcutRegistry interface {
	Register(ctx context.Context, shortcut Shortcut) error
}

// Params carries the images resolved for a thread outside the store.
type Params struct {
	RoomIcon *avatar.Image
	Picture  *avatar.Image
}

type Assembler struct {
	MaxHistory int
	log        zerolog.Logger
}

func NewAssembler(log zerolog.Logger) *Assembler {
	return &Assembler{
		MaxHistory: DefaultMaxHistory,
		log:        log.With().Str("component", "notification assembler").Logger(),
	}
}

// DeepLink returns the URI that opens the event in the client, e.g.
// matrix:roomid/abc:example.com/e/def.
func DeepLink(roomID id.RoomID, eventID id.EventID) string {
	return roomID.EventURI(eventID).String()
}

// RoomURI returns the URI that opens the room in the client.
func RoomURI(roomID id.RoomID) string {
	return roomID.URI().String()
}

// ChannelFor picks the channel of a thread: groups always use the group
// channel, direct chats are noisy if any message asked for sound.
func ChannelFor(thread *conversation.Thread) ChannelID {
	switch {
	case thread.IsGroup:
		return ChannelGroup
	case thread.WantsSound():
		return ChannelNoisy
	default:
		return ChannelSilent
	}
}

func defaultIcon(thread *conversation.Thread) Icon {
	if thread.IsGroup {
		return Icon{Default: IconGroup}
	}
	return Icon{Default: IconChat}
}

// icon picks the notification icon: the room avatar for groups, then the
// latest sender's avatar, then the bundled default.
func (a *Assembler) icon(thread *conversation.Thread, roomIcon *avatar.Image) Icon {
	if thread.IsGroup && roomIcon != nil {
		return Icon{Image: roomIcon}
	} else if latest, ok := thread.Latest(); ok && latest.Sender.Icon != nil {
		return Icon{Image: latest.Sender.Icon}
	}
	return defaultIcon(thread)
}

// shortcutIcon never shows a sender on a group shortcut, as the shortcut
// stands for the whole room.
func (a *Assembler) shortcutIcon(thread *conversation.Thread, roomIcon *avatar.Image) Icon {
	if thread.IsGroup {
		if roomIcon != nil {
			return Icon{Image: roomIcon}
		}
		return defaultIcon(thread)
	}
	return a.icon(thread, nil)
}

func (a *Assembler) history(thread *conversation.Thread) []conversation.Message {
	messages := thread.Messages
	if a.MaxHistory > 0 && len(messages) > a.MaxHistory {
		messages = messages[len(messages)-a.MaxHistory:]
	}
	out := make([]conversation.Message, len(messages))
	copy(out, messages)
	return out
}

// Assemble builds the descriptor for the thread's current state.
func (a *Assembler) Assemble(thread conversation.Thread, notifID int, params Params) Descriptor {
	latest, _ := thread.Latest()
	title := latest.Sender.DisplayName
	if thread.IsGroup && thread.Title != nil {
		title = *thread.Title
	}
	var deepLink string
	if latest.EventID != "" {
		deepLink = DeepLink(thread.RoomID, latest.EventID)
	} else {
		deepLink = RoomURI(thread.RoomID)
	}
	desc := Descriptor{
		NotifID:    notifID,
		RoomID:     thread.RoomID,
		Channel:    ChannelFor(&thread),
		Title:      title,
		Body:       latest.Text,
		Timestamp:  time.UnixMilli(latest.TimestampMS),
		DeepLink:   deepLink,
		Icon:       a.icon(&thread, params.RoomIcon),
		IsGroup:    thread.IsGroup,
		Messages:   a.history(&thread),
		Self:       thread.Self,
		Picture:    params.Picture,
		ShortcutID: thread.RoomID.String(),
		Category:   CategoryMessage,
		AutoCancel: true,
		Actions: []Action{{
			Kind:    ActionDismiss,
			Label:   "Dismiss",
			NotifID: notifID,
			RoomID:  thread.RoomID,
		}},
	}
	a.log.Trace().
		Stringer("room_id", thread.RoomID).
		Int("notif_id", notifID).
		Str("channel", string(desc.Channel)).
		Int("history", len(desc.Messages)).
		Msg("Assembled notification")
	return desc
}

// Shortcut builds the conversation shortcut for the thread. Direct chats are
// attached to the sender, groups use the room avatar.
func (a *Assembler) Shortcut(thread conversation.Thread, roomIcon *avatar.Image) Shortcut {
	shortcut := Shortcut{
		ID:        thread.RoomID.String(),
		Icon:      a.shortcutIcon(&thread, roomIcon),
		LongLived: true,
		URI:       RoomURI(thread.RoomID),
	}
	latest, _ := thread.Latest()
	if thread.IsGroup && thread.Title != nil {
		shortcut.Label = *thread.Title
	} else {
		shortcut.Label = latest.Sender.DisplayName
	}
	if !thread.IsGroup && latest.Sender.ID != "" {
		person := latest.Sender
		shortcut.Person = &person
	}
	return shortcut
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package notification

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// LogTray is a Tray and ShortcutRegistry that logs everything it is asked to
// show and remembers which notifications are currently visible.
type LogTray struct {
	lock    sync.Mutex
	visible map[int]Descriptor
	log     zerolog.Logger
}

var (
	_ Tray             = (*LogTray)(nil)
	_ ShortcutRegistry = (*LogTray)(nil)
)

func NewLogTray(log zerolog.Logger) *LogTray {
	return &LogTray{
		visible: make(map[int]Descriptor),
		log:     log.With().Str("component", "tray").Logger(),
	}
}

func (lt *LogTray) Post(_ context.Context, notifID int, desc Descriptor) error {
	channel, ok := ChannelByID(desc.Channel)
	if !ok {
		return fmt.Errorf("unknown notification channel %q", desc.Channel)
	}
	lt.lock.Lock()
	lt.visible[notifID] = desc
	lt.lock.Unlock()
	evt := lt.log.Info().
		Int("notif_id", notifID).
		Stringer("room_id", desc.RoomID).
		Str("channel", string(desc.Channel)).
		Stringer("importance", channel.Importance).
		Bool("sound", channel.Sound).
		Str("title", desc.Title).
		Str("body", desc.Body).
		Str("deep_link", desc.DeepLink).
		Int("history", len(desc.Messages)).
		Bool("picture", desc.Picture != nil)
	if desc.Icon.IsDefault() {
		evt = evt.Str("icon", string(desc.Icon.Default))
	} else {
		evt = evt.Str("icon", desc.Icon.Image.Path)
	}
	evt.Msg("Posted notification")
	return nil
}

func (lt *LogTray) Cancel(_ context.Context, notifID int) error {
	lt.lock.Lock()
	_, wasVisible := lt.visible[notifID]
	delete(lt.visible, notifID)
	lt.lock.Unlock()
	lt.log.Info().Int("notif_id", notifID).Bool("was_visible", wasVisible).Msg("Cancelled notification")
	return nil
}

func (lt *LogTray) Register(_ context.Context, shortcut Shortcut) error {
	lt.log.Debug().
		Str("shortcut_id", shortcut.ID).
		Str("label", shortcut.Label).
		Str("uri", shortcut.URI).
		Bool("person", shortcut.Person != nil).
		Msg("Registered conversation shortcut")
	return nil
}

// Visible returns the descriptors currently shown, keyed by notification ID.
func (lt *LogTray) Visible() map[int]Descriptor {
	lt.lock.Lock()
	defer lt.lock.Unlock()
	out := make(map[int]Descriptor, len(lt.visible))
	for k, v := range lt.visible {
		out[k] = v
	}
	return out
}

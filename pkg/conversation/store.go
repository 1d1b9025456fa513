// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package conversation keeps the accumulated notification thread of every
// room that currently has a notification in the tray.
package conversation

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/gomuks/gomuks-push/pkg/avatar"
	"github.com/gomuks/gomuks-push/pkg/pushdata"
	"github.com/gomuks/gomuks-push/pkg/pushmetrics"
)

// Person is a message sender joined with its resolved avatar.
type Person struct {
	ID          id.UserID
	DisplayName string
	URI         string
	Icon        *avatar.Image
}

// NewPerson builds a Person from a push payload user and an optional icon.
func NewPerson(user pushdata.PushUser, icon *avatar.Image) Person {
	return Person{
		ID:          user.ID,
		DisplayName: user.DisplayName(),
		URI:         UserURI(user.ID),
		Icon:        icon,
	}
}

// UserURI returns the matrix: URI of a user, e.g. matrix:u/alice:example.com.
func UserURI(userID id.UserID) string {
	if len(userID) < 2 {
		return ""
	}
	return userID.URI().String()
}

type Message struct {
	EventID     id.EventID
	Text        string
	TimestampMS int64
	Sound       bool
	Sender      Person
}

// Thread is the notification state of one room. Values returned by the Store
// are copies and may be used freely.
type Thread struct {
	RoomID  id.RoomID
	IsGroup bool
	// Title is the room name, if the backend sent one.
	Title    *string
	Self     Person
	Messages []Message
}

// Latest returns the most recent message of the thread.
func (t *Thread) Latest() (Message, bool) {
	if len(t.Messages) == 0 {
		return Message{}, false
	}
	return t.Messages[len(t.Messages)-1], true
}

// WantsSound returns true if any message in the thread asked for sound.
func (t *Thread) WantsSound() bool {
	for _, msg := range t.Messages {
		if msg.Sound {
			return true
		}
	}
	return false
}

func (t *Thread) clone() Thread {
	out := *t
	out.Messages = make([]Message, len(t.Messages))
	copy(out.Messages, t.Messages)
	if t.Title != nil {
		title := *t.Title
		out.Title = &title
	}
	return out
}

// IsGroup classifies a conversation as a group chat: direct chats are named
// after the other person, so a room name that differs from the sender name
// means there is more than one other participant.
func IsGroup(roomName *string, senderName string) bool {
	return roomName != nil && *roomName != senderName
}

// AdjustText prefixes the message body for replies and mentions. Replies take
// precedence over mentions.
func AdjustText(msg *pushdata.PushMessage) string {
	switch {
	case msg.Reply:
		return fmt.Sprintf("%s replied to you: %s", msg.Sender.DisplayName(), msg.Text)
	case msg.Mention:
		return fmt.Sprintf("%s mentioned you: %s", msg.Sender.DisplayName(), msg.Text)
	default:
		return msg.Text
	}
}

// Store owns all conversation threads. Every mutation goes through a single
// lock, so envelopes for the same room may be processed from any goroutine.
type Store struct {
	lock    sync.Mutex
	threads map[id.RoomID]*Thread
	// dismissed counts dismisses per room, so that work started before a
	// dismiss can tell it is stale.
	dismissed map[id.RoomID]uint64
	self      Person
	log       zerolog.Logger
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{
		threads:   make(map[id.RoomID]*Thread),
		dismissed: make(map[id.RoomID]uint64),
		self:      Person{DisplayName: "Self"},
		log:       log.With().Str("component", "conversation store").Logger(),
	}
}

// ApplyDismiss drops the thread of the room. It returns false if there was
// nothing to drop; dismissing twice is not an error.
func (s *Store) ApplyDismiss(roomID id.RoomID) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.dismissed[roomID]++
	_, existed := s.threads[roomID]
	if existed {
		delete(s.threads, roomID)
		pushmetrics.ActiveConversations.Set(float64(len(s.threads)))
		s.log.Debug().Stringer("room_id", roomID).Msg("Dropped conversation thread")
	}
	return existed
}

// Generation returns the number of times the room has been dismissed. Pass
// it to ApplyMessageSince to drop a message whose room was dismissed while it
// was being prepared.
func (s *Store) Generation(roomID id.RoomID) uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.dismissed[roomID]
}

// ApplyMessage appends a message to the room's thread, creating the thread if
// needed, and returns a copy of the updated thread. Messages are kept in
// arrival order.
func (s *Store) ApplyMessage(msg *pushdata.PushMessage, sender Person) Thread {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.applyMessage(msg, sender)
}

// ApplyMessageSince is ApplyMessage, unless the room was dismissed after
// Generation returned gen. In that case the message is dropped and false is
// returned.
func (s *Store) ApplyMessageSince(msg *pushdata.PushMessage, sender Person, gen uint64) (Thread, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.dismissed[msg.RoomID] != gen {
		s.log.Debug().
			Stringer("room_id", msg.RoomID).
			Stringer("event_id", msg.EventID).
			Msg("Dropping message for room dismissed in the meantime")
		return Thread{}, false
	}
	return s.applyMessage(msg, sender), true
}

func (s *Store) applyMessage(msg *pushdata.PushMessage, sender Person) Thread {
	thread, ok := s.threads[msg.RoomID]
	if !ok {
		thread = &Thread{RoomID: msg.RoomID, Self: s.self}
		s.threads[msg.RoomID] = thread
		pushmetrics.ActiveConversations.Set(float64(len(s.threads)))
	}
	thread.IsGroup = IsGroup(msg.RoomName, sender.DisplayName)
	if msg.RoomName != nil {
		name := *msg.RoomName
		thread.Title = &name
	}
	thread.Messages = append(thread.Messages, Message{
		EventID:     msg.EventID,
		Text:        AdjustText(msg),
		TimestampMS: msg.Timestamp,
		Sound:       msg.Sound,
		Sender:      sender,
	})
	s.log.Debug().
		Stringer("room_id", msg.RoomID).
		Stringer("event_id", msg.EventID).
		Bool("group", thread.IsGroup).
		Int("message_count", len(thread.Messages)).
		Msg("Appended message to conversation thread")
	return thread.clone()
}

// Snapshot returns a copy of the room's thread.
func (s *Store) Snapshot(roomID id.RoomID) (Thread, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	thread, ok := s.threads[roomID]
	if !ok {
		return Thread{}, false
	}
	return thread.clone(), true
}

// Len returns the number of rooms with a thread.
func (s *Store) Len() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.threads)
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package notifid assigns integer notification IDs to rooms.
//
// The tray identifies notifications by integer. Hashing room IDs into that
// space can map two rooms onto the same notification, so IDs are handed out
// sequentially from a bijective table instead. The table can be backed by a
// database so that IDs survive restarts while old notifications are still
// visible in the tray.
package notifid

import (
	"context"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

type Table struct {
	lock   sync.Mutex
	byRoom map[id.RoomID]int
	byID   map[int]id.RoomID
	last   int
	db     *dbutil.Database
	log    zerolog.Logger
}

// NewTable creates an in-memory table. IDs are only stable for the lifetime
// of the process.
func NewTable(log zerolog.Logger) *Table {
	return &Table{
		byRoom: make(map[id.RoomID]int),
		byID:   make(map[int]id.RoomID),
		log:    log.With().Str("component", "notification ids").Logger(),
	}
}

// OpenTable creates a table backed by the given database, creating the schema
// if necessary and loading all existing assignments.
func OpenTable(ctx context.Context, db *dbutil.Database, log zerolog.Logger) (*Table, error) {
	t := NewTable(log)
	t.db = db
	if err := t.ensureSchema(ctx); err != nil {
		return nil, err
	}
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// OpenDatabase opens a sqlite database for a persistent table.
func OpenDatabase(path string) (*dbutil.Database, error) {
	db, err := dbutil.NewWithDialect(fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open notification id database: %w", err)
	}
	return db, nil
}

func (t *Table) ensureSchema(ctx context.Context) error {
	_, err := t.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS notification_id (
		room_id  TEXT    NOT NULL PRIMARY KEY,
		notif_id INTEGER NOT NULL UNIQUE
	)`)
	if err != nil {
		return fmt.Errorf("failed to ensure notification id schema: %w", err)
	}
	return nil
}

func (t *Table) load(ctx context.Context) error {
	rows, err := t.db.Query(ctx, `SELECT room_id, notif_id FROM notification_id`)
	if err != nil {
		return fmt.Errorf("failed to query notification ids: %w", err)
	}
	defer rows.Close()
	t.lock.Lock()
	defer t.lock.Unlock()
	for rows.Next() {
		var roomID id.RoomID
		var notifID int
		if err = rows.Scan(&roomID, &notifID); err != nil {
			return fmt.Errorf("failed to scan notification id: %w", err)
		}
		t.byRoom[roomID] = notifID
		t.byID[notifID] = roomID
		t.last = max(t.last, notifID)
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate notification ids: %w", err)
	}
	t.log.Debug().Int("count", len(t.byRoom)).Msg("Loaded notification ids")
	return nil
}

// ID returns the notification ID of the room, assigning the next free one on
// first use.
func (t *Table) ID(ctx context.Context, roomID id.RoomID) (int, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if notifID, ok := t.byRoom[roomID]; ok {
		return notifID, nil
	}
	notifID := t.last + 1
	if t.db != nil {
		_, err := t.db.Exec(ctx, `INSERT INTO notification_id (room_id, notif_id) VALUES ($1, $2)`, roomID, notifID)
		if err != nil {
			return 0, fmt.Errorf("failed to save notification id for %s: %w", roomID, err)
		}
	}
	t.last = notifID
	t.byRoom[roomID] = notifID
	t.byID[notifID] = roomID
	t.log.Debug().Stringer("room_id", roomID).Int("notif_id", notifID).Msg("Assigned notification id")
	return notifID, nil
}

// Lookup returns the notification ID of the room without assigning one.
func (t *Table) Lookup(roomID id.RoomID) (int, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	notifID, ok := t.byRoom[roomID]
	return notifID, ok
}

// Room returns the room that owns the notification ID.
func (t *Table) Room(notifID int) (id.RoomID, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	roomID, ok := t.byID[notifID]
	return roomID, ok
}

// Len returns the number of assigned IDs.
func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.byRoom)
}

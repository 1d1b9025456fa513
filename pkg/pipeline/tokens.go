// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pipeline

import (
	"sync"
)

// TokenStream fans out push token refreshes to subscribers. Slow subscribers
// miss intermediate tokens but always see the latest one.
type TokenStream struct {
	lock   sync.Mutex
	subs   map[int]chan string
	nextID int
	latest string
}

func NewTokenStream() *TokenStream {
	return &TokenStream{subs: make(map[int]chan string)}
}

// Subscribe returns a channel that receives new tokens and a function that
// unsubscribes and closes the channel. A subscriber joining after a token was
// published receives that token immediately.
func (ts *TokenStream) Subscribe() (<-chan string, func()) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ch := make(chan string, 1)
	if ts.latest != "" {
		ch <- ts.latest
	}
	subID := ts.nextID
	ts.nextID++
	ts.subs[subID] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			ts.lock.Lock()
			defer ts.lock.Unlock()
			delete(ts.subs, subID)
			close(ch)
		})
	}
}

func (ts *TokenStream) Publish(token string) {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	ts.latest = token
	for _, ch := range ts.subs {
		select {
		case <-ch:
		default:
		}
		ch <- token
	}
}

// Latest returns the most recently published token.
func (ts *TokenStream) Latest() string {
	ts.lock.Lock()
	defer ts.lock.Unlock()
	return ts.latest
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pushmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Envelopes counts processed push envelopes by outcome ("ok" or the name
	// of the stage that failed).
	Envelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomuks_push_envelopes_total",
			Help: "Total push envelopes processed",
		},
		[]string{"outcome"},
	)

	EnvelopeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gomuks_push_envelope_duration_seconds",
			Help:    "Time spent processing one push envelope",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomuks_push_notifications_total",
			Help: "Notifications handed to the tray",
		},
		[]string{"action", "channel"}, // action is "post" or "cancel"
	)

	AvatarLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomuks_push_avatar_cache_lookups_total",
			Help: "Avatar cache lookups",
		},
		[]string{"result"}, // "hit" or "miss"
	)

	ImageFetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gomuks_push_image_fetch_attempts_total",
			Help: "Image fetch attempts by result",
		},
		[]string{"result"},
	)

	ShortcutFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gomuks_push_shortcut_failures_total",
			Help: "Failed conversation shortcut registrations",
		},
	)

	ActiveConversations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gomuks_push_active_conversations",
			Help: "Conversations with notification state in memory",
		},
	)
)

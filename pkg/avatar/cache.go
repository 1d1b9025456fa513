// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package avatar resolves sender and room avatars for notifications.
//
// Avatars are fetched from the gomuks media endpoint with the short-lived
// image auth token, cropped to a circle once and stored on disk under a key
// derived from the URL without its query string, so repeat notifications from
// the same sender never touch the network.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/gomuks/gomuks-push/pkg/pushmetrics"
)

const (
	DefaultMaxSize = 256
	defaultTimeout = 10 * time.Second
)

type Options struct {
	// Dir is the cache directory. It is created on first write.
	Dir string
	// MaxSize caps the side length of cached avatars. Zero uses DefaultMaxSize,
	// a negative value disables scaling.
	MaxSize int
	// Client is the HTTP client used for fetching. Defaults to a client with a
	// 10 second timeout.
	Client    *http.Client
	UserAgent string
}

// Cache is the on-disk avatar cache. It is safe for concurrent use; two
// callers resolving the same uncached URL may both fetch it, and the last
// write wins.
type Cache struct {
	dir       string
	maxSize   int
	client    *http.Client
	userAgent string
	log       zerolog.Logger
}

func NewCache(opts Options, log zerolog.Logger) *Cache {
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	} else if maxSize < 0 {
		maxSize = 0
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Cache{
		dir:       opts.Dir,
		maxSize:   maxSize,
		client:    client,
		userAgent: opts.UserAgent,
		log:       log.With().Str("component", "avatar cache").Logger(),
	}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) path(rawURL string) string {
	return filepath.Join(c.dir, CacheKey(rawURL)+".png")
}

// Resolve returns the circular avatar for the given URL, using the disk cache
// when possible. It returns nil if the avatar can't be fetched; it never
// fails. An empty authToken restricts the lookup to the cache.
func (c *Cache) Resolve(ctx context.Context, rawURL, authToken string) *Image {
	if rawURL == "" {
		return nil
	}
	canonical := CanonicalURL(rawURL)
	log := c.log.With().Str("url", canonical).Logger()
	path := c.path(canonical)

	if cached := c.loadCached(path, log); cached != nil {
		pushmetrics.AvatarLookups.WithLabelValues("hit").Inc()
		log.Debug().Msg("Avatar found in cache")
		return cached
	}
	pushmetrics.AvatarLookups.WithLabelValues("miss").Inc()
	if authToken == "" {
		log.Debug().Msg("Avatar not cached and no image auth token available")
		return nil
	}

	result := c.fetchWithRetry(ctx, AuthenticatedURL(rawURL, authToken), log)
	if result == nil {
		return nil
	}
	data, err := encodePNG(CropCircle(result.img, c.maxSize))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode circular avatar")
		return nil
	}
	img, err := newPNGImage(path, data)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read back encoded avatar")
		return nil
	}
	if err = c.store(path, data); err != nil {
		log.Warn().Err(err).Msg("Failed to save avatar to cache")
		img.Path = ""
	}
	return img
}

// FetchPicture fetches a message image with the same retry budget as avatars,
// without cropping or caching. It returns nil on failure.
func (c *Cache) FetchPicture(ctx context.Context, rawURL, authToken string) *Image {
	if rawURL == "" || authToken == "" {
		return nil
	}
	log := c.log.With().Str("url", CanonicalURL(rawURL)).Str("kind", "picture").Logger()
	result := c.fetchWithRetry(ctx, AuthenticatedURL(rawURL, authToken), log)
	if result == nil {
		return nil
	}
	bounds := result.img.Bounds()
	return &Image{
		Data:     result.data,
		MIMEType: result.mime,
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
	}
}

func (c *Cache) loadCached(path string, log zerolog.Logger) *Image {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached avatar")
		return nil
	}
	img, err := newPNGImage(path, data)
	if err != nil {
		log.Warn().Err(err).Msg("Cached avatar is corrupt, removing")
		_ = os.Remove(path)
		return nil
	}
	return img
}

// store writes the file atomically so concurrent writers of the same key and
// readers never see partial data.
func (c *Cache) store(path string, data []byte) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, ".avatar-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move avatar into place: %w", err)
	}
	return nil
}

// Clear removes every cached avatar.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to list cache directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err = os.Remove(filepath.Join(c.dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
	}
	return nil
}

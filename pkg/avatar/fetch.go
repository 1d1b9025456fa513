// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package avatar

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/gomuks/gomuks-push/pkg/pushmetrics"
)

// MaxAttempts is the total number of fetch attempts per image, including the
// first one. Retries happen immediately without backoff.
const MaxAttempts = 3

const maxBodySize = 16 * 1024 * 1024

type FetchErrorKind string

const (
	KindNetwork  FetchErrorKind = "network"
	KindNotFound FetchErrorKind = "not_found"
	KindDecode   FetchErrorKind = "decode"
)

// FetchError describes one failed fetch attempt. It is logged and counted,
// but never returned past the cache: a missing image is not an error.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("image fetch failed (%s, HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("image fetch failed (%s): %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type fetchResult struct {
	img  image.Image
	data []byte
	mime string
}

func (c *Cache) fetchOnce(ctx context.Context, fetchURL string) (*fetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	req.Header.Set("Sec-Fetch-Site", "cross-site")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Dest", "image")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		kind := KindNetwork
		if resp.StatusCode == http.StatusNotFound {
			kind = KindNotFound
		}
		return nil, &FetchError{Kind: kind, StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: err}
	} else if len(data) > maxBodySize {
		return nil, &FetchError{Kind: KindDecode, StatusCode: resp.StatusCode, Err: fmt.Errorf("body larger than %d bytes", maxBodySize)}
	}
	img, mime, err := decodeImageData(data)
	if err != nil {
		return nil, &FetchError{Kind: KindDecode, StatusCode: resp.StatusCode, Err: err}
	}
	return &fetchResult{img: img, data: data, mime: mime}, nil
}

// fetchWithRetry tries the URL up to MaxAttempts times. It returns nil after
// the last failed attempt or when the context is done.
func (c *Cache) fetchWithRetry(ctx context.Context, fetchURL string, log zerolog.Logger) *fetchResult {
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			log.Debug().Err(ctx.Err()).Int("attempt", attempt).Msg("Context done, giving up on image fetch")
			return nil
		}
		result, err := c.fetchOnce(ctx, fetchURL)
		if err == nil {
			pushmetrics.ImageFetchAttempts.WithLabelValues("ok").Inc()
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Image fetched after retry")
			}
			return result
		}
		var fetchErr *FetchError
		kind := string(KindNetwork)
		if errors.As(err, &fetchErr) {
			kind = string(fetchErr.Kind)
		}
		pushmetrics.ImageFetchAttempts.WithLabelValues(kind).Inc()
		log.Debug().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", MaxAttempts).
			Msg("Image fetch attempt failed")
	}
	log.Warn().Int("attempts", MaxAttempts).Msg("Failed to fetch image, giving up")
	return nil
}

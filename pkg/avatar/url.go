// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package avatar

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// BuildURL joins the gomuks server URL and a media path from a push payload.
// It returns an empty string if either part is missing.
func BuildURL(serverURL, path string) string {
	serverURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if serverURL == "" || path == "" {
		return ""
	}
	return serverURL + "/" + path
}

// CanonicalURL strips the query string and fragment, leaving only the part of
// the URL that identifies the image. Auth tokens rotate, so they must never
// become part of the cache key.
func CanonicalURL(rawURL string) string {
	if idx := strings.IndexAny(rawURL, "?#"); idx >= 0 {
		return rawURL[:idx]
	}
	return rawURL
}

// AuthenticatedURL appends the image auth parameters used by the gomuks
// media endpoint. Existing query parameters are kept.
func AuthenticatedURL(rawURL, authToken string) string {
	base := CanonicalURL(rawURL)
	query := url.Values{}
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		rawQuery := rawURL[idx+1:]
		if fragIdx := strings.IndexByte(rawQuery, '#'); fragIdx >= 0 {
			rawQuery = rawQuery[:fragIdx]
		}
		if parsed, err := url.ParseQuery(rawQuery); err == nil {
			query = parsed
		}
	}
	query.Set("encrypted", "false")
	if authToken != "" {
		query.Set("image_auth", authToken)
	}
	return base + "?" + query.Encode()
}

// CacheKey hashes the canonical URL into a file name.
func CacheKey(rawURL string) string {
	hash := sha256.Sum256([]byte(CanonicalURL(rawURL)))
	return hex.EncodeToString(hash[:])
}

// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package pushcrypto decrypts the push payloads that the gomuks backend sends
// through the push transport.
//
// Payloads are AES-256-GCM encrypted with a random 12-byte nonce and encoded as
// base64(nonce || ciphertext || tag), the same framing the backend uses when
// encrypting.
package pushcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// Box holds an initialized AEAD for one push encryption key.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box for the given key. An empty key returns a
// DecryptionError with ReasonMissingKey so callers can treat it the same way
// as a decryption attempt without a key.
func NewBox(key []byte) (*Box, error) {
	if len(key) == 0 {
		return nil, &DecryptionError{Reason: ReasonMissingKey}
	} else if len(key) != KeySize {
		return nil, fmt.Errorf("push encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Decrypt decodes and opens a base64 push payload.
func (b *Box) Decrypt(payload string) ([]byte, error) {
	if b == nil || b.aead == nil {
		return nil, &DecryptionError{Reason: ReasonMissingKey}
	}
	raw, err := decodeBase64(payload)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonMalformed, Err: err}
	}
	if len(raw) < nonceSize+tagSize {
		return nil, &DecryptionError{
			Reason: ReasonMalformed,
			Err:    fmt.Errorf("payload too short (%d bytes)", len(raw)),
		}
	}
	plaintext, err := b.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, &DecryptionError{Reason: ReasonAuthenticationFailed}
	}
	return plaintext, nil
}

// Encrypt seals plaintext the same way the backend does. It is used by tests
// and the command-line tooling to produce envelopes.
func (b *Box) Encrypt(plaintext []byte) (string, error) {
	if b == nil || b.aead == nil {
		return "", &DecryptionError{Reason: ReasonMissingKey}
	}
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// Decrypt is a shortcut for NewBox(key) followed by Box.Decrypt.
func Decrypt(key []byte, payload string) ([]byte, error) {
	box, err := NewBox(key)
	if err != nil {
		var decErr *DecryptionError
		if errors.As(err, &decErr) {
			return nil, err
		}
		return nil, &DecryptionError{Reason: ReasonMalformed, Err: err}
	}
	return box.Decrypt(payload)
}

// GenerateKey returns a new random push encryption key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// EncodeKey encodes a key the way it's stored in the config file.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ParseKey decodes a stored key. An empty string is not an error and returns
// a nil key, which makes decryption fail with ReasonMissingKey later.
func ParseKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, nil
	}
	key, err := decodeBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode push encryption key: %w", err)
	} else if len(key) != KeySize {
		return nil, fmt.Errorf("push encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	var firstErr error
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(data)
		if err == nil {
			return decoded, nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

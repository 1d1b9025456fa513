// gomuks-push - Encrypted push notification handling for gomuks.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package pushcrypto

import (
	"errors"
	"fmt"
)

var (
	ErrMissingKey           = errors.New("no push encryption key provisioned")
	ErrAuthenticationFailed = errors.New("push payload authentication failed")
	ErrMalformed            = errors.New("malformed push payload")
)

// Reason classifies why a push payload could not be decrypted.
type Reason int

const (
	// ReasonMissingKey means the device has not been given a push key yet.
	// This is expected during initial setup and is not a fatal condition.
	ReasonMissingKey Reason = iota + 1
	// ReasonAuthenticationFailed means the AEAD tag did not verify: the payload
	// was tampered with or encrypted with a different key.
	ReasonAuthenticationFailed
	// ReasonMalformed means the payload could not be parsed into nonce and
	// ciphertext at all (bad base64, too short).
	ReasonMalformed
)

func (r Reason) String() string {
	switch r {
	case ReasonMissingKey:
		return "missing key"
	case ReasonAuthenticationFailed:
		return "authentication failed"
	case ReasonMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

func (r Reason) sentinel() error {
	switch r {
	case ReasonMissingKey:
		return ErrMissingKey
	case ReasonAuthenticationFailed:
		return ErrAuthenticationFailed
	default:
		return ErrMalformed
	}
}

// DecryptionError is returned by every failed decryption. It never carries any
// part of the plaintext.
type DecryptionError struct {
	Reason Reason
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to decrypt push payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("failed to decrypt push payload: %s", e.Reason)
}

func (e *DecryptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason.sentinel(), e.Err}
	}
	return []error{e.Reason.sentinel()}
}

// IsMissingKey returns true if err is a decryption failure caused by the key
// not being provisioned yet.
func IsMissingKey(err error) bool {
	var decErr *DecryptionError
	return errors.As(err, &decErr) && decErr.Reason == ReasonMissingKey
}

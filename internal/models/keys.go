// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package models

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"strings"
)

// authSecretLen is the length of the browser-issued auth secret (RFC 8291).
const authSecretLen = 16

// DecodeSubscriptionKey decodes a subscription key the way the push
// encryption does: padded to a multiple of four, standard then URL-safe
// base64.
func DecodeSubscriptionKey(key string) ([]byte, error) {
	if rem := len(key) % 4; rem != 0 {
		key += strings.Repeat("=", 4-rem)
	}
	b, err := base64.StdEncoding.DecodeString(key)
	if err == nil {
		return b, nil
	}
	return base64.URLEncoding.DecodeString(key)
}

// ValidP256dhKey reports whether key is an uncompressed P-256 point.
func ValidP256dhKey(key string) bool {
	b, err := DecodeSubscriptionKey(key)
	if err != nil || len(b) != 65 {
		return false
	}
	_, err = ecdh.P256().NewPublicKey(b)
	return err == nil
}

// ValidAuthSecret reports whether secret decodes to 16 bytes.
func ValidAuthSecret(secret string) bool {
	b, err := DecodeSubscriptionKey(secret)
	return err == nil && len(b) == authSecretLen
}

// ValidateSubscriptionKeys checks the encryption keys of a subscription.
func ValidateSubscriptionKeys(p256dh, auth string) error {
	if !ValidP256dhKey(p256dh) {
		return fmt.Errorf("%w: p256dh is not an uncompressed P-256 public key", ErrInvalidSubscription)
	}
	if !ValidAuthSecret(auth) {
		return fmt.Errorf("%w: auth secret must decode to %d bytes", ErrInvalidSubscription, authSecretLen)
	}
	return nil
}

// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/validation"
)

// maxBodyBytes bounds request bodies; the largest is a change event.
const maxBodyBytes = 256 << 10

// errEmptyBody is returned by decodeJSON for a missing body.
var errEmptyBody = errors.New("request body is required")

// sanitizeLogValue removes control characters from strings to prevent log injection attacks.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// decodeJSON reads a bounded JSON body into dst, rejecting trailing data.
// Unknown fields are ignored: browsers add expirationTime to subscriptions.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body exceeds %d bytes", maxErr.Limit)
		}
		return fmt.Errorf("malformed JSON body: %w", err)
	}
	if dec.More() {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

// bindJSON decodes and validates a request body, writing the 400 itself.
// It reports whether the handler should continue. An empty body is
// accepted when optional is set.
func bindJSON(rw *ResponseWriter, w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		if !(optional && errors.Is(err, errEmptyBody)) {
			rw.ValidationError(err.Error(), nil)
			return false
		}
	}
	return bindValidated(rw, dst)
}

// bindValidated runs struct validation on an already decoded value.
func bindValidated(rw *ResponseWriter, v interface{}) bool {
	if verr := validation.ValidateStruct(v); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ErrorWithDetails(http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
		return false
	}
	return true
}

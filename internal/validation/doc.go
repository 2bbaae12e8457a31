// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package validation validates request bodies with go-playground/validator v10.
//
// A single validator instance caches struct metadata. Error field names come
// from json tags so messages match what the client sent, and two custom tags
// cover the notification API:
//
//   - push_endpoint: an absolute http(s) URL with a host
//   - recipient: a user id or group address (kitchen@<tenant>), no whitespace
//
// Example:
//
//	var req models.SubscribeRequest
//	if verr := validation.ValidateStruct(&req); verr != nil {
//	    apiErr := verr.ToAPIError()
//	    rw.ErrorWithDetails(http.StatusBadRequest, apiErr.Code, apiErr.Message, apiErr.Details)
//	    return
//	}
package validation

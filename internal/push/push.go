// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

// Package push sends notification intents to web push gateways.
//
// Every send is encrypted and VAPID-signed by webpush-go, throttled by a
// token bucket, bounded by a per-send timeout and guarded by a circuit
// breaker. The gateway's answer is reduced to an Outcome the dispatcher maps
// onto outbox transitions:
//
//	2xx            Success
//	404, 410       Gone       (subscription is dead, deactivate it)
//	400, 413       Rejected   (payload refused, retrying cannot help)
//	429, 5xx, I/O  Transient  (retry later)
//
// Only transient failures count against the breaker; a gateway answering
// 410 is healthy.
package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Outcome classifies one gateway call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomeGone
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient"
	case OutcomeGone:
		return "gone"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Permanent reports whether retrying the same subscription is pointless.
func (o Outcome) Permanent() bool {
	return o == OutcomeGone || o == OutcomeRejected
}

// Result is the classified outcome of one send. StatusCode is zero when no
// response was received.
type Result struct {
	Outcome    Outcome
	StatusCode int
	Err        error
}

// ErrBreakerOpen is reported when the circuit breaker short-circuits a send.
var ErrBreakerOpen = errors.New("push gateway circuit breaker open")

// StatusError is a non-2xx gateway response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("push gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("push gateway returned %d: %s", e.StatusCode, e.Body)
}

// Classify maps a gateway status code to an Outcome.
func Classify(status int) Outcome {
	switch {
	case status >= 200 && status < 300:
		return OutcomeSuccess
	case status == http.StatusNotFound || status == http.StatusGone:
		return OutcomeGone
	case status == http.StatusBadRequest || status == http.StatusRequestEntityTooLarge:
		return OutcomeRejected
	default:
		// 429, 5xx and anything unexpected are worth another attempt.
		return OutcomeTransient
	}
}

// transient builds a Result for a send that never got a usable answer.
func transient(err error) Result {
	return Result{Outcome: OutcomeTransient, Err: err}
}

// Sender delivers one intent to one subscription. Implementations must be
// safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, sub Subscription, msg Message) Result
}

// Subscription is the addressing and key material for one device.
type Subscription struct {
	Endpoint string
	P256dh   string
	Auth     string
}

// Message is the notification content. Urgent maps to the Urgency: high
// header.
type Message struct {
	ID     string                 `json:"id"`
	Title  string                 `json:"title"`
	Body   string                 `json:"body"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Tag    string                 `json:"tag,omitempty"`
	Urgent bool                   `json:"-"`
}

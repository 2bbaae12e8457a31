// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newBackOff yields min(base*2^n, max), each value spread by ±jitter.
func newBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Base
	b.MaxInterval = cfg.Max
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.Reset()
	return b
}

// timer is the subset of *time.Timer the loop uses.
type timer interface {
	Stop() bool
}

type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) timer { return time.AfterFunc(d, f) }

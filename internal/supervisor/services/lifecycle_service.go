// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package services

import (
	"context"
	"fmt"
)

// StartStopper is a component that runs its own goroutines between Start
// and Stop. *dispatcher.Dispatcher satisfies it.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop() error
}

// LifecycleService adapts a StartStopper to suture's Serve:
//  1. Start(ctx) spawns the component's loop and returns
//  2. Serve blocks until ctx is cancelled
//  3. Stop waits for the in-flight work to finish
//
// A Start error is returned so suture retries with backoff.
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService wraps component under name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// Serve implements suture.Service.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	if err := s.component.Stop(); err != nil {
		return fmt.Errorf("%s stop failed: %w", s.name, err)
	}
	return ctx.Err()
}

// String names the service in supervisor logs.
func (s *LifecycleService) String() string {
	return s.name
}

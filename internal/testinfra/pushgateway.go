// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package testinfra

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// PushCapture is one request received by the fake gateway.
type PushCapture struct {
	Path    string
	Headers http.Header
	Body    []byte
}

// PushGateway is a fake web push service. Unscripted paths answer 201.
type PushGateway struct {
	Server *httptest.Server

	mu       sync.Mutex
	captures []PushCapture
	statuses map[string][]int
	delay    time.Duration
}

// NewPushGateway starts a fake gateway that is closed with the test.
func NewPushGateway(t *testing.T) *PushGateway {
	t.Helper()

	gw := &PushGateway{statuses: make(map[string][]int)}
	gw.Server = httptest.NewServer(http.HandlerFunc(gw.serve))
	t.Cleanup(gw.Server.Close)
	return gw
}

func (g *PushGateway) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	g.mu.Lock()
	g.captures = append(g.captures, PushCapture{Path: r.URL.Path, Headers: r.Header.Clone(), Body: body})
	status := http.StatusCreated
	if queue := g.statuses[r.URL.Path]; len(queue) > 0 {
		status = queue[0]
		// The last scripted status sticks.
		if len(queue) > 1 {
			g.statuses[r.URL.Path] = queue[1:]
		}
	}
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(status)
}

// Endpoint returns the subscription endpoint URL for path.
func (g *PushGateway) Endpoint(path string) string {
	return g.Server.URL + path
}

// SetStatus scripts the responses for path, in order.
func (g *PushGateway) SetStatus(path string, statuses ...int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[path] = statuses
}

// SetDelay makes every response wait d before answering.
func (g *PushGateway) SetDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.delay = d
}

// Captures returns a copy of every request received so far.
func (g *PushGateway) Captures() []PushCapture {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PushCapture, len(g.captures))
	copy(out, g.captures)
	return out
}

// Count returns how many requests reached path.
func (g *PushGateway) Count(path string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.captures {
		if c.Path == path {
			n++
		}
	}
	return n
}

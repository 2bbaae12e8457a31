// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/mise/internal/models"
	ws "github.com/tomtom215/mise/internal/websocket"
)

const (
	defaultPingInterval = 25 * time.Second
	defaultPongWait     = 60 * time.Second
	wsWriteWait         = 10 * time.Second
	wsHandshakeWait     = 10 * time.Second
	wsMaxMessageSize    = 512 * 1024
)

// WebSocketTransport streams change events from the server change feed.
type WebSocketTransport struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer

	// PingInterval is how often the client pings; PongWait is how long the
	// connection may stay silent before it is treated as dead.
	PingInterval time.Duration
	PongWait     time.Duration
}

// NewWebSocketTransport connects to url, authenticating with a bearer token.
func NewWebSocketTransport(url, token string) *WebSocketTransport {
	return &WebSocketTransport{
		URL:          url,
		Token:        token,
		Dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		PingInterval: defaultPingInterval,
		PongWait:     defaultPongWait,
	}
}

// Open dials the feed and sends filters as the subscription.
func (t *WebSocketTransport) Open(ctx context.Context, channel string, filters []models.TopicFilter) (Stream, error) {
	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, t.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial change feed: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial change feed: %w", err)
	}

	pongWait := t.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	pingInterval := t.PingInterval
	if pingInterval <= 0 || pingInterval >= pongWait {
		pingInterval = pongWait * 9 / 10
	}

	if err := subscribe(conn, channel, filters); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &wsStream{
		conn:   conn,
		events: make(chan *models.ChangeEvent, 64),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readLoop(pongWait)
	go s.pingLoop(pingInterval)
	return s, nil
}

// subscribe sends the filters and waits for the server to accept them, so
// a connected stream never misses changes committed after Open returns.
func subscribe(conn *websocket.Conn, channel string, filters []models.TopicFilter) error {
	data, err := ws.MarshalMessage(ws.Message{
		Type: ws.MessageTypeSubscribe,
		Data: ws.SubscribeRequest{Channel: channel, Filters: filters},
	})
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send subscription: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeWait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await subscription: %w", err)
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case ws.MessageTypeSubscribed:
			return nil
		case ws.MessageTypeError:
			var e ws.ErrorData
			_ = json.Unmarshal(msg.Data, &e)
			return fmt.Errorf("subscription rejected: %s", e.Message)
		}
	}
}

type wsStream struct {
	conn   *websocket.Conn
	events chan *models.ChangeEvent
	done   chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

var errClosedByClient = errors.New("closed by client")

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *wsStream) readLoop(pongWait time.Duration) {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != ws.MessageTypeChange {
			continue
		}
		var ev models.ChangeEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			continue
		}
		select {
		case s.events <- &ev:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// fail records the first error and tears the connection down.
func (s *wsStream) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *wsStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *wsStream) Events() <-chan *models.ChangeEvent { return s.events }

func (s *wsStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsStream) Close() error {
	s.fail(errClosedByClient)
	return nil
}

// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	maxFilters     = 32
)

// clientIDCounter orders clients for broadcast.
var clientIDCounter atomic.Uint64

// Client is a middleman between the websocket connection and the hub
type Client struct {
	id     uint64
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	tenant string

	mu         sync.RWMutex
	subscribed bool
	filters    []models.TopicFilter
}

// NewClient creates a client that only ever receives changes of tenant.
func NewClient(hub *Hub, conn *websocket.Conn, tenant string) *Client {
	return &Client{
		id:     clientIDCounter.Add(1),
		hub:    hub,
		conn:   conn,
		send:   make(chan Message, 256),
		tenant: tenant,
	}
}

// ID returns the client's unique identifier
func (c *Client) ID() uint64 {
	return c.id
}

// accepts reports whether ev should be sent to this client.
func (c *Client) accepts(ev *models.ChangeEvent) bool {
	if ev.TenantID != c.tenant {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.subscribed {
		return false
	}
	if len(c.filters) == 0 {
		return true
	}
	for _, f := range c.filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}

// subscribe replaces the client's filters.
func (c *Client) subscribe(req SubscribeRequest) error {
	if len(req.Filters) > maxFilters {
		return fmt.Errorf("at most %d filters", maxFilters)
	}
	for _, f := range req.Filters {
		switch f.Event {
		case "", models.ChangeInsert, models.ChangeUpdate, models.ChangeDelete:
		default:
			return fmt.Errorf("unknown event %q", f.Event)
		}
	}
	c.mu.Lock()
	c.subscribed = true
	c.filters = append([]models.TopicFilter(nil), req.Filters...)
	c.mu.Unlock()
	return nil
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// reply queues a control message without blocking the read loop.
func (c *Client) reply(msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// readPump handles subscribe and ping frames from the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Error().Err(err).Msg("unexpected websocket close error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Message{Type: MessageTypeError, Data: ErrorData{Message: "malformed message"}})
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.reply(Message{Type: MessageTypePong})
		case MessageTypeSubscribe:
			var req SubscribeRequest
			if len(msg.Data) > 0 {
				if err := json.Unmarshal(msg.Data, &req); err != nil {
					c.reply(Message{Type: MessageTypeError, Data: ErrorData{Message: "malformed subscription"}})
					continue
				}
			}
			if err := c.subscribe(req); err != nil {
				c.reply(Message{Type: MessageTypeError, Data: ErrorData{Message: err.Error()}})
				continue
			}
			logging.Debug().Uint64("client_id", c.id).Str("channel", req.Channel).Int("filters", len(req.Filters)).Msg("change feed subscription")
			c.reply(Message{Type: MessageTypeSubscribed, Data: req})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline")
				return
			}
			if !ok {
				// The hub closed the channel.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := MarshalMessage(message)
			if err != nil {
				logging.Error().Err(err).Str("type", message.Type).Msg("failed to marshal websocket message")
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.Debug().Err(err).Msg("failed to write websocket message")
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Msg("failed to set write deadline for ping")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Start begins reading and writing for the client
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}

// NewUpgrader allows same-origin requests, requests without an Origin
// header, and the listed origins. "*" allows any origin.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed["*"] || allowed[origin] {
				return true
			}
			return origin == "http://"+r.Host || origin == "https://"+r.Host
		},
	}
}

// ServeWS upgrades the request and attaches the connection to hub for
// tenant. The caller has already authenticated the request.
func ServeWS(hub *Hub, upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request, tenant string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := NewClient(hub, conn, tenant)
	select {
	case hub.Register <- client:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	client.Start()
}

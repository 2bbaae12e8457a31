// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package devicesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/tomtom215/mise/internal/models"
)

// API is the server surface the agent talks to. Client implements it.
type API interface {
	Heartbeat(ctx context.Context, clientVersion string) (*models.HeartbeatResponse, error)
	Sync(ctx context.Context) ([]models.SyncItem, error)
	Pending(ctx context.Context) (int64, error)
	TrackDelivery(ctx context.Context, notificationID string, t models.AckType) error
}

var _ API = (*Client)(nil)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}

// Client calls the /notifications endpoints with a device bearer token.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewClient creates a client for the server at baseURL. Each call is bounded
// by timeout; calls are throttled to a few per second so a burst of sync
// requests cannot hammer the server.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{},
		limiter:    rate.NewLimiter(rate.Limit(5), 10),
		now:        time.Now,
	}
}

// Heartbeat reports liveness and returns the server's command, if any.
func (c *Client) Heartbeat(ctx context.Context, clientVersion string) (*models.HeartbeatResponse, error) {
	req := models.HeartbeatRequest{Timestamp: c.now().UnixMilli(), ClientVersion: clientVersion}
	var resp models.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/heartbeat", req, &resp); err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}
	return &resp, nil
}

// Sync pulls queued notifications. The server treats the response as
// delivered, so every returned item must be kept.
func (c *Client) Sync(ctx context.Context) ([]models.SyncItem, error) {
	var resp models.SyncResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/sync", nil, &resp); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	return resp.Notifications, nil
}

// Pending returns how many notifications are queued without consuming them.
func (c *Client) Pending(ctx context.Context) (int64, error) {
	var resp models.PendingResponse
	if err := c.do(ctx, http.MethodGet, "/notifications/sync", nil, &resp); err != nil {
		return 0, fmt.Errorf("pending count: %w", err)
	}
	return resp.PendingCount, nil
}

// TrackDelivery records a delivered or clicked acknowledgement.
func (c *Client) TrackDelivery(ctx context.Context, notificationID string, t models.AckType) error {
	req := models.TrackDeliveryRequest{Type: t, NotificationID: notificationID}
	if err := c.do(ctx, http.MethodPost, "/notifications/track-delivery", req, nil); err != nil {
		return fmt.Errorf("track %s %s: %w", t, notificationID, err)
	}
	return nil
}

// Subscribe registers a push subscription for this device.
func (c *Client) Subscribe(ctx context.Context, req models.SubscribeRequest) error {
	if err := c.do(ctx, http.MethodPost, "/notifications/subscribe", req, nil); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes a push subscription.
func (c *Client) Unsubscribe(ctx context.Context, endpoint string) error {
	if err := c.do(ctx, http.MethodDelete, "/notifications/subscribe", models.UnsubscribeRequest{Endpoint: endpoint}, nil); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Enqueue adds a notification to the outbox. It needs a manager or service
// token.
func (c *Client) Enqueue(ctx context.Context, req models.EnqueueRequest) (*models.NotificationIntent, error) {
	var intent models.NotificationIntent
	if err := c.do(ctx, http.MethodPost, "/notifications", req, &intent); err != nil {
		return nil, fmt.Errorf("enqueue for %s: %w", req.Recipient, err)
	}
	return &intent, nil
}

// envelope decodes the response wrapper while deferring the data payload.
type envelope struct {
	Success bool             `json:"success"`
	Data    json.RawMessage  `json:"data"`
	Error   *models.APIError `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			se.Code = env.Error.Code
			se.Message = env.Error.Message
		}
		return se
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

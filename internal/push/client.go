// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/metrics"
	"github.com/tomtom215/mise/internal/models"
)

// maxErrorBody caps how much of a rejected response body is kept for logs.
const maxErrorBody = 512

// trackingClient records whether webpush-go got as far as issuing the
// request. Errors before that are local encryption or encoding failures.
type trackingClient struct {
	client     *http.Client
	dispatched bool
}

func (t *trackingClient) Do(req *http.Request) (*http.Response, error) {
	t.dispatched = true
	return t.client.Do(req)
}

type sendFunc func(ctx context.Context, payload []byte, sub *webpush.Subscription, opts *webpush.Options) (*http.Response, error)

// Client is the webpush-go backed Sender.
type Client struct {
	cfg        config.PushConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[int]
	send       sendFunc
}

var _ Sender = (*Client)(nil)

// NewClient builds a gateway client from cfg. VAPID keys are required.
func NewClient(cfg *config.PushConfig) (*Client, error) {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return nil, errors.New("push: VAPID key pair is required")
	}
	c := &Client{
		cfg: *cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		send: webpush.SendNotificationWithContext,
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = 10 * time.Second
	}
	if c.cfg.TTL <= 0 {
		c.cfg.TTL = 86400
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)

	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "push-gateway",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.PushBreakerState.Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Push gateway circuit breaker state changed")
		},
	})
	metrics.PushBreakerState.Set(float64(gobreaker.StateClosed))
	return c, nil
}

// PublicKey returns the VAPID application server key devices subscribe with.
func (c *Client) PublicKey() string {
	return c.cfg.VAPIDPublicKey
}

// BreakerState reports the circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// Send encrypts msg for sub and posts it to the gateway.
func (c *Client) Send(ctx context.Context, sub Subscription, msg Message) Result {
	start := time.Now()
	res := c.sendOnce(ctx, sub, msg)
	metrics.RecordPushSend(res.Outcome.String(), time.Since(start))
	return res
}

func (c *Client) sendOnce(ctx context.Context, sub Subscription, msg Message) Result {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Err: fmt.Errorf("encode push payload: %w", err)}
	}
	if err := models.ValidateSubscriptionKeys(sub.P256dh, sub.Auth); err != nil {
		return Result{Outcome: OutcomeRejected, Err: err}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return transient(fmt.Errorf("push rate limiter: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	tracker := &trackingClient{client: c.httpClient}
	opts := &webpush.Options{
		HTTPClient:      tracker,
		Subscriber:      c.cfg.VAPIDSubject,
		TTL:             c.cfg.TTL,
		Urgency:         webpush.UrgencyNormal,
		VAPIDPublicKey:  c.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: c.cfg.VAPIDPrivateKey,
		Topic:           topic(msg.Tag),
	}
	if msg.Urgent {
		opts.Urgency = webpush.UrgencyHigh
	}
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}

	var rejection *StatusError
	var local error
	status, err := c.breaker.Execute(func() (int, error) {
		resp, err := c.send(ctx, payload, wpSub, opts)
		if err != nil {
			if !tracker.dispatched {
				// Never reached the gateway.
				local = err
				return 0, nil
			}
			return 0, err
		}
		defer resp.Body.Close()

		outcome := Classify(resp.StatusCode)
		if outcome == OutcomeSuccess {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if outcome == OutcomeTransient {
			return resp.StatusCode, serr
		}
		// Permanent answers come from a healthy gateway and must not trip
		// the breaker.
		rejection = serr
		return resp.StatusCode, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return transient(ErrBreakerOpen)
	case err != nil:
		return Result{Outcome: OutcomeTransient, StatusCode: status, Err: err}
	case local != nil:
		return Result{Outcome: OutcomeRejected, Err: fmt.Errorf("encrypt push message: %w", local)}
	case rejection != nil:
		return Result{Outcome: Classify(status), StatusCode: status, Err: rejection}
	default:
		return Result{Outcome: OutcomeSuccess, StatusCode: status}
	}
}

// topic derives a Topic header from tag. Gateways accept at most 32
// URL-safe base64 characters and reject anything else with 400.
func topic(tag string) string {
	if tag == "" || len(tag) > 32 {
		return ""
	}
	for _, r := range tag {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return ""
		}
	}
	return tag
}

// GenerateVAPIDKeys returns a new VAPID key pair, URL-safe base64 encoded.
func GenerateVAPIDKeys() (privateKey, publicKey string, err error) {
	return webpush.GenerateVAPIDKeys()
}

// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/authz"
	"github.com/tomtom215/mise/internal/config"
	"github.com/tomtom215/mise/internal/middleware"
)

// slowRequestThreshold promotes access log lines to warn.
const slowRequestThreshold = time.Second

// Router wires handlers to routes and middleware.
type Router struct {
	handler       *Handler
	jwt           *auth.JWTManager
	authz         *authz.Middleware
	chiMiddleware *ChiMiddleware
	cronSecret    string
}

// NewRouter creates the router. enforcer may be nil, in which case any
// authenticated role reaches every route; that is only meant for tests.
func NewRouter(handler *Handler, jwtManager *auth.JWTManager, enforcer *authz.Enforcer, cfg *config.Config) *Router {
	router := &Router{
		handler:       handler,
		jwt:           jwtManager,
		chiMiddleware: NewChiMiddleware(ChiMiddlewareConfigFrom(&cfg.Security)),
		cronSecret:    cfg.Maintenance.CronSecret,
	}
	if enforcer != nil {
		router.authz = authz.NewMiddleware(enforcer, denyForbidden, failAuthorization)
	}
	return router
}

func (router *Router) authorize(next http.Handler) http.Handler {
	if router.authz == nil {
		return next
	}
	return router.authz.AuthorizeRequest(next)
}

// SetupChi configures all HTTP routes using Chi router.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // CORS must be global to handle OPTIONS preflight
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.AccessLog(slowRequestThreshold))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).NotFound("Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		NewResponseWriter(w, r).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	// ========================
	// Health and Metrics
	// ========================
	r.Group(func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitCustom(RateLimitHealth))
		r.Use(auth.SecurityHeaders)
		r.Get("/health/live", router.handler.HealthLive)
		r.Get("/health/ready", router.handler.HealthReady)
	})
	r.With(router.chiMiddleware.RateLimitCustom(RateLimitHealth)).Handle("/metrics", promhttp.Handler())

	// ========================
	// Maintenance
	// ========================
	// Authenticated with the shared cron secret, not a JWT.
	r.Group(func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimitCustom(RateLimitCron))
		r.Use(auth.SecurityHeaders)
		r.Use(auth.SharedSecret(router.cronSecret, denyUnauthorized))
		r.Get("/notifications/cron", router.handler.Cron)
		r.Post("/notifications/cron", router.handler.Cron)
	})

	// ========================
	// Device and Producer API
	// ========================
	r.Group(func(r chi.Router) {
		r.Use(auth.SecurityHeaders)
		r.Use(auth.Authenticate(router.jwt, denyUnauthorized))
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(router.authorize)

		r.Post("/notifications/subscribe", router.handler.Subscribe)
		r.Delete("/notifications/subscribe", router.handler.Unsubscribe)
		r.Get("/notifications/sync", router.handler.PendingCount)
		r.Post("/notifications/sync", router.handler.Sync)
		r.Post("/notifications/heartbeat", router.handler.Heartbeat)
		r.Post("/notifications/check-pending", router.handler.CheckPending)
		r.Post("/notifications/track-delivery", router.handler.TrackDelivery)
		r.Get("/notifications/stream", router.handler.Stream)
		r.Post("/notifications", router.handler.Enqueue)

		r.With(router.chiMiddleware.RateLimitCustom(RateLimitIngest)).Post("/events", router.handler.IngestEvent)
	})

	return r
}

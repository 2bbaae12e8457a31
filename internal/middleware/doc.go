// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

/*
Package middleware provides the infrastructure HTTP middleware of the API.

  - RequestID: X-Request-ID propagation plus request_id and correlation_id
    on the logging context
  - PrometheusMetrics: request count, latency and in-flight gauge, labelled
    by chi route pattern
  - AccessLog: one log line per request, raised to warn above a threshold

Authentication and authorization live in internal/auth and internal/authz;
CORS and rate limiting come from go-chi/cors and go-chi/httprate in the
router.

Usage:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.Use(middleware.AccessLog(500 * time.Millisecond))
*/
package middleware

// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package authz

import (
	"errors"
	"net/http"

	"github.com/tomtom215/mise/internal/auth"
	"github.com/tomtom215/mise/internal/logging"
)

var (
	// ErrNoClaims is passed to the deny callback for unauthenticated requests.
	ErrNoClaims = errors.New("no authentication context")

	// ErrForbidden is passed when the role lacks permission.
	ErrForbidden = errors.New("insufficient permissions")
)

// Middleware authorizes authenticated requests by role, path and method.
type Middleware struct {
	enforcer *Enforcer
	deny     auth.DenyFunc
	fail     auth.DenyFunc
}

// NewMiddleware creates the middleware. deny writes 403 responses; fail
// writes the response when the enforcer itself errors.
func NewMiddleware(enforcer *Enforcer, deny, fail auth.DenyFunc) *Middleware {
	return &Middleware{enforcer: enforcer, deny: deny, fail: fail}
}

// AuthorizeRequest determines the action from the HTTP method and
// authorizes the request path for the token's role.
func (m *Middleware) AuthorizeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := auth.ClaimsFromContext(r.Context())
		if claims == nil {
			m.deny(w, r, ErrNoClaims)
			return
		}

		allowed, err := m.enforcer.Enforce(claims.Role, r.URL.Path, methodToAction(r.Method))
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Authorization error")
			m.fail(w, r, err)
			return
		}
		if !allowed {
			logging.Ctx(r.Context()).Debug().
				Str("role", claims.Role).
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Msg("Request forbidden")
			m.deny(w, r, ErrForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// methodToAction maps HTTP methods to Casbin actions.
func methodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return "write"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

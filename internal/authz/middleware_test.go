// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package authz

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/mise/internal/auth"
)

func TestAuthorizeRequest(t *testing.T) {
	e := setupEnforcer(t, nil)

	var denied error
	deny := func(w http.ResponseWriter, _ *http.Request, err error) {
		denied = err
		w.WriteHeader(http.StatusForbidden)
	}
	fail := func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	mw := NewMiddleware(e, deny, fail)
	h := mw.AuthorizeRequest(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	claims := func(role string) *auth.Claims {
		return &auth.Claims{TenantID: "bistro-1", Role: role, RegisteredClaims: jwt.RegisteredClaims{Subject: "waiter-17"}}
	}

	tests := []struct {
		name       string
		claims     *auth.Claims
		method     string
		path       string
		wantStatus int
		wantErr    error
	}{
		{name: "device syncs", claims: claims(auth.RoleDevice), method: http.MethodPost, path: "/notifications/sync", wantStatus: http.StatusNoContent},
		{name: "device unsubscribes", claims: claims(auth.RoleDevice), method: http.MethodDelete, path: "/notifications/subscribe", wantStatus: http.StatusNoContent},
		{name: "device cannot enqueue", claims: claims(auth.RoleDevice), method: http.MethodPost, path: "/notifications", wantStatus: http.StatusForbidden, wantErr: ErrForbidden},
		{name: "service publishes events", claims: claims(auth.RoleService), method: http.MethodPost, path: "/events", wantStatus: http.StatusNoContent},
		{name: "anonymous", method: http.MethodPost, path: "/notifications/sync", wantStatus: http.StatusForbidden, wantErr: ErrNoClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			denied = nil
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.claims != nil {
				req = req.WithContext(auth.ContextWithClaims(req.Context(), tt.claims))
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantErr != nil && !errors.Is(denied, tt.wantErr) {
				t.Errorf("deny error = %v, want %v", denied, tt.wantErr)
			}
		})
	}
}

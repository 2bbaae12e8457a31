// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mise/internal/logging"
	"github.com/tomtom215/mise/internal/models"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to unmarshal response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestResponseWriter_Success(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = r.WithContext(logging.ContextWithRequestID(r.Context(), "req-42"))

	NewResponseWriter(w, r).Success(map[string]string{"message": "hello"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}

	response := decodeEnvelope(t, w)
	if !response.Success {
		t.Error("Expected Success to be true")
	}
	if response.Error != nil {
		t.Error("Expected Error to be nil")
	}
	if response.Metadata.Timestamp.IsZero() {
		t.Error("Expected Timestamp to be set")
	}
	if response.Metadata.RequestID != "req-42" {
		t.Errorf("RequestID = %q, want req-42", response.Metadata.RequestID)
	}
}

func TestResponseWriter_SuccessStatuses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(*ResponseWriter)
		want  int
	}{
		{name: "created", write: func(rw *ResponseWriter) { rw.Created("x") }, want: http.StatusCreated},
		{name: "accepted", write: func(rw *ResponseWriter) { rw.Accepted("x") }, want: http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(NewResponseWriter(w, httptest.NewRequest(http.MethodPost, "/test", nil)))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if !decodeEnvelope(t, w).Success {
				t.Error("Expected Success to be true")
			}
		})
	}
}

func TestResponseWriter_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		write      func(*ResponseWriter)
		wantStatus int
		wantCode   string
	}{
		{name: "validation", write: func(rw *ResponseWriter) { rw.ValidationError("endpoint is required", nil) }, wantStatus: http.StatusBadRequest, wantCode: ErrCodeValidation},
		{name: "unauthorized", write: func(rw *ResponseWriter) { rw.Unauthorized("token expired") }, wantStatus: http.StatusUnauthorized, wantCode: ErrCodeUnauthorized},
		{name: "forbidden", write: func(rw *ResponseWriter) { rw.Forbidden("access denied") }, wantStatus: http.StatusForbidden, wantCode: ErrCodeForbidden},
		{name: "not found", write: func(rw *ResponseWriter) { rw.NotFound("Unknown notification") }, wantStatus: http.StatusNotFound, wantCode: ErrCodeNotFound},
		{name: "conflict", write: func(rw *ResponseWriter) { rw.Conflict("already running") }, wantStatus: http.StatusConflict, wantCode: ErrCodeConflict},
		{name: "internal", write: func(rw *ResponseWriter) { rw.InternalError("Failed to save", errors.New("disk full")) }, wantStatus: http.StatusInternalServerError, wantCode: ErrCodeInternalError},
		{name: "unavailable", write: func(rw *ResponseWriter) { rw.ServiceUnavailable("down") }, wantStatus: http.StatusServiceUnavailable, wantCode: ErrCodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(NewResponseWriter(w, httptest.NewRequest(http.MethodPost, "/test", nil)))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			response := decodeEnvelope(t, w)
			if response.Success {
				t.Error("Expected Success to be false")
			}
			if response.Error == nil || response.Error.Code != tt.wantCode {
				t.Fatalf("error = %+v, want code %s", response.Error, tt.wantCode)
			}
		})
	}
}

func TestResponseWriter_InternalErrorHidesCause(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	NewResponseWriter(w, httptest.NewRequest(http.MethodPost, "/test", nil)).
		InternalError("Failed to save subscription", errors.New("duckdb: constraint violated on notification_subscriptions"))

	response := decodeEnvelope(t, w)
	if response.Error.Message != "Failed to save subscription" {
		t.Errorf("message = %q", response.Error.Message)
	}
}

func TestResponseWriter_UnauthorizedChallenge(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	NewResponseWriter(w, httptest.NewRequest(http.MethodGet, "/test", nil)).Unauthorized("no credentials provided")
	if got := w.Header().Get("WWW-Authenticate"); got != `Bearer realm="mise"` {
		t.Errorf("WWW-Authenticate = %q", got)
	}
}

func TestResponseWriter_ErrorWithDetails(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	details := map[string]interface{}{"field": "endpoint"}
	NewResponseWriter(w, httptest.NewRequest(http.MethodPost, "/test", nil)).
		ErrorWithDetails(http.StatusBadRequest, ErrCodeValidation, "bad", details)

	response := decodeEnvelope(t, w)
	if response.Error.Details["field"] != "endpoint" {
		t.Errorf("details = %v", response.Error.Details)
	}
}

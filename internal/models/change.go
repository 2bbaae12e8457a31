// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package models

import (
	"fmt"
	"time"
)

// ChangeType is the row operation that produced a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-level change from the restaurant application's
// database, as carried on the change bus and the websocket feed.
type ChangeEvent struct {
	ID        string                 `json:"id" validate:"required"`
	TenantID  string                 `json:"tenant_id" validate:"required"`
	Table     string                 `json:"table" validate:"required"`
	Type      ChangeType             `json:"type" validate:"required,oneof=INSERT UPDATE DELETE"`
	Record    map[string]interface{} `json:"record,omitempty"`
	OldRecord map[string]interface{} `json:"old_record,omitempty"`
	CommitAt  time.Time              `json:"commit_at"`
}

// Field returns record[key] rendered as a string, or "" when absent.
func (e *ChangeEvent) Field(key string) string {
	return stringField(e.Record, key)
}

// OldField returns old_record[key] rendered as a string, or "" when absent.
func (e *ChangeEvent) OldField(key string) string {
	return stringField(e.OldRecord, key)
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// TopicFilter selects change events for a realtime consumer. Empty fields
// match everything; Match is an equality filter on record columns.
type TopicFilter struct {
	Table string            `json:"table,omitempty"`
	Event ChangeType        `json:"event,omitempty"`
	Match map[string]string `json:"match,omitempty"`
}

// Matches reports whether e passes the filter.
func (f TopicFilter) Matches(e *ChangeEvent) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.Event != "" && f.Event != e.Type {
		return false
	}
	for k, want := range f.Match {
		if e.Field(k) != want {
			return false
		}
	}
	return true
}

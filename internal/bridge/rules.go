// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package bridge

import (
	"fmt"
	"strings"

	"github.com/tomtom215/mise/internal/models"
)

// Rule turns qualifying change events into a notification intent.
type Rule struct {
	Name   string
	Table  string
	Events []models.ChangeType

	// StatusField and EnterStatuses restrict UPDATE events to transitions
	// into one of EnterStatuses. INSERT events only need the new value to be
	// one of them. Both empty means every listed event qualifies.
	StatusField   string
	EnterStatuses []string

	// Build returns the intent to enqueue, or nil to skip the event. The
	// bridge fills in id, tenant and the tracking payload.
	Build func(ev *models.ChangeEvent) *models.NotificationIntent
}

// Matches reports whether ev qualifies for r.
func (r Rule) Matches(ev *models.ChangeEvent) bool {
	if ev.Table != r.Table || !containsType(r.Events, ev.Type) {
		return false
	}
	if r.StatusField == "" || len(r.EnterStatuses) == 0 {
		return true
	}

	current := ev.Field(r.StatusField)
	if !containsString(r.EnterStatuses, current) {
		return false
	}
	if ev.Type != models.ChangeUpdate {
		return true
	}
	// An UPDATE qualifies only when it crosses into the status. Without
	// the old value the crossing cannot be ruled out.
	if previous, ok := ev.OldRecord[r.StatusField]; ok && previous != nil {
		return ev.OldField(r.StatusField) != current
	}
	return true
}

func containsType(list []models.ChangeType, t models.ChangeType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Group recipients address every device signed in for a role at a tenant.
func staffRecipient(tenant string) string   { return "staff@" + tenant }
func kitchenRecipient(tenant string) string { return "kitchen@" + tenant }
func floorRecipient(tenant string) string   { return "floor@" + tenant }

// DefaultRules covers reservation and order events.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:   "reservation_created",
			Table:  "reservations",
			Events: []models.ChangeType{models.ChangeInsert},
			Build: func(ev *models.ChangeEvent) *models.NotificationIntent {
				return &models.NotificationIntent{
					Recipient: staffRecipient(ev.TenantID),
					Title:     "New reservation",
					Body:      reservationSummary(ev),
					Payload:   map[string]interface{}{"tag": "reservation-" + rowID(ev), "url": "/reservations/" + rowID(ev)},
				}
			},
		},
		{
			Name:          "reservation_cancelled",
			Table:         "reservations",
			Events:        []models.ChangeType{models.ChangeUpdate},
			StatusField:   "status",
			EnterStatuses: []string{"cancelled"},
			Build: func(ev *models.ChangeEvent) *models.NotificationIntent {
				return &models.NotificationIntent{
					Recipient: staffRecipient(ev.TenantID),
					Title:     "Reservation cancelled",
					Body:      reservationSummary(ev),
					Payload:   map[string]interface{}{"tag": "reservation-" + rowID(ev), "url": "/reservations/" + rowID(ev)},
				}
			},
		},
		{
			Name:          "order_ready",
			Table:         "orders",
			Events:        []models.ChangeType{models.ChangeUpdate},
			StatusField:   "status",
			EnterStatuses: []string{"ready"},
			Build: func(ev *models.ChangeEvent) *models.NotificationIntent {
				recipient := ev.Field("waiter_id")
				if recipient == "" {
					recipient = floorRecipient(ev.TenantID)
				}
				return &models.NotificationIntent{
					Recipient: recipient,
					Title:     "Order ready",
					Body:      orderSummary(ev) + " is ready to serve",
					Priority:  models.PriorityHigh,
					Payload:   map[string]interface{}{"tag": "order-" + rowID(ev), "url": "/orders/" + rowID(ev)},
				}
			},
		},
		{
			Name:   "order_created",
			Table:  "orders",
			Events: []models.ChangeType{models.ChangeInsert},
			Build: func(ev *models.ChangeEvent) *models.NotificationIntent {
				return &models.NotificationIntent{
					Recipient: kitchenRecipient(ev.TenantID),
					Title:     "New order",
					Body:      orderSummary(ev),
					Payload:   map[string]interface{}{"tag": "order-" + rowID(ev), "url": "/orders/" + rowID(ev)},
				}
			},
		},
	}
}

func rowID(ev *models.ChangeEvent) string {
	if id := ev.Field("id"); id != "" {
		return id
	}
	return ev.OldField("id")
}

func reservationSummary(ev *models.ChangeEvent) string {
	name := ev.Field("guest_name")
	if name == "" {
		name = "Guest"
	}
	parts := []string{name}
	if size := ev.Field("party_size"); size != "" {
		parts = append(parts, "party of "+size)
	}
	if at := ev.Field("reserved_for"); at != "" {
		parts = append(parts, "at "+at)
	}
	return strings.Join(parts, ", ")
}

func orderSummary(ev *models.ChangeEvent) string {
	if table := ev.Field("table_no"); table != "" {
		return fmt.Sprintf("Order %s for table %s", rowID(ev), table)
	}
	return "Order " + rowID(ev)
}

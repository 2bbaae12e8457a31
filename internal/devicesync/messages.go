// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package devicesync

// MessageType names a request on the device message bus.
type MessageType string

const (
	MsgGetUnacknowledged MessageType = "GET_UNACKNOWLEDGED_NOTIFICATIONS"
	MsgAcknowledge       MessageType = "ACKNOWLEDGE_NOTIFICATION"
	MsgAcknowledgeAll    MessageType = "ACKNOWLEDGE_ALL_NOTIFICATIONS"
	MsgTogglePersistent  MessageType = "TOGGLE_PERSISTENT_NOTIFICATIONS"
	MsgCleanup           MessageType = "CLEANUP_OLD_NOTIFICATIONS"
)

// Message is a request from the UI side of the device.
type Message struct {
	Type           MessageType `json:"type"`
	NotificationID string      `json:"notificationId,omitempty"`
	Enabled        *bool       `json:"enabled,omitempty"`
}

// Reply answers one Message. Only the fields relevant to the request type
// are set.
type Reply struct {
	Type          MessageType `json:"type"`
	Success       bool        `json:"success"`
	Error         string      `json:"error,omitempty"`
	Notifications []Entry     `json:"notifications,omitempty"`
	// Acknowledged counts entries that changed state; zero for a repeat.
	Acknowledged int   `json:"acknowledged"`
	Removed      int   `json:"removed,omitempty"`
	Persistent   *bool `json:"persistent,omitempty"`
}

// Envelope pairs a message with where its reply goes. Reply may be nil for
// fire-and-forget messages; otherwise it should be buffered.
type Envelope struct {
	Message Message
	Reply   chan<- Reply
}

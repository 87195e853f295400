package model

import (
	"slices"
	"time"
)

// Notification categories
const (
	CategoryNewMessage = "new_message"
	CategoryNewPoll    = "new_poll"
)

// Notification is an inbox entry shared by a set of recipients.
//
// At most one live record exists per (Category, RoomID, OriginID). Read is
// record-wide: one recipient marking it read marks it for everyone.
type Notification struct {
	ID         string    `json:"_id"`
	Recipients []string  `json:"usernames"`
	Text       string    `json:"message"`
	Category   string    `json:"type"`
	RoomID     string    `json:"room"`
	OriginID   string    `json:"messageId,omitempty"`
	Read       bool      `json:"readStatus"`
	CreatedAt  time.Time `json:"timestamp"`
}

// Key identifies the dedup slot of a notification.
type NotificationKey struct {
	Category string
	RoomID   string
	OriginID string
}

func (n *Notification) Key() NotificationKey {
	return NotificationKey{Category: n.Category, RoomID: n.RoomID, OriginID: n.OriginID}
}

func (n *Notification) HasRecipient(identity string) bool {
	return slices.Contains(n.Recipients, identity)
}

func (n Notification) Clone() Notification {
	n.Recipients = slices.Clone(n.Recipients)
	return n
}

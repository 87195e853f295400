package model

import (
	"slices"
	"time"
)

// Server -> client event names
const (
	EventMessageHistory = "messageHistory"
	EventMessage        = "message"
	EventMessageUpdated = "messageUpdated"
	EventMessageDeleted = "messageDeleted"
	EventMessageSeen    = "messageSeenUpdate"
	EventPolls          = "polls"
	EventPollCreated    = "pollCreated"
	EventNotification   = "notification"
	EventPlaySound      = "playNotificationSound"
	EventSystem         = "system"
	EventError          = "error"
)

// SystemUsername is the author shown on join/leave notices.
const SystemUsername = "System"

// Message is a chat message in a room.
type Message struct {
	ID         string    `json:"_id"`
	RoomID     string    `json:"room"`
	Author     string    `json:"username"`
	Body       string    `json:"message"`
	Attachment string    `json:"file,omitempty"`
	CreatedAt  time.Time `json:"timestamp"`
	SeenBy     []string  `json:"seenBy"`
}

// HasSeen reports whether viewer is already in SeenBy.
func (m *Message) HasSeen(viewer string) bool {
	return slices.Contains(m.SeenBy, viewer)
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	m.SeenBy = slices.Clone(m.SeenBy)
	if m.SeenBy == nil {
		m.SeenBy = []string{}
	}
	return m
}

// MessageUpdate is the payload of messageUpdated.
type MessageUpdate struct {
	MessageID string    `json:"messageId"`
	NewBody   string    `json:"newMessage"`
	Timestamp time.Time `json:"timestamp"`
}

// SystemNotice is the payload of the system event sent on join and leave.
type SystemNotice struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func NewSystemNotice(text string) SystemNotice {
	return SystemNotice{Username: SystemUsername, Message: text, Timestamp: time.Now().UTC()}
}

// ErrorPayload is sent to the initiating connection only.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

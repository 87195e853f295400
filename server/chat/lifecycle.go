// Package chat implements the message lifecycle: send, edit, delete and
// read receipts, with edit and delete limited to a fixed window after
// creation.
package chat

import (
	"context"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"talkspace/server/apperr"
	"talkspace/server/metrics"
	"talkspace/server/model"
	"talkspace/server/store"
)

const (
	// DefaultWindow applies to both edit and delete.
	DefaultWindow = 10 * time.Minute

	MaxBodyBytes = 4096
)

// Publisher delivers an event to every connection in a room.
type Publisher interface {
	Publish(roomID, event string, payload any) (int, error)
}

type Option func(*Manager)

// WithWindow overrides the edit and delete window.
func WithWindow(d time.Duration) Option {
	return func(m *Manager) { m.window = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager runs the message state machine on top of a MessageStore.
type Manager struct {
	store  store.MessageStore
	pub    Publisher
	window time.Duration
	now    func() time.Time
	log    zerolog.Logger
}

func NewManager(st store.MessageStore, pub Publisher, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:  st,
		pub:    pub,
		window: DefaultWindow,
		now:    time.Now,
		log:    log.With().Str("component", "chat").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Window returns the configured edit and delete window.
func (m *Manager) Window() time.Duration { return m.window }

// History returns the room's messages oldest first.
func (m *Manager) History(ctx context.Context, roomID string) ([]model.Message, error) {
	msgs, err := m.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap("list messages", err)
	}
	return msgs, nil
}

// ValidateBody applies the send rules to a trimmed body. Callers that
// store an attachment before sending check it first.
func ValidateBody(body string, hasAttachment bool) error {
	if body == "" && !hasAttachment {
		return apperr.InvalidInput("empty message")
	}
	if len(body) > MaxBodyBytes {
		return apperr.InvalidInput("message must be at most %d bytes", MaxBodyBytes)
	}
	return nil
}

// Send stores a new message and publishes it to the room. The stored
// record is returned so the caller can fan out notifications for it.
func (m *Manager) Send(ctx context.Context, roomID, author, body, attachment string) (*model.Message, error) {
	body = strings.TrimSpace(body)
	attachment = strings.TrimSpace(attachment)
	if err := ValidateBody(body, attachment != ""); err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Millisecond)
	msg := &model.Message{
		ID:         ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		RoomID:     roomID,
		Author:     author,
		Body:       body,
		Attachment: attachment,
		CreatedAt:  now,
		SeenBy:     []string{},
	}
	if err := m.store.CreateMessage(ctx, msg); err != nil {
		return nil, apperr.Wrap("create message", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	m.publish(roomID, model.EventMessage, msg)
	return msg, nil
}

// Edit replaces the body of an existing message. Only the author may edit,
// and only within the window measured from creation.
func (m *Manager) Edit(ctx context.Context, messageID, requestor, newBody string) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, apperr.Wrap("get message", err)
	}
	if msg.Author != requestor {
		return nil, apperr.Unauthorized("only the author can edit this message")
	}
	if m.expired(msg) {
		return nil, apperr.WindowExpired("messages can only be edited within %s", m.window)
	}

	newBody = strings.TrimSpace(newBody)
	if newBody == "" && msg.Attachment == "" {
		return nil, apperr.InvalidInput("empty message")
	}
	if len(newBody) > MaxBodyBytes {
		return nil, apperr.InvalidInput("message must be at most %d bytes", MaxBodyBytes)
	}

	updated, err := m.store.UpdateMessageBody(ctx, messageID, newBody)
	if err != nil {
		return nil, apperr.Wrap("update message", err)
	}
	metrics.MessagesTotal.WithLabelValues("edited").Inc()

	m.publish(updated.RoomID, model.EventMessageUpdated, model.MessageUpdate{
		MessageID: updated.ID,
		NewBody:   updated.Body,
		Timestamp: m.now().UTC(),
	})
	return updated, nil
}

// Delete removes a message. The author or an admin may delete, but the
// window applies to both.
func (m *Manager) Delete(ctx context.Context, messageID, requestor string, isAdmin bool) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return apperr.Wrap("get message", err)
	}
	if msg.Author != requestor && !isAdmin {
		return apperr.Unauthorized("only the author or an admin can delete this message")
	}
	if m.expired(msg) {
		return apperr.WindowExpired("messages can only be deleted within %s", m.window)
	}

	if err := m.store.DeleteMessage(ctx, messageID); err != nil {
		return apperr.Wrap("delete message", err)
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	m.publish(msg.RoomID, model.EventMessageDeleted, msg.ID)
	return nil
}

// MarkSeen adds viewer to seenBy of every message in the room and publishes
// the full updated list.
func (m *Manager) MarkSeen(ctx context.Context, roomID, viewer string) ([]model.Message, error) {
	changed, err := m.store.MarkRoomSeen(ctx, roomID, viewer)
	if err != nil {
		return nil, apperr.Wrap("mark seen", err)
	}
	msgs, err := m.store.ListMessages(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap("list messages", err)
	}

	m.log.Debug().
		Str("room", roomID).
		Str("viewer", viewer).
		Int("changed", changed).
		Msg("marked seen")

	m.publish(roomID, model.EventMessageSeen, msgs)
	return msgs, nil
}

func (m *Manager) expired(msg *model.Message) bool {
	return m.now().Sub(msg.CreatedAt) > m.window
}

func (m *Manager) publish(roomID, event string, payload any) {
	if _, err := m.pub.Publish(roomID, event, payload); err != nil {
		m.log.Error().Err(err).Str("room", roomID).Str("event", event).Msg("publish failed")
	}
}

// Package notify fans room activity out to the other members of the room
// and keeps a deduplicated inbox of notification records.
//
// At most one record exists per (category, room, origin) key. A repeated
// event for the same key merges its audience into the existing record
// instead of creating another one.
package notify

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"talkspace/server/apperr"
	"talkspace/server/metrics"
	"talkspace/server/model"
	"talkspace/server/store"
)

// Audience is the view of the room registry the engine needs.
type Audience interface {
	MembersOf(roomID string) []string
	Deliver(roomID, identity, event string, payload any) (int, error)
}

type Engine struct {
	store    store.NotificationStore
	audience Audience
	now      func() time.Time
	log      zerolog.Logger
}

func NewEngine(st store.NotificationStore, audience Audience, log zerolog.Logger) *Engine {
	return &Engine{
		store:    st,
		audience: audience,
		now:      time.Now,
		log:      log.With().Str("component", "notify").Logger(),
	}
}

func MessageText(actor, roomID string) string {
	return fmt.Sprintf("%s sent a new message in room no: %s.", actor, roomID)
}

func PollText(actor, roomID string) string {
	return fmt.Sprintf("%s created a new poll in room no: %s.", actor, roomID)
}

// NotifyMessage fans out a newly sent message.
func (e *Engine) NotifyMessage(ctx context.Context, msg *model.Message) (*model.Notification, error) {
	return e.NotifyRoom(ctx, msg.RoomID, msg.Author, MessageText(msg.Author, msg.RoomID), model.CategoryNewMessage, msg.ID)
}

// NotifyPoll fans out a newly created poll.
func (e *Engine) NotifyPoll(ctx context.Context, p *model.Poll) (*model.Notification, error) {
	return e.NotifyRoom(ctx, p.RoomID, p.CreatedBy, PollText(p.CreatedBy, p.RoomID), model.CategoryNewPoll, p.ID)
}

// NotifyRoom persists or merges a notification for every member of roomID
// except actor and delivers it to their live connections. It returns nil
// when nobody else is in the room.
//
// A persistence failure does not stop delivery: connected members still
// receive a record without an id, and the error is returned for logging.
func (e *Engine) NotifyRoom(ctx context.Context, roomID, actor, text, category, originID string) (*model.Notification, error) {
	audience := slices.DeleteFunc(e.audience.MembersOf(roomID), func(m string) bool { return m == actor })
	if len(audience) == 0 {
		return nil, nil
	}

	candidate := &model.Notification{
		ID:         uuid.NewString(),
		Recipients: audience,
		Text:       text,
		Category:   category,
		RoomID:     roomID,
		OriginID:   originID,
		CreatedAt:  e.now().UTC().Truncate(time.Millisecond),
	}

	record, created, err := e.store.MergeNotification(ctx, candidate)
	if err != nil {
		err = apperr.Wrap("merge notification", err)
		e.log.Error().
			Err(err).
			Str("room", roomID).
			Str("category", category).
			Msg("failed to persist notification, delivering transient copy")
		transient := candidate.Clone()
		transient.ID = ""
		record = &transient
	} else if created {
		metrics.NotificationsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.NotificationsTotal.WithLabelValues("merged").Inc()
	}

	e.deliver(roomID, audience, record)
	return record, err
}

// deliver sends the record and a sound hint to each audience member. A
// failed member is logged and skipped.
func (e *Engine) deliver(roomID string, audience []string, record *model.Notification) {
	for _, identity := range audience {
		n, err := e.audience.Deliver(roomID, identity, model.EventNotification, record)
		if err != nil {
			e.log.Warn().Err(err).Str("room", roomID).Str("identity", identity).Msg("notification delivery failed")
			continue
		}
		if n == 0 {
			continue
		}
		metrics.NotificationDeliveries.Add(float64(n))
		if _, err := e.audience.Deliver(roomID, identity, model.EventPlaySound, nil); err != nil {
			e.log.Warn().Err(err).Str("room", roomID).Str("identity", identity).Msg("sound hint delivery failed")
		}
	}
}

// ListFor returns the identity's inbox, most recent first.
func (e *Engine) ListFor(ctx context.Context, identity string) ([]model.Notification, error) {
	list, err := e.store.ListNotifications(ctx, identity)
	if err != nil {
		return nil, apperr.Wrap("list notifications", err)
	}
	return list, nil
}

// MarkRead sets the record-wide read flag. Any recipient marking it read
// marks it read for everyone.
func (e *Engine) MarkRead(ctx context.Context, id string) (*model.Notification, error) {
	n, err := e.store.SetNotificationRead(ctx, id, true)
	if err != nil {
		return nil, apperr.Wrap("mark notification read", err)
	}
	return n, nil
}

// RemoveForUser drops identity from one record. The returned record is nil
// when identity was the last recipient and the record was deleted.
func (e *Engine) RemoveForUser(ctx context.Context, id, identity string) (*model.Notification, error) {
	n, err := e.store.RemoveRecipient(ctx, id, identity)
	if err != nil {
		return nil, apperr.Wrap("remove notification recipient", err)
	}
	return n, nil
}

// RemoveAllForUser clears identity's inbox and reports how many records
// were touched.
func (e *Engine) RemoveAllForUser(ctx context.Context, identity string) (int, error) {
	n, err := e.store.RemoveRecipientEverywhere(ctx, identity)
	if err != nil {
		return 0, apperr.Wrap("clear notifications", err)
	}
	e.log.Debug().Str("identity", identity).Int("records", n).Msg("inbox cleared")
	return n, nil
}

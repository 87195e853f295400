// Package store is the persistence collaborator of the room engine.
//
// Besides per-entity CRUD it offers the atomic primitives the engines rely
// on: a deduplicating add for seenBy sets, a single-transaction vote, and a
// find-or-create-then-merge for notifications. Missing records are reported
// with apperr NotFound errors; anything else a driver returns is left for
// the caller to wrap as an upstream failure.
package store

import (
	"context"

	"talkspace/server/model"
)

// MessageStore persists chat messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages returns the room's messages oldest first.
	ListMessages(ctx context.Context, roomID string) ([]model.Message, error)
	UpdateMessageBody(ctx context.Context, id, body string) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// MarkRoomSeen adds viewer to seenBy of every message in the room that
	// does not contain it yet and returns how many messages changed.
	MarkRoomSeen(ctx context.Context, roomID, viewer string) (int, error)
}

// PollStore persists polls.
type PollStore interface {
	CreatePoll(ctx context.Context, poll *model.Poll) error
	GetPoll(ctx context.Context, id string) (*model.Poll, error)
	// ListPolls returns the room's polls most recent first.
	ListPolls(ctx context.Context, roomID string) ([]model.Poll, error)
	// CastVote increments the option counter and adds voter in one
	// indivisible step. It fails with AlreadyVoted when voter is present and
	// with InvalidInput when optionIndex is out of range.
	CastVote(ctx context.Context, pollID string, optionIndex int, voter string) (*model.Poll, error)
}

// NotificationStore persists inbox entries.
type NotificationStore interface {
	// MergeNotification looks up the live record with n's key and adds n's
	// recipients to it, or creates n when none exists. Content of an existing
	// record is left unchanged. The returned bool is true when a record was
	// created.
	MergeNotification(ctx context.Context, n *model.Notification) (*model.Notification, bool, error)
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	// ListNotifications returns the identity's records most recent first.
	ListNotifications(ctx context.Context, identity string) ([]model.Notification, error)
	SetNotificationRead(ctx context.Context, id string, read bool) (*model.Notification, error)
	// RemoveRecipient drops identity from the record. The record is deleted
	// when no recipient remains, in which case the returned record is nil.
	RemoveRecipient(ctx context.Context, id, identity string) (*model.Notification, error)
	// RemoveRecipientEverywhere drops identity from every record and reports
	// how many records were touched.
	RemoveRecipientEverywhere(ctx context.Context, identity string) (int, error)
}

// Store bundles all collaborators behind one handle.
type Store interface {
	MessageStore
	PollStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}

package store

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"talkspace/server/apperr"
	"talkspace/server/model"
)

// Memory is an in-process Store. Each collection has its own lock so that
// work on messages never waits for polls or notifications. Records are
// copied on the way in and out.
type Memory struct {
	msgMu    sync.RWMutex
	messages map[string]*model.Message

	pollMu sync.RWMutex
	polls  map[string]*model.Poll

	notifMu       sync.RWMutex
	notifications map[string]*model.Notification
	notifByKey    map[model.NotificationKey]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:      make(map[string]*model.Message),
		polls:         make(map[string]*model.Poll),
		notifications: make(map[string]*model.Notification),
		notifByKey:    make(map[model.NotificationKey]string),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateMessage(ctx context.Context, msg *model.Message) error {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	stored := msg.Clone()
	m.messages[msg.ID] = &stored
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s not found", id)
	}
	out := msg.Clone()
	return &out, nil
}

func (m *Memory) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	m.msgMu.RLock()
	defer m.msgMu.RUnlock()
	out := make([]model.Message, 0)
	for _, msg := range m.messages {
		if msg.RoomID == roomID {
			out = append(out, msg.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (m *Memory) UpdateMessageBody(ctx context.Context, id, body string) (*model.Message, error) {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s not found", id)
	}
	msg.Body = body
	out := msg.Clone()
	return &out, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, id string) error {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return apperr.NotFound("message %s not found", id)
	}
	delete(m.messages, id)
	return nil
}

func (m *Memory) MarkRoomSeen(ctx context.Context, roomID, viewer string) (int, error) {
	m.msgMu.Lock()
	defer m.msgMu.Unlock()
	changed := 0
	for _, msg := range m.messages {
		if msg.RoomID != roomID || msg.HasSeen(viewer) {
			continue
		}
		msg.SeenBy = append(msg.SeenBy, viewer)
		changed++
	}
	return changed, nil
}

func (m *Memory) CreatePoll(ctx context.Context, poll *model.Poll) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	stored := poll.Clone()
	m.polls[poll.ID] = &stored
	return nil
}

func (m *Memory) GetPoll(ctx context.Context, id string) (*model.Poll, error) {
	m.pollMu.RLock()
	defer m.pollMu.RUnlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, apperr.NotFound("poll %s not found", id)
	}
	out := p.Clone()
	return &out, nil
}

func (m *Memory) ListPolls(ctx context.Context, roomID string) ([]model.Poll, error) {
	m.pollMu.RLock()
	defer m.pollMu.RUnlock()
	out := make([]model.Poll, 0)
	for _, p := range m.polls {
		if p.RoomID == roomID {
			out = append(out, p.Clone())
		}
	}
	slices.SortFunc(out, func(a, b model.Poll) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

func (m *Memory) CastVote(ctx context.Context, pollID string, optionIndex int, voter string) (*model.Poll, error) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	p, ok := m.polls[pollID]
	if !ok {
		return nil, apperr.NotFound("poll %s not found", pollID)
	}
	if optionIndex < 0 || optionIndex >= len(p.Options) {
		return nil, apperr.InvalidInput("optionIndex %d out of range", optionIndex)
	}
	if p.HasVoted(voter) {
		return nil, apperr.AlreadyVoted("%s has already voted", voter)
	}
	p.Options[optionIndex].Votes++
	p.Voters = append(p.Voters, voter)
	out := p.Clone()
	return &out, nil
}

func (m *Memory) MergeNotification(ctx context.Context, n *model.Notification) (*model.Notification, bool, error) {
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	if id, ok := m.notifByKey[n.Key()]; ok {
		existing := m.notifications[id]
		for _, r := range n.Recipients {
			if !existing.HasRecipient(r) {
				existing.Recipients = append(existing.Recipients, r)
			}
		}
		out := existing.Clone()
		return &out, false, nil
	}
	stored := n.Clone()
	stored.Recipients = dedupe(stored.Recipients)
	m.notifications[stored.ID] = &stored
	m.notifByKey[stored.Key()] = stored.ID
	out := stored.Clone()
	return &out, true, nil
}

func (m *Memory) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	m.notifMu.RLock()
	defer m.notifMu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	out := n.Clone()
	return &out, nil
}

func (m *Memory) ListNotifications(ctx context.Context, identity string) ([]model.Notification, error) {
	m.notifMu.RLock()
	defer m.notifMu.RUnlock()
	out := make([]model.Notification, 0)
	for _, n := range m.notifications {
		if n.HasRecipient(identity) {
			out = append(out, n.Clone())
		}
	}
	sortNotifications(out)
	return out, nil
}

func (m *Memory) SetNotificationRead(ctx context.Context, id string, read bool) (*model.Notification, error) {
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, apperr.NotFound("notification %s not found", id)
	}
	n.Read = read
	out := n.Clone()
	return &out, nil
}

func (m *Memory) RemoveRecipient(ctx context.Context, id, identity string) (*model.Notification, error) {
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	n, ok := m.notifications[id]
	if !ok || !n.HasRecipient(identity) {
		return nil, apperr.NotFound("notification %s not found for %s", id, identity)
	}
	if m.removeRecipientLocked(n, identity) {
		return nil, nil
	}
	out := n.Clone()
	return &out, nil
}

func (m *Memory) RemoveRecipientEverywhere(ctx context.Context, identity string) (int, error) {
	m.notifMu.Lock()
	defer m.notifMu.Unlock()
	touched := 0
	for _, n := range m.notifications {
		if n.HasRecipient(identity) {
			m.removeRecipientLocked(n, identity)
			touched++
		}
	}
	return touched, nil
}

// removeRecipientLocked reports whether the record was deleted.
func (m *Memory) removeRecipientLocked(n *model.Notification, identity string) bool {
	n.Recipients = slices.DeleteFunc(n.Recipients, func(r string) bool { return r == identity })
	if len(n.Recipients) > 0 {
		return false
	}
	delete(m.notifications, n.ID)
	delete(m.notifByKey, n.Key())
	return true
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortNotifications(ns []model.Notification) {
	slices.SortFunc(ns, func(a, b model.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"talkspace/server/apperr"
	"talkspace/server/model"
	"talkspace/server/store"
)

type published struct {
	room    string
	event   string
	payload any
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(roomID, event string, payload any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{roomID, event, payload})
	return 1, nil
}

func (p *fakePublisher) last() published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Manager, *store.Memory, *fakePublisher, *clock) {
	t.Helper()
	st := store.NewMemory()
	pub := &fakePublisher{}
	clk := &clock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := NewManager(st, pub, zerolog.Nop(), WithClock(clk.Now))
	return m, st, pub, clk
}

func TestSendPublishesRecord(t *testing.T) {
	m, _, pub, clk := setup(t)
	ctx := context.Background()

	msg, err := m.Send(ctx, "r1", "alice", "  hi  ", "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.Body != "hi" || !msg.CreatedAt.Equal(clk.Now()) {
		t.Errorf("unexpected record %+v", msg)
	}
	if len(msg.SeenBy) != 0 {
		t.Errorf("new message should have empty seenBy, got %v", msg.SeenBy)
	}
	got := pub.last()
	if got.room != "r1" || got.event != model.EventMessage {
		t.Errorf("unexpected publish %+v", got)
	}

	if _, err := m.Send(ctx, "r1", "alice", "", "https://cdn.example/a.png"); err != nil {
		t.Errorf("attachment-only message should be accepted: %v", err)
	}

	history, _ := m.History(ctx, "r1")
	if len(history) != 2 || history[0].ID != msg.ID {
		t.Errorf("history should list messages oldest first, got %+v", history)
	}
}

func TestSendRejectsEmptyAndOversized(t *testing.T) {
	m, _, pub, _ := setup(t)
	ctx := context.Background()

	if _, err := m.Send(ctx, "r1", "alice", "   ", ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid input for empty message, got %v", err)
	}
	if _, err := m.Send(ctx, "r1", "alice", strings.Repeat("x", MaxBodyBytes+1), ""); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid input for oversized body, got %v", err)
	}
	if len(pub.events) != 0 {
		t.Errorf("rejected sends must not publish, got %d events", len(pub.events))
	}
}

func TestValidateBody(t *testing.T) {
	tests := []struct {
		body       string
		attachment bool
		ok         bool
	}{
		{"hi", false, true},
		{"", true, true},
		{"", false, false},
		{strings.Repeat("x", MaxBodyBytes), false, true},
		{strings.Repeat("x", MaxBodyBytes+1), true, false},
	}
	for _, tt := range tests {
		err := ValidateBody(tt.body, tt.attachment)
		if tt.ok && err != nil {
			t.Errorf("body of %d bytes, attachment=%v: unexpected error %v", len(tt.body), tt.attachment, err)
		}
		if !tt.ok && !errors.Is(err, apperr.ErrInvalidInput) {
			t.Errorf("body of %d bytes, attachment=%v: expected invalid input, got %v", len(tt.body), tt.attachment, err)
		}
	}
}

func TestEditWindowScenario(t *testing.T) {
	m, st, _, clk := setup(t)
	ctx := context.Background()

	msg, _ := m.Send(ctx, "r1", "alice", "hi", "")

	clk.Advance(9 * time.Minute)
	updated, err := m.Edit(ctx, msg.ID, "alice", "hello")
	if err != nil {
		t.Fatalf("edit at +9m: %v", err)
	}
	if updated.Body != "hello" {
		t.Errorf("expected hello, got %q", updated.Body)
	}

	clk.Advance(2 * time.Minute)
	if _, err := m.Edit(ctx, msg.ID, "alice", "again"); !errors.Is(err, apperr.ErrWindowExpired) {
		t.Fatalf("expected window expired at +11m, got %v", err)
	}
	stored, _ := st.GetMessage(ctx, msg.ID)
	if stored.Body != "hello" {
		t.Errorf("failed edit must leave body unchanged, got %q", stored.Body)
	}
}

func TestEditRules(t *testing.T) {
	tests := []struct {
		name      string
		requestor string
		body      string
		advance   time.Duration
		want      error
	}{
		{"author inside window", "alice", "new", time.Minute, nil},
		{"author at window edge", "alice", "new", DefaultWindow, nil},
		{"author past window", "alice", "new", DefaultWindow + time.Second, apperr.ErrWindowExpired},
		{"someone else", "bob", "new", time.Minute, apperr.ErrUnauthorized},
		{"empty body without attachment", "alice", " ", time.Minute, apperr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st, pub, clk := setup(t)
			ctx := context.Background()
			msg, _ := m.Send(ctx, "r1", "alice", "old", "")
			clk.Advance(tt.advance)

			_, err := m.Edit(ctx, msg.ID, tt.requestor, tt.body)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				got := pub.last()
				update, ok := got.payload.(model.MessageUpdate)
				if got.event != model.EventMessageUpdated || !ok || update.MessageID != msg.ID || update.NewBody != "new" {
					t.Errorf("unexpected publish %+v", got)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			stored, _ := st.GetMessage(ctx, msg.ID)
			if stored.Body != "old" {
				t.Errorf("body changed on failure: %q", stored.Body)
			}
		})
	}
}

func TestEditMissingMessage(t *testing.T) {
	m, _, _, _ := setup(t)
	if _, err := m.Edit(context.Background(), "nope", "alice", "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestDeleteRules(t *testing.T) {
	tests := []struct {
		name      string
		requestor string
		isAdmin   bool
		advance   time.Duration
		want      error
	}{
		{"author inside window", "alice", false, time.Minute, nil},
		{"admin inside window", "bob", true, time.Minute, nil},
		{"stranger", "bob", false, time.Minute, apperr.ErrUnauthorized},
		{"author past window", "alice", false, 11 * time.Minute, apperr.ErrWindowExpired},
		{"admin past window", "bob", true, 11 * time.Minute, apperr.ErrWindowExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, st, pub, clk := setup(t)
			ctx := context.Background()
			msg, _ := m.Send(ctx, "r1", "alice", "bye", "")
			clk.Advance(tt.advance)

			err := m.Delete(ctx, msg.ID, tt.requestor, tt.isAdmin)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error %v", err)
				}
				got := pub.last()
				if got.event != model.EventMessageDeleted || got.payload != msg.ID {
					t.Errorf("deletion should publish only the id, got %+v", got)
				}
				if _, err := st.GetMessage(ctx, msg.ID); !errors.Is(err, apperr.ErrNotFound) {
					t.Errorf("message should be gone, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if _, err := st.GetMessage(ctx, msg.ID); err != nil {
				t.Errorf("message should survive a failed delete: %v", err)
			}
		})
	}
}

func TestDeleteMissingMessage(t *testing.T) {
	m, _, _, _ := setup(t)
	if err := m.Delete(context.Background(), "nope", "alice", true); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	m, _, pub, _ := setup(t)
	ctx := context.Background()
	m.Send(ctx, "r1", "alice", "one", "")
	m.Send(ctx, "r1", "alice", "two", "")

	first, err := m.MarkSeen(ctx, "r1", "bob")
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	second, _ := m.MarkSeen(ctx, "r1", "bob")
	for i := range first {
		if fmt.Sprint(first[i].SeenBy) != fmt.Sprint(second[i].SeenBy) {
			t.Errorf("message %d changed on repeat: %v vs %v", i, first[i].SeenBy, second[i].SeenBy)
		}
		if len(second[i].SeenBy) != 1 {
			t.Errorf("expected one viewer, got %v", second[i].SeenBy)
		}
	}
	if got := pub.last(); got.event != model.EventMessageSeen {
		t.Errorf("expected %s, got %s", model.EventMessageSeen, got.event)
	}
}

func TestMarkSeenConcurrentViewers(t *testing.T) {
	m, _, _, _ := setup(t)
	ctx := context.Background()
	m.Send(ctx, "r1", "alice", "one", "")

	var wg sync.WaitGroup
	for _, viewer := range []string{"bob", "carol"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			if _, err := m.MarkSeen(ctx, "r1", v); err != nil {
				t.Errorf("%s: %v", v, err)
			}
		}(viewer)
	}
	wg.Wait()

	history, _ := m.History(ctx, "r1")
	seen := history[0].SeenBy
	if len(seen) != 2 {
		t.Fatalf("expected both viewers, got %v", seen)
	}
	if !history[0].HasSeen("bob") || !history[0].HasSeen("carol") {
		t.Errorf("missing viewer in %v", seen)
	}
}

func TestWithWindow(t *testing.T) {
	st := store.NewMemory()
	clk := &clock{t: time.Now()}
	m := NewManager(st, &fakePublisher{}, zerolog.Nop(), WithWindow(time.Minute), WithClock(clk.Now))
	msg, _ := m.Send(context.Background(), "r1", "alice", "hi", "")
	clk.Advance(2 * time.Minute)
	if _, err := m.Edit(context.Background(), msg.ID, "alice", "x"); !errors.Is(err, apperr.ErrWindowExpired) {
		t.Errorf("custom window not applied, got %v", err)
	}
}

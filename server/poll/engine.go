// Package poll implements single-choice polls scoped to a room.
package poll

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"talkspace/server/apperr"
	"talkspace/server/metrics"
	"talkspace/server/model"
	"talkspace/server/store"
)

const (
	MinOptions     = 2
	MaxOptions     = 20
	MaxQuestionLen = 500
)

// Publisher delivers an event to every connection in a room.
type Publisher interface {
	Publish(roomID, event string, payload any) (int, error)
}

type Engine struct {
	store store.PollStore
	pub   Publisher
	now   func() time.Time
	log   zerolog.Logger
}

func NewEngine(st store.PollStore, pub Publisher, log zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		pub:   pub,
		now:   time.Now,
		log:   log.With().Str("component", "poll").Logger(),
	}
}

// Create stores a poll with zeroed counters and publishes both the new poll
// and the room's poll list. Blank options are dropped.
func (e *Engine) Create(ctx context.Context, roomID, creator, question string, options []string) (*model.Poll, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, apperr.InvalidInput("question is required")
	}
	if len(question) > MaxQuestionLen {
		return nil, apperr.InvalidInput("question must be at most %d characters", MaxQuestionLen)
	}

	opts := make([]model.PollOption, 0, len(options))
	for _, o := range options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, model.PollOption{Text: o})
		}
	}
	if len(opts) < MinOptions {
		return nil, apperr.InvalidInput("a poll needs at least %d non-empty options", MinOptions)
	}
	if len(opts) > MaxOptions {
		return nil, apperr.InvalidInput("a poll can have at most %d options", MaxOptions)
	}

	p := &model.Poll{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Question:  question,
		Options:   opts,
		CreatedBy: creator,
		CreatedAt: e.now().UTC().Truncate(time.Millisecond),
		Voters:    []string{},
	}
	if err := e.store.CreatePoll(ctx, p); err != nil {
		return nil, apperr.Wrap("create poll", err)
	}
	metrics.PollsCreated.Inc()

	e.publish(roomID, model.EventPollCreated, p)
	e.publishList(ctx, roomID)
	return p, nil
}

// Vote counts voter's choice. The check and the update happen in one store
// primitive, so a second vote by the same identity always fails with
// AlreadyVoted.
func (e *Engine) Vote(ctx context.Context, pollID, voter string, optionIndex int) (*model.Poll, error) {
	p, err := e.store.CastVote(ctx, pollID, optionIndex, voter)
	if err != nil {
		return nil, apperr.Wrap("cast vote", err)
	}
	metrics.VotesTotal.Inc()

	e.log.Debug().
		Str("poll", pollID).
		Str("voter", voter).
		Int("option", optionIndex).
		Msg("vote counted")

	e.publishList(ctx, p.RoomID)
	return p, nil
}

// List returns the room's polls most recent first.
func (e *Engine) List(ctx context.Context, roomID string) ([]model.Poll, error) {
	polls, err := e.store.ListPolls(ctx, roomID)
	if err != nil {
		return nil, apperr.Wrap("list polls", err)
	}
	return polls, nil
}

func (e *Engine) publishList(ctx context.Context, roomID string) {
	polls, err := e.List(ctx, roomID)
	if err != nil {
		e.log.Error().Err(err).Str("room", roomID).Msg("failed to load polls for broadcast")
		return
	}
	e.publish(roomID, model.EventPolls, polls)
}

func (e *Engine) publish(roomID, event string, payload any) {
	if _, err := e.pub.Publish(roomID, event, payload); err != nil {
		e.log.Error().Err(err).Str("room", roomID).Str("event", event).Msg("publish failed")
	}
}

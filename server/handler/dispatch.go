package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"talkspace/server/apperr"
	"talkspace/server/chat"
	"talkspace/server/metrics"
	"talkspace/server/model"
	"talkspace/server/room"
)

const eventTimeout = 15 * time.Second

// limited lists the events counted against the per-identity rate limit.
var limited = map[string]bool{
	model.EventSendMessage:   true,
	model.EventUpdateMessage: true,
	model.EventDeleteMessage: true,
	model.EventCreatePoll:    true,
	model.EventVotePoll:      true,
}

func (s *Server) handleFrame(id room.ConnID, frame []byte) {
	req, err := model.DecodeRequest(frame)
	if err != nil {
		metrics.EventsTotal.WithLabelValues("invalid", string(apperr.KindOf(err))).Inc()
		s.reject(id, "invalid", err)
		return
	}
	s.dispatch(id, req)
}

// dispatch runs one event. Failures go back to the initiating connection
// only; a panic in an engine is turned into an error event.
func (s *Server) dispatch(id room.ConnID, req model.Request) {
	event := req.EventName()
	defer func() {
		if rec := recover(); rec != nil {
			err := apperr.Upstream("handle "+event, fmt.Errorf("panic: %v", rec))
			metrics.EventsTotal.WithLabelValues(event, string(apperr.KindUpstream)).Inc()
			s.reject(id, event, err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	err := s.route(ctx, id, req)
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
		s.reject(id, event, err)
	}
	metrics.EventsTotal.WithLabelValues(event, outcome).Inc()
}

func (s *Server) route(ctx context.Context, id room.ConnID, req model.Request) error {
	if join, ok := req.(*model.JoinRoomRequest); ok {
		return s.joinRoom(ctx, id, join)
	}

	sess, err := s.session(id, req)
	if err != nil {
		return err
	}
	if limited[req.EventName()] {
		if err := s.allow(ctx, sess.Identity, req.EventName()); err != nil {
			return err
		}
	}

	switch r := req.(type) {
	case *model.SendMessageRequest:
		return s.sendMessage(ctx, sess, r)
	case *model.UpdateMessageRequest:
		_, err := s.chat.Edit(ctx, r.MessageID, sess.Identity, r.NewContent)
		return err
	case *model.DeleteMessageRequest:
		return s.chat.Delete(ctx, r.MessageID, sess.Identity, r.IsAdmin)
	case *model.MarkSeenRequest:
		if err := requireRoom(sess, r.Room); err != nil {
			return err
		}
		_, err := s.chat.MarkSeen(ctx, sess.RoomID, sess.Identity)
		return err
	case *model.CreatePollRequest:
		return s.createPoll(ctx, sess, r)
	case *model.GetPollsRequest:
		polls, err := s.polls.List(ctx, r.Room)
		if err != nil {
			return err
		}
		return s.rooms.SendTo(id, model.EventPolls, polls)
	case *model.VotePollRequest:
		_, err := s.polls.Vote(ctx, r.PollID, sess.Identity, r.OptionIndex)
		return err
	default:
		return apperr.InvalidInput("unsupported event %q", req.EventName())
	}
}

// session resolves the acting identity from the connection context. A
// payload naming someone else is rejected.
func (s *Server) session(id room.ConnID, req model.Request) (room.Session, error) {
	sess, ok := s.rooms.Session(id)
	if !ok {
		return room.Session{}, apperr.Unauthorized("connection is closed")
	}
	named, hasActor := req.(model.Identified)
	if !hasActor {
		return sess, nil
	}
	if sess.Identity == "" {
		return room.Session{}, apperr.Unauthorized("join a room first")
	}
	if actor := strings.TrimSpace(named.Actor()); actor != "" && actor != sess.Identity {
		return room.Session{}, apperr.Unauthorized("username does not match this connection")
	}
	return sess, nil
}

func requireRoom(sess room.Session, roomID string) error {
	if sess.RoomID != strings.TrimSpace(roomID) {
		return apperr.Unauthorized("not a member of room %s", roomID)
	}
	return nil
}

func (s *Server) allow(ctx context.Context, identity, event string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, identity)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", identity).Msg("rate limiter error")
	}
	if !ok {
		metrics.RateLimitHits.WithLabelValues(event).Inc()
		return apperr.RateLimited("too many events, slow down")
	}
	return nil
}

func (s *Server) joinRoom(ctx context.Context, id room.ConnID, r *model.JoinRoomRequest) error {
	identity := strings.TrimSpace(r.Username)
	if sess, ok := s.rooms.Session(id); ok && sess.Identity != "" && sess.Identity != identity {
		return apperr.Unauthorized("this connection is bound to %s", sess.Identity)
	}
	sess, err := s.rooms.Join(id, identity, strings.TrimSpace(r.Room))
	if err != nil {
		return apperr.Unauthorized("%v", err)
	}
	history, err := s.chat.History(ctx, sess.RoomID)
	if err != nil {
		return err
	}
	return s.rooms.SendTo(id, model.EventMessageHistory, history)
}

func (s *Server) sendMessage(ctx context.Context, sess room.Session, r *model.SendMessageRequest) error {
	if err := requireRoom(sess, r.Room); err != nil {
		return err
	}
	attachment := strings.TrimSpace(r.File)
	if err := chat.ValidateBody(strings.TrimSpace(r.Message), attachment != ""); err != nil {
		return err
	}
	stored := ""
	if strings.HasPrefix(attachment, "data:") {
		if s.blobs == nil {
			return apperr.InvalidInput("attachments are disabled")
		}
		ref, err := s.blobs.PutDataURL(ctx, attachment)
		if err != nil {
			return err
		}
		attachment, stored = ref, ref
	}

	msg, err := s.chat.Send(ctx, sess.RoomID, sess.Identity, r.Message, attachment)
	if err != nil {
		if stored != "" {
			if delErr := s.blobs.Delete(ctx, stored); delErr != nil {
				s.log.Warn().Err(delErr).Str("file", stored).Msg("could not remove orphaned attachment")
			}
		}
		return err
	}
	if _, err := s.notify.NotifyMessage(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("message", msg.ID).Msg("notification fan-out failed")
	}
	return nil
}

func (s *Server) createPoll(ctx context.Context, sess room.Session, r *model.CreatePollRequest) error {
	if err := requireRoom(sess, r.Room); err != nil {
		return err
	}
	p, err := s.polls.Create(ctx, sess.RoomID, sess.Identity, r.Question, r.Options)
	if err != nil {
		return err
	}
	if _, err := s.notify.NotifyPoll(ctx, p); err != nil {
		s.log.Error().Err(err).Str("poll", p.ID).Msg("notification fan-out failed")
	}
	return nil
}

// reject sends an error event to the initiating connection.
func (s *Server) reject(id room.ConnID, event string, err error) {
	kind := apperr.KindOf(err)
	logEvent := s.log.Debug()
	if kind == apperr.KindUpstream {
		logEvent = s.log.Error()
	}
	logEvent.Err(err).
		Uint64("conn", uint64(id)).
		Str("event", event).
		Str("kind", string(kind)).
		Msg("event rejected")

	payload := model.ErrorPayload{Message: apperr.Message(err), Code: string(kind)}
	if sendErr := s.rooms.SendTo(id, model.EventError, payload); sendErr != nil {
		s.log.Debug().Err(sendErr).Uint64("conn", uint64(id)).Msg("could not deliver error event")
	}
}

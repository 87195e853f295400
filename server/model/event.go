package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"talkspace/server/apperr"
)

// Client -> server event names
const (
	EventJoinRoom      = "joinRoom"
	EventSendMessage   = "sendMessage"
	EventUpdateMessage = "updateMessage"
	EventDeleteMessage = "deleteMessage"
	EventMarkSeen      = "mark_seen"
	EventCreatePoll    = "createPoll"
	EventGetPolls      = "getPolls"
	EventVotePoll      = "votePoll"
)

const (
	maxIdentityLen = 64
	maxRoomLen     = 100
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope encodes payload under event.
func NewEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Request is implemented by every client event payload.
type Request interface {
	EventName() string
	Validate() error
}

// Identified is implemented by requests that name the acting identity.
type Identified interface {
	Actor() string
}

type JoinRoomRequest struct {
	Username string `json:"username"`
	Room     string `json:"room"`
}

type SendMessageRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
	Message  string `json:"message"`
	File     string `json:"file,omitempty"`
}

type UpdateMessageRequest struct {
	MessageID  string `json:"messageId"`
	Username   string `json:"username"`
	NewContent string `json:"newContent"`
}

type DeleteMessageRequest struct {
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
	IsAdmin   bool   `json:"isAdmin"`
}

type MarkSeenRequest struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type CreatePollRequest struct {
	Room     string   `json:"room"`
	Username string   `json:"username"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

type GetPollsRequest struct {
	Room string `json:"room"`
}

type VotePollRequest struct {
	PollID      string `json:"pollId"`
	Username    string `json:"username"`
	OptionIndex int    `json:"optionIndex"`
}

func (JoinRoomRequest) EventName() string      { return EventJoinRoom }
func (SendMessageRequest) EventName() string   { return EventSendMessage }
func (UpdateMessageRequest) EventName() string { return EventUpdateMessage }
func (DeleteMessageRequest) EventName() string { return EventDeleteMessage }
func (MarkSeenRequest) EventName() string      { return EventMarkSeen }
func (CreatePollRequest) EventName() string    { return EventCreatePoll }
func (GetPollsRequest) EventName() string      { return EventGetPolls }
func (VotePollRequest) EventName() string      { return EventVotePoll }

func (r JoinRoomRequest) Actor() string      { return r.Username }
func (r SendMessageRequest) Actor() string   { return r.Username }
func (r UpdateMessageRequest) Actor() string { return r.Username }
func (r DeleteMessageRequest) Actor() string { return r.Username }
func (r MarkSeenRequest) Actor() string      { return r.Username }
func (r CreatePollRequest) Actor() string    { return r.Username }
func (r VotePollRequest) Actor() string      { return r.Username }

func (r JoinRoomRequest) Validate() error {
	if err := validateIdentity(r.Username); err != nil {
		return err
	}
	return validateRoom(r.Room)
}

// Validate checks the envelope fields only. The empty-message rule is
// enforced by the lifecycle manager.
func (r SendMessageRequest) Validate() error {
	return validateRoom(r.Room)
}

func (r UpdateMessageRequest) Validate() error {
	if strings.TrimSpace(r.MessageID) == "" {
		return apperr.InvalidInput("messageId is required")
	}
	return nil
}

func (r DeleteMessageRequest) Validate() error {
	if strings.TrimSpace(r.MessageID) == "" {
		return apperr.InvalidInput("messageId is required")
	}
	return nil
}

func (r MarkSeenRequest) Validate() error {
	return validateRoom(r.Room)
}

func (r CreatePollRequest) Validate() error {
	return validateRoom(r.Room)
}

func (r GetPollsRequest) Validate() error {
	return validateRoom(r.Room)
}

func (r VotePollRequest) Validate() error {
	if strings.TrimSpace(r.PollID) == "" {
		return apperr.InvalidInput("pollId is required")
	}
	if r.OptionIndex < 0 {
		return apperr.InvalidInput("optionIndex out of range")
	}
	return nil
}

func validateIdentity(identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return apperr.InvalidInput("username is required")
	}
	if len(identity) > maxIdentityLen {
		return apperr.InvalidInput("username must be at most %d characters", maxIdentityLen)
	}
	if identity == SystemUsername {
		return apperr.InvalidInput("username %q is reserved", SystemUsername)
	}
	return nil
}

func validateRoom(room string) error {
	room = strings.TrimSpace(room)
	if room == "" {
		return apperr.InvalidInput("room is required")
	}
	if len(room) > maxRoomLen {
		return apperr.InvalidInput("room must be at most %d characters", maxRoomLen)
	}
	return nil
}

var requestFactories = map[string]func() Request{
	EventJoinRoom:      func() Request { return &JoinRoomRequest{} },
	EventSendMessage:   func() Request { return &SendMessageRequest{} },
	EventUpdateMessage: func() Request { return &UpdateMessageRequest{} },
	EventDeleteMessage: func() Request { return &DeleteMessageRequest{} },
	EventMarkSeen:      func() Request { return &MarkSeenRequest{} },
	EventCreatePoll:    func() Request { return &CreatePollRequest{} },
	EventGetPolls:      func() Request { return &GetPollsRequest{} },
	EventVotePoll:      func() Request { return &VotePollRequest{} },
}

// DecodeRequest parses a raw frame into its typed request and validates it.
// The returned value is a pointer to one of the *Request types above.
func DecodeRequest(frame []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, apperr.InvalidInput("invalid JSON format")
	}
	factory, ok := requestFactories[env.Event]
	if !ok {
		return nil, apperr.InvalidInput("unknown event %q", env.Event)
	}
	req := factory()
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, req); err != nil {
			return nil, apperr.InvalidInput("invalid %s payload: %s", env.Event, describeJSONError(err))
		}
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func describeJSONError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	return "malformed data"
}

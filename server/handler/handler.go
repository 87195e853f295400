package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"talkspace/server/apperr"
	"talkspace/server/blob"
	"talkspace/server/chat"
	"talkspace/server/notify"
	"talkspace/server/poll"
	"talkspace/server/ratelimit"
	"talkspace/server/room"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Rooms   *room.Manager
	Chat    *chat.Manager
	Polls   *poll.Engine
	Notify  *notify.Engine
	Blobs   *blob.Store
	Limiter ratelimit.Limiter // nil disables rate limiting
	Checks  map[string]Pinger // probed by /health
	Logger  zerolog.Logger

	AllowedOrigins []string
	MaxUploadBytes int64
}

// Server holds the HTTP and websocket handlers.
type Server struct {
	rooms    *room.Manager
	chat     *chat.Manager
	polls    *poll.Engine
	notify   *notify.Engine
	blobs    *blob.Store
	limiter  ratelimit.Limiter
	checks   map[string]Pinger
	upgrader websocket.Upgrader
	log      zerolog.Logger

	maxUploadBytes int64
}

func NewServer(d Deps) *Server {
	s := &Server{
		rooms:          d.Rooms,
		chat:           d.Chat,
		polls:          d.Polls,
		notify:         d.Notify,
		blobs:          d.Blobs,
		limiter:        d.Limiter,
		checks:         d.Checks,
		log:            d.Logger.With().Str("component", "handler").Logger(),
		maxUploadBytes: d.MaxUploadBytes,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(d.AllowedOrigins),
	}
	return s
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed REST call.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Error maps err to a status code and writes it as JSON.
func (s *Server) Error(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindUpstream {
		s.log.Error().Err(err).Msg("upstream failure")
	}
	JSON(w, statusFor(kind), ErrorResponse{Error: apperr.Message(err), Code: string(kind)})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindWindowExpired, apperr.KindAlreadyVoted:
		return http.StatusConflict
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

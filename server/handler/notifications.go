package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"talkspace/server/apperr"
	"talkspace/server/model"
)

// RemoveResponse is returned when a recipient is dropped from one record.
type RemoveResponse struct {
	Deleted      bool                `json:"deleted"`
	Notification *model.Notification `json:"notification,omitempty"`
}

// RemoveAllResponse is returned when an inbox is cleared.
type RemoveAllResponse struct {
	Removed int `json:"removed"`
}

type usernameBody struct {
	Username string `json:"username"`
}

// ListNotifications handles GET /api/notifications/{username}.
func (s *Server) ListNotifications(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	list, err := s.notify.ListFor(r.Context(), username)
	if err != nil {
		s.Error(w, err)
		return
	}
	JSON(w, http.StatusOK, list)
}

// MarkNotificationRead handles PUT /api/notifications/{id}/read.
func (s *Server) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.notify.MarkRead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.Error(w, err)
		return
	}
	JSON(w, http.StatusOK, n)
}

// RemoveNotificationForUser handles DELETE /api/notifications/removeUser/{id}
// and DELETE /api/notifications/{id}. The username comes from the JSON body
// or the username query parameter.
func (s *Server) RemoveNotificationForUser(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" && r.Body != nil {
		var body usernameBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&body); err == nil {
			username = strings.TrimSpace(body.Username)
		}
	}
	if username == "" {
		s.Error(w, apperr.InvalidInput("username is required"))
		return
	}

	n, err := s.notify.RemoveForUser(r.Context(), mux.Vars(r)["id"], username)
	if err != nil {
		s.Error(w, err)
		return
	}
	JSON(w, http.StatusOK, RemoveResponse{Deleted: n == nil, Notification: n})
}

// RemoveAllNotificationsForUser handles DELETE /api/notifications/user/{username}.
func (s *Server) RemoveAllNotificationsForUser(w http.ResponseWriter, r *http.Request) {
	n, err := s.notify.RemoveAllForUser(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		s.Error(w, err)
		return
	}
	JSON(w, http.StatusOK, RemoveAllResponse{Removed: n})
}

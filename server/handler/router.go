package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router wires every route. Specific notification paths are registered
// before the {id} catch-all.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(Observe(s.log))

	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/chat/{roomId}", s.HandleWebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/notifications/user/{username}", s.RemoveAllNotificationsForUser).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/removeUser/{id}", s.RemoveNotificationForUser).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/{id}/read", s.MarkNotificationRead).Methods(http.MethodPut)
	api.HandleFunc("/notifications/{id}", s.RemoveNotificationForUser).Methods(http.MethodDelete)
	api.HandleFunc("/notifications/{username}", s.ListNotifications).Methods(http.MethodGet)

	if s.blobs != nil {
		api.HandleFunc("/uploads", s.HandleUpload).Methods(http.MethodPost)
		r.HandleFunc("/uploads/{key}", s.ServeUpload).Methods(http.MethodGet)
	}
	return r
}

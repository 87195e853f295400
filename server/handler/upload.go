package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"talkspace/server/apperr"
)

// UploadResponse carries the reference to a stored attachment.
type UploadResponse struct {
	FileURL string `json:"fileUrl"`
}

// HandleUpload handles POST /api/uploads with a multipart "file" field.
func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	// room for multipart headers on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.Error(w, apperr.InvalidInput("file exceeds %d bytes", s.maxUploadBytes))
			return
		}
		s.Error(w, apperr.InvalidInput("expected a multipart form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.Error(w, apperr.InvalidInput("file is required"))
		return
	}
	defer file.Close()

	ref, err := s.blobs.Put(r.Context(), header.Filename, file)
	if err != nil {
		s.Error(w, err)
		return
	}
	s.log.Info().Str("file", header.Filename).Str("url", ref).Msg("file uploaded")
	JSON(w, http.StatusCreated, UploadResponse{FileURL: ref})
}

// ServeUpload handles GET /uploads/{key}.
func (s *Server) ServeUpload(w http.ResponseWriter, r *http.Request) {
	obj, err := s.blobs.Open(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.Error(w, err)
		return
	}
	defer obj.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if _, err := io.Copy(w, obj); err != nil {
		s.log.Debug().Err(err).Msg("upload stream interrupted")
	}
}

// Package blob stores message attachments in a gocloud bucket and hands
// back an opaque reference URL.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"talkspace/server/apperr"
	"talkspace/server/metrics"
)

// PathPrefix is where stored objects are served from.
const PathPrefix = "/uploads/"

// allowed maps accepted file extensions to their content type.
var allowed = map[string]string{
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
	".pdf":  "application/pdf",
	".mp4":  "video/mp4",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
}

// Store wraps a bucket opened from a gocloud URL such as
// file:///var/lib/talkspace/uploads or mem://.
type Store struct {
	bk         *blob.Bucket
	publicBase string
	maxBytes   int64
}

// Open opens the bucket at bucketURL. Local directories are created when
// missing. publicBase is prepended to object paths in returned URLs.
func Open(ctx context.Context, bucketURL, publicBase string, maxBytes int64) (*Store, error) {
	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, fmt.Errorf("parse blob url: %w", err)
	}
	if u.Scheme == "file" {
		dir := u.Path
		if u.Host == "." {
			dir = strings.TrimPrefix(dir, "/")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure blob dir: %w", err)
		}
	}
	bk, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket: %w", err)
	}
	return &Store{bk: bk, publicBase: strings.TrimRight(publicBase, "/"), maxBytes: maxBytes}, nil
}

func (s *Store) Close() error { return s.bk.Close() }

// Ping reports whether the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ok, err := s.bk.IsAccessible(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket is not accessible")
	}
	return nil
}

// URL returns the public reference for key.
func (s *Store) URL(key string) string {
	return s.publicBase + PathPrefix + key
}

// Put streams r into a new object named after filename's extension and
// returns its reference URL.
func (s *Store) Put(ctx context.Context, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	contentType, ok := allowed[ext]
	if !ok {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", apperr.InvalidInput("file type %q is not allowed", ext)
	}
	key := uuid.NewString() + ext

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bk.NewWriter(ctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		metrics.Uploads.WithLabelValues("failed").Inc()
		return "", apperr.Upstream("open blob writer", err)
	}
	n, err := io.Copy(w, io.LimitReader(r, s.maxBytes+1))
	if err == nil && n > s.maxBytes {
		// cancelling before Close discards the partial object
		cancel()
		w.Close()
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", apperr.InvalidInput("file exceeds %d bytes", s.maxBytes)
	}
	if err != nil {
		cancel()
		w.Close()
		metrics.Uploads.WithLabelValues("failed").Inc()
		return "", apperr.Upstream("write blob", err)
	}
	if err := w.Close(); err != nil {
		metrics.Uploads.WithLabelValues("failed").Inc()
		return "", apperr.Upstream("close blob writer", err)
	}
	metrics.Uploads.WithLabelValues("stored").Inc()
	return s.URL(key), nil
}

// PutDataURL stores a base64 data: URL as sent by browser clients.
func (s *Store) PutDataURL(ctx context.Context, dataURL string) (string, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(dataURL, "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return "", apperr.InvalidInput("file must be a base64 data URL")
	}
	mediaType := strings.TrimSuffix(header, ";base64")
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	ext := extensionFor(mediaType)
	if ext == "" {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", apperr.InvalidInput("file type %q is not allowed", mediaType)
	}
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > s.maxBytes+2 {
		metrics.Uploads.WithLabelValues("rejected").Inc()
		return "", apperr.InvalidInput("file exceeds %d bytes", s.maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", apperr.InvalidInput("file is not valid base64")
	}
	return s.Put(ctx, "upload"+ext, bytes.NewReader(data))
}

// Object is an open stored object.
type Object struct {
	io.ReadCloser
	ContentType string
	Size        int64
}

// Open returns the object stored under key.
func (s *Store) Open(ctx context.Context, key string) (*Object, error) {
	key = sanitizeKey(key)
	if key == "" {
		return nil, apperr.NotFound("file not found")
	}
	r, err := s.bk.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, apperr.NotFound("file %s not found", key)
		}
		return nil, apperr.Upstream("open blob", err)
	}
	return &Object{ReadCloser: r, ContentType: r.ContentType(), Size: r.Size()}, nil
}

// Delete removes the object behind ref, a reference returned by Put.
// Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, ref string) error {
	i := strings.LastIndex(ref, PathPrefix)
	if i < 0 {
		return apperr.InvalidInput("not a stored file reference")
	}
	key := sanitizeKey(ref[i+len(PathPrefix):])
	if key == "" {
		return apperr.InvalidInput("not a stored file reference")
	}
	if err := s.bk.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return apperr.Upstream("delete blob", err)
	}
	return nil
}

func extensionFor(mediaType string) string {
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	for _, ext := range []string{".jpg", ".png", ".pdf", ".mp4", ".mp3", ".wav"} {
		if allowed[ext] == mediaType {
			return ext
		}
	}
	// browsers report a few audio types under other names
	if exts, err := mime.ExtensionsByType(mediaType); err == nil {
		for _, ext := range exts {
			if _, ok := allowed[ext]; ok {
				return ext
			}
		}
	}
	return ""
}

// sanitizeKey prevents path traversal.
func sanitizeKey(key string) string {
	key = path.Clean("/" + filepath.ToSlash(key))
	return strings.TrimLeft(key, "/")
}

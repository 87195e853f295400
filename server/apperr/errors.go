// Package apperr defines the error kinds surfaced by the room engine.
//
// Every operation returns either nil or an *Error. Errors coming from
// collaborators (database, blob store, redis) that are not already an
// *Error are wrapped as UpstreamFailure by Wrap.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the client-facing surface.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindUnauthorized  Kind = "unauthorized"
	KindWindowExpired Kind = "window_expired"
	KindInvalidInput  Kind = "invalid_input"
	KindAlreadyVoted  Kind = "already_voted"
	KindUpstream      Kind = "upstream_failure"
	KindRateLimited   Kind = "rate_limited"
)

// Error is the concrete error type returned by engine operations.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Kind == KindUpstream {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so callers can write
// errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound      = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized, Msg: "unauthorized"}
	ErrWindowExpired = &Error{Kind: KindWindowExpired, Msg: "time window expired"}
	ErrInvalidInput  = &Error{Kind: KindInvalidInput, Msg: "invalid input"}
	ErrAlreadyVoted  = &Error{Kind: KindAlreadyVoted, Msg: "already voted"}
	ErrUpstream      = &Error{Kind: KindUpstream, Msg: "upstream failure"}
	ErrRateLimited   = &Error{Kind: KindRateLimited, Msg: "rate limit exceeded"}
)

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error { return newf(KindNotFound, format, args...) }

func Unauthorized(format string, args ...any) error { return newf(KindUnauthorized, format, args...) }

func WindowExpired(format string, args ...any) error { return newf(KindWindowExpired, format, args...) }

func InvalidInput(format string, args ...any) error { return newf(KindInvalidInput, format, args...) }

func AlreadyVoted(format string, args ...any) error { return newf(KindAlreadyVoted, format, args...) }

func RateLimited(format string, args ...any) error { return newf(KindRateLimited, format, args...) }

// Upstream wraps a collaborator failure.
func Upstream(op string, err error) error {
	return &Error{Kind: KindUpstream, Msg: op, Err: err}
}

// Wrap returns err unchanged when it already carries a Kind and wraps it as
// UpstreamFailure otherwise.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return Upstream(op, err)
}

// KindOf reports the Kind of err. Errors without a Kind are upstream
// failures from the caller's point of view.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstream
}

// Message returns the client-safe text for err. Upstream details are not
// exposed.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUpstream {
			return ErrUpstream.Msg
		}
		return e.Msg
	}
	return ErrUpstream.Msg
}

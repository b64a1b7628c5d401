package model

import (
	"errors"
	"time"
)

// ErrorKind is the stable, client-visible classification of a failure.
type ErrorKind string

// Error codes defined by API contract.
const (
	KindRejectedPath       ErrorKind = "E_REJECTED_PATH"
	KindRejectedCommand    ErrorKind = "E_REJECTED_COMMAND"
	KindTooLarge           ErrorKind = "E_TOO_LARGE"
	KindIOFailure          ErrorKind = "E_IO_FAILURE"
	KindSessionUnavailable ErrorKind = "E_SESSION_UNAVAILABLE"
	KindDispatchFailed     ErrorKind = "E_DISPATCH_FAILED"
	KindUnreachable        ErrorKind = "E_UNREACHABLE"
	KindAuthFailed         ErrorKind = "E_AUTH_FAILED"
	KindNotFound           ErrorKind = "E_NOT_FOUND"

	KindBadRequest      ErrorKind = "E_BAD_REQUEST"
	KindUnauthenticated ErrorKind = "E_UNAUTHENTICATED"
	KindRateLimited     ErrorKind = "E_RATE_LIMITED"
)

// Reasons attached to rejection kinds. They are safe to show to callers.
const (
	ReasonOutsideRoot      = "outside_root"
	ReasonMalformed        = "malformed"
	ReasonEmpty            = "empty"
	ReasonTooLong          = "too_long"
	ReasonMetacharacter    = "metacharacter"
	ReasonControlCharacter = "control_character"
	ReasonBlocked          = "blocked"
	ReasonNotAllowed       = "not_allowed"
	ReasonTimeout          = "timeout"
	ReasonExtension        = "extension_not_allowed"
)

// Error is a classified failure. Kind and Reason are safe for callers; Err
// holds internal detail and must never be rendered to clients.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error

	// RetryAfter is set on rate limit rejections.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on kind so errors.Is(err, ErrRejectedPath) holds for any reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrRejectedPath       = &Error{Kind: KindRejectedPath}
	ErrRejectedCommand    = &Error{Kind: KindRejectedCommand}
	ErrTooLarge           = &Error{Kind: KindTooLarge}
	ErrIOFailure          = &Error{Kind: KindIOFailure}
	ErrSessionUnavailable = &Error{Kind: KindSessionUnavailable}
	ErrDispatchFailed     = &Error{Kind: KindDispatchFailed}
	ErrUnreachable        = &Error{Kind: KindUnreachable}
	ErrAuthFailed         = &Error{Kind: KindAuthFailed}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated}
	ErrRateLimited        = &Error{Kind: KindRateLimited}
)

func NewError(kind ErrorKind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// KindOf reports the classified kind of err, or "" when err is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ReasonOf reports the rejection reason carried by err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// RetryAfterOf reports how long a rate-limited caller should wait.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// PublicMessage is the fixed message returned to callers for each kind.
func PublicMessage(kind ErrorKind) string {
	switch kind {
	case KindRejectedPath:
		return "path rejected"
	case KindRejectedCommand:
		return "command rejected"
	case KindTooLarge:
		return "payload too large"
	case KindIOFailure:
		return "storage operation failed"
	case KindSessionUnavailable:
		return "session unavailable"
	case KindDispatchFailed:
		return "dispatch failed"
	case KindUnreachable:
		return "notification broker unreachable"
	case KindAuthFailed:
		return "notification broker rejected credentials"
	case KindNotFound:
		return "not found"
	case KindUnauthenticated:
		return "authentication required"
	case KindRateLimited:
		return "too many requests"
	default:
		return "bad request"
	}
}

// Package apperr defines the tagged error type shared by the service layer,
// the dispatch queue and the outbox relay. Each error carries a Kind; the
// HTTP layer is the only place where kinds are translated into status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error independently of any transport.
type Kind string

const (
	KindAuth                  Kind = "auth"
	KindReplay                Kind = "replay"
	KindIdempotencyConflict   Kind = "idempotency_conflict"
	KindIdempotencyInProgress Kind = "idempotency_in_progress"
	KindNotFound              Kind = "not_found"
	KindValidation            Kind = "validation"
	KindRetryableDelivery     Kind = "retryable_delivery"
	KindTerminalDelivery      Kind = "terminal_delivery"
	KindConfiguration         Kind = "configuration"
)

// Error is the concrete error value. Msg is safe to show to clients; Err is
// the optional underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, apperr.ErrAuth)
// holds for every authentication failure regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// Sentinels for errors.Is checks.
var (
	ErrAuth                  = &Error{Kind: KindAuth}
	ErrReplay                = &Error{Kind: KindReplay}
	ErrIdempotencyConflict   = &Error{Kind: KindIdempotencyConflict}
	ErrIdempotencyInProgress = &Error{Kind: KindIdempotencyInProgress}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrValidation            = &Error{Kind: KindValidation}
	ErrRetryableDelivery     = &Error{Kind: KindRetryableDelivery}
	ErrTerminalDelivery      = &Error{Kind: KindTerminalDelivery}
	ErrConfiguration         = &Error{Kind: KindConfiguration}
)

func New(kind Kind, msg string) *Error { return &Error{Kind: kind, Msg: msg} }

func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Msg: msg, Err: err} }

func Auth(msg string) *Error          { return New(KindAuth, msg) }
func Replay(msg string) *Error        { return New(KindReplay, msg) }
func NotFound(msg string) *Error      { return New(KindNotFound, msg) }
func Validation(msg string) *Error    { return New(KindValidation, msg) }
func Configuration(msg string) *Error { return New(KindConfiguration, msg) }

// Retryable marks err as a transient delivery failure.
func Retryable(msg string, err error) *Error { return Wrap(KindRetryableDelivery, msg, err) }

// Terminal marks err as a permanent delivery failure.
func Terminal(msg string, err error) *Error { return Wrap(KindTerminalDelivery, msg, err) }

// KindOf returns the Kind of the first *Error in err's chain, or "" when the
// chain carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err was classified as a transient delivery
// failure.
func IsRetryable(err error) bool { return KindOf(err) == KindRetryableDelivery }

// Message returns the client-safe message of err, falling back to fallback.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Msg != "" {
		return e.Msg
	}
	return fallback
}

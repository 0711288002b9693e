package domain

import (
	"errors"
	"strings"
)

// ErrorKind classifies failures returned by the versioning core.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindConflict     ErrorKind = "concurrency_conflict"
	KindValidation   ErrorKind = "validation"
	KindInvalidState ErrorKind = "invalid_state"
	KindTimeout      ErrorKind = "timeout"
	KindUnavailable  ErrorKind = "unavailable"
	// KindAborted reports a unit of work that was doomed by a nested scope
	// released without completion.
	KindAborted ErrorKind = "aborted"
)

// Sentinels usable with errors.Is; matching is by kind only.
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrConflict     = &Error{Kind: KindConflict}
	ErrValidation   = &Error{Kind: KindValidation}
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrTimeout      = &Error{Kind: KindTimeout}
	ErrUnavailable  = &Error{Kind: KindUnavailable}
	ErrAborted      = &Error{Kind: KindAborted}
)

// Error is the typed failure surfaced to repository code. Entity and Key carry
// the offending record so higher layers can build field or record messages.
type Error struct {
	Kind    ErrorKind
	Op      string
	Entity  string
	Key     string
	Message string
	Fields  []string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Entity != "" || e.Key != "" {
		b.WriteString(" [")
		b.WriteString(e.Entity)
		if e.Key != "" {
			if e.Entity != "" {
				b.WriteString(" ")
			}
			b.WriteString(e.Key)
		}
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports kind equality so that errors.Is(err, ErrConflict) holds for any
// conflict regardless of the entity it names.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Retryable reports whether re-reading and retrying can succeed.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Kind {
	case KindConflict, KindTimeout, KindUnavailable:
		return true
	default:
		return false
	}
}

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

func NotFound(op, entity, key string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Entity: entity, Key: key}
}

func Conflict(op, entity, key string) *Error {
	return &Error{Kind: KindConflict, Op: op, Entity: entity, Key: key, Message: "record was changed by another writer"}
}

func Validation(op, message string, fields ...string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: message, Fields: fields}
}

func InvalidState(op, entity, key, message string) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Entity: entity, Key: key, Message: message}
}

func Timeout(op string, cause error) *Error {
	return &Error{Kind: KindTimeout, Op: op, Err: cause}
}

func Unavailable(op string, cause error) *Error {
	return &Error{Kind: KindUnavailable, Op: op, Err: cause}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when err
// carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a conflict, timeout or unavailability.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// WithTarget returns a copy of err annotated with entity and key when err is
// an *Error lacking them; other errors are returned unchanged.
func WithTarget(err error, op, entity, key string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	out := *e
	if out.Op == "" {
		out.Op = op
	}
	if out.Entity == "" {
		out.Entity = entity
	}
	if out.Key == "" {
		out.Key = key
	}
	return &out
}

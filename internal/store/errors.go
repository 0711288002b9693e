package store

import (
	"context"
	"errors"

	"github.com/rpattn/medledger/internal/domain"
)

// ContextError maps a cancelled or expired context to its domain kind. It
// returns nil when err carries neither.
func ContextError(op string, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.Timeout(op, err)
	case errors.Is(err, context.Canceled):
		return domain.NewError(domain.KindAborted, op, "operation cancelled", err)
	}
	return nil
}

// IsConditionMiss reports whether err is one of the conditional write
// sentinels rather than a store fault.
func IsConditionMiss(err error) bool {
	return errors.Is(err, ErrNoCurrent) || errors.Is(err, ErrTokenMismatch) || errors.Is(err, ErrStateMismatch)
}

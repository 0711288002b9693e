package version

import (
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

// Snapshot is one time-bounded version of an entity. ValidTo is nil for the
// live version.
type Snapshot[P any] struct {
	Key         uuid.UUID
	SnapshotKey uuid.UUID
	ValidFrom   time.Time
	ValidTo     *time.Time
	Deleted     bool
	Token       domain.Token
	Payload     P
	Audit       domain.ActionContext
}

// Current reports whether the snapshot is the live version.
func (s Snapshot[P]) Current() bool { return s.ValidTo == nil }

// ValidAt reports whether t falls in [ValidFrom, ValidTo).
func (s Snapshot[P]) ValidAt(t time.Time) bool {
	if t.Before(s.ValidFrom) {
		return false
	}
	return s.ValidTo == nil || t.Before(*s.ValidTo)
}

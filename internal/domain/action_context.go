package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActionContext identifies who performed a write and when. Every snapshot and
// link row is stamped with it. Local is the facility wall-clock time of the
// action; backends persist it without a zone, so values read back carry the
// same wall clock in UTC.
type ActionContext struct {
	UserKey   uuid.UUID
	DeviceKey uuid.UUID
	UTC       time.Time
	Local     time.Time
}

// NewActionContext stamps an action at now, deriving the local wall clock from
// loc (UTC when nil). Times are truncated to microseconds, the resolution both
// backends persist.
func NewActionContext(userKey, deviceKey uuid.UUID, now time.Time, loc *time.Location) ActionContext {
	if loc == nil {
		loc = time.UTC
	}
	now = now.Truncate(time.Microsecond)
	return ActionContext{
		UserKey:   userKey,
		DeviceKey: deviceKey,
		UTC:       now.UTC(),
		Local:     WallClock(now.In(loc)),
	}
}

// WallClock drops the zone of t, keeping its wall-clock reading.
func WallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

// Validate rejects contexts that cannot stamp audit columns.
func (ac ActionContext) Validate() error {
	if ac.UTC.IsZero() {
		return Validation("action context", "action timestamp is required", "utc")
	}
	if ac.Local.IsZero() {
		return Validation("action context", "local action timestamp is required", "local")
	}
	return nil
}

// Normalized returns ac with both timestamps at microsecond resolution and the
// UTC stamp in the UTC location.
func (ac ActionContext) Normalized() ActionContext {
	ac.UTC = ac.UTC.UTC().Truncate(time.Microsecond)
	ac.Local = WallClock(ac.Local).Truncate(time.Microsecond)
	return ac
}

// At returns a copy of ac moved to t, shifting the local wall clock by the
// same offset.
func (ac ActionContext) At(t time.Time) ActionContext {
	t = t.UTC().Truncate(time.Microsecond)
	delta := t.Sub(ac.UTC)
	ac.UTC = t
	ac.Local = ac.Local.Add(delta)
	return ac
}

// Package store declares the persistence contract the versioning core runs
// against. Backends implement Backend; every read and write happens inside a
// Tx opened by the unit of work.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
)

// Conditional write outcomes. WriteCloseAndOpen and WriteUnlink return these
// unwrapped so callers can classify them.
var (
	ErrNoCurrent     = errors.New("store: no current row")
	ErrTokenMismatch = errors.New("store: concurrency token mismatch")
	ErrStateMismatch = errors.New("store: deleted state mismatch")
)

// MinStep is the smallest ValidFrom increment between consecutive snapshots.
const MinStep = time.Microsecond

// SnapshotRow is one stored version of an entity. Payload is the codec output.
type SnapshotRow struct {
	Kind        string
	Key         uuid.UUID
	SnapshotKey uuid.UUID
	ValidFrom   time.Time
	ValidTo     *time.Time
	Deleted     bool
	Token       domain.Token
	Payload     []byte
	Audit       domain.ActionContext
}

// Open reports whether the row is the live version of its entity.
func (r SnapshotRow) Open() bool { return r.ValidTo == nil }

// LinkRow is one time-bounded membership of MemberKey in OwnerKey's set.
type LinkRow struct {
	LinkKey         uuid.UUID
	Relation        string
	OwnerKey        uuid.UUID
	MemberKey       uuid.UUID
	Attributes      []byte
	AssociatedAt    time.Time
	AssociatedBy    domain.ActionContext
	DisassociatedAt *time.Time
	DisassociatedBy *domain.ActionContext
}

func (l LinkRow) Open() bool { return l.DisassociatedAt == nil }

// Expectation guards a close-and-open write. The live row must have the given
// deleted state and, when CheckToken is set, the given token.
type Expectation struct {
	Kind       string
	Key        uuid.UUID
	Token      domain.Token
	CheckToken bool
	Deleted    bool
}

// Backend opens transactions against one relational store.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Name() string
	Close() error
}

// Tx is a single store transaction. Implementations are not safe for
// concurrent use.
type Tx interface {
	// ReadCurrent returns the open row for key, deleted or not.
	ReadCurrent(ctx context.Context, kind string, key uuid.UUID) (SnapshotRow, bool, error)
	// ReadCurrentMany returns the open, non-deleted rows among keys.
	ReadCurrentMany(ctx context.Context, kind string, keys []uuid.UUID) ([]SnapshotRow, error)
	// ListCurrent returns every open, non-deleted row of kind ordered by key.
	ListCurrent(ctx context.Context, kind string) ([]SnapshotRow, error)
	// ReadHistory returns every row for key ordered by ValidFrom.
	ReadHistory(ctx context.Context, kind string, key uuid.UUID) ([]SnapshotRow, error)

	// InsertSnapshot stores the first row of a new entity and returns it with
	// its assigned token.
	InsertSnapshot(ctx context.Context, row SnapshotRow) (SnapshotRow, error)
	// WriteCloseAndOpen closes the live row matching expect and opens next.
	// The close instant is the later of next.ValidFrom and the closed row's
	// ValidFrom plus MinStep; the returned row carries it and the new token.
	// When no row matches it returns ErrNoCurrent, ErrStateMismatch or
	// ErrTokenMismatch after inspecting the live row.
	WriteCloseAndOpen(ctx context.Context, expect Expectation, next SnapshotRow) (SnapshotRow, error)

	// ReadCurrentMemberLinks returns the open links of owner ordered by member.
	ReadCurrentMemberLinks(ctx context.Context, relation string, owner uuid.UUID) ([]LinkRow, error)
	// ReadLinkHistory returns every link of owner ordered by AssociatedAt.
	ReadLinkHistory(ctx context.Context, relation string, owner uuid.UUID) ([]LinkRow, error)
	WriteLink(ctx context.Context, link LinkRow) error
	// WriteUnlink closes an open link. It returns ErrNoCurrent when the link
	// is already closed or unknown.
	WriteUnlink(ctx context.Context, linkKey uuid.UUID, at time.Time, by domain.ActionContext) error
	// UpdateLinkAttributes replaces the attributes of an open link.
	UpdateLinkAttributes(ctx context.Context, linkKey uuid.UUID, attributes []byte) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// NextValidFrom returns the ValidFrom for a snapshot following one that
// started at prev, requested at at.
func NextValidFrom(at, prev time.Time) time.Time {
	at = at.UTC().Truncate(MinStep)
	floor := prev.UTC().Add(MinStep)
	if at.Before(floor) {
		return floor
	}
	return at
}

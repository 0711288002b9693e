// Package version stores entities as append-only snapshot chains with one live
// snapshot per key, guarded by an optimistic concurrency token.
package version

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/metrics"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/uow"
)

// Store versions one entity kind with payload type P.
type Store[P any] struct {
	kind     string
	codec    Codec[P]
	validate func(P) error
	uow      *uow.Manager
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// Option configures a Store.
type Option[P any] func(*Store[P])

// WithCodec replaces the default JSON codec.
func WithCodec[P any](c Codec[P]) Option[P] {
	return func(s *Store[P]) { s.codec = c }
}

// WithValidator runs fn on every payload before it is written. Failures are
// reported as validation errors.
func WithValidator[P any](fn func(P) error) Option[P] {
	return func(s *Store[P]) { s.validate = fn }
}

// New returns the store for kind. Every operation runs through mgr, joining
// the scope carried by its context.
func New[P any](kind string, mgr *uow.Manager, opts ...Option[P]) *Store[P] {
	s := &Store[P]{
		kind:    kind,
		codec:   JSONCodec[P]{},
		uow:     mgr,
		logger:  logger.Component(mgr.Logger(), "version").With().Str("kind", kind).Logger(),
		metrics: mgr.Metrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Kind returns the entity kind discriminator.
func (s *Store[P]) Kind() string { return s.kind }

// GetCurrent returns the live snapshot of key. Deleted and unknown keys are
// NotFound.
func (s *Store[P]) GetCurrent(ctx context.Context, key uuid.UUID) (Snapshot[P], error) {
	const op = "get current"
	var (
		row   store.SnapshotRow
		found bool
	)
	err := s.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		row, found, err = tx.ReadCurrent(ctx, s.kind, key)
		return err
	})
	if err != nil {
		return Snapshot[P]{}, s.fail(op, key, err)
	}
	if !found || row.Deleted {
		return Snapshot[P]{}, domain.NotFound(op, s.kind, key.String())
	}
	return s.decode(row)
}

// GetCurrentMany returns the live snapshots among keys ordered by key. Missing
// and deleted keys are skipped.
func (s *Store[P]) GetCurrentMany(ctx context.Context, keys []uuid.UUID) ([]Snapshot[P], error) {
	const op = "get current many"
	unique := dedupe(keys)
	var rows []store.SnapshotRow
	err := s.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		rows, err = tx.ReadCurrentMany(ctx, s.kind, unique)
		return err
	})
	if err != nil {
		return nil, s.fail(op, uuid.Nil, err)
	}
	return s.decodeAll(rows)
}

// ListCurrent returns every live, non-deleted snapshot of the kind.
func (s *Store[P]) ListCurrent(ctx context.Context) ([]Snapshot[P], error) {
	const op = "list current"
	var rows []store.SnapshotRow
	err := s.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		rows, err = tx.ListCurrent(ctx, s.kind)
		return err
	})
	if err != nil {
		return nil, s.fail(op, uuid.Nil, err)
	}
	return s.decodeAll(rows)
}

// History returns every snapshot of key ordered by ValidFrom.
func (s *Store[P]) History(ctx context.Context, key uuid.UUID) ([]Snapshot[P], error) {
	const op = "history"
	rows, err := s.history(ctx, op, key)
	if err != nil {
		return nil, err
	}
	return s.decodeAll(rows)
}

// AsOf returns the snapshot of key valid at t. It is NotFound when the entity
// did not exist or was deleted at t.
func (s *Store[P]) AsOf(ctx context.Context, key uuid.UUID, t time.Time) (Snapshot[P], error) {
	const op = "as of"
	rows, err := s.history(ctx, op, key)
	if err != nil {
		return Snapshot[P]{}, err
	}
	t = t.UTC()
	for _, row := range rows {
		if t.Before(row.ValidFrom) {
			break
		}
		if row.ValidTo != nil && !t.Before(*row.ValidTo) {
			continue
		}
		if row.Deleted {
			break
		}
		return s.decode(row)
	}
	return Snapshot[P]{}, domain.NotFound(op, s.kind, key.String())
}

// Diff renders a unified diff between two snapshots of key.
func (s *Store[P]) Diff(ctx context.Context, key, base, target uuid.UUID) (string, error) {
	const op = "diff"
	rows, err := s.history(ctx, op, key)
	if err != nil {
		return "", err
	}
	views := make(map[uuid.UUID]*domain.SnapshotView, 2)
	for _, row := range rows {
		if row.SnapshotKey != base && row.SnapshotKey != target {
			continue
		}
		view, err := viewFromRow(row)
		if err != nil {
			return "", err
		}
		views[row.SnapshotKey] = &view
	}
	for _, k := range []uuid.UUID{base, target} {
		if views[k] == nil {
			return "", domain.NotFound(op, s.kind+" snapshot", k.String())
		}
	}
	return domain.DiffSnapshots(diffLabel(views[base]), views[base], diffLabel(views[target]), views[target])
}

// HistoryViews returns the history of key in payload-agnostic form, for
// reports that handle every kind alike.
func (s *Store[P]) HistoryViews(ctx context.Context, key uuid.UUID) ([]domain.SnapshotView, error) {
	rows, err := s.history(ctx, "history", key)
	if err != nil {
		return nil, err
	}
	views := make([]domain.SnapshotView, 0, len(rows))
	for _, row := range rows {
		view, err := viewFromRow(row)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	return views, nil
}

// Insert stores the first snapshot of a new entity.
func (s *Store[P]) Insert(ctx context.Context, ac domain.ActionContext, payload P) (uuid.UUID, domain.Token, error) {
	const op = "insert"
	key := uuid.New()
	var written store.SnapshotRow
	err := s.write(ctx, op, key, ac, func(ctx context.Context, tx store.Tx, ac domain.ActionContext) error {
		data, err := s.encode(op, payload)
		if err != nil {
			return err
		}
		written, err = tx.InsertSnapshot(ctx, store.SnapshotRow{
			Kind:        s.kind,
			Key:         key,
			SnapshotKey: uuid.New(),
			ValidFrom:   ac.UTC,
			Payload:     data,
			Audit:       ac,
		})
		return err
	})
	if err != nil {
		return uuid.Nil, domain.Token{}, err
	}
	return key, written.Token, nil
}

// Revise replaces the live payload of key. expected must be the token of the
// live snapshot.
func (s *Store[P]) Revise(ctx context.Context, ac domain.ActionContext, key uuid.UUID, expected domain.Token, payload P) (domain.Token, error) {
	const op = "revise"
	var written store.SnapshotRow
	err := s.write(ctx, op, key, ac, func(ctx context.Context, tx store.Tx, ac domain.ActionContext) error {
		data, err := s.encode(op, payload)
		if err != nil {
			return err
		}
		written, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: s.kind, Key: key, Token: expected, CheckToken: true},
			s.nextRow(ac, data, false))
		return s.classifyMiss(op, key, err, domain.KindNotFound)
	})
	if err != nil {
		return domain.Token{}, err
	}
	return written.Token, nil
}

// Delete closes the live snapshot of key and opens a terminal deleted
// snapshot carrying the last payload.
func (s *Store[P]) Delete(ctx context.Context, ac domain.ActionContext, key uuid.UUID, expected domain.Token) error {
	const op = "delete"
	return s.write(ctx, op, key, ac, func(ctx context.Context, tx store.Tx, ac domain.ActionContext) error {
		current, found, err := tx.ReadCurrent(ctx, s.kind, key)
		if err != nil {
			return err
		}
		if !found || current.Deleted {
			return domain.NotFound(op, s.kind, key.String())
		}
		if current.Token != expected {
			return domain.Conflict(op, s.kind, key.String())
		}
		_, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: s.kind, Key: key, Token: expected, CheckToken: true},
			s.nextRow(ac, current.Payload, true))
		return s.classifyMiss(op, key, err, domain.KindNotFound)
	})
}

// Undelete reopens a deleted entity with its last pre-delete payload and
// returns the fresh token.
func (s *Store[P]) Undelete(ctx context.Context, ac domain.ActionContext, key uuid.UUID) (domain.Token, error) {
	const op = "undelete"
	var written store.SnapshotRow
	err := s.write(ctx, op, key, ac, func(ctx context.Context, tx store.Tx, ac domain.ActionContext) error {
		current, found, err := tx.ReadCurrent(ctx, s.kind, key)
		if err != nil {
			return err
		}
		if !found {
			return domain.NotFound(op, s.kind, key.String())
		}
		if !current.Deleted {
			return domain.InvalidState(op, s.kind, key.String(), "entity is not deleted")
		}
		written, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: s.kind, Key: key, Token: current.Token, CheckToken: true, Deleted: true},
			s.nextRow(ac, current.Payload, false))
		return s.classifyMiss(op, key, err, domain.KindInvalidState)
	})
	if err != nil {
		return domain.Token{}, err
	}
	return written.Token, nil
}

// Restore makes the payload of an earlier snapshot live again as a new
// revision. It revives deleted entities. expected must be the token of the
// live snapshot, deleted or not.
func (s *Store[P]) Restore(ctx context.Context, ac domain.ActionContext, key, snapshotKey uuid.UUID, expected domain.Token) (domain.Token, error) {
	const op = "restore"
	var written store.SnapshotRow
	err := s.write(ctx, op, key, ac, func(ctx context.Context, tx store.Tx, ac domain.ActionContext) error {
		rows, err := tx.ReadHistory(ctx, s.kind, key)
		if err != nil {
			return err
		}
		var source, current *store.SnapshotRow
		for i := range rows {
			if rows[i].SnapshotKey == snapshotKey {
				source = &rows[i]
			}
			if rows[i].Open() {
				current = &rows[i]
			}
		}
		if current == nil {
			return domain.NotFound(op, s.kind, key.String())
		}
		if source == nil {
			return domain.NotFound(op, s.kind+" snapshot", snapshotKey.String())
		}
		if current.Token != expected {
			return domain.Conflict(op, s.kind, key.String())
		}
		if s.validate != nil {
			payload, err := s.codec.Decode(source.Payload)
			if err != nil {
				return fmt.Errorf("failed to decode snapshot %s: %w", snapshotKey, err)
			}
			if err := s.runValidate(op, payload); err != nil {
				return err
			}
		}
		written, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: s.kind, Key: key, Token: expected, CheckToken: true, Deleted: current.Deleted},
			s.nextRow(ac, source.Payload, false))
		return s.classifyMiss(op, key, err, domain.KindConflict)
	})
	if err != nil {
		return domain.Token{}, err
	}
	return written.Token, nil
}

// write runs a mutating operation and records its outcome.
func (s *Store[P]) write(ctx context.Context, op string, key uuid.UUID, ac domain.ActionContext, fn func(context.Context, store.Tx, domain.ActionContext) error) error {
	start := time.Now()
	ac = ac.Normalized()
	err := ac.Validate()
	if err == nil {
		err = s.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
			return fn(ctx, tx, ac)
		})
	}
	if err != nil {
		err = s.fail(op, key, err)
	}
	s.metrics.RecordSnapshotWrite(s.kind, op, err)
	logger.LogStoreOperation(s.logger, op, s.kind, time.Since(start), err)
	return err
}

func (s *Store[P]) history(ctx context.Context, op string, key uuid.UUID) ([]store.SnapshotRow, error) {
	var rows []store.SnapshotRow
	err := s.uow.Do(ctx, op, func(ctx context.Context, tx store.Tx) error {
		var err error
		rows, err = tx.ReadHistory(ctx, s.kind, key)
		return err
	})
	if err != nil {
		return nil, s.fail(op, key, err)
	}
	if len(rows) == 0 {
		return nil, domain.NotFound(op, s.kind, key.String())
	}
	return rows, nil
}

func (s *Store[P]) nextRow(ac domain.ActionContext, payload []byte, deleted bool) store.SnapshotRow {
	return store.SnapshotRow{
		SnapshotKey: uuid.New(),
		ValidFrom:   ac.UTC,
		Deleted:     deleted,
		Payload:     payload,
		Audit:       ac,
	}
}

func (s *Store[P]) encode(op string, payload P) ([]byte, error) {
	if err := s.runValidate(op, payload); err != nil {
		return nil, err
	}
	data, err := s.codec.Encode(payload)
	if err != nil {
		return nil, domain.NewError(domain.KindValidation, op, "payload cannot be encoded", err)
	}
	return data, nil
}

func (s *Store[P]) runValidate(op string, payload P) error {
	if s.validate == nil {
		return nil
	}
	err := s.validate(payload)
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	return domain.NewError(domain.KindValidation, op, err.Error(), err)
}

// classifyMiss turns a conditional write miss into a domain error. A deleted
// state mismatch maps to stateKind.
func (s *Store[P]) classifyMiss(op string, key uuid.UUID, err error, stateKind domain.ErrorKind) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTokenMismatch):
		return domain.Conflict(op, s.kind, key.String())
	case errors.Is(err, store.ErrNoCurrent):
		return domain.NotFound(op, s.kind, key.String())
	case errors.Is(err, store.ErrStateMismatch):
		switch stateKind {
		case domain.KindInvalidState:
			return domain.InvalidState(op, s.kind, key.String(), "entity is not deleted")
		case domain.KindConflict:
			return domain.Conflict(op, s.kind, key.String())
		}
		return domain.NotFound(op, s.kind, key.String())
	}
	return err
}

func (s *Store[P]) fail(op string, key uuid.UUID, err error) error {
	k := ""
	if key != uuid.Nil {
		k = key.String()
	}
	if domain.KindOf(err) == "" {
		return fmt.Errorf("failed to %s %s: %w", op, s.kind, err)
	}
	return domain.WithTarget(err, op, s.kind, k)
}

func (s *Store[P]) decode(row store.SnapshotRow) (Snapshot[P], error) {
	payload, err := s.codec.Decode(row.Payload)
	if err != nil {
		return Snapshot[P]{}, fmt.Errorf("failed to decode %s snapshot %s: %w", s.kind, row.SnapshotKey, err)
	}
	return Snapshot[P]{
		Key:         row.Key,
		SnapshotKey: row.SnapshotKey,
		ValidFrom:   row.ValidFrom,
		ValidTo:     row.ValidTo,
		Deleted:     row.Deleted,
		Token:       row.Token,
		Payload:     payload,
		Audit:       row.Audit,
	}, nil
}

func (s *Store[P]) decodeAll(rows []store.SnapshotRow) ([]Snapshot[P], error) {
	out := make([]Snapshot[P], 0, len(rows))
	for _, row := range rows {
		snap, err := s.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func viewFromRow(row store.SnapshotRow) (domain.SnapshotView, error) {
	props, err := domain.PropertiesFromJSON(row.Payload)
	if err != nil {
		return domain.SnapshotView{}, fmt.Errorf("failed to read snapshot %s: %w", row.SnapshotKey, err)
	}
	return domain.SnapshotView{
		Key:         row.Key,
		SnapshotKey: row.SnapshotKey,
		ValidFrom:   row.ValidFrom,
		ValidTo:     row.ValidTo,
		Deleted:     row.Deleted,
		Token:       row.Token,
		Audit:       row.Audit,
		Properties:  props,
	}, nil
}

func diffLabel(v *domain.SnapshotView) string {
	return fmt.Sprintf("%s@%s", v.SnapshotKey, v.ValidFrom.UTC().Format(time.RFC3339Nano))
}

func dedupe(keys []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(keys))
	out := make([]uuid.UUID, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

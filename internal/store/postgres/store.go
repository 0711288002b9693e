// Package postgres implements the store backend on pgx. Transactions run at
// READ COMMITTED; the conditional close of the live row is the only
// serialization point between writers of one entity.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
)

const (
	snapshotColumns = `snapshot_key, entity_kind, entity_key, valid_from, valid_to, deleted, token, payload,
		action_user_key, action_device_key, action_utc, action_local`

	linkColumns = `link_key, relation_kind, owner_key, member_key, attributes,
		associated_at, associated_user_key, associated_device_key, associated_utc, associated_local,
		disassociated_at, disassociated_user_key, disassociated_device_key, disassociated_utc, disassociated_local`
)

// Store is a store.Backend over a pgx pool.
type Store struct {
	pool  *pgxpool.Pool
	owned bool
}

var _ store.Backend = (*Store)(nil)

// New wraps a pool whose schema is already migrated. Close leaves the pool
// open.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewOwned wraps a pool that Close shuts down.
func NewOwned(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, owned: true}
}

func (s *Store) Name() string { return "postgres" }

func (s *Store) Close() error {
	if s.owned {
		s.pool.Close()
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ReadCurrent(ctx context.Context, kind string, key uuid.UUID) (store.SnapshotRow, bool, error) {
	rows, err := t.querySnapshots(ctx, "read current",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = $1 AND entity_key = $2 AND valid_to IS NULL`,
		kind, key)
	if err != nil {
		return store.SnapshotRow{}, false, err
	}
	if len(rows) == 0 {
		return store.SnapshotRow{}, false, nil
	}
	return rows[0], true, nil
}

func (t *pgTx) ReadCurrentMany(ctx context.Context, kind string, keys []uuid.UUID) ([]store.SnapshotRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ids := make([]string, len(keys))
	for i, key := range keys {
		ids[i] = key.String()
	}
	return t.querySnapshots(ctx, "read current many",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = $1 AND entity_key = ANY($2::uuid[])
		   AND valid_to IS NULL AND deleted = FALSE
		 ORDER BY entity_key`,
		kind, ids)
}

func (t *pgTx) ListCurrent(ctx context.Context, kind string) ([]store.SnapshotRow, error) {
	return t.querySnapshots(ctx, "list current",
		`SELECT snapshot_key, entity_kind, entity_key, valid_from, NULL::timestamptz, FALSE, token, payload,
		        action_user_key, action_device_key, action_utc, action_local
		 FROM current_entities
		 WHERE entity_kind = $1
		 ORDER BY entity_key`,
		kind)
}

func (t *pgTx) ReadHistory(ctx context.Context, kind string, key uuid.UUID) ([]store.SnapshotRow, error) {
	return t.querySnapshots(ctx, "read history",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = $1 AND entity_key = $2
		 ORDER BY valid_from`,
		kind, key)
}

func (t *pgTx) InsertSnapshot(ctx context.Context, row store.SnapshotRow) (store.SnapshotRow, error) {
	row.ValidFrom = row.ValidFrom.UTC().Truncate(store.MinStep)
	return t.insertSnapshot(ctx, row)
}

func (t *pgTx) WriteCloseAndOpen(ctx context.Context, expect store.Expectation, next store.SnapshotRow) (store.SnapshotRow, error) {
	query := `UPDATE entity_snapshots
		SET valid_to = GREATEST($1::timestamptz, valid_from + interval '1 microsecond')
		WHERE entity_kind = $2 AND entity_key = $3 AND valid_to IS NULL AND deleted = $4`
	args := []any{next.ValidFrom.UTC(), expect.Kind, expect.Key, expect.Deleted}
	if expect.CheckToken {
		query += ` AND token = $5`
		args = append(args, expect.Token.Sequence())
	}
	query += ` RETURNING valid_to`

	var closedAt time.Time
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&closedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.SnapshotRow{}, t.explainMiss(ctx, expect)
		}
		return store.SnapshotRow{}, classify("close snapshot", err)
	}

	next.Kind = expect.Kind
	next.Key = expect.Key
	next.ValidFrom = closedAt.UTC()
	return t.insertSnapshot(ctx, next)
}

// explainMiss inspects the live row after a conditional close matched nothing.
func (t *pgTx) explainMiss(ctx context.Context, expect store.Expectation) error {
	current, ok, err := t.ReadCurrent(ctx, expect.Kind, expect.Key)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		return store.ErrNoCurrent
	case current.Deleted != expect.Deleted:
		return store.ErrStateMismatch
	default:
		return store.ErrTokenMismatch
	}
}

func (t *pgTx) insertSnapshot(ctx context.Context, row store.SnapshotRow) (store.SnapshotRow, error) {
	var seq int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO entity_snapshots (`+snapshotColumns+`)
		 VALUES ($1, $2, $3, $4, NULL, $5, nextval('concurrency_token_seq'), $6, $7, $8, $9, $10)
		 RETURNING token`,
		row.SnapshotKey, row.Kind, row.Key, row.ValidFrom, row.Deleted, row.Payload,
		row.Audit.UserKey, row.Audit.DeviceKey, row.Audit.UTC.UTC(), domain.WallClock(row.Audit.Local),
	).Scan(&seq)
	if err != nil {
		return store.SnapshotRow{}, classify("insert snapshot", err)
	}
	row.ValidTo = nil
	row.Token = domain.TokenFromSequence(seq)
	return row, nil
}

func (t *pgTx) querySnapshots(ctx context.Context, op, query string, args ...any) ([]store.SnapshotRow, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []store.SnapshotRow
	for rows.Next() {
		var (
			row     store.SnapshotRow
			validTo *time.Time
			seq     int64
		)
		err := rows.Scan(
			&row.SnapshotKey, &row.Kind, &row.Key, &row.ValidFrom, &validTo, &row.Deleted, &seq, &row.Payload,
			&row.Audit.UserKey, &row.Audit.DeviceKey, &row.Audit.UTC, &row.Audit.Local,
		)
		if err != nil {
			return nil, classify(op, err)
		}
		row.ValidFrom = row.ValidFrom.UTC()
		if validTo != nil {
			v := validTo.UTC()
			row.ValidTo = &v
		}
		row.Token = domain.TokenFromSequence(seq)
		row.Audit.UTC = row.Audit.UTC.UTC()
		row.Audit.Local = domain.WallClock(row.Audit.Local)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (t *pgTx) ReadCurrentMemberLinks(ctx context.Context, relation string, owner uuid.UUID) ([]store.LinkRow, error) {
	return t.queryLinks(ctx, "read member links",
		`SELECT `+linkColumns+` FROM association_links
		 WHERE relation_kind = $1 AND owner_key = $2 AND disassociated_at IS NULL
		 ORDER BY member_key`,
		relation, owner)
}

func (t *pgTx) ReadLinkHistory(ctx context.Context, relation string, owner uuid.UUID) ([]store.LinkRow, error) {
	return t.queryLinks(ctx, "read link history",
		`SELECT `+linkColumns+` FROM association_links
		 WHERE relation_kind = $1 AND owner_key = $2
		 ORDER BY associated_at, member_key, link_key`,
		relation, owner)
}

func (t *pgTx) WriteLink(ctx context.Context, link store.LinkRow) error {
	by := link.AssociatedBy
	_, err := t.tx.Exec(ctx,
		`INSERT INTO association_links (
			link_key, relation_kind, owner_key, member_key, attributes,
			associated_at, associated_user_key, associated_device_key, associated_utc, associated_local)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		link.LinkKey, link.Relation, link.OwnerKey, link.MemberKey, link.Attributes,
		link.AssociatedAt.UTC(), by.UserKey, by.DeviceKey, by.UTC.UTC(), domain.WallClock(by.Local),
	)
	if err != nil {
		return classify("write link", err)
	}
	return nil
}

func (t *pgTx) WriteUnlink(ctx context.Context, linkKey uuid.UUID, at time.Time, by domain.ActionContext) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE association_links
		 SET disassociated_at = $2, disassociated_user_key = $3, disassociated_device_key = $4,
		     disassociated_utc = $5, disassociated_local = $6
		 WHERE link_key = $1 AND disassociated_at IS NULL`,
		linkKey, at.UTC(), by.UserKey, by.DeviceKey, by.UTC.UTC(), domain.WallClock(by.Local),
	)
	if err != nil {
		return classify("write unlink", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoCurrent
	}
	return nil
}

func (t *pgTx) UpdateLinkAttributes(ctx context.Context, linkKey uuid.UUID, attributes []byte) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE association_links SET attributes = $2 WHERE link_key = $1 AND disassociated_at IS NULL`,
		linkKey, attributes,
	)
	if err != nil {
		return classify("update link attributes", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNoCurrent
	}
	return nil
}

func (t *pgTx) queryLinks(ctx context.Context, op, query string, args ...any) ([]store.LinkRow, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []store.LinkRow
	for rows.Next() {
		var (
			link      store.LinkRow
			endAt     *time.Time
			endUser   *uuid.UUID
			endDevice *uuid.UUID
			endUTC    *time.Time
			endLocal  *time.Time
		)
		err := rows.Scan(
			&link.LinkKey, &link.Relation, &link.OwnerKey, &link.MemberKey, &link.Attributes,
			&link.AssociatedAt, &link.AssociatedBy.UserKey, &link.AssociatedBy.DeviceKey, &link.AssociatedBy.UTC, &link.AssociatedBy.Local,
			&endAt, &endUser, &endDevice, &endUTC, &endLocal,
		)
		if err != nil {
			return nil, classify(op, err)
		}
		link.AssociatedAt = link.AssociatedAt.UTC()
		link.AssociatedBy.UTC = link.AssociatedBy.UTC.UTC()
		link.AssociatedBy.Local = domain.WallClock(link.AssociatedBy.Local)
		if endAt != nil {
			at := endAt.UTC()
			link.DisassociatedAt = &at
			by := domain.ActionContext{}
			if endUser != nil {
				by.UserKey = *endUser
			}
			if endDevice != nil {
				by.DeviceKey = *endDevice
			}
			if endUTC != nil {
				by.UTC = endUTC.UTC()
			}
			if endLocal != nil {
				by.Local = domain.WallClock(*endLocal)
			}
			link.DisassociatedBy = &by
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return classify("rollback", err)
	}
	return nil
}

// classify converts pgx failures into domain errors by SQLSTATE.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	if ctxErr := store.ContextError(op, err); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, pgx.ErrTxClosed) {
		return domain.NewError(domain.KindAborted, op, "transaction already finished", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23":
			verr := domain.NewError(domain.KindValidation, op, "store constraint rejected the write", err)
			if pgErr.ConstraintName != "" {
				verr.Fields = []string{pgErr.ConstraintName}
			} else if pgErr.ColumnName != "" {
				verr.Fields = []string{pgErr.ColumnName}
			}
			return verr
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return domain.NewError(domain.KindConflict, op, "transaction serialization failed", err)
		case pgErr.Code == "57014" || pgErr.Code == "55P03":
			return domain.Timeout(op, err)
		case pgErr.Code == "25P02":
			return domain.NewError(domain.KindAborted, op, "transaction is aborted", err)
		case len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "53"), pgErr.Code == "57P01":
			return domain.Unavailable(op, err)
		}
	}

	if pgconn.Timeout(err) {
		return domain.Timeout(op, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return domain.Unavailable(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

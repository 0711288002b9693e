// Package sqlite implements the store backend on modernc.org/sqlite. Writers
// are serialized by a single pooled connection, so concurrent units of work
// queue behind one another instead of failing with SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rpattn/medledger/internal/db"
	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
)

// Store is a store.Backend over one SQLite database.
type Store struct {
	db    *sql.DB
	owned bool
}

var _ store.Backend = (*Store)(nil)

// New wraps an already migrated database. Close leaves conn open.
func New(conn *sql.DB) *Store {
	return &Store{db: conn}
}

// Open opens path, applies migrations and returns a store that owns the
// database.
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	conn, err := db.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := db.RunSQLiteMigrations(conn, logger); err != nil {
		conn.Close()
		return nil, err
	}
	return &Store{db: conn, owned: true}, nil
}

// OpenMemory returns a migrated private in-memory store.
func OpenMemory(ctx context.Context) (*Store, error) {
	return Open(ctx, db.MemoryPath, zerolog.Nop())
}

func (s *Store) Name() string { return "sqlite" }

// DB exposes the underlying database for tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin transaction", err)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) ReadCurrent(ctx context.Context, kind string, key uuid.UUID) (store.SnapshotRow, bool, error) {
	rows, err := t.querySnapshots(ctx, "read current",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = ? AND entity_key = ? AND valid_to IS NULL`,
		kind, key.String())
	if err != nil {
		return store.SnapshotRow{}, false, err
	}
	if len(rows) == 0 {
		return store.SnapshotRow{}, false, nil
	}
	return rows[0], true, nil
}

func (t *sqliteTx) ReadCurrentMany(ctx context.Context, kind string, keys []uuid.UUID) ([]store.SnapshotRow, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, kind)
	for _, key := range keys {
		args = append(args, key.String())
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	return t.querySnapshots(ctx, "read current many",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = ? AND entity_key IN (`+placeholders+`)
		   AND valid_to IS NULL AND deleted = 0
		 ORDER BY entity_key`,
		args...)
}

func (t *sqliteTx) ListCurrent(ctx context.Context, kind string) ([]store.SnapshotRow, error) {
	return t.querySnapshots(ctx, "list current",
		`SELECT snapshot_key, entity_kind, entity_key, valid_from, NULL, 0, token, payload,
		        action_user_key, action_device_key, action_utc, action_local
		 FROM current_entities
		 WHERE entity_kind = ?
		 ORDER BY entity_key`,
		kind)
}

func (t *sqliteTx) ReadHistory(ctx context.Context, kind string, key uuid.UUID) ([]store.SnapshotRow, error) {
	return t.querySnapshots(ctx, "read history",
		`SELECT `+snapshotColumns+` FROM entity_snapshots
		 WHERE entity_kind = ? AND entity_key = ?
		 ORDER BY valid_from`,
		kind, key.String())
}

func (t *sqliteTx) InsertSnapshot(ctx context.Context, row store.SnapshotRow) (store.SnapshotRow, error) {
	seq, err := t.nextToken(ctx)
	if err != nil {
		return store.SnapshotRow{}, err
	}
	row.ValidFrom = row.ValidFrom.UTC().Truncate(store.MinStep)
	row.ValidTo = nil
	row.Token = domain.TokenFromSequence(seq)
	if err := t.insertSnapshot(ctx, row, seq); err != nil {
		return store.SnapshotRow{}, err
	}
	return row, nil
}

func (t *sqliteTx) WriteCloseAndOpen(ctx context.Context, expect store.Expectation, next store.SnapshotRow) (store.SnapshotRow, error) {
	query := `UPDATE entity_snapshots SET valid_to = MAX(?, valid_from + 1)
		WHERE entity_kind = ? AND entity_key = ? AND valid_to IS NULL AND deleted = ?`
	args := []any{encodeTime(next.ValidFrom), expect.Kind, expect.Key.String(), boolToInt(expect.Deleted)}
	if expect.CheckToken {
		query += ` AND token = ?`
		args = append(args, expect.Token.Sequence())
	}
	query += ` RETURNING valid_to`

	var closedAt int64
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&closedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SnapshotRow{}, t.explainMiss(ctx, expect)
		}
		return store.SnapshotRow{}, classify("close snapshot", err)
	}

	seq, err := t.nextToken(ctx)
	if err != nil {
		return store.SnapshotRow{}, err
	}
	next.Kind = expect.Kind
	next.Key = expect.Key
	next.ValidFrom = decodeTime(closedAt)
	next.ValidTo = nil
	next.Token = domain.TokenFromSequence(seq)
	if err := t.insertSnapshot(ctx, next, seq); err != nil {
		return store.SnapshotRow{}, err
	}
	return next, nil
}

// explainMiss inspects the live row after a conditional close matched nothing.
func (t *sqliteTx) explainMiss(ctx context.Context, expect store.Expectation) error {
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

func (t *sqliteTx) insertSnapshot(ctx context.Context, row store.SnapshotRow, seq int64) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO entity_snapshots (`+snapshotColumns+`)
		 VALUES (?, ?, ?, ?, NULL, ?, ?, ?, ?, ?, ?, ?)`,
		row.SnapshotKey.String(), row.Kind, row.Key.String(), encodeTime(row.ValidFrom),
		boolToInt(row.Deleted), seq, row.Payload,
		row.Audit.UserKey.String(), row.Audit.DeviceKey.String(), encodeTime(row.Audit.UTC), encodeLocal(row.Audit.Local),
	)
	if err != nil {
		return classify("insert snapshot", err)
	}
	return nil
}

func (t *sqliteTx) nextToken(ctx context.Context) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		`UPDATE token_sequence SET value = value + 1 WHERE id = 1 RETURNING value`,
	).Scan(&seq)
	if err != nil {
		return 0, classify("next token", err)
	}
	return seq, nil
}

func (t *sqliteTx) querySnapshots(ctx context.Context, op, query string, args ...any) ([]store.SnapshotRow, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []store.SnapshotRow
	for rows.Next() {
		var rec snapshotRecord
		if err := rows.Scan(rec.scanArgs()...); err != nil {
			return nil, classify(op, err)
		}
		row, err := rec.toRow()
		if err != nil {
			return nil, fmt.Errorf("failed to decode snapshot: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (t *sqliteTx) ReadCurrentMemberLinks(ctx context.Context, relation string, owner uuid.UUID) ([]store.LinkRow, error) {
	return t.queryLinks(ctx, "read member links",
		`SELECT `+linkColumns+` FROM association_links
		 WHERE relation_kind = ? AND owner_key = ? AND disassociated_at IS NULL
		 ORDER BY member_key`,
		relation, owner.String())
}

func (t *sqliteTx) ReadLinkHistory(ctx context.Context, relation string, owner uuid.UUID) ([]store.LinkRow, error) {
	return t.queryLinks(ctx, "read link history",
		`SELECT `+linkColumns+` FROM association_links
		 WHERE relation_kind = ? AND owner_key = ?
		 ORDER BY associated_at, member_key, link_key`,
		relation, owner.String())
}

func (t *sqliteTx) WriteLink(ctx context.Context, link store.LinkRow) error {
	by := link.AssociatedBy
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO association_links (`+linkColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, NULL, NULL)`,
		link.LinkKey.String(), link.Relation, link.OwnerKey.String(), link.MemberKey.String(), link.Attributes,
		encodeTime(link.AssociatedAt), by.UserKey.String(), by.DeviceKey.String(), encodeTime(by.UTC), encodeLocal(by.Local),
	)
	if err != nil {
		return classify("write link", err)
	}
	return nil
}

func (t *sqliteTx) WriteUnlink(ctx context.Context, linkKey uuid.UUID, at time.Time, by domain.ActionContext) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE association_links
		 SET disassociated_at = ?, disassociated_user_key = ?, disassociated_device_key = ?,
		     disassociated_utc = ?, disassociated_local = ?
		 WHERE link_key = ? AND disassociated_at IS NULL`,
		encodeTime(at), by.UserKey.String(), by.DeviceKey.String(), encodeTime(by.UTC), encodeLocal(by.Local),
		linkKey.String(),
	)
	if err != nil {
		return classify("write unlink", err)
	}
	return requireOne(res, "write unlink")
}

func (t *sqliteTx) UpdateLinkAttributes(ctx context.Context, linkKey uuid.UUID, attributes []byte) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE association_links SET attributes = ? WHERE link_key = ? AND disassociated_at IS NULL`,
		attributes, linkKey.String(),
	)
	if err != nil {
		return classify("update link attributes", err)
	}
	return requireOne(res, "update link attributes")
}

func (t *sqliteTx) queryLinks(ctx context.Context, op, query string, args ...any) ([]store.LinkRow, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []store.LinkRow
	for rows.Next() {
		var rec linkRecord
		if err := rows.Scan(rec.scanArgs()...); err != nil {
			return nil, classify(op, err)
		}
		link, err := rec.toRow()
		if err != nil {
			return nil, fmt.Errorf("failed to decode link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return classify("commit", err)
	}
	return nil
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("rollback", err)
	}
	return nil
}

func requireOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return store.ErrNoCurrent
	}
	return nil
}

// classify converts driver failures into domain errors.
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
	if errors.Is(err, sql.ErrTxDone) {
		return domain.NewError(domain.KindAborted, op, "transaction already finished", err)
	}

	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			return domain.NewError(domain.KindValidation, op, "store constraint rejected the write", err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return domain.Timeout(op, err)
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_FULL:
			return domain.Unavailable(op, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

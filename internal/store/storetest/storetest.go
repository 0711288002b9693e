// Package storetest holds the behaviour every store.Backend must share. Each
// backend package runs Run against its own implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
)

// Opener returns a migrated backend. Backends may be shared between subtests;
// every subtest writes under its own entity kind and relation.
type Opener func(t *testing.T) store.Backend

// Run executes the conformance suite.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b store.Backend)
	}{
		{"InsertAndReadCurrent", testInsertAndReadCurrent},
		{"CloseAndOpenKeepsValidFromIncreasing", testValidFromIncreasing},
		{"CloseAndOpenClassifiesMisses", testCloseAndOpenMisses},
		{"ClosedSnapshotsKeepPayload", testClosedSnapshotsKeepPayload},
		{"ListAndReadManySkipDeleted", testListAndReadMany},
		{"RollbackDiscardsWrites", testRollbackDiscards},
		{"LinkLifecycle", testLinkLifecycle},
		{"SingleOpenLinkPerPair", testSingleOpenLink},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func action(at time.Time) domain.ActionContext {
	return domain.NewActionContext(uuid.New(), uuid.New(), at, time.UTC)
}

func uniqueKind(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func inTx(t *testing.T, b store.Backend, fn func(ctx context.Context, tx store.Tx)) {
	t.Helper()
	ctx := context.Background()
	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)
	fn(ctx, tx)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func firstRow(kind string, ac domain.ActionContext, payload string) store.SnapshotRow {
	return store.SnapshotRow{
		Kind:        kind,
		Key:         uuid.New(),
		SnapshotKey: uuid.New(),
		ValidFrom:   ac.UTC,
		Payload:     []byte(payload),
		Audit:       ac,
	}
}

func nextRow(ac domain.ActionContext, payload string, deleted bool) store.SnapshotRow {
	return store.SnapshotRow{
		SnapshotKey: uuid.New(),
		ValidFrom:   ac.UTC,
		Deleted:     deleted,
		Payload:     []byte(payload),
		Audit:       ac,
	}
}

func testInsertAndReadCurrent(t *testing.T, b store.Backend) {
	kind := uniqueKind("insert")
	ac := action(time.Date(2024, 3, 1, 8, 30, 0, 123456000, time.UTC))
	row := firstRow(kind, ac, `{"name":"A"}`)

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		written, err := tx.InsertSnapshot(ctx, row)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		if written.Token.IsZero() {
			t.Fatalf("expected a token to be assigned")
		}

		got, ok, err := tx.ReadCurrent(ctx, kind, row.Key)
		if err != nil || !ok {
			t.Fatalf("read current: ok=%v err=%v", ok, err)
		}
		if got.Token != written.Token {
			t.Fatalf("expected token %s, got %s", written.Token, got.Token)
		}
		if !got.ValidFrom.Equal(ac.UTC) {
			t.Fatalf("expected valid from %s, got %s", ac.UTC, got.ValidFrom)
		}
		if got.ValidTo != nil || got.Deleted {
			t.Fatalf("expected an open live row, got %+v", got)
		}
		if got.Audit.UserKey != ac.UserKey || got.Audit.DeviceKey != ac.DeviceKey {
			t.Fatalf("expected audit %+v, got %+v", ac, got.Audit)
		}
		if !got.Audit.Local.Equal(ac.Local) {
			t.Fatalf("expected local time %s, got %s", ac.Local, got.Audit.Local)
		}

		if _, ok, err := tx.ReadCurrent(ctx, kind, uuid.New()); err != nil || ok {
			t.Fatalf("expected unknown key to be absent, ok=%v err=%v", ok, err)
		}
	})
}

func testValidFromIncreasing(t *testing.T, b store.Backend) {
	kind := uniqueKind("interval")
	ac := action(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	row := firstRow(kind, ac, `{"n":1}`)

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		first, err := tx.InsertSnapshot(ctx, row)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		// Same action instant: the store must still move ValidFrom forward.
		second, err := tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: row.Key, Token: first.Token, CheckToken: true},
			nextRow(ac, `{"n":2}`, false))
		if err != nil {
			t.Fatalf("close and open: %v", err)
		}
		if !second.ValidFrom.After(first.ValidFrom) {
			t.Fatalf("expected valid from after %s, got %s", first.ValidFrom, second.ValidFrom)
		}
		if second.Token == first.Token {
			t.Fatalf("expected a fresh token")
		}

		history, err := tx.ReadHistory(ctx, kind, row.Key)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("expected 2 snapshots, got %d", len(history))
		}
		if history[0].ValidTo == nil || !history[0].ValidTo.Equal(history[1].ValidFrom) {
			t.Fatalf("expected first snapshot to close at %s, got %v", history[1].ValidFrom, history[0].ValidTo)
		}
		open := 0
		for _, h := range history {
			if h.Open() {
				open++
			}
		}
		if open != 1 {
			t.Fatalf("expected exactly one open snapshot, got %d", open)
		}
	})
}

func testCloseAndOpenMisses(t *testing.T, b store.Backend) {
	kind := uniqueKind("miss")
	ac := action(time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC))
	row := firstRow(kind, ac, `{"n":1}`)

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		first, err := tx.InsertSnapshot(ctx, row)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}

		stale := domain.TokenFromSequence(first.Token.Sequence() + 1000)
		_, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: row.Key, Token: stale, CheckToken: true},
			nextRow(ac.At(ac.UTC.Add(time.Second)), `{"n":2}`, false))
		if !errors.Is(err, store.ErrTokenMismatch) {
			t.Fatalf("expected token mismatch, got %v", err)
		}

		_, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: row.Key, Token: first.Token, CheckToken: true, Deleted: true},
			nextRow(ac.At(ac.UTC.Add(time.Second)), `{"n":2}`, false))
		if !errors.Is(err, store.ErrStateMismatch) {
			t.Fatalf("expected state mismatch, got %v", err)
		}

		_, err = tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: uuid.New(), Token: first.Token, CheckToken: true},
			nextRow(ac, `{"n":2}`, false))
		if !errors.Is(err, store.ErrNoCurrent) {
			t.Fatalf("expected no current row, got %v", err)
		}

		current, ok, err := tx.ReadCurrent(ctx, kind, row.Key)
		if err != nil || !ok {
			t.Fatalf("read current: ok=%v err=%v", ok, err)
		}
		if current.Token != first.Token {
			t.Fatalf("expected rejected writes to leave token %s, got %s", first.Token, current.Token)
		}
	})
}

func testClosedSnapshotsKeepPayload(t *testing.T, b store.Backend) {
	kind := uniqueKind("immutable")
	ac := action(time.Date(2024, 3, 3, 9, 0, 0, 0, time.UTC))
	row := firstRow(kind, ac, `{"name":"A"}`)

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		first, err := tx.InsertSnapshot(ctx, row)
		if err != nil {
			t.Fatalf("insert: %v", err)
		}
		second, err := tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: row.Key, Token: first.Token, CheckToken: true},
			nextRow(ac.At(ac.UTC.Add(time.Minute)), `{"name":"B"}`, false))
		if err != nil {
			t.Fatalf("revise: %v", err)
		}
		if _, err := tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: row.Key, Token: second.Token, CheckToken: true},
			nextRow(ac.At(ac.UTC.Add(2*time.Minute)), `{"name":"B"}`, true)); err != nil {
			t.Fatalf("delete: %v", err)
		}

		history, err := tx.ReadHistory(ctx, kind, row.Key)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 3 {
			t.Fatalf("expected 3 snapshots, got %d", len(history))
		}
		if history[0].SnapshotKey != row.SnapshotKey || !history[0].ValidFrom.Equal(ac.UTC) {
			t.Fatalf("expected first snapshot unchanged, got %+v", history[0])
		}
		if !jsonEqual(history[0].Payload, `{"name":"A"}`) {
			t.Fatalf("expected first payload to stay A, got %s", history[0].Payload)
		}
		if !history[2].Deleted || !history[2].Open() {
			t.Fatalf("expected an open terminal deleted snapshot, got %+v", history[2])
		}
	})
}

func testListAndReadMany(t *testing.T, b store.Backend) {
	kind := uniqueKind("list")
	ac := action(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC))
	live := firstRow(kind, ac, `{"n":1}`)
	gone := firstRow(kind, ac, `{"n":2}`)

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		if _, err := tx.InsertSnapshot(ctx, live); err != nil {
			t.Fatalf("insert live: %v", err)
		}
		written, err := tx.InsertSnapshot(ctx, gone)
		if err != nil {
			t.Fatalf("insert gone: %v", err)
		}
		if _, err := tx.WriteCloseAndOpen(ctx,
			store.Expectation{Kind: kind, Key: gone.Key, Token: written.Token, CheckToken: true},
			nextRow(ac, `{"n":2}`, true)); err != nil {
			t.Fatalf("delete: %v", err)
		}

		listed, err := tx.ListCurrent(ctx, kind)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(listed) != 1 || listed[0].Key != live.Key {
			t.Fatalf("expected only the live entity, got %+v", listed)
		}

		many, err := tx.ReadCurrentMany(ctx, kind, []uuid.UUID{live.Key, gone.Key, uuid.New()})
		if err != nil {
			t.Fatalf("read many: %v", err)
		}
		if len(many) != 1 || many[0].Key != live.Key {
			t.Fatalf("expected only the live entity, got %+v", many)
		}
	})
}

func testRollbackDiscards(t *testing.T, b store.Backend) {
	kind := uniqueKind("rollback")
	row := firstRow(kind, action(time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)), `{}`)
	ctx := context.Background()

	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.InsertSnapshot(ctx, row); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		if _, ok, err := tx.ReadCurrent(ctx, kind, row.Key); err != nil || ok {
			t.Fatalf("expected rolled back insert to be absent, ok=%v err=%v", ok, err)
		}
	})
}

func testLinkLifecycle(t *testing.T, b store.Backend) {
	relation := uniqueKind("members")
	owner := uuid.New()
	member := uuid.New()
	ac := action(time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC))
	link := store.LinkRow{
		LinkKey:      uuid.New(),
		Relation:     relation,
		OwnerKey:     owner,
		MemberKey:    member,
		Attributes:   []byte(`{"temporary_access":false}`),
		AssociatedAt: ac.UTC,
		AssociatedBy: ac,
	}

	inTx(t, b, func(ctx context.Context, tx store.Tx) {
		if err := tx.WriteLink(ctx, link); err != nil {
			t.Fatalf("write link: %v", err)
		}
		if err := tx.UpdateLinkAttributes(ctx, link.LinkKey, []byte(`{"temporary_access":true}`)); err != nil {
			t.Fatalf("update attributes: %v", err)
		}
		open, err := tx.ReadCurrentMemberLinks(ctx, relation, owner)
		if err != nil {
			t.Fatalf("read links: %v", err)
		}
		if len(open) != 1 || open[0].MemberKey != member {
			t.Fatalf("expected one open link to %s, got %+v", member, open)
		}
		if !jsonEqual(open[0].Attributes, `{"temporary_access":true}`) {
			t.Fatalf("expected updated attributes, got %s", open[0].Attributes)
		}

		closer := ac.At(ac.UTC.Add(time.Hour))
		if err := tx.WriteUnlink(ctx, link.LinkKey, closer.UTC, closer); err != nil {
			t.Fatalf("unlink: %v", err)
		}
		if err := tx.WriteUnlink(ctx, link.LinkKey, closer.UTC, closer); !errors.Is(err, store.ErrNoCurrent) {
			t.Fatalf("expected second unlink to miss, got %v", err)
		}
		if err := tx.UpdateLinkAttributes(ctx, link.LinkKey, []byte(`{}`)); !errors.Is(err, store.ErrNoCurrent) {
			t.Fatalf("expected attribute update on closed link to miss, got %v", err)
		}

		open, err = tx.ReadCurrentMemberLinks(ctx, relation, owner)
		if err != nil {
			t.Fatalf("read links: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("expected no open links, got %d", len(open))
		}

		history, err := tx.ReadLinkHistory(ctx, relation, owner)
		if err != nil {
			t.Fatalf("link history: %v", err)
		}
		if len(history) != 1 || history[0].DisassociatedAt == nil || !history[0].DisassociatedAt.Equal(closer.UTC) {
			t.Fatalf("expected one closed link, got %+v", history)
		}
		if history[0].DisassociatedBy == nil || history[0].DisassociatedBy.UserKey != closer.UserKey {
			t.Fatalf("expected closing actor to be recorded, got %+v", history[0].DisassociatedBy)
		}
	})
}

func testSingleOpenLink(t *testing.T, b store.Backend) {
	relation := uniqueKind("single")
	owner, member := uuid.New(), uuid.New()
	ac := action(time.Date(2024, 3, 7, 9, 0, 0, 0, time.UTC))
	newLink := func() store.LinkRow {
		return store.LinkRow{
			LinkKey:      uuid.New(),
			Relation:     relation,
			OwnerKey:     owner,
			MemberKey:    member,
			AssociatedAt: ac.UTC,
			AssociatedBy: ac,
		}
	}

	ctx := context.Background()
	tx, err := b.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.WriteLink(ctx, newLink()); err != nil {
		t.Fatalf("write link: %v", err)
	}
	err = tx.WriteLink(ctx, newLink())
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected a second open link to be rejected as validation, got %v", err)
	}
}

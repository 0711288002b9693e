package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rpattn/medledger/internal/db"
	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/store/storetest"
)

func openMemory(t *testing.T) store.Backend {
	t.Helper()
	s, err := OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, openMemory)
}

func TestClosedSnapshotRejectsUpdate(t *testing.T) {
	s := openMemory(t).(*Store)
	ctx := context.Background()
	ac := domain.NewActionContext(uuid.New(), uuid.New(), time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), nil)
	key := uuid.New()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	first, err := tx.InsertSnapshot(ctx, store.SnapshotRow{
		Kind: "role", Key: key, SnapshotKey: uuid.New(), ValidFrom: ac.UTC, Payload: []byte(`{"name":"A"}`), Audit: ac,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := tx.WriteCloseAndOpen(ctx,
		store.Expectation{Kind: "role", Key: key, Token: first.Token, CheckToken: true},
		store.SnapshotRow{SnapshotKey: uuid.New(), ValidFrom: ac.UTC, Payload: []byte(`{"name":"B"}`), Audit: ac},
	); err != nil {
		t.Fatalf("close and open: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	_, err = s.DB().ExecContext(ctx,
		`UPDATE entity_snapshots SET payload = ? WHERE snapshot_key = ?`,
		[]byte(`{"name":"tampered"}`), first.SnapshotKey.String())
	if err == nil {
		t.Fatalf("expected update of a closed snapshot to be rejected")
	}
	if classified := classify("tamper", err); !errors.Is(classified, domain.ErrValidation) {
		t.Fatalf("expected trigger failure to classify as validation, got %v", classified)
	}

	_, err = s.DB().ExecContext(ctx, `DELETE FROM entity_snapshots WHERE snapshot_key = ?`, first.SnapshotKey.String())
	if err == nil {
		t.Fatalf("expected delete of a snapshot to be rejected")
	}
}

func TestOpenFileMigratesOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	s, err := Open(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(ctx, path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	status, err := db.SQLiteStatus(s.DB())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != 1 || status.Dirty {
		t.Fatalf("expected clean schema version 1, got %+v", status)
	}
}

func TestClassifyContextErrors(t *testing.T) {
	if err := classify("read", context.DeadlineExceeded); !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !domain.IsRetryable(classify("read", context.DeadlineExceeded)) {
		t.Fatalf("expected timeout to be retryable")
	}
	if err := classify("read", context.Canceled); domain.KindOf(err) != domain.KindAborted {
		t.Fatalf("expected aborted, got %v", err)
	}
}

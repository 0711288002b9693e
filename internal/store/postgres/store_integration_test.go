//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/rpattn/medledger/internal/db"
	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/store/postgres"
	"github.com/rpattn/medledger/internal/store/storetest"
	"github.com/rpattn/medledger/internal/uow"
	"github.com/rpattn/medledger/internal/version"
)

func startPostgres(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	pg, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("medledger"),
		tcpostgres.WithUsername("medledger"),
		tcpostgres.WithPassword("medledger"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("skip: cannot start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	conn, err := db.Connect(ctx, dsn, db.Config{MaxConns: 8})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conn.Close)

	if err := db.RunMigrations(conn.Pool, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	status, err := db.PostgresStatus(conn.Pool)
	if err != nil {
		t.Fatal(err)
	}
	if status.Version != 1 || status.Dirty {
		t.Fatalf("expected clean schema version 1, got %+v", status)
	}
	return postgres.New(conn.Pool)
}

func TestPostgresBackend(t *testing.T) {
	backend := startPostgres(t)

	t.Run("Conformance", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) store.Backend { return backend })
	})

	t.Run("ConcurrentRevisionsConflict", func(t *testing.T) {
		testConcurrentRevisions(t, backend)
	})
}

type medication struct {
	Name string `json:"name"`
}

// Two writers presenting the same token: exactly one wins.
func testConcurrentRevisions(t *testing.T, backend store.Backend) {
	ctx := context.Background()
	mgr := uow.NewManager(backend)
	meds := version.New[medication]("medication-"+uuid.NewString()[:8], mgr)
	ac := domain.NewActionContext(uuid.New(), uuid.New(), time.Now(), time.UTC)

	key, token, err := meds.Insert(ctx, ac, medication{Name: "A"})
	if err != nil {
		t.Fatal(err)
	}

	const writers = 2
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = meds.Revise(ctx, ac.At(time.Now()), key, token, medication{Name: "B"})
		}(i)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case domain.KindOf(err) == domain.KindConflict:
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d and %d", succeeded, conflicts)
	}

	history, err := meds.History(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(history))
	}
}

package uow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/metrics"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/store/sqlite"
)

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	backend, err := sqlite.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return NewManager(backend, opts...)
}

func insertRow(ctx context.Context, m *Manager, key uuid.UUID) error {
	ac := domain.NewActionContext(uuid.New(), uuid.New(), time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC), nil)
	return m.Do(ctx, "insert", func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertSnapshot(ctx, store.SnapshotRow{
			Kind: "ward", Key: key, SnapshotKey: uuid.New(), ValidFrom: ac.UTC, Payload: []byte(`{}`), Audit: ac,
		})
		return err
	})
}

func exists(t *testing.T, m *Manager, key uuid.UUID) bool {
	t.Helper()
	var found bool
	err := m.Do(context.Background(), "read", func(ctx context.Context, tx store.Tx) error {
		var err error
		_, found, err = tx.ReadCurrent(ctx, "ward", key)
		return err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return found
}

func TestWithinCommits(t *testing.T) {
	m := newManager(t)
	key := uuid.New()

	err := m.Within(context.Background(), func(ctx context.Context) error {
		if !m.InScope(ctx) {
			t.Fatalf("expected context to carry a scope")
		}
		return insertRow(ctx, m, key)
	})
	if err != nil {
		t.Fatalf("within: %v", err)
	}
	if !exists(t, m, key) {
		t.Fatalf("expected committed row to be visible")
	}
}

func TestImplicitScopeCommits(t *testing.T) {
	m := newManager(t)
	key := uuid.New()

	if err := insertRow(context.Background(), m, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !exists(t, m, key) {
		t.Fatalf("expected single-operation scope to commit")
	}
}

func TestReleaseWithoutCompleteRollsBack(t *testing.T) {
	m := newManager(t)
	key := uuid.New()

	ctx, scope, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := insertRow(ctx, m, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	scope.Release()

	if exists(t, m, key) {
		t.Fatalf("expected released scope to roll back")
	}
	if m.InScope(ctx) {
		t.Fatalf("expected finished scope to be inactive")
	}
}

func TestNestedScopeDoesNotCommit(t *testing.T) {
	m := newManager(t)
	key := uuid.New()

	ctx, outer, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	if !outer.Outermost() {
		t.Fatalf("expected first scope to be outermost")
	}

	innerCtx, inner, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	if inner.Outermost() {
		t.Fatalf("expected nested scope to join the outer transaction")
	}
	if err := insertRow(innerCtx, m, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := inner.Complete(innerCtx); err != nil {
		t.Fatalf("complete inner: %v", err)
	}
	inner.Release()
	outer.Release()

	if exists(t, m, key) {
		t.Fatalf("expected outer release to discard the nested write")
	}
}

func TestNestedReleaseWithoutCompleteDoomsTransaction(t *testing.T) {
	m := newManager(t)
	key := uuid.New()

	ctx, outer, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin outer: %v", err)
	}
	defer outer.Release()

	if err := insertRow(ctx, m, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, inner, err := m.Begin(ctx)
	if err != nil {
		t.Fatalf("begin inner: %v", err)
	}
	inner.Release()

	if err := insertRow(ctx, m, uuid.New()); domain.KindOf(err) != domain.KindAborted {
		t.Fatalf("expected operations on a doomed scope to abort, got %v", err)
	}
	if err := outer.Complete(ctx); domain.KindOf(err) != domain.KindAborted {
		t.Fatalf("expected complete to report the abort, got %v", err)
	}
	if exists(t, m, key) {
		t.Fatalf("expected doomed transaction to roll back")
	}
}

func TestOperationFailureDoomsScope(t *testing.T) {
	m := newManager(t)
	key := uuid.New()
	boom := domain.Conflict("revise", "ward", "w-1")

	err := m.Within(context.Background(), func(ctx context.Context) error {
		if err := insertRow(ctx, m, key); err != nil {
			return err
		}
		opErr := m.Do(ctx, "revise", func(ctx context.Context, tx store.Tx) error { return boom })
		if !errors.Is(opErr, domain.ErrConflict) {
			t.Fatalf("expected conflict from operation, got %v", opErr)
		}
		// Swallowing the failure must not let the scope commit.
		return nil
	})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected complete to return the dooming conflict, got %v", err)
	}
	if exists(t, m, key) {
		t.Fatalf("expected earlier write to roll back")
	}
}

func TestStatementTimeoutReportsTimeout(t *testing.T) {
	m := newManager(t, WithStatementTimeout(10*time.Millisecond))

	err := m.Do(context.Background(), "slow", func(ctx context.Context, tx store.Tx) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("expected timeout to be retryable")
	}
}

func TestMetricsAndSpans(t *testing.T) {
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	m := newManager(t, WithMetrics(mt), WithTracer(provider.Tracer("test")))

	if err := insertRow(context.Background(), m, uuid.New()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_, scope, err := m.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	scope.Release()

	if got := testutil.ToFloat64(mt.UnitsOfWorkTotal.WithLabelValues(OutcomeCommitted)); got != 1 {
		t.Fatalf("expected 1 committed unit of work, got %v", got)
	}
	if got := testutil.ToFloat64(mt.UnitsOfWorkTotal.WithLabelValues(OutcomeRolledBack)); got != 1 {
		t.Fatalf("expected 1 rolled back unit of work, got %v", got)
	}
	if got := testutil.ToFloat64(mt.UnitOfWorkInProgress); got != 0 {
		t.Fatalf("expected no open units of work, got %v", got)
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 ended spans, got %d", len(spans))
	}
	outcome := ""
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "uow.outcome" {
			outcome = kv.Value.AsString()
		}
	}
	if outcome != OutcomeCommitted {
		t.Fatalf("expected first span outcome %q, got %q", OutcomeCommitted, outcome)
	}
}

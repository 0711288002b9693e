// Package uow bounds version store and reconciler calls in one store
// transaction. The active scope travels in the context: operations given a
// context returned by Begin join its transaction, and a Begin on such a
// context yields a nested scope over the same transaction. Only the outermost
// scope commits or rolls back.
//
// A scope belongs to one goroutine; it must not be shared between concurrent
// callers.
package uow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/metrics"
	"github.com/rpattn/medledger/internal/store"
)

// Unit of work outcomes, used as metric and span labels.
const (
	OutcomeCommitted    = "committed"
	OutcomeRolledBack   = "rolled_back"
	OutcomeAborted      = "aborted"
	OutcomeCommitFailed = "commit_failed"
	OutcomeBeginFailed  = "begin_failed"
)

// Manager opens units of work against one backend.
type Manager struct {
	backend            store.Backend
	logger             zerolog.Logger
	metrics            *metrics.Metrics
	tracer             trace.Tracer
	statementTimeout   time.Duration
	transactionTimeout time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger.Component(l, "uow") }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithStatementTimeout bounds every store call made through Do.
func WithStatementTimeout(d time.Duration) Option {
	return func(m *Manager) { m.statementTimeout = d }
}

// WithTransactionTimeout bounds an outermost scope from Begin to Complete.
func WithTransactionTimeout(d time.Duration) Option {
	return func(m *Manager) { m.transactionTimeout = d }
}

func NewManager(backend store.Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		logger:  zerolog.Nop(),
		tracer:  noop.NewTracerProvider().Tracer("medledger/uow"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the store the manager opens transactions on.
func (m *Manager) Backend() store.Backend { return m.backend }

// Metrics returns the collectors passed with WithMetrics, possibly nil.
func (m *Manager) Metrics() *metrics.Metrics { return m.metrics }

// Logger returns the manager's component logger.
func (m *Manager) Logger() zerolog.Logger { return m.logger }

type scopeKey struct{ m *Manager }

// txState is shared by every scope over one transaction.
type txState struct {
	manager  *Manager
	tx       store.Tx
	ctx      context.Context
	cancel   context.CancelFunc
	span     trace.Span
	started  time.Time
	doomed   error
	finished bool
}

func (st *txState) doom(cause error) {
	if st.doomed == nil {
		st.doomed = cause
	}
}

// finish ends the transaction exactly once.
func (st *txState) finish(outcome string, err error) {
	if st.finished {
		return
	}
	st.finished = true
	m := st.manager

	m.metrics.RecordUnitOfWork(outcome)
	m.metrics.UnitOfWorkFinished()
	m.metrics.ObserveOperation("unit_of_work", time.Since(st.started))

	st.span.SetAttributes(attribute.String("uow.outcome", outcome))
	if err != nil {
		st.span.RecordError(err)
		st.span.SetStatus(codes.Error, err.Error())
	}
	st.span.End()
	st.cancel()

	event := m.logger.Debug()
	if outcome != OutcomeCommitted {
		event = m.logger.Info()
		if err != nil {
			event = event.Err(err)
		}
	}
	event.Str("outcome", outcome).Dur("duration_ms", time.Since(st.started)).Msg("unit of work finished")
}

func (st *txState) rollback() error {
	ctx := context.WithoutCancel(st.ctx)
	return st.tx.Rollback(ctx)
}

// Scope is one Begin/Release pair. Release must be called on every path,
// typically deferred right after Begin.
type Scope struct {
	state     *txState
	outermost bool
	completed bool
	released  bool
}

// Begin opens a scope. When ctx already carries a scope of this manager the
// new scope joins its transaction.
func (m *Manager) Begin(ctx context.Context) (context.Context, *Scope, error) {
	if st := m.stateFrom(ctx); st != nil {
		if st.finished {
			return ctx, nil, domain.NewError(domain.KindAborted, "begin unit of work", "enclosing unit of work already finished", nil)
		}
		return ctx, &Scope{state: st}, nil
	}

	txCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.transactionTimeout > 0 {
		txCtx, cancel = context.WithTimeout(ctx, m.transactionTimeout)
	}
	txCtx, span := m.tracer.Start(txCtx, "uow.transaction",
		trace.WithAttributes(attribute.String("store.backend", m.backend.Name())))

	started := time.Now()
	tx, err := m.backend.Begin(txCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		cancel()
		m.metrics.RecordUnitOfWork(OutcomeBeginFailed)
		return ctx, nil, err
	}

	st := &txState{
		manager: m,
		tx:      tx,
		ctx:     txCtx,
		cancel:  cancel,
		span:    span,
		started: started,
	}
	m.metrics.UnitOfWorkStarted()
	return context.WithValue(txCtx, scopeKey{m}, st), &Scope{state: st, outermost: true}, nil
}

// Complete marks the scope successful. The outermost scope commits; a doomed
// transaction is rolled back instead and the failure that doomed it is
// returned.
func (s *Scope) Complete(ctx context.Context) error {
	st := s.state
	if s.released {
		return domain.NewError(domain.KindInvalidState, "complete unit of work", "scope already released", nil)
	}
	if s.completed {
		return nil
	}
	s.completed = true

	if st.doomed != nil {
		if s.outermost && !st.finished {
			if err := st.rollback(); err != nil {
				st.manager.logger.Warn().Err(err).Msg("rollback after failure")
			}
			st.finish(OutcomeAborted, st.doomed)
		}
		return st.doomed
	}
	if !s.outermost {
		return nil
	}
	if st.finished {
		return domain.NewError(domain.KindAborted, "complete unit of work", "unit of work already finished", nil)
	}

	if err := st.tx.Commit(ctx); err != nil {
		_ = st.rollback()
		st.doom(err)
		st.finish(OutcomeCommitFailed, err)
		return err
	}
	st.finish(OutcomeCommitted, nil)
	return nil
}

// Release ends the scope. An outermost scope that was not completed rolls
// back. A nested scope released without Complete dooms the transaction.
func (s *Scope) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	st := s.state

	if !s.outermost {
		if !s.completed {
			st.doom(domain.NewError(domain.KindAborted, "release unit of work", "nested scope released without completion", nil))
		}
		return
	}
	if st.finished {
		return
	}
	if err := st.rollback(); err != nil {
		st.manager.logger.Warn().Err(err).Msg("rollback on release")
	}
	outcome := OutcomeRolledBack
	if st.doomed != nil {
		outcome = OutcomeAborted
	}
	st.finish(outcome, st.doomed)
}

// Outermost reports whether the scope owns the transaction.
func (s *Scope) Outermost() bool { return s.outermost }

// Within runs fn in a scope. The scope completes when fn returns nil and is
// released on every path.
func (m *Manager) Within(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, scope, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer scope.Release()

	if err := fn(ctx); err != nil {
		scope.state.doom(err)
		return err
	}
	return scope.Complete(ctx)
}

// Do runs one store operation in the ambient scope, or in an implicit
// single-operation scope when ctx carries none. A failing operation dooms the
// ambient scope.
func (m *Manager) Do(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	st := m.stateFrom(ctx)
	if st == nil {
		return m.Within(ctx, func(ctx context.Context) error {
			return m.Do(ctx, op, fn)
		})
	}
	if st.finished {
		return domain.NewError(domain.KindAborted, op, "unit of work already finished", nil)
	}
	if st.doomed != nil {
		return domain.NewError(domain.KindAborted, op, "unit of work aborted by an earlier failure", nil)
	}

	opCtx := ctx
	if m.statementTimeout > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, m.statementTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(opCtx, st.tx)
	m.metrics.ObserveOperation(op, time.Since(start))
	if err != nil {
		if ctxErr := store.ContextError(op, err); ctxErr != nil && domain.KindOf(err) == "" {
			err = ctxErr
		}
		st.doom(err)
	}
	return err
}

// InScope reports whether ctx carries a live scope of this manager.
func (m *Manager) InScope(ctx context.Context) bool {
	st := m.stateFrom(ctx)
	return st != nil && !st.finished
}

func (m *Manager) stateFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(scopeKey{m}).(*txState)
	return st
}

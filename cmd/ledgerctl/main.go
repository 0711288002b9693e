// Command ledgerctl operates a medledger database: it applies migrations,
// exports the audit history of an entity and serves store metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rpattn/medledger/internal/association"
	"github.com/rpattn/medledger/internal/config"
	"github.com/rpattn/medledger/internal/domain"
	"github.com/rpattn/medledger/internal/export"
	"github.com/rpattn/medledger/internal/ingestion"
	"github.com/rpattn/medledger/internal/logger"
	"github.com/rpattn/medledger/internal/metrics"
	"github.com/rpattn/medledger/internal/middleware"
	"github.com/rpattn/medledger/internal/repository"
	"github.com/rpattn/medledger/internal/store"
	"github.com/rpattn/medledger/internal/telemetry"
	"github.com/rpattn/medledger/internal/uow"
	"github.com/rpattn/medledger/internal/version"
)

const usage = `usage: ledgerctl [-config dir] <command> [flags]

commands:
  migrate up|down|status   apply, revert or report schema migrations
  history                  export the audit history of one entity to xlsx
  import-users             create or revise domain users from a csv or xlsx roster
  metrics                  serve /metrics and /healthz until interrupted
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerctl: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	cfg config.Config
	log zerolog.Logger
}

func run(ctx context.Context, args []string) error {
	global := flag.NewFlagSet("ledgerctl", flag.ContinueOnError)
	configDir := global.String("config", ".", "directory holding config.yaml")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.Load(*configDir)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, log: logger.New(cfg.Log.Logger())}
	if cfg.File != "" {
		a.log.Debug().Str("file", cfg.File).Msg("loaded config")
	}

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "migrate":
		return a.migrate(ctx, rest)
	case "history":
		return a.history(ctx, rest)
	case "import-users":
		return a.importUsers(ctx, rest)
	case "metrics":
		return a.serveMetrics(ctx, rest)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (a *app) migrate(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("migrate needs one of up, down, status")
	}
	m, err := openMigrator(ctx, a.cfg.Database, logger.Component(a.log, "migrate"))
	if err != nil {
		return err
	}
	defer m.close()

	switch args[0] {
	case "up":
		return m.up()
	case "down":
		return m.down()
	case "status":
		st, err := m.status()
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", st.Version, st.Dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q", args[0])
	}
}

// relationList collects repeated -relation flags.
type relationList []string

func (r *relationList) String() string { return strings.Join(*r, ",") }

func (r *relationList) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	kind := fs.String("kind", "", "entity kind, e.g. role or domain-user")
	keyFlag := fs.String("key", "", "entity key")
	out := fs.String("out", ".", "directory the workbook is written to")
	var relations relationList
	fs.Var(&relations, "relation", "relation owned by the entity (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *kind == "" {
		return errors.New("history needs -kind")
	}
	key, err := uuid.Parse(*keyFlag)
	if err != nil {
		return fmt.Errorf("invalid -key: %w", err)
	}
	if len(relations) == 0 && *kind == repository.RoleKind {
		relations = relationList{repository.RolePermissions.Kind, repository.RoleMembers.Kind}
	}

	mgr, closeFn, err := a.manager(ctx, nil)
	if err != nil {
		return err
	}
	defer closeFn()

	svc := export.NewService(association.NewReconciler(mgr), export.WithExportDirectory(*out))
	path, summary, err := svc.ExportHistory(ctx, export.HistoryRequest{
		Source:    version.New[json.RawMessage](*kind, mgr),
		Key:       key,
		Relations: relations,
	})
	if err != nil {
		return err
	}
	a.log.Info().
		Str("path", path).
		Int("snapshots", summary.Snapshots).
		Interface("links", summary.Links).
		Msg("exported history")
	return nil
}

func (a *app) importUsers(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import-users", flag.ContinueOnError)
	file := fs.String("file", "", "roster file (.csv or .xlsx)")
	userFlag := fs.String("user", "", "key of the user performing the import")
	deviceFlag := fs.String("device", uuid.Nil.String(), "key of the device the import runs on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	userKey, err := uuid.Parse(*userFlag)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	deviceKey, err := uuid.Parse(*deviceFlag)
	if err != nil {
		return fmt.Errorf("invalid -device: %w", err)
	}

	data, err := os.Open(*file)
	if err != nil {
		return fmt.Errorf("failed to open roster: %w", err)
	}
	defer data.Close()

	mgr, closeFn, err := a.manager(ctx, nil)
	if err != nil {
		return err
	}
	defer closeFn()

	svc := ingestion.NewService(repository.NewDomainUserRepository(mgr), a.log)
	summary, err := svc.Ingest(ctx, ingestion.Request{
		FileName: *file,
		Data:     data,
		Action:   domain.NewActionContext(userKey, deviceKey, time.Now(), time.Local),
	})
	if err != nil {
		return err
	}
	for _, rowErr := range summary.Errors {
		fmt.Fprintf(os.Stderr, "row %d: %s\n", rowErr.Row, rowErr.Message)
	}
	fmt.Printf("rows=%d created=%d updated=%d unchanged=%d invalid=%d\n",
		summary.TotalRows, summary.Created, summary.Updated, summary.Unchanged, summary.InvalidRows)
	return nil
}

func (a *app) serveMetrics(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("metrics", flag.ContinueOnError)
	addr := fs.String("addr", a.cfg.Metrics.Address, "http listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	mgr, closeFn, err := a.manager(ctx, mt)
	if err != nil {
		return err
	}
	defer closeFn()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		err := mgr.Do(r.Context(), "healthz", func(ctx context.Context, tx store.Tx) error {
			_, err := tx.ListCurrent(ctx, repository.RoleKind)
			return err
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:         *addr,
		Handler:      otelhttp.NewHandler(middleware.Logging(logger.Component(a.log, "http"))(mux), "ledgerctl"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", *addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// manager opens the backend and wraps it in a unit of work manager carrying
// the configured timeouts, tracer and mt.
func (a *app) manager(ctx context.Context, mt *metrics.Metrics) (*uow.Manager, func(), error) {
	tracer, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Tracing.ServiceName,
		Stdout:      a.cfg.Tracing.Stdout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	backend, err := openBackend(ctx, a.cfg.Database, logger.Component(a.log, "store"))
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, nil, err
	}

	mgr := uow.NewManager(backend,
		uow.WithLogger(a.log),
		uow.WithMetrics(mt),
		uow.WithTracer(tracer),
		uow.WithStatementTimeout(a.cfg.Store.StatementTimeout),
		uow.WithTransactionTimeout(a.cfg.Store.TransactionTimeout),
	)
	closeFn := func() {
		if err := backend.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		}
		if err := shutdownTracing(context.Background()); err != nil {
			a.log.Warn().Err(err).Msg("failed to flush traces")
		}
	}
	return mgr, closeFn, nil
}

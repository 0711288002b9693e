package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rpattn/medledger/internal/db"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return dir
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File != "" {
		t.Fatalf("expected no config file, got %q", cfg.File)
	}
	if cfg.Database.Driver != db.DriverPostgres || cfg.Store.TransactionTimeout != 30*time.Second {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestLoadReadsYAMLAndEnvironment(t *testing.T) {
	dir := writeConfig(t, `
database:
  driver: sqlite
  sqlite_path: /var/lib/medledger/ledger.db
  max_conns: 3
store:
  statement_timeout: 2s
log:
  level: debug
  pretty: true
`)
	t.Setenv("MEDLEDGER_DATABASE_SQLITE_PATH", "/tmp/override.db")
	t.Setenv("MEDLEDGER_METRICS_ADDRESS", "127.0.0.1:9999")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.File != filepath.Join(dir, "config.yaml") {
		t.Fatalf("expected config file to be recorded, got %q", cfg.File)
	}
	if cfg.Database.Driver != db.DriverSQLite || cfg.Database.MaxConns != 3 {
		t.Fatalf("expected database section from yaml, got %+v", cfg.Database)
	}
	if cfg.Database.SQLitePath != "/tmp/override.db" {
		t.Fatalf("expected env to override sqlite path, got %q", cfg.Database.SQLitePath)
	}
	if cfg.Metrics.Address != "127.0.0.1:9999" {
		t.Fatalf("expected env metrics address, got %q", cfg.Metrics.Address)
	}
	if cfg.Store.StatementTimeout != 2*time.Second || cfg.Store.TransactionTimeout != 30*time.Second {
		t.Fatalf("unexpected store timeouts %+v", cfg.Store)
	}
	lc := cfg.Log.Logger()
	if lc.Level != "debug" || !lc.Pretty {
		t.Fatalf("unexpected logger config %+v", lc)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	dir := writeConfig(t, "database:\n  driver: oracle\n")
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected unsupported driver to be rejected")
	}
}

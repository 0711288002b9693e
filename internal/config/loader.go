package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/medledger/internal/db"
	"github.com/rpattn/medledger/internal/logger"
)

// EnvPrefix prefixes every environment override, e.g. MEDLEDGER_DATABASE_HOST.
const EnvPrefix = "MEDLEDGER"

// Config is the full runtime configuration of the ledger tools.
type Config struct {
	Database db.Config
	Store    StoreConfig
	Log      LogConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig

	// File is the config file that was read, empty when only defaults and
	// environment were used.
	File string
}

// StoreConfig bounds units of work.
type StoreConfig struct {
	StatementTimeout   time.Duration
	TransactionTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type MetricsConfig struct {
	Address string
}

type TracingConfig struct {
	Stdout      bool
	ServiceName string
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Database: db.DefaultConfig(),
		Store: StoreConfig{
			StatementTimeout:   5 * time.Second,
			TransactionTimeout: 30 * time.Second,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Address: ":9464"},
		Tracing: TracingConfig{ServiceName: "medledger"},
	}
}

// Logger returns the logger configuration for the log section.
func (c LogConfig) Logger() logger.Config {
	return logger.Config{Level: c.Level, Pretty: c.Pretty}
}

var boundKeys = []string{
	"database.driver",
	"database.host",
	"database.port",
	"database.user",
	"database.password",
	"database.dbname",
	"database.sslmode",
	"database.sqlite_path",
	"database.max_conns",
	"database.min_conns",
	"database.max_conn_lifetime",
	"database.max_conn_idle_time",
	"store.statement_timeout",
	"store.transaction_timeout",
	"log.level",
	"log.pretty",
	"metrics.address",
	"tracing.stdout",
	"tracing.service_name",
}

// Load reads config.yaml from configPath when present and applies
// MEDLEDGER_* environment overrides on top of the defaults.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range boundKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	d := &cfg.Database
	setString(v, "database.driver", &d.Driver)
	setString(v, "database.host", &d.Host)
	if v.IsSet("database.port") {
		d.Port = v.GetInt("database.port")
	}
	setString(v, "database.user", &d.User)
	setString(v, "database.password", &d.Password)
	setString(v, "database.dbname", &d.DBName)
	setString(v, "database.sslmode", &d.SSLMode)
	setString(v, "database.sqlite_path", &d.SQLitePath)
	if v.IsSet("database.max_conns") {
		d.MaxConns = v.GetInt32("database.max_conns")
	}
	if v.IsSet("database.min_conns") {
		d.MinConns = v.GetInt32("database.min_conns")
	}
	setDuration(v, "database.max_conn_lifetime", &d.MaxConnLifetime)
	setDuration(v, "database.max_conn_idle_time", &d.MaxConnIdleTime)

	setDuration(v, "store.statement_timeout", &cfg.Store.StatementTimeout)
	setDuration(v, "store.transaction_timeout", &cfg.Store.TransactionTimeout)

	setString(v, "log.level", &cfg.Log.Level)
	if v.IsSet("log.pretty") {
		cfg.Log.Pretty = v.GetBool("log.pretty")
	}
	setString(v, "metrics.address", &cfg.Metrics.Address)
	if v.IsSet("tracing.stdout") {
		cfg.Tracing.Stdout = v.GetBool("tracing.stdout")
	}
	setString(v, "tracing.service_name", &cfg.Tracing.ServiceName)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the tools cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case db.DriverPostgres, db.DriverSQLite:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Store.StatementTimeout < 0 || c.Store.TransactionTimeout < 0 {
		return errors.New("store timeouts must not be negative")
	}
	return nil
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *time.Duration) {
	if v.IsSet(key) {
		*dst = v.GetDuration(key)
	}
}

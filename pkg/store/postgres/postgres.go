// Package postgres stores transactions, rules and ingestion cursors in
// PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pennywise-app/pennywise/pkg/api"
	"github.com/pennywise-app/pennywise/pkg/writer/buffered"
)

//go:embed 001_init.sql
var migrationSQL string

// Config holds the PostgreSQL store configuration.
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`

	// DSN, when set, is used instead of the individual connection fields.
	DSN string `json:"dsn"`

	// BatchSize is the number of transactions to buffer before writing.
	BatchSize int `json:"batch_size"`
	// FlushInterval is the time between automatic flushes.
	FlushInterval time.Duration `json:"-"`

	// MaxPoolSize is the maximum number of connections in the pool.
	MaxPoolSize int `json:"max_pool_size"`
}

// Store is a PostgreSQL backed implementation of the api storage interfaces.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	buffered *buffered.Writer
}

var (
	_ api.Writer           = (*Store)(nil)
	_ api.TransactionStore = (*Store)(nil)
	_ api.RuleStore        = (*Store)(nil)
	_ api.CursorStore      = (*Store)(nil)
	_ api.StatsSource      = (*Store)(nil)
)

// New connects to PostgreSQL and applies the schema.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 10
	}

	connStr := cfg.DSN
	if connStr == "" {
		connStr = fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
		)
	}

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxPoolSize)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		"host", poolConfig.ConnConfig.Host,
		"port", poolConfig.ConnConfig.Port,
		"database", poolConfig.ConnConfig.Database,
	)

	s := &Store{pool: pool, logger: logger}
	s.buffered = buffered.New(s.writeBatch, buffered.Config{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, logger.With("component", "postgres_buffer"))

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	s.logger.Info("running database migrations")

	if _, err := s.pool.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("executing migration: %w", err)
	}

	s.logger.Info("migrations completed successfully")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Stats counts stored transactions and rules and returns every ingestion cursor.
func (s *Store) Stats(ctx context.Context) (api.Stats, error) {
	var st api.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM transactions),
			(SELECT COUNT(*) FROM transactions WHERE category IS NULL),
			(SELECT COUNT(*) FROM rules),
			(SELECT COUNT(*) FROM rules WHERE enabled)
	`).Scan(&st.Transactions, &st.Unclassified, &st.Rules, &st.EnabledRules)
	if err != nil {
		return st, fmt.Errorf("counting rows: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT source, cursor FROM ingestion_state`)
	if err != nil {
		return st, fmt.Errorf("querying cursors: %w", err)
	}
	defer rows.Close()

	st.Cursors = make(map[string]time.Time)
	for rows.Next() {
		var (
			source string
			at     time.Time
		)
		if err := rows.Scan(&source, &at); err != nil {
			return st, fmt.Errorf("scanning cursor: %w", err)
		}
		st.Cursors[source] = at
	}
	return st, rows.Err()
}

// Close closes the database connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("closed PostgreSQL connection pool")
	}
}

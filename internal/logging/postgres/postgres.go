// Package postgres upserts events into a single table keyed by event key.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Chichichkin/LogTransport/internal/logging"
)

const DefaultPort = 5432

var (
	ErrFailedToParseConfig = errors.New("failed to parse postgres config")
	ErrFailedToConnect     = errors.New("failed to connect to postgres")
	ErrFailedToPrepare     = errors.New("failed to prepare postgres table")
	ErrFailedToPersist     = errors.New("failed to persist events to postgres")
	ErrHealthcheckFailed   = errors.New("postgres healthcheck failed")
	ErrInvalidTable        = errors.New("invalid table name")
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	Database        string        `env:"PG_DATABASE" envDefault:"logs"`
	Username        string        `env:"PG_USERNAME" envDefault:"postgres"`
	Password        string        `env:"PG_PASSWORD"`
	SSLMode         string        `env:"PG_SSLMODE" envDefault:"disable"`
	Table           string        `env:"PG_TABLE" envDefault:"log_events"`
	MaxConns        int32         `env:"PG_MAX_OPEN_CONNS" envDefault:"4"`
	MaxConnIdleTime time.Duration `env:"PG_MAX_CONN_IDLE_TIME" envDefault:"10m"`
}

// DB is the part of *pgxpool.Pool the backend uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
	Close()
}

type Backend struct {
	pool  DB
	table string
}

func NewBackend(pool DB, cfg Config) (*Backend, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, cfg.Table)
	}
	return &Backend{pool: pool, table: cfg.Table}, nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	key        TEXT PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	message    TEXT NOT NULL,
	labels     JSONB,
	payload    BYTEA,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS %[1]s_ts_idx ON %[1]s (ts DESC);`, table)
}

func upsertSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (key, ts, message, labels, payload)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
	ts = EXCLUDED.ts,
	message = EXCLUDED.message,
	labels = EXCLUDED.labels,
	payload = EXCLUDED.payload,
	updated_at = now()`, table)
}

func (b *Backend) Prepare(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, createTableSQL(b.table)); err != nil {
		return fmt.Errorf("%w: create table %s: %w", ErrFailedToPrepare, b.table, err)
	}
	return nil
}

func buildBatch(table string, events []logging.Event) *pgx.Batch {
	query := upsertSQL(table)
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(query, e.Key, e.Timestamp, e.Message, e.Labels, e.Payload)
	}
	return batch
}

// PersistBatch sends all upserts in one round trip.
func (b *Backend) PersistBatch(ctx context.Context, events []logging.Event) error {
	if len(events) == 0 {
		return nil
	}

	results := b.pool.SendBatch(ctx, buildBatch(b.table, events))
	var errs []error
	for range events {
		if _, err := results.Exec(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := results.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: upsert %d events: %w", ErrFailedToPersist, len(events), errors.Join(errs...))
	}
	return nil
}

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheckFailed, err)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	b.pool.Close()
	return nil
}

type Connector struct {
	Config Config
}

func (c Connector) DefaultPort() int { return DefaultPort }

func (c Connector) Connect(ctx context.Context, addr logging.Address) (logging.Backend, error) {
	poolConfig, err := pgxpool.ParseConfig(connectionString(addr, c.Config))
	if err != nil {
		return nil, errors.Join(ErrFailedToParseConfig, err)
	}
	if c.Config.MaxConns > 0 {
		poolConfig.MaxConns = c.Config.MaxConns
	}
	poolConfig.MaxConnIdleTime = c.Config.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Join(ErrFailedToConnect, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Join(ErrFailedToConnect, err)
	}

	backend, err := NewBackend(pool, c.Config)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return backend, nil
}

func connectionString(addr logging.Address, cfg Config) string {
	u := url.URL{
		Scheme: "postgres",
		Host:   addr.HostPort(),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	if cfg.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {cfg.SSLMode}}.Encode()
	}
	return u.String()
}

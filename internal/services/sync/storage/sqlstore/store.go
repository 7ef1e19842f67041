// Package sqlstore implements the sync storage contracts on database/sql for
// SQLite, PostgreSQL, and MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlmigrate "github.com/louisbranch/matchsync/internal/platform/storage/sqlmigrate"
	"github.com/louisbranch/matchsync/internal/platform/timeouts"
	"github.com/louisbranch/matchsync/internal/services/sync/storage"
	"github.com/louisbranch/matchsync/internal/services/sync/storage/sqlstore/migrations"
	"go.uber.org/zap"
)

// Config selects and tunes the relational store.
type Config struct {
	Dialect Dialect
	// DSN is a driver data source name. For SQLite a bare file path is
	// accepted and receives the default pragmas.
	DSN          string
	MaxOpenConns int
	Logger       *zap.Logger
}

// Store is the relational store handle shared by one sync process.
type Store struct {
	sqlDB   *sql.DB
	dialect Dialect
	logger  *zap.Logger

	mu      sync.Mutex
	created map[string]bool
}

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open connects to the store and applies the bookkeeping migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Dialect == "" {
		cfg.Dialect = SQLite
	}
	if _, err := ParseDialect(string(cfg.Dialect)); err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("storage dsn is required")
	}
	if cfg.Dialect == SQLite {
		var err error
		if dsn, err = sqliteDSN(dsn); err != nil {
			return nil, err
		}
	}

	sqlDB, err := sql.Open(cfg.Dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", cfg.Dialect, err)
	}
	switch {
	case cfg.Dialect == SQLite:
		// One writer at a time; concurrent chunk loads queue on the pool.
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.StorePing)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s db: %w", cfg.Dialect, err)
	}

	if err := sqlmigrate.ApplyMigrations(ctx, sqlDB, cfg.Dialect.flavor(), migrations.FS, string(cfg.Dialect)); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sqlDB:   sqlDB,
		dialect: cfg.Dialect,
		logger:  logger.Named("sqlstore"),
		created: map[string]bool{},
	}, nil
}

func sqliteDSN(dsn string) (string, error) {
	if strings.Contains(dsn, "?") || strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	if dsn == ":memory:" {
		return dsn, nil
	}
	cleanPath := filepath.Clean(dsn)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	return cleanPath + "?" + sqlitePragmas, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Dialect returns the store dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// DB exposes the underlying handle for tests and tooling.
func (s *Store) DB() *sql.DB {
	return s.sqlDB
}

// QueryStrings runs a read-only query and returns its first column as strings.
func (s *Store) QueryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	bound := make([]any, len(args))
	for i, arg := range args {
		if t, ok := arg.(time.Time); ok {
			bound[i] = s.dialect.bindTime(t)
			continue
		}
		bound[i] = arg
	}
	rows, err := s.sqlDB.QueryContext(ctx, s.dialect.rebind(query), bound...)
	if err != nil {
		return nil, fmt.Errorf("query strings: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan string: %w", err)
		}
		if v == nil {
			continue
		}
		out = append(out, stringValue(v))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strings: %w", err)
	}
	return out, nil
}

func stringValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(x)
	}
}

var (
	_ storage.RowStore      = (*Store)(nil)
	_ storage.WindowQuerier = (*Store)(nil)
	_ storage.QuotaLedger   = (*Store)(nil)
	_ storage.RunStore      = (*Store)(nil)
)

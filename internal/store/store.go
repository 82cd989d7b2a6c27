// Package store opens the embedded relational store shared by the job
// engine, the position ledger and the price data manager. The default
// driver is the pure-Go sqlite build; pgx is supported for deployments
// that already run Postgres.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	// DriverSQLite is the embedded default.
	DriverSQLite = "sqlite"
	// DriverPostgres selects the pgx stdlib driver.
	DriverPostgres = "pgx"
)

// DateLayout is the canonical encoding for date-valued columns. Dates are
// stored as TEXT so that lexical ordering matches chronological ordering on
// both drivers.
const DateLayout = "2006-01-02"

// Config selects the driver and connection parameters. A non-empty DSN is
// used verbatim; otherwise the sqlite DSN is derived from Path.
type Config struct {
	Driver       string `json:",default=sqlite,options=sqlite|pgx"`
	DSN          string `json:",optional"`
	Path         string `json:",default=data/alphasim.db"`
	MaxOpenConns int    `json:",default=8"`
	MaxIdleConns int    `json:",default=4"`
}

// Store wraps the shared connection together with the driver it was opened
// with, which the schema bootstrap needs for its dialect switch.
type Store struct {
	Conn   sqlx.SqlConn
	driver string
}

// Open validates the configuration, opens the connection and applies the
// pool limits. The connection is verified with a short ping before it is
// handed out.
func Open(c Config) (*Store, error) {
	driver := strings.TrimSpace(c.Driver)
	if driver == "" {
		driver = DriverSQLite
	}

	var dsn string
	switch driver {
	case DriverSQLite:
		var err error
		dsn, err = sqliteDSN(c)
		if err != nil {
			return nil, err
		}
	case DriverPostgres:
		dsn = strings.TrimSpace(c.DSN)
		if dsn == "" {
			return nil, fmt.Errorf("store: driver %q requires a dsn", driver)
		}
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	conn := sqlx.NewSqlConn(driver, dsn)
	s := &Store{Conn: conn, driver: driver}

	if err := s.tunePool(c); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return s, nil
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	db, err := s.Conn.RawDB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

// Close releases the underlying pool. Only the one-shot commands call this;
// the daemon holds the store for its whole lifetime.
func (s *Store) Close() error {
	db, err := s.Conn.RawDB()
	if err != nil {
		return err
	}
	return db.Close()
}

func (s *Store) tunePool(c Config) error {
	db, err := s.Conn.RawDB()
	if err != nil {
		return fmt.Errorf("store: raw db: %w", err)
	}
	if c.MaxOpenConns > 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns > 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)
	return nil
}

// sqliteDSN resolves the database file and appends the pragma set the
// engine relies on: WAL for concurrent readers, a busy timeout so parallel
// model-day writers queue instead of failing, and foreign keys for the
// cascade deletes.
func sqliteDSN(c Config) (string, error) {
	if dsn := strings.TrimSpace(c.DSN); dsn != "" {
		return dsn, nil
	}

	path := strings.TrimSpace(c.Path)
	if path == "" {
		return "", fmt.Errorf("store: sqlite driver requires a path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("store: resolve path %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("store: create data dir: %w", err)
	}

	return abs +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=cache_size(-64000)" +
		"&_time_format=sqlite", nil
}

// FormatDate encodes a date for storage.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate decodes a stored date back into a midnight-UTC time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("store: parse date %q: %w", s, err)
	}
	return t, nil
}

// Package sqlstore implements the ledger, feedback and audit stores on
// database/sql. The same schema and queries run on PostgreSQL (lib/pq) and
// SQLite (modernc.org/sqlite); queries are written with ? placeholders and
// rebound for the active dialect.
//
// Balance mutations are guarded UPDATE ... RETURNING statements inside one
// transaction per operation. PostgreSQL serializes them with the wallet row
// lock, SQLite with its single writer.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect selects placeholder style and DDL variants.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect maps a driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// Store is a SQL-backed ledger.Store, feedback.Store and audit.Sink.
type Store struct {
	db      *sql.DB
	dialect Dialect
	log     zerolog.Logger
	now     func() time.Time
}

// Options tunes the connection pool. Zero values take defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLiteDSN builds a modernc DSN for path with a busy timeout, WAL and
// foreign keys enabled.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
}

// Open connects to the database, verifies connectivity and applies the
// schema.
func Open(ctx context.Context, driver, dsn string, opts Options, logger zerolog.Logger) (*Store, error) {
	dialect, err := ParseDialect(driver)
	if err != nil {
		return nil, err
	}

	driverName := "postgres"
	if dialect == DialectSQLite {
		driverName = "sqlite"
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			dsn = SQLiteDSN(dsn)
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s connection failed: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		// SQLite only supports a single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if opts.MaxOpenConns <= 0 {
			opts.MaxOpenConns = 50
		}
		if opts.MaxIdleConns <= 0 {
			opts.MaxIdleConns = 25
		}
		if opts.ConnMaxLifetime <= 0 {
			opts.ConnMaxLifetime = 5 * time.Minute
		}
		if opts.ConnMaxIdleTime <= 0 {
			opts.ConnMaxIdleTime = time.Minute
		}
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxIdleConns)
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", dialect, err)
	}

	s := New(db, dialect, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.log.Info().Str("dialect", string(dialect)).Msg("sql store ready")
	return s, nil
}

// New wraps an existing connection pool. The schema is not touched.
func New(db *sql.DB, dialect Dialect, logger zerolog.Logger) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		log:     logger.With().Str("component", "sqlstore").Logger(),
		now:     time.Now,
	}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the active dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// withTx runs fn in a transaction, committing on nil and rolling back
// otherwise. fn must use tx exclusively; with SQLite's single connection a
// query on s.db would deadlock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

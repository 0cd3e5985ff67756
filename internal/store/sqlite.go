// ABOUTME: SQLite implementation of the Store interfaces (modernc.org/sqlite or mattn/go-sqlite3)
// ABOUTME: Opens the database with WAL and a busy timeout, creates the schema, runs migrations

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by WithDriver.
const (
	// DriverPureGo is modernc.org/sqlite, the default (no cgo).
	DriverPureGo = "sqlite"
	// DriverCGO is mattn/go-sqlite3.
	DriverCGO = "sqlite3"
)

// DefaultBusyTimeout is how long a writer waits for a competing writer.
const DefaultBusyTimeout = 5 * time.Second

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	hasher *tokenHasher
	now    func() time.Time
}

type options struct {
	driver      string
	busyTimeout time.Duration
	pepper      []byte
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures NewSQLiteStore.
type Option func(*options)

// WithDriver selects the database/sql driver (DriverPureGo or DriverCGO).
// Empty keeps the default.
func WithDriver(driver string) Option {
	return func(o *options) {
		if driver != "" {
			o.driver = driver
		}
	}
}

// WithBusyTimeout sets how long a write waits on a locked database.
// Zero keeps the default.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithTokenPepper keys the digests of stored bearer secrets.
func WithTokenPepper(pepper []byte) Option {
	return func(o *options) { o.pepper = pepper }
}

// WithLogger overrides the default component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	o := options{
		driver:      DriverPureGo,
		busyTimeout: DefaultBusyTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "store")

	hasher, err := newTokenHasher(o.pepper)
	if err != nil {
		return nil, err
	}

	inMemory := path == ":memory:"
	if !inMemory {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(o.driver, buildDSN(o.driver, path, o.busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if inMemory {
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		hasher: hasher,
		now:    o.now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", o.driver)
	return s, nil
}

// buildDSN encodes per-connection pragmas in the driver's DSN dialect so that
// every pooled connection gets them, not just the first.
func buildDSN(driver, path string, busyTimeout time.Duration) string {
	ms := busyTimeout.Milliseconds()
	if driver == DriverCGO {
		return fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=1&_journal_mode=WAL", path, ms)
	}
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path, ms)
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			email        TEXT NOT NULL UNIQUE,
			role         TEXT NOT NULL,
			photo_url    TEXT,
			disabled     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,

			CHECK (role IN ('owner', 'admin', 'member'))
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			token_hash       TEXT NOT NULL UNIQUE,
			user_id          TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			device_info      TEXT,
			ip_address       TEXT,
			created_at       TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);

		CREATE TABLE IF NOT EXISTS service_tokens (
			id         TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL UNIQUE,
			user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			scope_id   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_service_tokens_expires ON service_tokens(expires_at);

		CREATE TABLE IF NOT EXISTS audit_events (
			id            TEXT PRIMARY KEY,
			actor_user_id TEXT,
			action        TEXT NOT NULL,
			description   TEXT NOT NULL,
			ip_address    TEXT,
			created_at    TEXT NOT NULL,
			detail_json   TEXT,

			CHECK (action IN (
				'channel_authorize',
				'service_token_issue',
				'service_token_redeem',
				'session_revoke'
			))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor_user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "disabled",
			apply:  `ALTER TABLE users ADD COLUMN disabled INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "audit_events",
			column: "detail_json",
			apply:  `ALTER TABLE audit_events ADD COLUMN detail_json TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

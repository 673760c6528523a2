// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens a single-connection database, creates the schema and runs transactions

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqliteQueries implements Queries over a connection or a transaction.
type sqliteQueries struct {
	db dbtx
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	*sqliteQueries
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps pragmas and transactions on the same handle and
	// serializes writers inside this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		sqliteQueries: &sqliteQueries{db: db},
		db:            db,
		logger:        logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS principals (
			id           TEXT PRIMARY KEY,
			nick         TEXT,
			email        TEXT,
			first_name   TEXT,
			second_name  TEXT,
			phone_number TEXT,
			enabled      INTEGER NOT NULL DEFAULT 1,
			admin        INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_principals_email ON principals(email);
		CREATE INDEX IF NOT EXISTS idx_principals_nick ON principals(nick);

		CREATE TABLE IF NOT EXISTS credentials (
			id                TEXT PRIMARY KEY,
			principal_id      TEXT NOT NULL REFERENCES principals(id) ON DELETE CASCADE,
			type              TEXT NOT NULL,
			identifier        TEXT,
			enabled           INTEGER NOT NULL DEFAULT 1,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approved          INTEGER NOT NULL DEFAULT 1,
			approved_by       TEXT,
			approved_at       TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			credential_id     BLOB,
			public_key        BLOB,
			sign_count        INTEGER NOT NULL DEFAULT 0,
			transports        TEXT,
			rp_id             TEXT,
			attestation_type  TEXT,
			aaguid            BLOB,

			password_hash       TEXT,
			password_changed_at TEXT,

			provider         TEXT,
			provider_subject TEXT,
			access_token     TEXT,
			refresh_token    TEXT,
			oauth_expires_at TEXT,

			token_hash   TEXT,
			description  TEXT,
			expires_at   TEXT,
			last_used_at TEXT,

			CHECK (type IN ('passkey', 'password', 'oauth2', 'token'))
		);

		CREATE INDEX IF NOT EXISTS idx_credentials_principal ON credentials(principal_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_passkey_id ON credentials(credential_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_token_hash ON credentials(token_hash);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_credentials_oauth_subject
			ON credentials(provider, provider_subject) WHERE type = 'oauth2';
		CREATE INDEX IF NOT EXISTS idx_credentials_pending
			ON credentials(created_at) WHERE requires_approval = 1 AND approved = 0;

		CREATE TABLE IF NOT EXISTS signing_keys (
			kid         TEXT PRIMARY KEY,
			algorithm   TEXT NOT NULL,
			public_key  TEXT,
			private_key TEXT NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  TEXT NOT NULL,
			expires_at  TEXT,
			rotated_at  TEXT
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_signing_keys_active
			ON signing_keys(algorithm) WHERE active = 1;
		CREATE INDEX IF NOT EXISTS idx_signing_keys_algorithm ON signing_keys(algorithm, created_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id           TEXT PRIMARY KEY,
			actor_principal_id TEXT NOT NULL,
			action             TEXT NOT NULL,
			target_type        TEXT NOT NULL,
			target_id          TEXT NOT NULL,
			ts                 TEXT NOT NULL,
			detail_json        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_target ON audit_log(target_type, target_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "credentials",
			column: "backup_eligible",
			apply:  `ALTER TABLE credentials ADD COLUMN backup_eligible INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "credentials",
			column: "backup_state",
			apply:  `ALTER TABLE credentials ADD COLUMN backup_state INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(
			`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column,
		).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// InTx runs fn inside a single transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isForeignKeyViolation checks if the error is a SQLite FOREIGN KEY violation
func isForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// nullString converts an empty string to nil for storing as SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullBytes converts an empty slice to nil for storing as SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// timeNow is the clock used for store-maintained timestamps.
var timeNow = time.Now

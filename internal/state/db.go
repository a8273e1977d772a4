// Package state provides SQLite-based durable storage for the control plane.
// Agents, jobs, leases, lease resolutions, events, metrics snapshots and
// idempotency keys each live in their own table and are individually
// recoverable after a restart.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with fleet-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the default location of the fleet database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "fleet", "fleet.db")
}

// Open opens an SQLite database at the given path.
// It creates the parent directories if they don't exist.
// WAL mode, foreign keys and a busy timeout are set on every pooled connection.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	dsn := "file:" + path + "?" + q.Encode()

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Agents},
		{2, migrationV2Jobs},
		{3, migrationV3Leases},
		{4, migrationV4Events},
		{5, migrationV5Idempotency},
		{6, migrationV6DrainRequested},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration.
func (db *DB) SchemaVersion() (int, error) {
	var v int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

// Migration SQL statements
const migrationV1Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'registered',
	last_heartbeat_at TEXT NOT NULL,
	current_lease_count INTEGER NOT NULL DEFAULT 0,
	max_concurrent_jobs INTEGER NOT NULL DEFAULT 1,
	registered_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	CHECK (current_lease_count >= 0),
	CHECK (current_lease_count <= max_concurrent_jobs),
	UNIQUE (tenant_id, name)
);

CREATE INDEX IF NOT EXISTS idx_agents_tenant_status ON agents(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_agents_status_heartbeat ON agents(status, last_heartbeat_at);

CREATE TABLE IF NOT EXISTS agent_metrics (
	agent_id TEXT PRIMARY KEY REFERENCES agents(id),
	cpu_percent REAL NOT NULL DEFAULT 0,
	memory_percent REAL NOT NULL DEFAULT 0,
	disk_percent REAL NOT NULL DEFAULT 0,
	active_jobs INTEGER NOT NULL DEFAULT 0,
	reported_at TEXT NOT NULL
);
`

const migrationV2Jobs = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	package_ref TEXT NOT NULL,
	parameters TEXT,
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	priority INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	timeout_seconds INTEGER NOT NULL DEFAULT 300,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	not_before TEXT,
	idempotency_key TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	lease_id TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	result TEXT,
	finished_at TEXT,
	CHECK (attempt_count >= 0),
	CHECK (attempt_count <= max_attempts)
);

CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(tenant_id, status, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lease_id);
`

const migrationV3Leases = `
CREATE TABLE IF NOT EXISTS leases (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	agent_id TEXT NOT NULL REFERENCES agents(id),
	attempt INTEGER NOT NULL,
	issued_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_job ON leases(job_id);
CREATE INDEX IF NOT EXISTS idx_leases_agent ON leases(agent_id);
CREATE INDEX IF NOT EXISTS idx_leases_expires ON leases(expires_at);

CREATE TABLE IF NOT EXISTS lease_resolutions (
	lease_id TEXT PRIMARY KEY REFERENCES leases(id),
	resolution TEXT NOT NULL,
	resolved_at TEXT NOT NULL
);
`

const migrationV4Events = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subject TEXT NOT NULL,
	seq INTEGER NOT NULL,
	type TEXT NOT NULL,
	tenant_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	lease_id TEXT NOT NULL DEFAULT '',
	detail TEXT,
	created_at TEXT NOT NULL,
	delivered_at TEXT,
	UNIQUE (subject, seq)
);

CREATE INDEX IF NOT EXISTS idx_events_undelivered ON events(delivered_at, id);
`

const migrationV5Idempotency = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	tenant_id TEXT NOT NULL,
	key TEXT NOT NULL,
	job_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (tenant_id, key)
);

CREATE INDEX IF NOT EXISTS idx_idempotency_created ON idempotency_keys(created_at);
`

// drain_requested survives an offline period so a returning agent resumes
// draining instead of taking new work.
const migrationV6DrainRequested = `
ALTER TABLE agents ADD COLUMN drain_requested INTEGER NOT NULL DEFAULT 0;
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs fn within a write transaction. Writers are serialized;
// fn must only use the Tx it is given.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return err
	}

	return sqlTx.Commit()
}

// Tx is a write transaction. All compare-and-set primitives live on Tx so
// callers can compose them atomically with event emission.
type Tx struct {
	tx *sql.Tx
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// formatNullableTime formats an optional time for a nullable column.
func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

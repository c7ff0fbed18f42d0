// Package store provides SQL persistence for hosts, the message queue,
// configuration versions, and the audit event log.
//
// Commands and inbound results survive server restarts; the database is the
// single source of truth for queue state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store wraps the SQL database and owns the schema.
type Store struct {
	log    zerolog.Logger
	db     *sql.DB
	driver string
}

// Open opens the database for the given driver and runs migrations.
func Open(driver, dsn string, log zerolog.Logger) (*Store, error) {
	var db *sql.DB
	var err error

	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		// Enable WAL mode for better concurrency
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	s := &Store{
		log:    log.With().Str("component", "store").Logger(),
		db:     db,
		driver: driver,
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// runMigrations creates or updates the schema.
func (s *Store) runMigrations() error {
	schema := `
	-- Host registry. One row per managed host, keyed by a stable uuid,
	-- with the fqdn as the unique agent-facing identity.
	CREATE TABLE IF NOT EXISTS hosts (
		id                       TEXT PRIMARY KEY,
		fqdn                     TEXT NOT NULL UNIQUE,
		ipv4                     TEXT,
		ipv6                     TEXT,
		platform                 TEXT,
		platform_release         TEXT,
		machine_architecture     TEXT,
		agent_version            TEXT,
		approval_status          TEXT NOT NULL DEFAULT 'pending',
		is_agent_privileged      BOOLEAN NOT NULL DEFAULT FALSE,
		script_execution_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		active                   BOOLEAN NOT NULL DEFAULT TRUE,
		status                   TEXT NOT NULL DEFAULT 'down',
		last_access              TIMESTAMP,
		created_at               TIMESTAMP NOT NULL,
		updated_at               TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_hosts_status ON hosts(status);
	CREATE INDEX IF NOT EXISTS idx_hosts_approval ON hosts(approval_status);

	-- Durable message queue. Rows survive restarts; the processor and the
	-- delivery path claim rows by conditional status updates.
	CREATE TABLE IF NOT EXISTS message_queue (
		message_id     TEXT PRIMARY KEY,
		host_id        TEXT,
		direction      TEXT NOT NULL,
		type           TEXT NOT NULL,
		data           TEXT NOT NULL,
		status         TEXT NOT NULL DEFAULT 'pending',
		priority       TEXT NOT NULL DEFAULT 'normal',
		retry_count    INTEGER NOT NULL DEFAULT 0,
		max_retries    INTEGER NOT NULL DEFAULT 3,
		scheduled_at   TIMESTAMP,
		created_at     TIMESTAMP NOT NULL,
		started_at     TIMESTAMP,
		completed_at   TIMESTAMP,
		expired_at     TIMESTAMP,
		error_message  TEXT,
		correlation_id TEXT,
		reply_to       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queue_host_dir_status ON message_queue(host_id, direction, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_queue_status_created ON message_queue(status, created_at);

	-- Latest inventory snapshot per host and kind (hardware, software, ...).
	CREATE TABLE IF NOT EXISTS host_snapshots (
		host_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		data       TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (host_id, kind)
	);

	-- Command and script execution results reported by agents.
	CREATE TABLE IF NOT EXISTS command_results (
		id            TEXT PRIMARY KEY,
		host_id       TEXT,
		kind          TEXT NOT NULL,
		success       BOOLEAN NOT NULL,
		exit_code     INTEGER,
		output        TEXT,
		error_message TEXT,
		received_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_host ON command_results(host_id, received_at);

	-- Versioned configuration pushes, acked by agents.
	CREATE TABLE IF NOT EXISTS config_versions (
		hostname   TEXT NOT NULL,
		version    INTEGER NOT NULL,
		checksum   TEXT NOT NULL,
		config     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		acked_at   TIMESTAMP,
		PRIMARY KEY (hostname, version)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// The event log needs a dialect-specific auto-increment key.
	eventLog := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS event_log (
		id        %s,
		timestamp TIMESTAMP NOT NULL,
		category  TEXT NOT NULL,
		level     TEXT NOT NULL,
		host_id   TEXT,
		action    TEXT,
		message   TEXT NOT NULL,
		details   TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_event_log_timestamp ON event_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_event_log_host ON event_log(host_id, timestamp);
	`, s.serialPK())

	_, err := s.db.Exec(eventLog)
	return err
}

func (s *Store) serialPK() string {
	if s.driver == DriverPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// DB exposes the underlying handle for packages that own their own queries.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the configured driver name.
func (s *Store) Driver() string { return s.driver }

// Rebind rewrites ? placeholders into the driver's notation.
func (s *Store) Rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

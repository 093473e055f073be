// Copyright © 2025 OpenCHAMI a Series of LF Projects, LLC
//
// SPDX-License-Identifier: MIT

// Package storage implements the durable persistence store: a
// sqlite-backed relational store holding nodes, events,
// partition operations, disk reports, and clone-session metadata. Session
// certificates and staging credentials are deliberately never written
// here — they live only in the in-memory tables of pkg/ca and
// pkg/staging and are destroyed with the session.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection pool used by every repository.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Open creates (or reuses) the sqlite database at path and applies the
// schema migrations. path may be ":memory:" for tests.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "storage: ", log.LstdFlags)
	}

	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite driver allows only one writer at a time; serialize via a
	// single connection so cenkalti/backoff retries (below) are the only
	// source of contention, not connection-pool exhaustion.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	id                      TEXT PRIMARY KEY,
	mac                     TEXT NOT NULL UNIQUE,
	hostname                TEXT,
	arch                    TEXT,
	boot_mode               TEXT,
	vendor                  TEXT,
	model                   TEXT,
	serial                  TEXT,
	ip_hint                 TEXT,
	tags                    TEXT,
	group_id                TEXT,
	workflow_id             TEXT,
	state                   TEXT NOT NULL,
	discovered_at           TEXT NOT NULL,
	last_seen               TEXT NOT NULL,
	active_clone_session_id TEXT,
	pending_command         TEXT,
	created_at              TEXT NOT NULL,
	updated_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS node_events (
	id        TEXT PRIMARY KEY,
	node_id   TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	kind      TEXT NOT NULL,
	source    TEXT NOT NULL,
	payload   TEXT
);
CREATE INDEX IF NOT EXISTS idx_node_events_node_id ON node_events(node_id, timestamp);

CREATE TABLE IF NOT EXISTS partition_operations (
	id          TEXT PRIMARY KEY,
	node_id     TEXT NOT NULL,
	sequence    INTEGER NOT NULL,
	verb        TEXT NOT NULL,
	device      TEXT NOT NULL,
	params      TEXT,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	started_at  TEXT,
	finished_at TEXT,
	message     TEXT,
	result      TEXT
);
CREATE INDEX IF NOT EXISTS idx_partition_ops_node_id ON partition_operations(node_id, sequence);

CREATE TABLE IF NOT EXISTS disk_reports (
	node_id     TEXT PRIMARY KEY,
	payload     TEXT NOT NULL,
	observed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS clone_sessions (
	id                TEXT PRIMARY KEY,
	source_node_id    TEXT NOT NULL,
	target_node_ids   TEXT NOT NULL,
	mode              TEXT NOT NULL,
	status            TEXT NOT NULL,
	staging_status    TEXT NOT NULL,
	staging_type      TEXT,
	resize_mode       TEXT NOT NULL,
	resize_plan       TEXT,
	compression       INTEGER NOT NULL,
	total_bytes       INTEGER,
	source_progress   TEXT,
	target_progress   TEXT,
	source_ip         TEXT,
	source_port       INTEGER,
	source_device     TEXT,
	created_at        TEXT NOT NULL,
	source_ready_at   TEXT,
	streaming_at      TEXT,
	terminal_at       TEXT,
	error_text        TEXT,
	error_code        TEXT
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// retryOpts bounds how long a caller waits on SQLITE_BUSY before giving up;
// writes to this store are always per-node/per-session serialized above
// the store (pkg/registry, pkg/clonesession), so contention here is rare
// and brief.
var retryOpts = []backoff.RetryOption{
	backoff.WithMaxElapsedTime(2 * time.Second),
}

// withRetry retries fn against transient sqlite busy errors using
// exponential backoff.
func withRetry(ctx context.Context, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			msg := err.Error()
			if !strings.Contains(msg, "SQLITE_BUSY") && !strings.Contains(msg, "database is locked") {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, retryOpts...)
	return err
}

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := parseTime(s)
	return &t
}

func timePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

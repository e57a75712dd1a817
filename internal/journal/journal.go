// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package journal is an append-only SQLite record of job events, kept
// for operator inspection only. The runtime never reads it back to make
// dispatch decisions: the remote backend stays the source of truth and
// the in-memory ledger is rebuilt from re-observations.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultBusyTimeout = 5 * time.Second

	schemaVersionKey = "schema_version"
	schemaVersion    = 1
)

// Event is one journal row. Detail is a short operator-facing note;
// requirement payloads and memo contents must never be placed in it.
type Event struct {
	ID        int64     `json:"id"`
	JobID     int64     `json:"jobId"`
	Source    string    `json:"source"`
	Phase     string    `json:"phase"`
	Stage     string    `json:"stage,omitempty"`
	Outcome   string    `json:"outcome"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Journal wraps the SQLite handle. A nil *Journal is a valid no-op
// journal, so callers can run without one configured.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path, applies
// connection pragmas, and runs migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records one event. CreatedAt defaults to now when zero. Nil
// journals accept and drop everything.
func (j *Journal) Append(ctx context.Context, ev Event) error {
	if j == nil || j.db == nil {
		return nil
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	const ins = `
INSERT INTO job_events(job_id, source, phase, stage, outcome, detail, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?);`
	_, err := j.db.ExecContext(ctx, ins, ev.JobID, ev.Source, ev.Phase, ev.Stage, ev.Outcome, ev.Detail, at)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if j == nil || j.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, job_id, source, phase, stage, outcome, detail, created_at
FROM job_events ORDER BY id DESC LIMIT ?;`
	rows, err := j.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query job events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Source, &ev.Phase, &ev.Stage, &ev.Outcome, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --------------- Migrations ---------------

func (j *Journal) migrate(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`); err != nil {
		return err
	}

	cur, err := j.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if cur < 1 {
		if err := j.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := j.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}
	if cur != schemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported %d", cur, schemaVersion)
	}
	return nil
}

func (j *Journal) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := j.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (j *Journal) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	if _, err := j.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (j *Journal) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id     INTEGER NOT NULL,
  source     TEXT NOT NULL,
  phase      TEXT NOT NULL,
  stage      TEXT NULL,
  outcome    TEXT NOT NULL,
  detail     TEXT NULL,
  created_at TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

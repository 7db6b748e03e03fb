package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codefionn/hubgate/hubgate-srv/logger"
)

// Dialect names as passed to sql.Open
const (
	dialectSQLite   = "sqlite3"
	dialectPostgres = "postgres"
)

var schemaStatements = map[string][]string{
	dialectSQLite: {
		`CREATE TABLE IF NOT EXISTS dataplane_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			protected INTEGER NOT NULL DEFAULT 0,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dataplane_calls_timestamp ON dataplane_calls(timestamp)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			host TEXT NOT NULL,
			reason TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp)`,
	},
	dialectPostgres: {
		`CREATE TABLE IF NOT EXISTS dataplane_calls (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			method TEXT NOT NULL,
			host TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error_code TEXT NOT NULL DEFAULT '',
			protected BOOLEAN NOT NULL DEFAULT FALSE,
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dataplane_calls_timestamp ON dataplane_calls(timestamp)`,
		`CREATE TABLE IF NOT EXISTS security_events (
			id BIGSERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			host TEXT NOT NULL,
			reason TEXT NOT NULL,
			error_code TEXT NOT NULL DEFAULT '',
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp)`,
	},
}

// initSchema creates the audit tables for dialect if they don't exist.
func initSchema(ctx context.Context, db *sql.DB, dialect string) error {
	statements, ok := schemaStatements[dialect]
	if !ok {
		return fmt.Errorf("unsupported dialect: %s", dialect)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}

	logger.Debug("Audit schema ready (%s)", dialect)
	return nil
}

// sqlStore holds the queries shared by both SQL backends; only the
// placeholder syntax differs.
type sqlStore struct {
	db      *sql.DB
	dialect string
}

func (s *sqlStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

func (s *sqlStore) RecordCall(ctx context.Context, call CallRecord) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO dataplane_calls (request_id, method, host, path, status_code, duration_ms, error_code, protected, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		call.RequestID, call.Method, truncate(call.Host), truncate(call.Path), call.StatusCode,
		call.DurationMs, call.ErrorCode, call.Protected, call.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordSecurityEvent(ctx context.Context, event SecurityEvent) error {
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO security_events (request_id, event_type, host, reason, error_code, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		event.RequestID, event.EventType, truncate(event.Host), truncate(event.Reason), event.ErrorCode, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to record security event: %w", err)
	}
	return nil
}

func (s *sqlStore) RecentCalls(ctx context.Context, limit int) (calls []CallRecord, err error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, request_id, method, host, path, status_code, duration_ms, error_code, protected, timestamp
		 FROM dataplane_calls ORDER BY timestamp DESC, id DESC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	calls = []CallRecord{}
	for rows.Next() {
		var c CallRecord
		if err := rows.Scan(&c.ID, &c.RequestID, &c.Method, &c.Host, &c.Path, &c.StatusCode,
			&c.DurationMs, &c.ErrorCode, &c.Protected, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

func (s *sqlStore) SecurityEvents(ctx context.Context, limit int) (events []SecurityEvent, err error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, request_id, event_type, host, reason, error_code, timestamp
		 FROM security_events ORDER BY timestamp DESC, id DESC LIMIT ?`), clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	events = []SecurityEvent{}
	for rows.Next() {
		var e SecurityEvent
		if err := rows.Scan(&e.ID, &e.RequestID, &e.EventType, &e.Host, &e.Reason, &e.ErrorCode, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Package sqlite provides the SQLite-backed store.Gateway implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stamon/stamon/store"
)

// DB implements store.Gateway using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, applies the
// startup PRAGMAs, runs migrations, and returns a ready DB.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=2",
		"PRAGMA cache_size=64000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements
// here so that existing databases keep working without a migration
// tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			username      TEXT    NOT NULL UNIQUE,
			password_hash TEXT    NOT NULL,
			created_at    TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS services (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id          INTEGER NOT NULL DEFAULT 0,
			active           INTEGER NOT NULL DEFAULT 1,
			name             TEXT    NOT NULL,
			interval         INTEGER NOT NULL,
			url              TEXT    NOT NULL,
			timeout          INTEGER NOT NULL,
			service_type     TEXT    NOT NULL,
			retry            INTEGER NOT NULL DEFAULT 0,
			retry_interval   INTEGER NOT NULL DEFAULT 0,
			invert           INTEGER NOT NULL DEFAULT 0,
			expected_code    INTEGER,
			expected_payload TEXT    NOT NULL DEFAULT '',
			last_status      INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS logs (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			service_id INTEGER NOT NULL REFERENCES services(id),
			status     INTEGER NOT NULL,
			message    TEXT    NOT NULL DEFAULT '',
			time       TEXT    NOT NULL,
			duration   INTEGER NOT NULL DEFAULT 0
		)`,

		// Queries filter primarily on service_id + time (windowed reads)
		// and status + time (incident aggregation).
		`CREATE INDEX IF NOT EXISTS idx_logs_service_time ON logs(service_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_status_time  ON logs(status, time)`,

		`CREATE TABLE IF NOT EXISTS config (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- services ----

func (s *DB) ListActiveServices(ctx context.Context) ([]*store.Service, error) {
	return s.queryServices(ctx, `
		SELECT id, user_id, active, name, interval, url, timeout, service_type,
		       retry, retry_interval, invert, expected_code, expected_payload, last_status
		  FROM services
		 WHERE active = 1
		 ORDER BY id
	`)
}

func (s *DB) GetService(ctx context.Context, id uint32) (*store.Service, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, active, name, interval, url, timeout, service_type,
		       retry, retry_interval, invert, expected_code, expected_payload, last_status
		  FROM services WHERE id = ?
	`, id)
	return scanService(row.Scan)
}

func (s *DB) CreateService(ctx context.Context, svc *store.Service) (*store.Service, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO services
			(user_id, active, name, interval, url, timeout, service_type,
			 retry, retry_interval, invert, expected_code, expected_payload, last_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`, svc.UserID, svc.Active, svc.Name, svc.Interval, svc.URL, svc.Timeout, string(svc.ServiceType),
		svc.Retry, svc.RetryInterval, svc.Invert, svc.ExpectedCode, svc.ExpectedPayload)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetService(ctx, uint32(id))
}

func (s *DB) UpdateService(ctx context.Context, svc *store.Service) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE services SET
			user_id = ?, active = ?, name = ?, interval = ?, url = ?, timeout = ?,
			service_type = ?, retry = ?, retry_interval = ?, invert = ?,
			expected_code = ?, expected_payload = ?
		WHERE id = ?
	`, svc.UserID, svc.Active, svc.Name, svc.Interval, svc.URL, svc.Timeout, string(svc.ServiceType),
		svc.Retry, svc.RetryInterval, svc.Invert, svc.ExpectedCode, svc.ExpectedPayload, svc.ID)
	return err
}

func (s *DB) DeleteService(ctx context.Context, id uint32) error {
	_, err := s.db.ExecContext(ctx, `UPDATE services SET active = 0 WHERE id = ?`, id)
	return err
}

// ---- logs ----

// RecordOutcome inserts a LogEntry and updates the owning service's
// last_status in a single transaction, so readers never observe one
// write without the other.
func (s *DB) RecordOutcome(ctx context.Context, entry store.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO logs (service_id, status, message, time, duration)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ServiceID, int(entry.Status), entry.Message, entry.Time.UTC().Format(time.RFC3339Nano), entry.Duration)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE services SET last_status = ? WHERE id = ?`,
		int(entry.Status), entry.ServiceID)
	if err != nil {
		return fmt.Errorf("update last_status: %w", err)
	}

	return tx.Commit()
}

func (s *DB) ListLogs(ctx context.Context, serviceID *uint32, limit int) ([]store.LogEntry, error) {
	var rows *sql.Rows
	var err error
	if serviceID != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, service_id, status, message, time, duration
			  FROM logs WHERE service_id = ? ORDER BY time DESC, id DESC LIMIT ?
		`, *serviceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, service_id, status, message, time, duration
			  FROM logs ORDER BY time DESC, id DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var e store.LogEntry
		var ts string
		var status int
		if err := rows.Scan(&e.ID, &e.ServiceID, &status, &e.Message, &ts, &e.Duration); err != nil {
			return nil, err
		}
		e.Status = store.Status(status)
		e.Time, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Incidents aggregates logs with status > Up, grouped by
// (service_id, status, date(time)), ordered by date desc.
func (s *DB) Incidents(ctx context.Context, limit int) ([]store.Incident, error) {
	q := `
		SELECT service_id, status, substr(time, 1, 10) AS day,
		       COUNT(*), MIN(time), MAX(time)
		  FROM logs
		 WHERE status > 1
		 GROUP BY service_id, status, day
		 ORDER BY day DESC
	`
	args := []any{}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Incident
	for rows.Next() {
		var inc store.Incident
		var status int
		var startRaw, endRaw string
		if err := rows.Scan(&inc.ServiceID, &status, &inc.Date, &inc.Count, &startRaw, &endRaw); err != nil {
			return nil, err
		}
		inc.Status = store.Status(status)
		inc.Start, _ = time.Parse(time.RFC3339Nano, startRaw)
		inc.End, _ = time.Parse(time.RFC3339Nano, endRaw)

		msgs, err := s.dedupedMessages(ctx, inc.ServiceID, status, inc.Date)
		if err != nil {
			return nil, err
		}
		inc.Messages = msgs
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *DB) dedupedMessages(ctx context.Context, serviceID uint32, status int, day string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT message FROM logs
		 WHERE service_id = ? AND status = ? AND substr(time, 1, 10) = ? AND message != ''
		 ORDER BY message
	`, serviceID, status, day)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var msgs []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", err
		}
		msgs = append(msgs, m)
	}
	return strings.Join(msgs, "; "), rows.Err()
}

// ---- users ----

func (s *DB) HasAnyUser(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *DB) Close() error { return s.db.Close() }

// Handle exposes the underlying *sql.DB so other SQLite-backed
// components (the job queue) can share the one connection this
// process opened, rather than each opening its own and fighting over
// the WAL lock.
func (s *DB) Handle() *sql.DB { return s.db }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanService(scan scanFn) (*store.Service, error) {
	var svc store.Service
	var serviceType string
	var lastStatus int
	err := scan(&svc.ID, &svc.UserID, &svc.Active, &svc.Name, &svc.Interval, &svc.URL, &svc.Timeout,
		&serviceType, &svc.Retry, &svc.RetryInterval, &svc.Invert, &svc.ExpectedCode,
		&svc.ExpectedPayload, &lastStatus)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	svc.ServiceType = store.ServiceType(serviceType)
	svc.LastStatus = store.Status(lastStatus)
	return &svc, nil
}

func (s *DB) queryServices(ctx context.Context, q string, args ...any) ([]*store.Service, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Service
	for rows.Next() {
		svc, err := scanService(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Package sqlite provides a SQLite-backed queue.Queue. Tasks survive
// process restarts: a crash mid-lease simply leaves the task leased
// until its lease expires, at which point it becomes visible again.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/stamon/stamon/queue"
	"github.com/stamon/stamon/store"
)

// Queue implements queue.Queue for a single task kind against a shared
// SQLite database handle.
type Queue struct {
	db   *sql.DB
	kind string
}

// Open creates (if absent) the queue_tasks table on db and returns a
// Queue scoped to kind. Multiple kinds may share one db handle.
func Open(db *sql.DB, kind string) (*Queue, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			id               TEXT PRIMARY KEY,
			kind             TEXT    NOT NULL,
			service_id       INTEGER NOT NULL,
			service_json     TEXT    NOT NULL,
			attempt          INTEGER NOT NULL DEFAULT 0,
			enqueued_at      TEXT    NOT NULL,
			visible_at       TEXT    NOT NULL,
			leased_by        TEXT    NOT NULL DEFAULT '',
			lease_expires_at TEXT    NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("migrate queue_tasks: %w", err)
	}
	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_queue_kind_visible ON queue_tasks(kind, visible_at)
	`); err != nil {
		return nil, fmt.Errorf("migrate queue_tasks index: %w", err)
	}
	return &Queue{db: db, kind: kind}, nil
}

// Push appends a new task, unless one is already queued for the same
// service — "at most one in-flight ProbeTask per service": in that
// case the existing task id is returned instead of a new row.
func (q *Queue) Push(ctx context.Context, task queue.ProbeTask) (string, error) {
	var existing string
	err := q.db.QueryRowContext(ctx, `
		SELECT id FROM queue_tasks WHERE kind = ? AND service_id = ? LIMIT 1
	`, q.kind, task.ServiceID).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id := task.ID
	if id == "" {
		id = uuid.NewString()
	}
	svcJSON, err := json.Marshal(task.Service)
	if err != nil {
		return "", fmt.Errorf("marshal service snapshot: %w", err)
	}
	now := task.EnqueuedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, kind, service_id, service_json, attempt, enqueued_at, visible_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, q.kind, task.ServiceID, string(svcJSON), task.Attempt, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return "", err
	}
	return id, nil
}

// Lease atomically claims the oldest visible, unleased task of this
// kind. "Atomically" here means within a single transaction: the
// SELECT and the lease UPDATE commit together, and SQLite's single
// writer serialises concurrent lease attempts.
func (q *Queue) Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*queue.ProbeTask, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)

	row := tx.QueryRowContext(ctx, `
		SELECT id, service_id, service_json, attempt, enqueued_at
		  FROM queue_tasks
		 WHERE kind = ?
		   AND visible_at <= ?
		   AND (leased_by = '' OR lease_expires_at <= ?)
		 ORDER BY enqueued_at, id
		 LIMIT 1
	`, q.kind, nowStr, nowStr)

	var (
		id, svcJSON, enqueuedAtStr string
		serviceID                  uint32
		attempt                    int
	)
	if err := row.Scan(&id, &serviceID, &svcJSON, &attempt, &enqueuedAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	leaseExpires := now.Add(leaseDuration).Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks SET leased_by = ?, lease_expires_at = ? WHERE id = ?
	`, workerID, leaseExpires, id); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	var svc store.Service
	if err := json.Unmarshal([]byte(svcJSON), &svc); err != nil {
		return nil, false, fmt.Errorf("unmarshal service snapshot: %w", err)
	}
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, enqueuedAtStr)

	return &queue.ProbeTask{
		ID:         id,
		ServiceID:  serviceID,
		Service:    svc,
		Attempt:    attempt,
		EnqueuedAt: enqueuedAt,
	}, true, nil
}

// Ack deletes a task.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ?`, taskID)
	return err
}

// Nack returns a task to visibility after retryAfter, incrementing its
// attempt count, unless maxAttempts has been reached — in which case
// it is acked (deleted) and exhausted=true is returned so the caller
// can log the terminal failure.
func (q *Queue) Nack(ctx context.Context, taskID string, retryAfter time.Duration, maxAttempts int) (bool, error) {
	var attempt int
	err := q.db.QueryRowContext(ctx, `SELECT attempt FROM queue_tasks WHERE id = ?`, taskID).Scan(&attempt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if attempt+1 >= maxAttempts {
		return true, q.Ack(ctx, taskID)
	}

	visibleAt := time.Now().UTC().Add(retryAfter).Format(time.RFC3339Nano)
	_, err = q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		   SET attempt = attempt + 1, visible_at = ?, leased_by = '', lease_expires_at = ''
		 WHERE id = ?
	`, visibleAt, taskID)
	return false, err
}

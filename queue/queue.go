// Package queue implements a durable, leased, at-least-once FIFO job
// queue. Tasks are leased rather than popped: a task
// whose lease expires without ack becomes visible again, so workers
// must be idempotent.
package queue

import (
	"context"
	"time"

	"github.com/stamon/stamon/store"
)

// ProbeTask is a queued, immutable snapshot of a Service due for a
// probe. It carries everything the worker needs so it
// never has to re-read the service mid-probe.
type ProbeTask struct {
	ID         string // queue-assigned task id (uuid)
	ServiceID  uint32
	Service    store.Service // snapshot at enqueue time
	Attempt    int           // 0-indexed
	EnqueuedAt time.Time
}

// Queue is the job-queue abstraction. A single Queue instance serves
// one kind of task; stamon opens one, of kind "probe". The
// notification worker is fed by an in-memory channel, not a Queue.
type Queue interface {
	// Push appends a new task, returning its assigned id.
	Push(ctx context.Context, task ProbeTask) (string, error)

	// Lease atomically claims the oldest unclaimed task not currently
	// leased, making it invisible to other leasers for leaseDuration.
	// Returns (nil, false, nil) if no task is available.
	Lease(ctx context.Context, workerID string, leaseDuration time.Duration) (*ProbeTask, bool, error)

	// Ack deletes a task — it completed (successfully or after
	// exhausting retries).
	Ack(ctx context.Context, taskID string) error

	// Nack returns a task to the queue, invisible until retryAfter has
	// elapsed, and increments its attempt counter. If the task has
	// already reached maxAttempts, Nack acks it instead and returns
	// exhausted=true so the caller can log the terminal failure.
	Nack(ctx context.Context, taskID string, retryAfter time.Duration, maxAttempts int) (exhausted bool, err error)
}

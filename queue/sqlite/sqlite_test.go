package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stamon/stamon/queue"
	"github.com/stamon/stamon/store"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	q, err := Open(db, "probe")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q
}

func TestPushLeaseAck(t *testing.T) {
	q := openTestQueue(t)

	id, err := q.Push(t.Context(), queue.ProbeTask{ServiceID: 1, Service: store.Service{ID: 1}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	task, ok, err := q.Lease(t.Context(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if !ok {
		t.Fatal("expected a task to be available")
	}
	if task.ID != id || task.ServiceID != 1 {
		t.Fatalf("unexpected task: %+v", task)
	}

	if err := q.Ack(t.Context(), task.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	_, ok, err = q.Lease(t.Context(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease after ack: %v", err)
	}
	if ok {
		t.Fatal("expected no task after ack")
	}
}

func TestLeaseHidesTaskUntilExpiry(t *testing.T) {
	q := openTestQueue(t)
	_, err := q.Push(t.Context(), queue.ProbeTask{ServiceID: 1, Service: store.Service{ID: 1}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	if _, ok, err := q.Lease(t.Context(), "worker-1", time.Hour); err != nil || !ok {
		t.Fatalf("first lease: ok=%v err=%v", ok, err)
	}

	_, ok, err := q.Lease(t.Context(), "worker-2", time.Hour)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if ok {
		t.Fatal("expected the task to stay hidden while leased")
	}
}

func TestPushDedupsPerService(t *testing.T) {
	q := openTestQueue(t)

	id1, err := q.Push(t.Context(), queue.ProbeTask{ServiceID: 5, Service: store.Service{ID: 5}})
	if err != nil {
		t.Fatalf("push 1: %v", err)
	}
	id2, err := q.Push(t.Context(), queue.ProbeTask{ServiceID: 5, Service: store.Service{ID: 5}})
	if err != nil {
		t.Fatalf("push 2: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the second push for the same service to reuse the existing task id: %s != %s", id1, id2)
	}
}

func TestNackReturnsToQueueUntilExhausted(t *testing.T) {
	q := openTestQueue(t)
	q.Push(t.Context(), queue.ProbeTask{ServiceID: 1, Service: store.Service{ID: 1}})

	task, _, err := q.Lease(t.Context(), "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}

	exhausted, err := q.Nack(t.Context(), task.ID, 0, 3)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if exhausted {
		t.Fatal("expected not exhausted on first nack of 3")
	}

	task2, ok, err := q.Lease(t.Context(), "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("re-lease: %v", err)
	}
	if !ok || task2.Attempt != 1 {
		t.Fatalf("expected re-lease with incremented attempt, got ok=%v task=%+v", ok, task2)
	}

	exhausted, err = q.Nack(t.Context(), task2.ID, 0, 2)
	if err != nil {
		t.Fatalf("nack 2: %v", err)
	}
	if !exhausted {
		t.Fatal("expected exhausted once attempt+1 reaches maxAttempts")
	}

	if _, ok, _ := q.Lease(t.Context(), "worker-3", time.Minute); ok {
		t.Fatal("expected no task left after exhausted nack acked it")
	}
}

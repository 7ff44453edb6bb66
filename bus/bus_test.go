package bus

import (
	"testing"
	"time"

	"github.com/stamon/stamon/store"
)

func TestPublishSubscribeDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Close()

	b.PublishLog(store.LogEntry{ServiceID: 1, Status: store.StatusUp})

	ev, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Log == nil || ev.Log.ServiceID != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestSubscribeIgnoresPriorEvents(t *testing.T) {
	b := New(4)
	b.PublishLog(store.LogEntry{ServiceID: 1})

	sub := b.Subscribe()
	defer sub.Close()

	b.PublishLog(store.LogEntry{ServiceID: 2})

	ev, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Log.ServiceID != 2 {
		t.Fatalf("expected service 2 (pre-subscribe event must be skipped), got %d", ev.Log.ServiceID)
	}
}

func TestLossySlowSubscriberResyncs(t *testing.T) {
	b := New(2)
	sub := b.Subscribe()
	defer sub.Close()

	for i := uint32(0); i < 5; i++ {
		b.PublishLog(store.LogEntry{ServiceID: i})
	}

	ev, ok := sub.Next(make(chan struct{}))
	if !ok {
		t.Fatal("expected an event")
	}
	// Capacity 2, 5 events published: the oldest still buffered is
	// service 3 (events 0,1,2 were overwritten).
	if ev.Log.ServiceID != 3 {
		t.Fatalf("expected resync to oldest buffered event (service 3), got %d", ev.Log.ServiceID)
	}
}

func TestNextUnblocksOnDone(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(done)
	}()

	_, ok := sub.Next(done)
	if ok {
		t.Fatal("expected Next to report no event when done fires")
	}
}

func TestPublishNeverBlocksWithoutSubscribers(t *testing.T) {
	b := New(1)
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.PublishLog(store.LogEntry{ServiceID: uint32(i)})
		}
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no subscribers")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	sub.Close()
	sub.Close() // must not panic
}

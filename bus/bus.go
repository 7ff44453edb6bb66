// Package bus implements the in-process event bus: a multi-producer,
// multi-consumer broadcast of typed events, lossy for slow consumers.
// Producers never block on a subscriber; a subscriber that falls
// behind simply resynchronises to the oldest event still buffered.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/stamon/stamon/store"
)

// NotificationLevel classifies an operator-facing Notification.
type NotificationLevel string

const (
	LevelSuccess NotificationLevel = "success"
	LevelError   NotificationLevel = "error"
	LevelInfo    NotificationLevel = "info"
	LevelWarning NotificationLevel = "warning"
)

// Notification is a human-readable, out-of-band operator message.
type Notification struct {
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Level   NotificationLevel `json:"level"`
}

// Event is the tagged sum published on the bus: exactly one of Log or
// Notification is non-nil.
type Event struct {
	Log          *store.LogEntry `json:"-"`
	Notification *Notification   `json:"-"`
}

// defaultBuffer is the recommended bounded ring size.
const defaultBuffer = 100

// Bus is a bounded, lossy broadcast channel. The zero value is not
// usable; construct with New.
type Bus struct {
	mu      sync.Mutex
	ring   []Event
	cap    int
	next   uint64 // sequence number of the next event to be written
	subs   map[uint64]chan struct{} // subscriber id -> wakeup signal
	subSeq atomic.Uint64
}

// New creates a Bus with the given ring-buffer capacity. A capacity of
// 0 uses the recommended default of 100.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = defaultBuffer
	}
	return &Bus{
		ring: make([]Event, capacity),
		cap:  capacity,
		subs: make(map[uint64]chan struct{}),
	}
}

// Publish appends an event to the ring buffer and wakes any waiting
// subscribers. It never blocks: publishing with no subscribers is a
// no-op beyond the buffer write.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.ring[int(b.next%uint64(b.cap))] = ev
	b.next++
	wakers := make([]chan struct{}, 0, len(b.subs))
	for _, ch := range b.subs {
		wakers = append(wakers, ch)
	}
	b.mu.Unlock()

	for _, ch := range wakers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// PublishLog is a convenience wrapper for publishing a Log event.
func (b *Bus) PublishLog(entry store.LogEntry) {
	b.Publish(Event{Log: &entry})
}

// PublishNotification is a convenience wrapper for publishing a
// Notification event.
func (b *Bus) PublishNotification(n Notification) {
	b.Publish(Event{Notification: &n})
}

// Subscription is a per-consumer cursor into the bus. Events published
// before Subscribe was called are never delivered.
type Subscription struct {
	bus    *Bus
	id     uint64
	cursor uint64
	wake   chan struct{}
	closed atomic.Bool
}

// Subscribe registers a new subscriber whose cursor starts at the
// current tail of the ring, so only events published after this call
// are ever observed.
func (b *Bus) Subscribe() *Subscription {
	id := b.subSeq.Add(1)
	wake := make(chan struct{}, 1)

	b.mu.Lock()
	cursor := b.next
	b.subs[id] = wake
	b.mu.Unlock()

	return &Subscription{bus: b, id: id, cursor: cursor, wake: wake}
}

// Next blocks until an event is available or the ctx-like done
// channel fires. Callers pass a done channel (e.g. ctx.Done()) so Next
// is cancellable; Close does not wake a Next that is already waiting.
func (s *Subscription) Next(done <-chan struct{}) (Event, bool) {
	for {
		s.bus.mu.Lock()
		tail := s.bus.next
		oldest := uint64(0)
		if tail > uint64(s.bus.cap) {
			oldest = tail - uint64(s.bus.cap)
		}
		if s.cursor < oldest {
			// Fell behind the buffer: resynchronise to the oldest
			// event still available, dropping the rest (lossy).
			s.cursor = oldest
		}
		if s.cursor < tail {
			ev := s.bus.ring[int(s.cursor%uint64(s.bus.cap))]
			s.cursor++
			s.bus.mu.Unlock()
			return ev, true
		}
		s.bus.mu.Unlock()

		select {
		case <-s.wake:
		case <-done:
			return Event{}, false
		}
	}
}

// Close releases the subscriber's slot. Safe to call more than once.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
}

// Now exists so callers constructing LogEntry/Notification fixtures in
// tests can stamp a UTC timestamp without importing time directly.
func Now() time.Time { return time.Now().UTC() }

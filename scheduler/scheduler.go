// Package scheduler implements the 1 Hz tick service: on every tick
// it loads active services and enqueues a ProbeTask for
// each one due by modular arithmetic on wall-clock seconds-since-
// midnight. Missed ticks are never made up.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/stamon/stamon/queue"
	"github.com/stamon/stamon/store"
)

// tickTimeout bounds a single tick; a tick that overruns this is
// cancelled.
const tickTimeout = 60 * time.Second

// maxTicksPerSecond rate-limits the scheduler to at most 2 ticks per
// second.
const maxTicksPerSecond = 2

// BackPressure reports whether the queue is under enough load that the
// scheduler should shed this tick rather than enqueue more work.
type BackPressure func() bool

// Scheduler ticks once per second and enqueues due services.
type Scheduler struct {
	gateway      store.Gateway
	probeQueue   queue.Queue
	backPressure BackPressure
	now          func() time.Time // overridable for tests

	mu          sync.Mutex
	windowStart time.Time
	ticksInWin  int
}

// New creates a Scheduler. backPressure may be nil, meaning the
// scheduler never sheds load.
func New(gateway store.Gateway, probeQueue queue.Queue, backPressure BackPressure) *Scheduler {
	if backPressure == nil {
		backPressure = func() bool { return false }
	}
	return &Scheduler{
		gateway:      gateway,
		probeQueue:   probeQueue,
		backPressure: backPressure,
		now:          time.Now,
	}
}

// Run ticks at 1 Hz until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// allowTick enforces the ≤2-ticks-per-second cap. Under
// a normal 1 Hz ticker this never trips; it guards against a caller
// (or a future retry loop) driving tick() faster than intended.
func (s *Scheduler) allowTick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.windowStart) >= time.Second {
		s.windowStart = now
		s.ticksInWin = 0
	}
	if s.ticksInWin >= maxTicksPerSecond {
		return false
	}
	s.ticksInWin++
	return true
}

// tick runs one scheduling pass: load active services, enqueue the
// ones due this second. Cancelled if it overruns tickTimeout.
func (s *Scheduler) tick(ctx context.Context) {
	t := s.now().UTC()
	if !s.allowTick(t) {
		return
	}
	if s.backPressure() {
		return
	}

	tickCtx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	services, err := s.gateway.ListActiveServices(tickCtx)
	if err != nil {
		log.Printf("scheduler: list active services: %v", err)
		return
	}

	for _, svc := range services {
		if tickCtx.Err() != nil {
			return
		}
		if !isDue(svc, t) {
			continue
		}
		task := queue.ProbeTask{
			ServiceID:  svc.ID,
			Service:    *svc,
			Attempt:    0,
			EnqueuedAt: t,
		}
		if _, err := s.probeQueue.Push(tickCtx, task); err != nil {
			log.Printf("scheduler: enqueue service %d: %v", svc.ID, err)
		}
	}
}

// isDue reports whether a service fires this tick: it fires when
// seconds-since-midnight(T) mod interval == 0. interval <= 0 never
// fires — creation with interval 0 is rejected at the admin API, this
// is the scheduler's own defense in depth.
func isDue(svc *store.Service, t time.Time) bool {
	if svc.Interval <= 0 {
		return false
	}
	secondsSinceMidnight := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return secondsSinceMidnight%svc.Interval == 0
}

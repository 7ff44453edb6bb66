// Package worker implements the worker pool: a small, fixed number of
// cooperative workers lease tasks from the job queue, run the
// matching probe driver under a timeout, and hand the result to the
// transition engine. A separate notification worker decouples
// publishing operator-facing Notification events from the probe
// worker's hot path.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stamon/stamon/bus"
	"github.com/stamon/stamon/engine"
	"github.com/stamon/stamon/probe"
	"github.com/stamon/stamon/queue"
	"github.com/stamon/stamon/store"
)

// maxRetries is the fixed retry count for probe workers (3). runTask
// acks every task and never calls Nack, so no code path reads it.
const maxRetries = 3

// leaseGrace is added on top of a fixed 30-second base lease. The
// lease length does not depend on the service's timeout: a probe whose
// timeout plus its 2-second grace exceeds 35 seconds outlives its lease.
const leaseGrace = 5 * time.Second

// notifyBuffer bounds the in-memory channel between probe workers and
// the notification worker. Notifications are in-memory events, not
// durable — a full buffer simply drops the notification rather than
// blocking the probe worker.
const notifyBuffer = 256

// Pool runs the fixed worker topology: two probe workers (effective
// global probe parallelism of 2) and one notification worker.
type Pool struct {
	queue    queue.Queue
	registry *probe.Registry
	engine   *engine.Engine
	bus      *bus.Bus

	probeWorkers int
	notifyCh     chan bus.Notification
}

// New creates a Pool. probeWorkers defaults to 2 when <= 0.
func New(q queue.Queue, registry *probe.Registry, eng *engine.Engine, b *bus.Bus, probeWorkers int) *Pool {
	if probeWorkers <= 0 {
		probeWorkers = 2
	}
	return &Pool{
		queue:        q,
		registry:     registry,
		engine:       eng,
		bus:          b,
		probeWorkers: probeWorkers,
		notifyCh:     make(chan bus.Notification, notifyBuffer),
	}
}

// Run launches the probe workers and the notification worker, and
// blocks until ctx is cancelled and all of them have drained.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})

	go func() {
		p.runNotificationWorker(ctx)
		done <- struct{}{}
	}()

	for i := 0; i < p.probeWorkers; i++ {
		go func(id int) {
			p.runProbeWorker(ctx, fmt.Sprintf("probe-%d", id))
			done <- struct{}{}
		}(i)
	}

	for i := 0; i < p.probeWorkers+1; i++ {
		<-done
	}
}

// runNotificationWorker drains notifyCh and publishes each
// Notification onto the bus, so a slow bus publish never stalls a
// probe worker mid-probe.
func (p *Pool) runNotificationWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.notifyCh:
			p.bus.PublishNotification(n)
		}
	}
}

// notify hands a Notification to the notification worker without
// blocking the caller; it is dropped if the buffer is full.
func (p *Pool) notify(n bus.Notification) {
	select {
	case p.notifyCh <- n:
	default:
		log.Printf("worker: notification buffer full, dropping %q", n.Title)
	}
}

// runProbeWorker leases tasks strictly sequentially: this worker never
// starts a second probe before the first finishes.
func (p *Pool) runProbeWorker(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, ok, err := p.queue.Lease(ctx, workerID, 30*time.Second+leaseGrace)
		if err != nil {
			log.Printf("worker %s: lease: %v — backing off", workerID, err)
			sleep(ctx, time.Second)
			continue
		}
		if !ok {
			sleep(ctx, 200*time.Millisecond)
			continue
		}

		p.runTask(ctx, workerID, *task)
	}
}

// runTask drives one probe to completion. A panic inside the driver is
// recovered and converted to a Failed outcome — the worker must never
// die.
func (p *Pool) runTask(ctx context.Context, workerID string, task queue.ProbeTask) {
	svc := task.Service

	outcome := p.safeProbe(ctx, &svc)

	entry := store.LogEntry{
		ServiceID: svc.ID,
		Status:    outcome.Status,
		Message:   outcome.Message,
		Time:      outcome.Time,
		Duration:  outcome.Duration.Milliseconds(),
	}

	if outcome.Notify {
		p.notify(bus.Notification{
			Title:   outcome.NotifyTitle,
			Message: fmt.Sprintf("probe for service %s: %s", svc.Name, outcome.Message),
			Level:   bus.NotificationLevel(outcome.NotifyLevel),
		})
	}

	p.engine.Apply(ctx, svc.LastStatus, entry, svc.Name)

	// The business outcome (Up/Down/Failed) is not a driver-level
	// exception: it always acks. safeProbe already converts panics and
	// unknown drivers into a Failed Outcome, so probe workers always ack
	// and never Nack; a lease error is handled in runProbeWorker by a
	// one-second back-off, not by requeueing.
	if err := p.queue.Ack(ctx, task.ID); err != nil {
		log.Printf("worker %s: ack task %s: %v", workerID, task.ID, err)
	}
}

// safeProbe invokes the registered driver for svc.ServiceType, timing
// the call out at svc.Timeout seconds plus a 2-second grace and
// recovering any panic into a Failed Outcome.
func (p *Pool) safeProbe(ctx context.Context, svc *store.Service) (outcome probe.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = probe.Outcome{
				Status:  store.StatusFailed,
				Message: fmt.Sprintf("driver panic: %v", r),
				Time:    time.Now().UTC(),
			}
		}
	}()

	driver, ok := p.registry.Lookup(svc.ServiceType)
	if !ok {
		return probe.Outcome{
			Status:  store.StatusFailed,
			Message: fmt.Sprintf("no driver registered for service_type %q", svc.ServiceType),
			Time:    time.Now().UTC(),
		}
	}

	// The task-level timeout is the service's own timeout plus a small
	// grace; the driver still honors svc.Timeout itself for the
	// outcome it reports.
	timeout := time.Duration(svc.Timeout)*time.Second + 2*time.Second
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return driver.Probe(probeCtx, svc)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

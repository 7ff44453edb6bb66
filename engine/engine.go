// Package engine implements the transition engine: it compares a
// service's previous status to a probe's new status, publishes the
// corresponding events, and persists the outcome.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/stamon/stamon/bus"
	"github.com/stamon/stamon/store"
)

// Engine applies one probe outcome to a service's state.
type Engine struct {
	gateway store.Gateway
	bus     *bus.Bus
}

// New creates an Engine.
func New(gateway store.Gateway, b *bus.Bus) *Engine {
	return &Engine{gateway: gateway, bus: b}
}

// Apply runs the P->N transition for one completed probe, in order:
//  1. publish Event::Log
//  2. publish at most one Event::Notification per the P->N table
//  3. persist (last_status + log insert, atomically)
//
// Persistence errors are logged, not returned — the event has already
// been broadcast, and the worker must ack the task regardless.
func (e *Engine) Apply(ctx context.Context, previous store.Status, entry store.LogEntry, serviceName string) {
	e.bus.PublishLog(entry)

	if n := notificationFor(previous, entry.Status, serviceName); n != nil {
		e.bus.PublishNotification(*n)
	}

	if err := e.gateway.RecordOutcome(ctx, entry); err != nil {
		log.Printf("engine: record outcome for service %d: %v", entry.ServiceID, err)
	}
}

// notificationFor implements the P->N notification table exactly.
func notificationFor(p, n store.Status, serviceName string) *bus.Notification {
	switch {
	case p == store.StatusDown && n == store.StatusUp:
		return &bus.Notification{
			Level:   bus.LevelSuccess,
			Title:   "Back Up",
			Message: fmt.Sprintf("Service %s back Up", serviceName),
		}
	case p == store.StatusUp && n == store.StatusDown:
		return &bus.Notification{
			Level:   bus.LevelWarning,
			Title:   "Service Down",
			Message: fmt.Sprintf("Service %s is Down", serviceName),
		}
	case p == store.StatusFailed && (n == store.StatusUp || n == store.StatusDown):
		return &bus.Notification{
			Level:   bus.LevelInfo,
			Title:   "Monitor Success",
			Message: fmt.Sprintf("Service %s check success", serviceName),
		}
	default:
		return nil
	}
}

// Package probe implements the probe drivers that turn a Service
// snapshot into a canonical outcome record. Drivers never throw: every
// error is converted to a Down or Failed Outcome by the driver itself.
package probe

import (
	"context"
	"time"

	"github.com/stamon/stamon/store"
)

// Outcome is a LogEntry-to-be, plus any Notification the driver wants
// published alongside it — OS errors and connect errors raise a
// Network Error notification.
type Outcome struct {
	Status       store.Status
	Message      string
	Duration     time.Duration
	Time         time.Time
	Notify       bool
	NotifyTitle  string
	NotifyLevel  string
}

// Driver executes one probe against a Service snapshot.
type Driver interface {
	Probe(ctx context.Context, svc *store.Service) Outcome
}

// Registry maps service_type to its Driver, so adding a new probe kind
// is a registration rather than a switch-statement edit.
type Registry struct {
	drivers map[store.ServiceType]Driver
}

// NewRegistry builds a Registry with the built-in ping and http drivers.
func NewRegistry() *Registry {
	r := &Registry{drivers: make(map[store.ServiceType]Driver)}
	r.Register(store.ServiceTypePing, PingDriver{})
	r.Register(store.ServiceTypeHTTP, HTTPDriver{})
	return r
}

// Register installs (or replaces) the Driver for a service type.
func (r *Registry) Register(t store.ServiceType, d Driver) {
	r.drivers[t] = d
}

// Lookup returns the Driver for a service type, or (nil, false) if
// none is registered.
func (r *Registry) Lookup(t store.ServiceType) (Driver, bool) {
	d, ok := r.drivers[t]
	return d, ok
}

// applyInvert swaps Up<->Down after all other outcome rules have been
// evaluated.
func applyInvert(svc *store.Service, o Outcome) Outcome {
	if !svc.Invert {
		return o
	}
	switch o.Status {
	case store.StatusUp:
		o.Status = store.StatusDown
	case store.StatusDown:
		o.Status = store.StatusUp
	}
	return o
}

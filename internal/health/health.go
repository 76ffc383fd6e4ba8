// Package health aggregates dependency checks for the /health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Status is the health of one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Pinger reports whether a dependency is reachable.
type Pinger func(ctx context.Context) error

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	timeout time.Duration
	checks  []namedCheck
}

type namedCheck struct {
	name string
	ping Pinger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a named check. Database and Redis clients register their
// PingContext/Ping methods directly.
func (r *Registry) Register(name string, ping Pinger) {
	r.mu.Lock()
	r.checks = append(r.checks, namedCheck{name: name, ping: ping})
	r.mu.Unlock()
}

// CheckAll runs every check concurrently and returns the aggregate plus
// the individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checks := make([]namedCheck, len(r.checks))
	copy(checks, r.checks)
	r.mu.RUnlock()

	statuses = make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, nc := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedCheck) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := nc.ping(ctx); err != nil {
		return Status{Name: nc.name, Healthy: false, Detail: err.Error()}
	}
	return Status{Name: nc.name, Healthy: true}
}

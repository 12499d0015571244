// Package backend provides the plumbing shared by the provider clients:
// per-request connection-resource tracking, the shared HTTP transport with
// keep-alive pooling, and optional outbound proxy support.
package backend

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Resource tracks one in-flight upstream call or SSE stream. It is disposed
// exactly once; the release callback runs on the first Dispose only.
type Resource struct {
	id        string
	createdAt time.Time

	mu       sync.Mutex
	disposed bool
	release  func()
}

// ID returns the resource identifier.
func (r *Resource) ID() string { return r.id }

// Disposed reports whether the resource has been released.
func (r *Resource) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// Dispose releases the resource. Subsequent calls are no-ops.
func (r *Resource) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	release := r.release
	r.mu.Unlock()
	if release != nil {
		release()
	}
}

// Tracker owns the active resource set of one backend client. Shutdown waits
// a bounded grace period for in-flight resources, then force-disposes.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*Resource
	name   string
}

// NewTracker creates a tracker for the named client.
func NewTracker(name string) *Tracker {
	return &Tracker{active: make(map[string]*Resource), name: name}
}

// Acquire registers a new resource in the active set.
func (t *Tracker) Acquire() *Resource {
	r := &Resource{id: uuid.NewString(), createdAt: time.Now()}
	r.release = func() {
		t.mu.Lock()
		delete(t.active, r.id)
		t.mu.Unlock()
	}
	t.mu.Lock()
	t.active[r.id] = r
	t.mu.Unlock()
	return r
}

// ActiveCount returns the number of undisposed resources.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

const shutdownGrace = 5 * time.Second

// Shutdown waits up to the grace period for active resources to drain, then
// force-disposes whatever remains.
func (t *Tracker) Shutdown() {
	deadline := time.Now().Add(shutdownGrace)
	for time.Now().Before(deadline) {
		if t.ActiveCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.mu.Lock()
	remaining := make([]*Resource, 0, len(t.active))
	for _, r := range t.active {
		remaining = append(remaining, r)
	}
	t.mu.Unlock()

	if len(remaining) > 0 {
		log.Warnf("%s: force-closing %d connection resources after shutdown grace", t.name, len(remaining))
		for _, r := range remaining {
			r.Dispose()
		}
	}
}

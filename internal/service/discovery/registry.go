package discovery

import (
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/control"
	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

// ActiveRegistry tracks the stop planes of runs being driven by this
// process. It is a routing hint for stop requests, never a source of
// truth about run state; the store is authoritative. Entries are
// bounded and expire so abandoned planes cannot accumulate.
type ActiveRegistry struct {
	mu      sync.Mutex
	entries map[core.RunID]*registryEntry
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

type registryEntry struct {
	plane    *control.StopPlane
	deadline time.Time
}

// NewActiveRegistry creates a registry bounded to maxSize entries, each
// expiring after ttl.
func NewActiveRegistry(maxSize int, ttl time.Duration) *ActiveRegistry {
	if maxSize < 1 {
		maxSize = 64
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ActiveRegistry{
		entries: make(map[core.RunID]*registryEntry),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register associates a stop plane with a run being driven. When the
// registry is full the entry closest to expiry is evicted.
func (r *ActiveRegistry) Register(runID core.RunID, plane *control.StopPlane) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()
	if len(r.entries) >= r.maxSize {
		r.evictOldestLocked()
	}
	r.entries[runID] = &registryEntry{
		plane:    plane,
		deadline: r.now().Add(r.ttl),
	}
}

// Lookup returns the stop plane for a run, or nil when this process is
// not driving it.
func (r *ActiveRegistry) Lookup(runID core.RunID) *control.StopPlane {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked()
	if e, ok := r.entries[runID]; ok {
		return e.plane
	}
	return nil
}

// Deregister removes a run's entry once its drive loop returns.
func (r *ActiveRegistry) Deregister(runID core.RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, runID)
}

// Len returns the current number of live entries.
func (r *ActiveRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()
	return len(r.entries)
}

func (r *ActiveRegistry) sweepLocked() {
	now := r.now()
	for id, e := range r.entries {
		if now.After(e.deadline) {
			delete(r.entries, id)
		}
	}
}

func (r *ActiveRegistry) evictOldestLocked() {
	var oldest core.RunID
	var oldestDeadline time.Time
	for id, e := range r.entries {
		if oldest == "" || e.deadline.Before(oldestDeadline) {
			oldest = id
			oldestDeadline = e.deadline
		}
	}
	if oldest != "" {
		delete(r.entries, oldest)
	}
}

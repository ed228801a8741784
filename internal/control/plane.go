// Package control provides cooperative run control. Stopping is a
// deliberate external request observed at safe boundaries; nothing is
// ever force-killed mid-operation.
package control

import (
	"sync"
	"sync/atomic"

	"github.com/hugo-lorenzo-mato/discovery-ai/internal/core"
)

// StopPlane carries the stop signal for one run. The scheduler checks
// it before entering a stage and the invoker before dispatching each
// new agent call; in-flight calls are allowed to finish.
type StopPlane struct {
	mu      sync.Mutex
	stopped atomic.Bool
	doneCh  chan struct{}
}

// New creates a new StopPlane.
func New() *StopPlane {
	return &StopPlane{
		doneCh: make(chan struct{}),
	}
}

// Stop requests a cooperative stop. Safe to call multiple times.
func (p *StopPlane) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.stopped.Load() {
		p.stopped.Store(true)
		close(p.doneCh)
	}
}

// IsStopped returns true once a stop has been requested.
func (p *StopPlane) IsStopped() bool {
	return p.stopped.Load()
}

// Done returns a channel closed when a stop is requested.
func (p *StopPlane) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doneCh
}

// CheckStopped returns a structured error if a stop has been requested.
func (p *StopPlane) CheckStopped() error {
	if p.stopped.Load() {
		return &core.DomainError{
			Category: core.ErrCatState,
			Code:     core.CodeRunStopped,
			Message:  "run stop requested",
		}
	}
	return nil
}

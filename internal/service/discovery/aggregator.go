package discovery

import (
	"encoding/json"
	"sort"
	"sync"
)

// Tally collects distinct findings emitted by concurrently-finishing
// agent calls. All membership checks and inserts happen under a single
// mutex: a check-then-add split across two critical sections would let
// two goroutines admit the same finding.
type Tally struct {
	mu       sync.Mutex
	seen     map[string]struct{}
	findings []json.RawMessage
	perAgent map[string]int
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{
		seen:     make(map[string]struct{}),
		perAgent: make(map[string]int),
	}
}

// Admit records a finding under its deduplication key and returns true
// if it was not seen before. The check and the insert are one atomic
// step.
func (t *Tally) Admit(agent, key string, finding json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seen[key]; dup {
		return false
	}
	t.seen[key] = struct{}{}
	t.findings = append(t.findings, finding)
	t.perAgent[agent]++
	return true
}

// Findings returns the admitted findings in admission order.
func (t *Tally) Findings() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]json.RawMessage, len(t.findings))
	copy(out, t.findings)
	return out
}

// Count returns the number of distinct findings admitted.
func (t *Tally) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.findings)
}

// PerAgent returns per-agent admission counts.
func (t *Tally) PerAgent() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.perAgent))
	for k, v := range t.perAgent {
		out[k] = v
	}
	return out
}

// Contributors returns the agents that admitted at least one finding,
// sorted by name.
func (t *Tally) Contributors() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	names := make([]string, 0, len(t.perAgent))
	for name := range t.perAgent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

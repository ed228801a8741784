package discovery

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTally_AdmitDeduplicates(t *testing.T) {
	tally := NewTally()

	assert.True(t, tally.Admit("a", "o1", json.RawMessage(`{"id":"o1"}`)))
	assert.False(t, tally.Admit("b", "o1", json.RawMessage(`{"id":"o1"}`)))
	assert.True(t, tally.Admit("b", "o2", json.RawMessage(`{"id":"o2"}`)))

	assert.Equal(t, 2, tally.Count())
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, tally.PerAgent())
	assert.Equal(t, []string{"a", "b"}, tally.Contributors())
}

func TestTally_ConcurrentAdmitAdmitsEachKeyOnce(t *testing.T) {
	tally := NewTally()

	const workers = 8
	const keys = 100

	var admitted int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(agent int) {
			defer wg.Done()
			name := fmt.Sprintf("agent-%d", agent)
			for k := 0; k < keys; k++ {
				key := fmt.Sprintf("finding-%d", k)
				if tally.Admit(name, key, json.RawMessage(`{}`)) {
					atomic.AddInt64(&admitted, 1)
				}
			}
		}(w)
	}
	wg.Wait()

	// Every key contested by all workers is admitted exactly once.
	assert.Equal(t, int64(keys), atomic.LoadInt64(&admitted))
	assert.Equal(t, keys, tally.Count())
	assert.Len(t, tally.Findings(), keys)

	total := 0
	for _, n := range tally.PerAgent() {
		total += n
	}
	assert.Equal(t, keys, total)
}

// Package stats collects simple named counters, grounded on the Python
// original's CountingDict, and can log them periodically.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Counters is a concurrency-safe named-counter collection.
type Counters struct {
	mu     sync.Mutex
	values map[string]int64
}

// New returns an empty Counters.
func New() *Counters {
	return &Counters{values: map[string]int64{}}
}

// Increment adds delta to key's counter, returning the new value.
func (c *Counters) Increment(key string, delta int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] += delta
	return c.values[key]
}

// Get returns key's current value.
func (c *Counters) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[key]
}

// Snapshot returns a copy of every counter, for periodic reporting.
func (c *Counters) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// RunPeriodicReport logs a snapshot every interval until ctx is
// cancelled. interval <= 0 disables reporting.
func (c *Counters) RunPeriodicReport(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logSnapshot()
		}
	}
}

func (c *Counters) logSnapshot() {
	snap := c.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Infof("stats: %s=%d", k, snap[k])
	}
}

package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters_IncrementAccumulates(t *testing.T) {
	c := New()
	assert.EqualValues(t, 1, c.Increment("axfr.records", 1))
	assert.EqualValues(t, 3, c.Increment("axfr.records", 2))
	assert.EqualValues(t, 3, c.Get("axfr.records"))
}

func TestCounters_SnapshotIsIndependentCopy(t *testing.T) {
	c := New()
	c.Increment("evictions", 1)

	snap := c.Snapshot()
	snap["evictions"] = 99

	assert.EqualValues(t, 1, c.Get("evictions"))
}

func TestCounters_ConcurrentIncrement(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Increment("telemetry.datagrams", 1)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 100, c.Get("telemetry.datagrams"))
}

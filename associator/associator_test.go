package associator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3047/rearview/heuristic"
)

func constantHeuristic(score float64) heuristic.Func {
	return func(r heuristic.Resolution, now time.Time) float64 {
		return score
	}
}

func TestUpdateResolution_FreshObservation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	as := New(20, heuristic.Attenuating)

	added, evicted := as.UpdateResolution("10.0.0.224", []string{"sophia.m3047.", "docs.m3047."}, now)
	require.True(t, added)
	require.Nil(t, evicted)

	a, ok := as.Get("10.0.0.224")
	require.True(t, ok)
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, as.NResolutions())

	rs := a.Resolutions()
	require.Len(t, rs, 1)
	assert.Equal(t, []string{"sophia.m3047.", "docs.m3047."}, rs[0].Chain)
	assert.Equal(t, 1, rs[0].QueryCount)
}

func TestUpdateResolution_ReloadMerge(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	as := New(20, heuristic.Attenuating)

	score := 2.5
	evicted := as.UpdateResolutionFromRPZ("10.0.0.1", RPZPackage{
		PTR:   "www.example.com.",
		Depth: 2,
		First: t0.Add(-10 * time.Second),
		Last:  t0.Add(-1 * time.Second),
		Count: 3,
		Trend: 1.0,
		Score: score,
	}, t0)
	require.Nil(t, evicted)

	added, evicted := as.UpdateResolution("10.0.0.1", []string{"foo.example.com.", "www.example.com."}, t0)
	require.True(t, added)
	require.Nil(t, evicted)

	a, ok := as.Get("10.0.0.1")
	require.True(t, ok)
	require.Equal(t, 1, a.Len())

	r := a.Resolutions()[0]
	assert.Equal(t, []string{"foo.example.com.", "www.example.com."}, r.Chain)
	assert.Nil(t, r.ReloadScore)
	assert.Equal(t, 4, r.QueryCount)
	assert.Equal(t, t0, r.LastSeen)
}

func TestEviction_ManyDistinctAddresses(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	as := New(20, constantHeuristic(1))

	var lastEvicted *EvictionResult
	for i := 0; i < 30; i++ {
		ip := ipFor(i)
		_, evicted := as.UpdateResolution(ip, []string{"host" + itoa(i) + ".example.com."}, now)
		if evicted != nil {
			lastEvicted = evicted
		}
	}

	require.NotNil(t, lastEvicted)
	assert.Equal(t, 20, as.NResolutions())
}

func TestEviction_ManyResolutionsOneAddress(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	as := New(20, constantHeuristic(1))

	for i := 0; i < 20; i++ {
		as.UpdateResolution("10.0.0.1", []string{"host" + itoa(i) + ".dominant.example.com."}, now)
	}
	_, ev1 := as.UpdateResolution("10.0.0.2", []string{"a.singleton.example.com."}, now)
	require.NotNil(t, ev1)
	_, ev2 := as.UpdateResolution("10.0.0.3", []string{"b.singleton.example.com."}, now)
	require.NotNil(t, ev2)

	dominant, ok := as.Get("10.0.0.1")
	require.True(t, ok)
	assert.True(t, dominant.Len() < 20)

	_, ok2 := as.Get("10.0.0.2")
	assert.True(t, ok2)
	_, ok3 := as.Get("10.0.0.3")
	assert.True(t, ok3)

	tail := as.CacheTail(1)
	require.Len(t, tail, 1)
	assert.Equal(t, "10.0.0.1", tail[0])
}

func TestEviction_ExactlyAtCapacityDoesNotEvict(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	as := New(2, constantHeuristic(1))

	_, ev1 := as.UpdateResolution("10.0.0.1", []string{"a.example.com."}, now)
	require.Nil(t, ev1)
	_, ev2 := as.UpdateResolution("10.0.0.2", []string{"b.example.com."}, now)
	require.Nil(t, ev2)
	assert.Equal(t, 2, as.NResolutions())

	_, ev3 := as.UpdateResolution("10.0.0.3", []string{"c.example.com."}, now)
	require.NotNil(t, ev3)
}

func ipFor(i int) string {
	return "10.0." + itoa(i/256) + "." + itoa(i%256)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

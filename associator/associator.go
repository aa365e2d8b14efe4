// Package associator implements the Address -> {Resolution set} cache at the
// core of the agent: shaped eviction, reload-bootstrap merging, and the
// circular eviction-pass log.
package associator

import (
	"container/list"
	"time"

	"github.com/m3047/rearview/heuristic"
)

const evictionLogSize = 10

// Associator maps IP addresses to the set of forward-resolution chains
// observed for them. It is not safe for concurrent use: SPEC_FULL.md's
// concurrency model dedicates a single goroutine to own it outright.
type Associator struct {
	cacheSize    int
	nResolutions int

	addresses map[string]*Address
	cache     *list.List // of *Address, head = most recently touched

	heuristic   heuristic.Func
	evictionLog *evictionLogRing
}

// New returns an Associator bounded to cacheSize resolutions, scoring with
// fn. If fn is nil, heuristic.Attenuating is used.
func New(cacheSize int, fn heuristic.Func) *Associator {
	if fn == nil {
		fn = heuristic.Attenuating
	}
	return &Associator{
		cacheSize:   cacheSize,
		addresses:   map[string]*Address{},
		cache:       list.New(),
		heuristic:   fn,
		evictionLog: newEvictionLogRing(evictionLogSize),
	}
}

// NResolutions returns the current total resolution count across all
// addresses.
func (as *Associator) NResolutions() int {
	return as.nResolutions
}

// Len returns the number of distinct addresses tracked.
func (as *Associator) Len() int {
	return len(as.addresses)
}

// Get returns the Address for ip, if tracked.
func (as *Associator) Get(ip string) (*Address, bool) {
	a, ok := as.addresses[ip]
	return a, ok
}

func resolutionView(r *Resolution) heuristic.Resolution {
	return heuristic.Resolution{
		Chain:      r.Chain,
		QueryCount: r.QueryCount,
		QueryTrend: r.QueryTrend,
		LastSeen:   r.LastSeen,
	}
}

// Score returns the current heuristic score of r.
func (as *Associator) Score(r *Resolution, now time.Time) float64 {
	return as.heuristic(resolutionView(r), now)
}

func (as *Associator) touch(a *Address) {
	if a.elem != nil {
		as.cache.Remove(a.elem)
	}
	a.elem = as.cache.PushFront(a)
}

// UpdateResolution ingests one live observation. added reports whether the
// scheduler should enqueue a Solver pass for this address: true on a freshly
// created resolution or on a reload-merge, and also true when an existing
// resolution's recomputed score now exceeds the address's cached best
// score. evicted is non-nil if ingesting this observation triggered an
// eviction pass.
func (as *Associator) UpdateResolution(ip string, chain []string, now time.Time) (added bool, evicted *EvictionResult) {
	a, ok := as.addresses[ip]
	if !ok {
		a = newAddress(ip, now)
		as.addresses[ip] = a
		as.touch(a)
	}
	a.LastSeen = now

	key := chainKey(chain)
	if existing, ok := a.resolutions[key]; ok {
		existing.seen(now)
		if a.BestResolution != nil && a.BestResolution != existing {
			if as.Score(existing, now) > a.BestScore {
				return true, nil
			}
		}
		return false, nil
	}

	if reloaded := a.findReloaded(len(chain), chain[len(chain)-1]); reloaded != nil {
		a.rekey(reloaded, chain)
		reloaded.ReloadScore = nil
		reloaded.QueryCount++
		reloaded.LastSeen = now
		return true, nil
	}

	r := newResolution(chain, now)
	a.put(r)
	as.nResolutions++

	if as.nResolutions > as.cacheSize {
		evicted = as.evict(now)
	}
	return true, evicted
}

// RPZPackage carries the TXT-encoded metadata for a resolution reconstructed
// from an AXFR response.
type RPZPackage struct {
	PTR   string
	Depth int
	First time.Time
	Last  time.Time
	Count int
	Trend float64
	Score float64
}

// UpdateResolutionFromRPZ seeds the Associator with a reloaded resolution
// during AXFR bootstrap. Returns an EvictionResult if ingesting it pushed
// n_resolutions past cache_size.
func (as *Associator) UpdateResolutionFromRPZ(ip string, pkg RPZPackage, now time.Time) (evicted *EvictionResult) {
	a, ok := as.addresses[ip]
	if !ok {
		a = newAddress(ip, now)
		as.addresses[ip] = a
		as.touch(a)
	}
	if pkg.Last.After(a.LastSeen) {
		a.LastSeen = pkg.Last
	}

	chain := reloadedChain(pkg.Depth, pkg.PTR)
	if a.hasIdenticalResolution(chain) {
		return nil
	}

	r := &Resolution{
		Chain:      chain,
		FirstSeen:  pkg.First,
		LastSeen:   pkg.Last,
		QueryCount: pkg.Count,
		QueryTrend: pkg.Trend,
	}
	score := pkg.Score
	r.ReloadScore = &score

	a.put(r)
	as.nResolutions++

	if as.nResolutions > as.cacheSize {
		evicted = as.evict(now)
	}
	return evicted
}

// CacheHead returns up to n addresses from the head of the eviction queue
// (most recently touched first).
func (as *Associator) CacheHead(n int) []string {
	out := make([]string, 0, n)
	for e := as.cache.Front(); e != nil && len(out) < n; e = e.Next() {
		out = append(out, e.Value.(*Address).IP)
	}
	return out
}

// CacheTail returns up to n addresses from the tail of the eviction queue
// (next eviction victims first).
func (as *Associator) CacheTail(n int) []string {
	out := make([]string, 0, n)
	for e := as.cache.Back(); e != nil && len(out) < n; e = e.Prev() {
		out = append(out, e.Value.(*Address).IP)
	}
	return out
}

// EvictionHistory returns up to n of the most recent eviction passes, most
// recent first.
func (as *Associator) EvictionHistory(n int) []EvictionStat {
	return as.evictionLog.Last(n)
}

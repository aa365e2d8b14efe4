package associator

import (
	"container/heap"
	"math"
	"time"
)

// EvictionStat is one entry in the circular eviction log, exposed to the
// console's "evictions" command.
type EvictionStat struct {
	Timestamp         time.Time
	Overage           int
	TargetPoolSize    int
	WorkingPoolSize   int
	NResolutions      int
	Candidates        int
	AffectedAddresses int
	DeletedAddresses  int
	RecycledAddresses int
	SingleAddress     bool
	// SingleAddressCount is the surviving address's resolution count
	// *after* eviction popped from it, populated only when SingleAddress
	// is true. The branch-taken decision in evict (preCounts[a.IP] >= target)
	// compares the *pre*-eviction count on purpose, matching the
	// original's documented behavior; this field records the other side
	// of that split so it's observable from the log instead of only
	// inferable from the branch flag.
	SingleAddressCount int
}

// EvictionResult reports the outcome of one eviction pass so the caller
// (normally the scheduler) can drive the Solver.
type EvictionResult struct {
	// Affected addresses lost at least one resolution and must be re-solved:
	// their best_resolution may no longer exist.
	Affected []string
	// Deleted addresses lost their last resolution and no longer exist;
	// re-solving one of these must issue an RPZ delete.
	Deleted []string
	// Recycled addresses were drawn into the eviction pool but none of
	// their resolutions were actually popped; they are candidates for a
	// batched TXT refresh, not a full re-solve.
	Recycled []string
	Stat     EvictionStat
}

type evictionEntry struct {
	score float64
	seq   int
	addr  *Address
	res   *Resolution
}

type evictionHeap []*evictionEntry

func (h evictionHeap) Len() int { return len(h) }
func (h evictionHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].seq < h[j].seq
}
func (h evictionHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *evictionHeap) Push(x any)   { *h = append(*h, x.(*evictionEntry)) }
func (h *evictionHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// evict runs one pass of do_cache_eviction. The caller must have already
// verified n_resolutions > cache_size.
func (as *Associator) evict(now time.Time) *EvictionResult {
	overage := as.nResolutions - as.cacheSize
	if overage <= 0 {
		return nil
	}
	target := int(math.Floor(float64(overage)*1.2)) + 10

	var addrs []*Address
	preCounts := map[string]int{}

	h := &evictionHeap{}
	heap.Init(h)
	seq := 0

	for h.Len() < target && as.cache.Len() > 0 {
		elem := as.cache.Back()
		a := elem.Value.(*Address)
		as.cache.Remove(elem)
		a.elem = nil

		addrs = append(addrs, a)
		preCounts[a.IP] = a.Len()

		for _, r := range a.resolutions {
			score := as.heuristic(resolutionView(r), now)
			heap.Push(h, &evictionEntry{score: score, seq: seq, addr: a, res: r})
			seq++
		}
	}

	candidates := h.Len()

	affected := map[string]bool{}
	deleted := map[string]bool{}

	popped := 0
	for popped < overage && h.Len() > 0 {
		e := heap.Pop(h).(*evictionEntry)
		e.addr.delete(e.res)
		as.nResolutions--
		affected[e.addr.IP] = true

		if e.addr.Len() == 0 {
			delete(as.addresses, e.addr.IP)
			deleted[e.addr.IP] = true
		}
		popped++
	}

	singleAddress := false
	singleAddressCount := 0
	var recycled []string

	if len(addrs) == 1 {
		a := addrs[0]
		if !deleted[a.IP] && preCounts[a.IP] >= target {
			elem := as.cache.PushBack(a)
			a.elem = elem
			singleAddress = true
			singleAddressCount = a.Len()
		}
	}

	if !singleAddress {
		for _, a := range addrs {
			if deleted[a.IP] {
				continue
			}
			elem := as.cache.PushFront(a)
			a.elem = elem
			if !affected[a.IP] {
				recycled = append(recycled, a.IP)
			}
		}
	}

	affectedList := make([]string, 0, len(affected))
	for ip := range affected {
		affectedList = append(affectedList, ip)
	}
	deletedList := make([]string, 0, len(deleted))
	for ip := range deleted {
		deletedList = append(deletedList, ip)
	}

	stat := EvictionStat{
		Timestamp:          now,
		Overage:            overage,
		TargetPoolSize:     target,
		WorkingPoolSize:    len(addrs),
		NResolutions:       as.nResolutions,
		Candidates:         candidates,
		AffectedAddresses:  len(affected),
		DeletedAddresses:   len(deleted),
		RecycledAddresses:  len(recycled),
		SingleAddress:      singleAddress,
		SingleAddressCount: singleAddressCount,
	}
	as.evictionLog.push(stat)

	return &EvictionResult{
		Affected: affectedList,
		Deleted:  deletedList,
		Recycled: recycled,
		Stat:     stat,
	}
}

// evictionLogRing is a fixed-capacity circular buffer of the most recent
// eviction passes, grounded on the Python original's CircularLogger.
type evictionLogRing struct {
	entries []EvictionStat
	next    int
	filled  bool
}

func newEvictionLogRing(size int) *evictionLogRing {
	return &evictionLogRing{entries: make([]EvictionStat, size)}
}

func (r *evictionLogRing) push(s EvictionStat) {
	if len(r.entries) == 0 {
		return
	}
	r.entries[r.next] = s
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.filled = true
	}
}

// Last returns up to n most recent entries, most recent first.
func (r *evictionLogRing) Last(n int) []EvictionStat {
	size := len(r.entries)
	if size == 0 {
		return nil
	}
	count := size
	if !r.filled {
		count = r.next
	}
	if n < count {
		count = n
	}

	out := make([]EvictionStat, 0, count)
	idx := r.next
	for i := 0; i < count; i++ {
		idx = (idx - 1 + size) % size
		out = append(out, r.entries[idx])
	}
	return out
}

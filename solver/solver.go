// Package solver picks, for each address, the single resolution that best
// represents it, and decides when that choice needs to be written out to
// the RPZ.
package solver

import (
	"time"

	"github.com/m3047/rearview/associator"
)

// Task is the work item the scheduler hands to the RPZ client after a solve
// or a batched refresh decides a write is needed.
type Task struct {
	// Address being written. Delete set means "this address has no
	// resolutions left, remove it from the RPZ".
	Address string
	Owner   string // reverse-arpa owner, no RPZ suffix, no trailing dot
	Delete  bool

	PTR   string
	Depth int
	First time.Time
	Last  time.Time
	Count int
	Trend float64
	Score float64
}

// Solve resolves the winning resolution for ip and reports the RPZ task
// needed to make the RPZ reflect that choice, if any. A nil Task means no
// write is necessary because the winner didn't change.
//
// If the address is absent from as entirely, Solve returns a delete Task:
// the caller is expected to call Solve only for addresses that were named
// by an EvictionResult or a fresh observation, and an address absent from
// the Associator but still present in the RPZ must be retracted.
func Solve(as *associator.Associator, ownerFor func(ip string) string, ip string, now time.Time) *Task {
	a, ok := as.Get(ip)
	if !ok || a.Len() == 0 {
		return &Task{Address: ip, Owner: ownerFor(ip), Delete: true}
	}

	var winner *associator.Resolution
	var winnerScore float64
	for _, r := range a.Resolutions() {
		score := as.Score(r, now)
		if winner == nil || score > winnerScore || (score == winnerScore && chainLess(r, winner)) {
			winner = r
			winnerScore = score
		}
	}

	if a.BestResolution == winner {
		a.BestScore = winnerScore
		return nil
	}

	a.BestResolution = winner
	a.BestScore = winnerScore

	return &Task{
		Address: ip,
		Owner:   ownerFor(ip),
		PTR:     winner.Terminal(),
		Depth:   winner.Depth(),
		First:   winner.FirstSeen,
		Last:    winner.LastSeen,
		Count:   winner.QueryCount,
		Trend:   winner.QueryTrend,
		Score:   winnerScore,
	}
}

// chainLess breaks a scoring tie deterministically by comparing the two
// chains element by element, the same way the original compares its chain
// tuples: the first differing label decides, and a chain that runs out of
// labels while still matching its prefix sorts before the longer one.
// Absent/reloaded interior labels are already represented as
// associator.Absent ("" ), so they compare correctly without translation.
func chainLess(a, b *associator.Resolution) bool {
	ac, bc := a.Chain, b.Chain
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if ac[i] != bc[i] {
			return ac[i] < bc[i]
		}
	}
	return len(ac) < len(bc)
}

// RefreshState is the lifecycle of one batched TXT-metadata refresh pass
// over the addresses recycled by an eviction but not themselves affected
// by it (recycled − affected, per spec.md §4.E).
type RefreshState int

const (
	RefreshCreated RefreshState = iota
	RefreshAccumulating
	RefreshWriting
	RefreshComplete
)

// Refresh batches a set of addresses through a TXT-only metadata rewrite:
// their winning resolution hasn't changed, but enough time has passed that
// the mirrored last_refresh is stale.
type Refresh struct {
	State     RefreshState
	Addresses []string
	pos       int
}

// NewRefresh starts a refresh batch over addrs.
func NewRefresh(addrs []string) *Refresh {
	return &Refresh{State: RefreshAccumulating, Addresses: addrs}
}

// Next returns the next task to write, advancing the batch's internal
// cursor, or nil once the batch is exhausted (at which point State becomes
// RefreshComplete).
func (rf *Refresh) Next(as *associator.Associator, ownerFor func(ip string) string, now time.Time) *Task {
	if rf.pos >= len(rf.Addresses) {
		rf.State = RefreshComplete
		return nil
	}
	rf.State = RefreshWriting

	ip := rf.Addresses[rf.pos]
	rf.pos++

	a, ok := as.Get(ip)
	if !ok || a.BestResolution == nil {
		return nil
	}
	r := a.BestResolution

	return &Task{
		Address: ip,
		Owner:   ownerFor(ip),
		PTR:     r.Terminal(),
		Depth:   r.Depth(),
		First:   r.FirstSeen,
		Last:    r.LastSeen,
		Count:   r.QueryCount,
		Trend:   r.QueryTrend,
		Score:   a.BestScore,
	}
}

// Done reports whether every address in the batch has been processed.
func (rf *Refresh) Done() bool {
	return rf.pos >= len(rf.Addresses)
}

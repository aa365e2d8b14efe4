package associator

import (
	"strings"
	"time"
)

// Absent is the sentinel chain label used to pad the interior of a chain
// reconstructed from an RPZ AXFR, where only the terminal label is known.
// It sorts before any real label (which always carries a trailing dot), and
// cannot collide with one.
const Absent = ""

// Resolution is one distinct CNAME/A path leading to an Address. Chain is
// ordered leaf-to-root of the forward observation, e.g. for
// "www -> cdn -> X IN A addr" the chain stored on addr is (cdn., www.).
type Resolution struct {
	Chain []string

	FirstSeen time.Time
	LastSeen  time.Time

	QueryCount int
	QueryTrend float64

	// ReloadScore is set only for a resolution reconstructed from AXFR
	// bootstrap that has not yet been merged with a live observation.
	ReloadScore *float64
}

func newResolution(chain []string, now time.Time) *Resolution {
	return &Resolution{
		Chain:      chain,
		FirstSeen:  now,
		LastSeen:   now,
		QueryCount: 1,
	}
}

// seen records a fresh sighting of an already-known resolution: the trend is
// updated from the *previous* last_seen before it is overwritten.
func (r *Resolution) seen(now time.Time) {
	r.QueryTrend = 0.9*r.QueryTrend + 0.1*now.Sub(r.LastSeen).Seconds()
	r.LastSeen = now
	r.QueryCount++
}

// Terminal returns the last (root-most) label of the chain, or "" if the
// chain is empty.
func (r *Resolution) Terminal() string {
	if len(r.Chain) == 0 {
		return ""
	}
	return r.Chain[len(r.Chain)-1]
}

// Depth is the number of labels in the chain.
func (r *Resolution) Depth() int {
	return len(r.Chain)
}

// chainKey maps a chain to a string usable as a map key. Real labels always
// carry a trailing dot, so NUL cannot appear in one; it is a safe separator.
func chainKey(chain []string) string {
	return strings.Join(chain, "\x00")
}

// reloadedChain builds the padded chain used by update_resolution_from_rpz:
// (Absent * (depth-1)) followed by ptr.
func reloadedChain(depth int, ptr string) []string {
	if depth < 1 {
		depth = 1
	}
	chain := make([]string, depth)
	for i := 0; i < depth-1; i++ {
		chain[i] = Absent
	}
	chain[depth-1] = ptr
	return chain
}

// identicalResolution reports whether two chains are "chain-equivalent" for
// reload-merge purposes: same length and same terminal label.
func identicalResolution(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return a[len(a)-1] == b[len(b)-1]
}

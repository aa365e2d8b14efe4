package associator

import (
	"container/list"
	"time"
)

// Address is keyed by its IP literal string and owns the set of Resolutions
// observed for it. It is exported so that the Solver and console packages
// can inspect it, but it is only ever mutated by the Associator's owning
// goroutine.
type Address struct {
	IP       string
	LastSeen time.Time

	resolutions map[string]*Resolution

	BestResolution *Resolution
	BestScore      float64

	elem *list.Element
}

// Resolutions returns the address's resolutions in no particular order.
func (a *Address) Resolutions() []*Resolution {
	out := make([]*Resolution, 0, len(a.resolutions))
	for _, r := range a.resolutions {
		out = append(out, r)
	}
	return out
}

// Len reports the number of distinct resolutions on this address.
func (a *Address) Len() int {
	return len(a.resolutions)
}

func newAddress(ip string, now time.Time) *Address {
	return &Address{
		IP:          ip,
		LastSeen:    now,
		resolutions: map[string]*Resolution{},
	}
}

func (a *Address) findReloaded(depth int, terminal string) *Resolution {
	for _, r := range a.resolutions {
		if r.ReloadScore == nil {
			continue
		}
		if len(r.Chain) != depth {
			continue
		}
		if r.Terminal() != terminal {
			continue
		}
		return r
	}
	return nil
}

func (a *Address) hasIdenticalResolution(chain []string) bool {
	for _, r := range a.resolutions {
		if identicalResolution(r.Chain, chain) {
			return true
		}
	}
	return false
}

func (a *Address) put(r *Resolution) {
	a.resolutions[chainKey(r.Chain)] = r
}

func (a *Address) rekey(old *Resolution, newChain []string) {
	delete(a.resolutions, chainKey(old.Chain))
	old.Chain = newChain
	a.resolutions[chainKey(newChain)] = old
}

func (a *Address) delete(r *Resolution) {
	delete(a.resolutions, chainKey(r.Chain))
	if a.BestResolution == r {
		a.BestResolution = nil
		a.BestScore = 0
	}
}

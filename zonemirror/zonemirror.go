// Package zonemirror maintains an in-memory authoritative mirror of what
// the agent believes it has written to the RPZ, keyed by reverse-arpa
// qname.
package zonemirror

import (
	"sync"
	"time"
)

// TXTRecordRefreshMinutes is the refresh threshold used by needs_refresh.
//
// spec.md flags an ambiguity: the Python original names this constant in
// minutes but compares it directly against a raw seconds delta. This
// implementation preserves the observed numerical behavior (30 seconds)
// rather than guessing the intended unit.
const TXTRecordRefreshMinutes = 30 * time.Second

// Entry is the mirrored state for one reverse-arpa owner.
type Entry struct {
	PTR         string
	LastRefresh time.Time
}

// NeedsRefresh reports whether this entry's TXT metadata is stale enough to
// warrant a batched re-write.
func (e Entry) NeedsRefresh(now time.Time) bool {
	return now.Sub(e.LastRefresh) > TXTRecordRefreshMinutes
}

// Mirror is a map from reverse-arpa qname (no RPZ suffix, no trailing dot)
// to Entry. It is safe for concurrent use, since it is consulted both by
// the scheduler goroutine and, read-only, by the console.
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New returns an empty Mirror.
func New() *Mirror {
	return &Mirror{entries: map[string]Entry{}}
}

// Update is permissive: the last PTR write wins for a given owner, and
// last_refresh is stamped on every PTR write (including ones that don't
// change the PTR value).
func (m *Mirror) Update(owner, ptr string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[owner] = Entry{PTR: ptr, LastRefresh: now}
}

// Delete removes owner from the mirror, if present.
func (m *Mirror) Delete(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, owner)
}

// Get returns the Entry for owner, if present.
func (m *Mirror) Get(owner string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[owner]
	return e, ok
}

// Len returns the number of mirrored owners.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Stale returns the owners whose entries need a refresh as of now.
func (m *Mirror) Stale(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for owner, e := range m.entries {
		if e.NeedsRefresh(now) {
			out = append(out, owner)
		}
	}
	return out
}

// All returns a snapshot copy of every mirrored owner -> Entry pair, for the
// console and for AXFR round-trip verification.
func (m *Mirror) All() map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Entry, len(m.entries))
	for k, v := range m.entries {
		out[k] = v
	}
	return out
}

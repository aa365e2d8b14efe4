// Package scheduler owns the single goroutine that mutates the Associator
// and ZoneMirror, translating telemetry and eviction fallout into RPZ
// tasks, and the separate goroutine that actually talks to the RPZ primary.
package scheduler

import (
	"context"
	"os"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/m3047/rearview/associator"
	"github.com/m3047/rearview/rpz"
	"github.com/m3047/rearview/solver"
	"github.com/m3047/rearview/zonemirror"
)

// Observation is one telemetry datagram, decoded.
type Observation struct {
	Address string
	Chain   []string
}

type associationTask struct {
	obs Observation
	now time.Time
}

type solverTask struct {
	ip  string
	now time.Time
}

const refreshLogSize = 10

// RefreshStat is one completed batched TXT-only refresh pass, exposed to
// the console's "refresh" command.
type RefreshStat struct {
	Timestamp    time.Time
	AddressCount int
	Written      int
}

// refreshLogRing is a fixed-capacity circular buffer of the most recent
// refresh passes, mirroring associator's evictionLogRing.
type refreshLogRing struct {
	entries []RefreshStat
	next    int
	filled  bool
}

func newRefreshLogRing(size int) *refreshLogRing {
	return &refreshLogRing{entries: make([]RefreshStat, size)}
}

func (r *refreshLogRing) push(s RefreshStat) {
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
func (r *refreshLogRing) Last(n int) []RefreshStat {
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

	out := make([]RefreshStat, 0, count)
	idx := r.next
	for i := 0; i < count; i++ {
		idx = (idx - 1 + size) % size
		out = append(out, r.entries[idx])
	}
	return out
}

// OwnerFunc maps an IP address literal to its bare reverse-arpa owner name
// (no RPZ suffix, no trailing dot) — the same key space the ZoneMirror and
// console use. rpz.Client appends the zone suffix itself.
type OwnerFunc func(ip string) string

// rpzWriter is the subset of *rpz.Client the scheduler depends on,
// extracted so tests can substitute a fake rather than dial a real TCP
// server, mirroring the rfc2136 provider's actions interface.
type rpzWriter interface {
	UpdatePTR(ctx context.Context, owner, ptr string, meta rpz.Metadata) error
	Delete(ctx context.Context, owner string) error
	Close() error
}

// Scheduler runs the agent's core loop: a strict two-priority queue in
// which every pending association_queue task drains before a single
// solver_queue task is processed, mirroring the Python original's
// asyncio.PriorityQueue discipline without needing one, since a single
// goroutine owns both queues.
type Scheduler struct {
	Associator *associator.Associator
	Mirror     *zonemirror.Mirror
	OwnerOf    OwnerFunc

	rpzClient rpzWriter

	associationCh chan associationTask
	solverCh      chan solverTask
	rpzCh         chan *solver.Task

	evicting sync.Mutex // single-flight guard for an in-flight eviction pass

	refreshLog *refreshLogRing

	wg sync.WaitGroup
}

// New wires a Scheduler around an existing Associator/Mirror/rpz.Client
// triple. queueDepth bounds the association and solver channels; the RPZ
// task channel is always buffered generously, since RPZ writes are the
// slowest step and must never block the association/solver loop.
func New(as *associator.Associator, mirror *zonemirror.Mirror, client *rpz.Client, ownerOf OwnerFunc, queueDepth int) *Scheduler {
	return newWithWriter(as, mirror, client, ownerOf, queueDepth)
}

func newWithWriter(as *associator.Associator, mirror *zonemirror.Mirror, client rpzWriter, ownerOf OwnerFunc, queueDepth int) *Scheduler {
	return &Scheduler{
		Associator:    as,
		Mirror:        mirror,
		OwnerOf:       ownerOf,
		rpzClient:     client,
		associationCh: make(chan associationTask, queueDepth),
		solverCh:      make(chan solverTask, queueDepth),
		rpzCh:         make(chan *solver.Task, queueDepth*4),
		refreshLog:    newRefreshLogRing(refreshLogSize),
	}
}

// Submit enqueues a telemetry observation for association. It never
// blocks the caller beyond the association queue's own backpressure.
func (s *Scheduler) Submit(obs Observation, now time.Time) {
	s.associationCh <- associationTask{obs: obs, now: now}
}

// Run drives the association/solver loop until ctx is cancelled. It
// recovers from any panic raised by a task (an internal invariant
// violation), logs it, and exits the process: there is no safe partial
// state to keep running with a corrupted Associator.
func (s *Scheduler) Run(ctx context.Context) {
	s.wg.Add(1)
	go s.runRPZWorker(ctx)

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("scheduler: internal invariant violation: %v\n%s", r, debug.Stack())
			os.Exit(1)
		}
	}()

	for {
		// Strict priority: drain every pending association task before
		// taking a single solver task.
		select {
		case t := <-s.associationCh:
			s.handleAssociation(t)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			close(s.rpzCh)
			s.wg.Wait()
			return
		case t := <-s.associationCh:
			s.handleAssociation(t)
		case t := <-s.solverCh:
			s.handleSolve(t)
		}
	}
}

func (s *Scheduler) handleAssociation(t associationTask) {
	added, evicted := s.Associator.UpdateResolution(t.obs.Address, t.obs.Chain, t.now)
	if added {
		s.enqueueSolve(t.obs.Address, t.now)
	}
	if evicted != nil {
		s.handleEviction(evicted, t.now)
	}
}

func (s *Scheduler) enqueueSolve(ip string, now time.Time) {
	select {
	case s.solverCh <- solverTask{ip: ip, now: now}:
	default:
		log.Warnf("scheduler: solver queue full, dropping re-solve for %s", ip)
	}
}

func (s *Scheduler) handleSolve(t solverTask) {
	task := solver.Solve(s.Associator, s.OwnerOf, t.ip, t.now)
	if task == nil {
		return
	}
	s.dispatchRPZ(task)
}

// handleEviction holds evicting for its whole duration. Evictions happen
// synchronously inside UpdateResolution on the scheduler's single
// goroutine, and nothing called from here calls handleEviction again, so
// the lock is never contended; a reentrant call would block rather than
// be skipped.
func (s *Scheduler) handleEviction(ev *associator.EvictionResult, now time.Time) {
	s.evicting.Lock()
	defer s.evicting.Unlock()

	for _, ip := range ev.Deleted {
		s.dispatchRPZ(&solver.Task{Address: ip, Owner: s.OwnerOf(ip), Delete: true})
	}
	for _, ip := range ev.Affected {
		s.enqueueSolve(ip, now)
	}

	if len(ev.Recycled) > 0 {
		s.runRefresh(solver.NewRefresh(ev.Recycled), now)
	}
}

// runRefresh drains a batched TXT-only refresh pass for addresses that
// were recycled by an eviction but not themselves affected by it: their
// winning resolution hasn't changed, only its mirrored metadata is due
// for a rewrite.
func (s *Scheduler) runRefresh(rf *solver.Refresh, now time.Time) {
	written := 0
	for !rf.Done() {
		task := rf.Next(s.Associator, s.OwnerOf, now)
		if task != nil {
			if e, ok := s.Mirror.Get(task.Owner); ok && !e.NeedsRefresh(now) {
				continue
			}
			s.dispatchRPZ(task)
			written++
		}
	}
	s.refreshLog.push(RefreshStat{
		Timestamp:    now,
		AddressCount: len(rf.Addresses),
		Written:      written,
	})
}

// RefreshHistory returns up to n of the most recent batched-refresh passes,
// most recent first.
func (s *Scheduler) RefreshHistory(n int) []RefreshStat {
	return s.refreshLog.Last(n)
}

// QueueDepths reports the current depth of the association, solver, and
// RPZ task queues, for the console's "qd" command.
func (s *Scheduler) QueueDepths() (association, solver, rpz int) {
	return len(s.associationCh), len(s.solverCh), len(s.rpzCh)
}

// NResolutions returns the Associator's current total resolution count.
func (s *Scheduler) NResolutions() int {
	return s.Associator.NResolutions()
}

func (s *Scheduler) dispatchRPZ(task *solver.Task) {
	select {
	case s.rpzCh <- task:
	default:
		log.Warnf("scheduler: RPZ task queue full, dropping task for %s", task.Address)
	}
}

// runRPZWorker drains rpzCh, keeping the RPZ client's UPDATE connection
// open only while tasks are actually pending: it closes the connection the
// moment the queue empties out after a task, rather than per-call, so a
// burst of writes shares one TCP channel.
func (s *Scheduler) runRPZWorker(ctx context.Context) {
	defer s.wg.Done()
	for task := range s.rpzCh {
		s.applyRPZTask(ctx, task)
		if len(s.rpzCh) == 0 {
			s.rpzClient.Close()
		}
	}
}

func (s *Scheduler) applyRPZTask(ctx context.Context, task *solver.Task) {
	if task.Delete {
		// No-op if the owner was never written to the mirror: eviction
		// can target an address whose resolve pass never produced an
		// RPZ write in the first place, and deleting it would just
		// generate a spurious UPDATE against the server.
		if _, ok := s.Mirror.Get(task.Owner); !ok {
			return
		}
		if err := s.rpzClient.Delete(ctx, task.Owner); err != nil {
			log.Errorf("scheduler: RPZ delete for %s failed: %v", task.Address, err)
			return
		}
		s.Mirror.Delete(task.Owner)
		return
	}

	meta := rpz.Metadata{
		Depth: task.Depth,
		First: task.First,
		Last:  task.Last,
		Count: task.Count,
		Trend: task.Trend,
		Score: task.Score,
	}
	if err := s.rpzClient.UpdatePTR(ctx, task.Owner, task.PTR, meta); err != nil {
		log.Errorf("scheduler: RPZ update for %s failed: %v", task.Address, err)
		return
	}
	s.Mirror.Update(task.Owner, task.PTR, task.Last)
}

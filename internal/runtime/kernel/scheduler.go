package kernel

import (
	"context"
	"math/bits"
	"strconv"
	"sync/atomic"
)

// ============================================================================
// Core scheduler
// ============================================================================

// Scheduler is the per-core half of the scheduler: the thread selected for
// the core, the thread the core is running, and the core's idle thread.
type Scheduler struct {
	k      *Kernel
	coreID int32
	idle   *Thread
	ipi    chan struct{}

	preemptPending atomic.Bool

	// Guarded by the critical section.
	current         *Thread
	highest         *Thread
	contextSwitches uint64
	migrations      uint64
	idleSelections  uint64
}

func newScheduler(k *Kernel, id int32) *Scheduler {
	s := &Scheduler{
		k:      k,
		coreID: id,
		ipi:    make(chan struct{}, 1),
	}
	s.idle = &Thread{
		k:           k,
		id:          k.nextTID.Add(1),
		name:        "idle" + strconv.Itoa(int(id)),
		owner:       k.kproc,
		kind:        threadIdle,
		wake:        s.ipi,
		slot:        nilSlot,
		priority:    IdlePriority,
		idealCore:   id,
		activeCore:  id,
		lastCore:    id,
		runningOn:   -1,
		affinity:    1 << uint(id),
		syncedIndex: -1,
		timerIndex:  -1,
	}
	s.idle.onCore.Store(-1)
	s.current = s.idle
	return s
}

// ID returns the core id.
func (s *Scheduler) ID() int32 { return s.coreID }

func (s *Scheduler) interrupt() {
	select {
	case s.ipi <- struct{}{}:
	default:
	}
}

// idleLoop owns the core while nothing else runs on it. Interrupts make it
// enter the kernel so that a newly selected thread gets the core.
func (s *Scheduler) idleLoop(ctx context.Context) error {
	s.k.Reschedule(s.idle)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.ipi:
			s.k.Reschedule(s.idle)
		}
	}
}

// updateHighest records t as the core's selection and returns the core's
// bit when the selection changed.
func (s *Scheduler) updateHighest(t *Thread) uint64 {
	prev := s.highest
	if prev == t {
		return 0
	}
	if prev != nil {
		s.k.incrementScheduledCount(prev)
		prev.lastScheduledTick = s.k.clock.Ticks()
	}
	if t == nil {
		s.idleSelections++
	}
	s.highest = t
	return 1 << uint(s.coreID)
}

// ============================================================================
// Selection
// ============================================================================

func (k *Kernel) incrementScheduledCount(t *Thread) {
	if t.owner != nil {
		t.owner.scheduledCount.Add(1)
	}
}

// SelectThreads recomputes the selection of every core and returns it. Cores
// with nothing selected report nil.
func (k *Kernel) SelectThreads(cur *Thread) []*Thread {
	k.Lock(cur)
	k.selectThreads()
	out := make([]*Thread, len(k.cores))
	for i, c := range k.cores {
		out[i] = c.highest
	}
	k.Unlock(cur)
	return out
}

// selectThreads takes each core's scheduled front, then tries to give every
// idle core a suggested thread. A suggestion that is already its own core's
// top is only taken in a second pass, and only if that core has another
// thread to run.
func (k *Kernel) selectThreads() uint64 {
	k.assertLocked()
	k.updateNeeded = false
	k.reselections++

	pq := k.pq
	top := k.topScratch
	var changed, idle uint64
	for i, c := range k.cores {
		top[i] = pq.ScheduledFront(int32(i))
		if top[i] == nil {
			idle |= 1 << uint(i)
		}
		changed |= c.updateHighest(top[i])
	}

	for idle != 0 {
		core := int32(bits.TrailingZeros64(idle))
		idle &^= 1 << uint(core)

		s := pq.SuggestedFront(core)
		if s == nil {
			continue
		}
		candidates := k.candidateScratch[:0]
		for s != nil {
			var srcTop *Thread
			if src := s.activeCore; src >= 0 {
				srcTop = top[src]
			}
			if srcTop != s {
				// The migration floor ends the pass for this core; the
				// candidate cores are not tried.
				if srcTop != nil && srcTop.priority < k.migrationFloor {
					break
				}
				if k.compareTime.Load() {
					s = k.oldestMigratable(core, s, top)
				}
				k.migrate(s, core)
				top[core] = s
				changed |= k.cores[core].updateHighest(s)
				break
			}
			candidates = append(candidates, s.activeCore)
			s = pq.SuggestedNext(core, s)
		}

		if s == nil {
			for _, cc := range candidates {
				moved := top[cc]
				next := pq.ScheduledNext(cc, moved)
				if next == nil {
					continue
				}
				top[cc] = next
				changed |= k.cores[cc].updateHighest(next)
				k.migrate(moved, core)
				top[core] = moved
				changed |= k.cores[core].updateHighest(moved)
				break
			}
		}
	}
	return changed
}

// oldestMigratable returns, among the migratable suggestions of core at s's
// priority, the one scheduled longest ago.
func (k *Kernel) oldestMigratable(core int32, s *Thread, top []*Thread) *Thread {
	best := s
	for n := k.pq.SamePriorityNext(core, s); n != nil; n = k.pq.SamePriorityNext(core, n) {
		var srcTop *Thread
		if n.activeCore >= 0 {
			srcTop = top[n.activeCore]
		}
		if srcTop == n || (srcTop != nil && srcTop.priority < k.migrationFloor) {
			continue
		}
		if n.lastScheduledTick < best.lastScheduledTick {
			best = n
		}
	}
	return best
}

func (k *Kernel) migrate(t *Thread, core int32) {
	prev := t.activeCore
	t.activeCore = core
	k.pq.ChangeCore(prev, t, false)
}

func (k *Kernel) migrateToFront(t *Thread, core int32) {
	prev := t.activeCore
	t.activeCore = core
	k.pq.ChangeCore(prev, t, true)
	k.incrementScheduledCount(t)
}

// migrationAllowed reports whether a thread may be taken from the core whose
// top thread is top.
func (k *Kernel) migrationAllowed(top *Thread) bool {
	return top == nil || top.priority >= k.migrationFloor
}

// ============================================================================
// Queue membership
// ============================================================================

func (k *Kernel) setState(t *Thread, s ThreadState) {
	was := t.schedulable()
	t.state = s
	t.stateView.Store(uint32(s))
	k.onSchedulableChanged(t, was)
}

func (k *Kernel) setPaused(t *Thread, paused bool) {
	was := t.schedulable()
	t.paused = paused
	k.onSchedulableChanged(t, was)
}

func (k *Kernel) onSchedulableChanged(t *Thread, was bool) {
	now := t.schedulable()
	if was == now || t.slot == nilSlot {
		return
	}
	if now {
		k.pq.PushBack(t)
	} else {
		k.pq.Remove(t)
	}
	k.incrementScheduledCount(t)
	k.setUpdateNeeded()
}

// SetThreadRunning makes t eligible for selection: an initialized thread
// becomes runnable and a paused thread resumes. t joins the scheduled list
// of its active core and the suggested lists of the other cores in its
// affinity mask. The critical section must be held.
func (k *Kernel) SetThreadRunning(t *Thread) {
	k.assertLocked()
	if t.state == ThreadInitialized {
		k.setState(t, ThreadRunnable)
	}
	k.setPaused(t, false)
}

// SetThreadPaused removes t from every ready queue until SetThreadRunning.
// A paused thread that is running keeps its core until its next kernel
// entry. The critical section must be held.
func (k *Kernel) SetThreadPaused(t *Thread) {
	k.assertLocked()
	k.setPaused(t, true)
}

// AdjustThreadPriorityChanged moves a runnable thread from oldPrio to its
// current priority on every core it is queued on.
func (k *Kernel) AdjustThreadPriorityChanged(t *Thread, oldPrio int32, isRunning bool) {
	k.assertLocked()
	if !t.schedulable() {
		return
	}
	k.pq.ChangePriority(oldPrio, isRunning, t)
	k.incrementScheduledCount(t)
	k.setUpdateNeeded()
}

// AdjustThreadAffinityChanged updates a runnable thread's queue membership
// after its active core or affinity mask changed.
func (k *Kernel) AdjustThreadAffinityChanged(t *Thread, oldCore int32, oldMask uint64) {
	k.assertLocked()
	if !t.schedulable() {
		return
	}
	k.pq.ChangeAffinityMask(oldCore, oldMask, t)
	k.incrementScheduledCount(t)
	k.setUpdateNeeded()
}

// ============================================================================
// Yields
// ============================================================================

func (k *Kernel) yieldIsRedundant(cur *Thread) bool {
	if cur.yieldMark.Load() == cur.owner.scheduledCount.Load() {
		k.redundantYields.Add(1)
		return true
	}
	return false
}

func (k *Kernel) markYieldRedundant(cur *Thread) {
	cur.yieldMark.Store(cur.owner.scheduledCount.Load())
}

// YieldWithoutCoreMigration moves cur to the back of its priority level on
// its core.
func (k *Kernel) YieldWithoutCoreMigration(cur *Thread) {
	if k.yieldIsRedundant(cur) {
		return
	}
	k.Lock(cur)
	if cur.schedulable() {
		k.yields++
		next := k.pq.MoveToScheduledBack(cur)
		k.incrementScheduledCount(cur)
		if next != cur {
			k.setUpdateNeeded()
		} else {
			k.markYieldRedundant(cur)
		}
	}
	k.Unlock(cur)
}

// YieldWithCoreMigration yields like YieldWithoutCoreMigration and then
// pulls a same-priority suggestion from another core onto cur's core, unless
// the thread that would run next has waited longer.
func (k *Kernel) YieldWithCoreMigration(cur *Thread) {
	if k.yieldIsRedundant(cur) {
		return
	}
	k.Lock(cur)
	if cur.schedulable() {
		k.yields++
		core := cur.activeCore
		next := k.pq.MoveToScheduledBack(cur)
		k.incrementScheduledCount(cur)

		recheck := false
		s := k.pq.SuggestedFront(core)
		for s != nil {
			var running *Thread
			if s.activeCore >= 0 {
				running = k.cores[s.activeCore].current
			}
			if running != s {
				if s.priority > cur.priority ||
					(s.priority == cur.priority && next != cur && next.lastScheduledTick < s.lastScheduledTick) {
					s = nil
					break
				}
				if k.migrationAllowed(running) {
					k.migrateToFront(s, core)
					break
				}
				recheck = true
			}
			s = k.pq.SamePriorityNext(core, s)
		}

		if s != nil || next != cur {
			k.setUpdateNeeded()
		} else if !recheck {
			k.markYieldRedundant(cur)
		}
	}
	k.Unlock(cur)
}

// YieldToAnyThread gives up cur's core entirely: cur keeps only suggested
// membership and waits for a load-balancing pass to hand it a core again.
func (k *Kernel) YieldToAnyThread(cur *Thread) {
	if k.yieldIsRedundant(cur) {
		return
	}
	k.Lock(cur)
	if cur.schedulable() {
		k.yields++
		core := cur.activeCore
		cur.activeCore = -1
		k.pq.ChangeCore(core, cur, false)
		k.incrementScheduledCount(cur)

		if core >= 0 && k.pq.ScheduledFront(core) == nil {
			s := k.pq.SuggestedFront(core)
			for s != nil {
				var srcTop *Thread
				if s.activeCore >= 0 {
					srcTop = k.pq.ScheduledFront(s.activeCore)
				}
				if srcTop != s {
					if k.migrationAllowed(srcTop) {
						k.migrate(s, core)
						k.incrementScheduledCount(s)
					}
					break
				}
				s = k.pq.SuggestedNext(core, s)
			}
			if s != cur {
				k.setUpdateNeeded()
			} else {
				k.markYieldRedundant(cur)
			}
		} else {
			k.setUpdateNeeded()
		}
	}
	k.Unlock(cur)
}

// ============================================================================
// Preemption
// ============================================================================

// RotateScheduledQueue rotates the front thread of prio on core to the back,
// then tries to pull a same-priority suggestion onto the core, and finally a
// higher-priority one if the core would otherwise run something no better
// than prio.
func (k *Kernel) RotateScheduledQueue(cur *Thread, core, prio int32) {
	k.Lock(cur)
	k.rotateScheduledQueue(core, prio)
	k.Unlock(cur)
}

func (k *Kernel) rotateScheduledQueue(core, prio int32) {
	k.assertLocked()
	pq := k.pq

	top := pq.ScheduledFrontAt(core, prio)
	var next *Thread
	if top != nil {
		next = pq.MoveToScheduledBack(top)
		if next != top {
			k.incrementScheduledCount(top)
			k.incrementScheduledCount(next)
		}
	}

	for s := pq.SuggestedFrontAt(core, prio); s != nil; s = pq.SamePriorityNext(core, s) {
		var srcTop *Thread
		if s.activeCore >= 0 {
			srcTop = pq.ScheduledFront(s.activeCore)
		}
		if srcTop == s {
			continue
		}
		if top != next && next != nil && next.lastScheduledTick < s.lastScheduledTick {
			break
		}
		if k.migrationAllowed(srcTop) {
			k.migrateToFront(s, core)
			break
		}
	}

	best := pq.ScheduledFront(core)
	if best != nil && best == k.cores[core].current {
		best = pq.ScheduledNext(core, best)
	}
	if best != nil && best.priority >= prio {
		for s := pq.SuggestedFront(core); s != nil; s = pq.SuggestedNext(core, s) {
			if s.priority >= best.priority {
				break
			}
			var srcTop *Thread
			if s.activeCore >= 0 {
				srcTop = pq.ScheduledFront(s.activeCore)
			}
			if srcTop != s && k.migrationAllowed(srcTop) {
				k.migrateToFront(s, core)
				break
			}
		}
	}

	k.setUpdateNeeded()
}

// preemptLocked rotates the configured preemption priority of every core.
func (k *Kernel) preemptLocked() {
	for i, prio := range k.preemptPrio {
		if prio >= 0 {
			k.rotateScheduledQueue(int32(i), prio)
		}
	}
}

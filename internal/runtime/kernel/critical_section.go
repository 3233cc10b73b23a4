package kernel

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

// ============================================================================
// Critical section
// ============================================================================

// CriticalSection is the global reentrant scheduler lock. Every ready queue
// mutation and every change to a thread's scheduling state happens while it
// is held. The final release resolves a pending reselection and performs the
// resulting context switches; it is the only place a switch starts.
type CriticalSection struct {
	k     *Kernel
	mu    sync.Mutex
	owner atomic.Pointer[Thread]
	count int
}

// Enter acquires the section for cur, or nests if cur already holds it.
func (cs *CriticalSection) Enter(cur *Thread) {
	if cs.owner.Load() == cur {
		cs.count++
		return
	}
	cs.mu.Lock()
	cs.owner.Store(cur)
	cs.count = 1
}

// Leave releases one level of nesting.
func (cs *CriticalSection) Leave(cur *Thread) {
	kassert.That(cs.owner.Load() == cur, "critical section released by non-owner %q", cur.name)
	if cs.count > 1 {
		cs.count--
		return
	}
	cs.k.releaseAndSchedule(cur)
}

// HeldBy reports whether cur holds the section.
func (cs *CriticalSection) HeldBy(cur *Thread) bool { return cs.owner.Load() == cur }

func (cs *CriticalSection) release() {
	cs.owner.Store(nil)
	cs.count = 0
	cs.mu.Unlock()
}

func (cs *CriticalSection) reacquire(cur *Thread) {
	cs.mu.Lock()
	cs.owner.Store(cur)
	cs.count = 1
}

// releaseAndSchedule is the final release. A kernel thread left without a
// core parks here until a core switches to it, then re-runs the dispatch so
// that it never resumes on a core it has not claimed.
func (k *Kernel) releaseAndSchedule(cur *Thread) {
	for {
		if k.updateNeeded {
			k.selectThreads()
		}
		ipis, wake := k.dispatch(cur)
		resume := cur.kind != threadKernel || cur.runningOn >= 0 || cur.exited
		k.cs.release()

		for ipis != 0 {
			c := bits.TrailingZeros64(ipis)
			ipis &^= 1 << uint(c)
			k.cores[c].interrupt()
		}
		for _, t := range wake {
			t.signal()
		}
		if resume {
			return
		}

		select {
		case <-cur.wake:
		case <-k.halt:
			runtime.Goexit()
		}
		k.cs.reacquire(cur)
	}
}

// dispatch brings every core's current thread in line with its selection.
// A core running its idle thread is switched by that core's idle loop; a
// core running another thread is flagged and switches at that thread's next
// kernel entry. Parked threads that were given a core are returned for
// waking.
func (k *Kernel) dispatch(cur *Thread) (ipis uint64, wake []*Thread) {
	for _, c := range k.cores {
		desired := c.highest
		if desired == nil {
			desired = c.idle
		}
		prev := c.current
		if prev == desired {
			continue
		}

		bit := uint64(1) << uint(c.coreID)
		switch {
		case prev == c.idle:
			if cur != prev {
				ipis |= bit
				continue
			}
		case prev.runningOn == c.coreID:
			if prev != cur {
				c.preemptPending.Store(true)
				continue
			}
			prev.setRunningOn(-1)
		}

		c.current = desired
		c.contextSwitches++
		c.preemptPending.Store(false)
		switch {
		case desired == c.idle || desired == cur:
		case desired.runningOn < 0:
			wake = append(wake, desired)
		default:
			k.cores[desired.runningOn].preemptPending.Store(true)
		}
	}

	if cur.kind == threadKernel && cur.runningOn < 0 && !cur.exited {
		for _, c := range k.cores {
			if c.current != cur {
				continue
			}
			if cur.lastCore >= 0 && cur.lastCore != c.coreID {
				c.migrations++
			}
			cur.lastCore = c.coreID
			cur.setRunningOn(c.coreID)
			break
		}
	}
	return ipis, wake
}

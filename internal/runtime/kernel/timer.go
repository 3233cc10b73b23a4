package kernel

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/clock"
)

// ============================================================================
// Hardware timer
// ============================================================================

// timerQueue orders timed waiters by deadline. Each thread records its heap
// index so that a wait ending early can cancel in O(log n).
type timerQueue []*Thread

func (q timerQueue) Len() int           { return len(q) }
func (q timerQueue) Less(i, j int) bool { return q[i].timerDeadline < q[j].timerDeadline }
func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].timerIndex = i
	q[j].timerIndex = j
}

func (q *timerQueue) Push(x interface{}) {
	t := x.(*Thread)
	t.timerIndex = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() interface{} {
	old := *q
	t := old[len(old)-1]
	old[len(old)-1] = nil
	*q = old[:len(old)-1]
	t.timerIndex = -1
	return t
}

// hardwareTimer turns absolute tick deadlines into timeouts and drives
// periodic preemption. Lock order: critical section, then mu.
type hardwareTimer struct {
	k    *Kernel
	mu   sync.Mutex
	q    timerQueue
	kick chan struct{}

	nextPreempt int64 // guarded by the critical section
}

func newHardwareTimer(k *Kernel) *hardwareTimer {
	return &hardwareTimer{k: k, kick: make(chan struct{}, 1)}
}

func (ht *hardwareTimer) register(t *Thread, deadline int64) {
	ht.mu.Lock()
	if t.timerIndex >= 0 {
		heap.Remove(&ht.q, t.timerIndex)
	}
	t.timerDeadline = deadline
	heap.Push(&ht.q, t)
	first := t.timerIndex == 0
	ht.mu.Unlock()

	if first {
		select {
		case ht.kick <- struct{}{}:
		default:
		}
	}
}

func (ht *hardwareTimer) cancel(t *Thread) {
	ht.mu.Lock()
	if t.timerIndex >= 0 {
		heap.Remove(&ht.q, t.timerIndex)
	}
	ht.mu.Unlock()
}

// pending returns the number of armed timeouts.
func (ht *hardwareTimer) pending() int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	return len(ht.q)
}

func (ht *hardwareTimer) run(ctx context.Context) error {
	host := ht.k.NewHostThread(nil, "timer")
	tm := time.NewTimer(time.Hour)
	defer tm.Stop()

	for {
		next := ht.fire(host)
		wait := time.Hour
		if next != clock.Forever {
			wait = clock.ToDuration(next - ht.k.clock.Ticks())
			if wait < 0 {
				wait = 0
			}
		}
		tm.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-tm.C:
		case <-ht.kick:
		}
	}
}

// fire resolves every expired timeout, preempts when the interval has
// elapsed, and returns the next tick the timer must wake at.
func (ht *hardwareTimer) fire(host *Thread) int64 {
	k := ht.k
	k.Lock(host)
	now := k.clock.Ticks()

	ht.mu.Lock()
	var expired []*Thread
	for len(ht.q) > 0 && ht.q[0].timerDeadline <= now {
		expired = append(expired, heap.Pop(&ht.q).(*Thread))
	}
	ht.mu.Unlock()
	for _, t := range expired {
		t.onTimer()
	}

	next := clock.Forever
	if k.preemptInterval > 0 {
		if now >= ht.nextPreempt {
			k.preemptLocked()
			ht.nextPreempt = now + k.preemptInterval
		}
		next = ht.nextPreempt
	}

	ht.mu.Lock()
	if len(ht.q) > 0 && (next == clock.Forever || ht.q[0].timerDeadline < next) {
		next = ht.q[0].timerDeadline
	}
	ht.mu.Unlock()

	k.Unlock(host)
	return next
}

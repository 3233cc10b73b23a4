package kernel

import (
	"testing"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
)

// selectionKernel returns a two-core kernel that is never run; tests build
// the queues and call selectThreads directly.
func selectionKernel(t *testing.T, mutate func(*config.Config)) *Kernel {
	t.Helper()
	return newTestKernel(t, func(c *config.Config) {
		c.NumCores = 2
		c.PreemptionPriorities = []int{59, 63}
		if mutate != nil {
			mutate(c)
		}
	})
}

func masked(t *testing.T, k *Kernel, name string, prio, core int32, mask uint64) *Thread {
	t.Helper()
	th := newIdleThread(t, k, name, prio, core)
	th.affinity = mask
	return th
}

// enqueue takes the critical section for the rest of the test and makes ths
// runnable in order.
func enqueue(t *testing.T, k *Kernel, ths ...*Thread) {
	t.Helper()
	host := k.NewHostThread(nil, "test")
	k.Lock(host)
	t.Cleanup(func() { k.Unlock(host) })
	for _, th := range ths {
		k.SetThreadRunning(th)
	}
}

func TestSelectThreads_PriorityOrder(t *testing.T) {
	k := selectionKernel(t, nil)
	low := masked(t, k, "low", 40, 0, 0b01)
	high := masked(t, k, "high", 12, 0, 0b01)
	enqueue(t, k, low, high)

	changed := k.selectThreads()
	if changed != 0b01 {
		t.Fatalf("changed mask %#b", changed)
	}
	if k.cores[0].highest != high {
		t.Fatalf("core 0 selected %q", k.cores[0].highest.Name())
	}
	if k.cores[1].highest != nil {
		t.Fatal("core 1 selected a thread outside the mask")
	}
}

func TestSelectThreads_Idempotent(t *testing.T) {
	k := selectionKernel(t, nil)
	enqueue(t, k,
		masked(t, k, "a", 20, 0, 0b11),
		masked(t, k, "b", 21, 0, 0b11))

	if k.selectThreads() == 0 {
		t.Fatal("first selection changed nothing")
	}
	if changed := k.selectThreads(); changed != 0 {
		t.Fatalf("second selection changed %#b", changed)
	}
}

func TestSelectThreads_MigratesSuggestion(t *testing.T) {
	k := selectionKernel(t, nil)
	a := masked(t, k, "a", 10, 0, 0b01)
	b := masked(t, k, "b", 20, 0, 0b11)
	enqueue(t, k, a, b)

	k.selectThreads()
	if k.cores[0].highest != a || k.cores[1].highest != b {
		t.Fatal("suggested thread not migrated to the idle core")
	}
	if b.activeCore != 1 {
		t.Fatalf("b active core %d", b.activeCore)
	}
	if !sameOrder(k.pq.Scheduled(1, 20), b) || !sameOrder(k.pq.Suggested(0, 20), b) {
		t.Fatal("migration did not swap scheduled and suggested membership")
	}
}

func TestSelectThreads_SecondPassTakesTopWhenCoreHasAnother(t *testing.T) {
	k := selectionKernel(t, nil)
	x := masked(t, k, "x", 10, 0, 0b11)
	y := masked(t, k, "y", 20, 0, 0b01)
	enqueue(t, k, x, y)

	k.selectThreads()
	if k.cores[0].highest != y {
		t.Fatal("core 0 did not fall back to its next thread")
	}
	if k.cores[1].highest != x {
		t.Fatal("core 1 did not take the top thread of core 0")
	}
	if x.activeCore != 1 {
		t.Fatalf("x active core %d", x.activeCore)
	}
}

func TestSelectThreads_SecondPassLeavesLoneTop(t *testing.T) {
	k := selectionKernel(t, nil)
	x := masked(t, k, "x", 10, 0, 0b11)
	enqueue(t, k, x)

	k.selectThreads()
	if k.cores[0].highest != x || k.cores[1].highest != nil {
		t.Fatal("the only thread of a core was migrated away")
	}
}

func TestSelectThreads_MigrationFloor(t *testing.T) {
	k := selectionKernel(t, nil)
	enqueue(t, k,
		masked(t, k, "top", 1, 0, 0b01),
		masked(t, k, "b", 20, 0, 0b11))

	k.selectThreads()
	if k.cores[1].highest != nil {
		t.Fatal("thread taken from a core running above the migration floor")
	}
}

func TestSelectThreads_MigrationFloorEndsPass(t *testing.T) {
	k := selectionKernel(t, func(c *config.Config) {
		c.NumCores = 3
		c.PreemptionPriorities = []int{59, 59, 63}
	})
	x := masked(t, k, "x", 10, 0, 0b011)
	y := masked(t, k, "y", 20, 0, 0b001)
	z := masked(t, k, "z", 1, 2, 0b100)
	w := masked(t, k, "w", 15, 2, 0b110)
	enqueue(t, k, x, y, z, w)

	k.selectThreads()
	if k.cores[0].highest != x || k.cores[2].highest != z {
		t.Fatal("busy cores lost their top threads")
	}
	if k.cores[1].highest != nil {
		t.Fatalf("core 1 selected %q after the migration floor stopped its pass", k.cores[1].highest.Name())
	}
}

func TestSelectThreads_CompareTimePicksOldest(t *testing.T) {
	k := selectionKernel(t, func(c *config.Config) { c.CompareTimeOnSelect = true })
	a := masked(t, k, "a", 5, 0, 0b01)
	b := masked(t, k, "b", 20, 0, 0b11)
	c := masked(t, k, "c", 20, 0, 0b11)
	b.lastScheduledTick = 100
	c.lastScheduledTick = 50
	enqueue(t, k, a, b, c)

	k.selectThreads()
	if k.cores[1].highest != c {
		t.Fatal("core 1 did not take the oldest suggestion")
	}
}

func TestSelectThreads_FirstSuggestionWithoutCompareTime(t *testing.T) {
	k := selectionKernel(t, nil)
	a := masked(t, k, "a", 5, 0, 0b01)
	b := masked(t, k, "b", 20, 0, 0b11)
	c := masked(t, k, "c", 20, 0, 0b11)
	b.lastScheduledTick = 100
	c.lastScheduledTick = 50
	enqueue(t, k, a, b, c)

	k.selectThreads()
	if k.cores[1].highest != b {
		t.Fatal("core 1 did not take the first suggestion")
	}
}

func TestSelectThreads_Public(t *testing.T) {
	k := selectionKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 20, 1)
	k.Lock(host)
	k.SetThreadRunning(a)
	k.Unlock(host)

	sel := k.SelectThreads(host)
	if len(sel) != 2 || sel[0] != nil || sel[1] != a {
		t.Fatalf("selection %v", sel)
	}
}

func TestRotateScheduledQueue_Rotates(t *testing.T) {
	k := selectionKernel(t, nil)
	a := masked(t, k, "a", 30, 0, 0b01)
	b := masked(t, k, "b", 30, 0, 0b01)
	enqueue(t, k, a, b)

	k.rotateScheduledQueue(0, 30)
	if !sameOrder(k.pq.Scheduled(0, 30), b, a) {
		t.Fatalf("rotation order %v", ids(k.pq.Scheduled(0, 30)))
	}
	if !k.updateNeeded {
		t.Fatal("rotation did not request reselection")
	}
	k.selectThreads()
	if k.cores[0].highest != b {
		t.Fatal("rotated thread still selected")
	}
}

func TestRotateScheduledQueue_PullsSuggestion(t *testing.T) {
	k := selectionKernel(t, nil)
	a := masked(t, k, "a", 30, 0, 0b01)
	other := masked(t, k, "other", 10, 1, 0b10)
	s := masked(t, k, "s", 30, 1, 0b11)
	enqueue(t, k, a, other, s)
	k.selectThreads()

	k.rotateScheduledQueue(0, 30)
	if s.activeCore != 0 {
		t.Fatal("same-priority suggestion not pulled onto the core")
	}
	if !sameOrder(k.pq.Scheduled(0, 30), s, a) {
		t.Fatalf("core 0 order %v", ids(k.pq.Scheduled(0, 30)))
	}
	if !sameOrder(k.pq.Suggested(1, 30), s) {
		t.Fatal("source core lost the suggestion")
	}
}

func TestPreempt_RotatesConfiguredPriority(t *testing.T) {
	k := selectionKernel(t, func(c *config.Config) { c.PreemptionPriorities = []int{30, 63} })
	a := masked(t, k, "a", 30, 0, 0b01)
	b := masked(t, k, "b", 30, 0, 0b01)
	enqueue(t, k, a, b)

	k.preemptLocked()
	if !sameOrder(k.pq.Scheduled(0, 30), b, a) {
		t.Fatal("preemption did not rotate the configured level")
	}
}

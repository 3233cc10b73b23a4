package kernel

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
)

// singleCore runs a one-core kernel without periodic preemption and waits
// for both workers to go idle.
func singleCore(t *testing.T) *Kernel {
	t.Helper()
	k := newTestKernel(t, func(c *config.Config) {
		c.NumCores = 1
		c.PreemptionIntervalMs = 0
		c.PreemptionPriorities = nil
	})
	runKernel(t, k)
	waitWorkersIdle(t, k)
	return k
}

func waitWorkersIdle(t *testing.T, k *Kernel) {
	t.Helper()
	waitLocked(t, k, "idle workers", func() bool {
		return k.Worker(WorkerExit).waiting && k.Worker(WorkerDeferred).waiting
	})
}

func waitDone(t *testing.T, th *Thread) {
	t.Helper()
	select {
	case <-th.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("thread %q did not exit", th.Name())
	}
}

func TestYield_SecondYieldIsRedundant(t *testing.T) {
	k := singleCore(t)
	p, err := k.CreateProcess("yield", nil)
	if err != nil {
		t.Fatal(err)
	}

	var before, after Stats
	th := startThread(t, k, ThreadParams{
		Owner:    p,
		Name:     "yielder",
		Priority: 30,
		Entry: func(th *Thread) {
			before = k.Stats()
			k.YieldWithoutCoreMigration(th)
			k.YieldWithoutCoreMigration(th)
			after = k.Stats()
		},
	})
	waitDone(t, th)

	if d := after.Yields - before.Yields; d != 1 {
		t.Fatalf("yields delta %d", d)
	}
	if d := after.RedundantYields - before.RedundantYields; d != 1 {
		t.Fatalf("redundant yields delta %d", d)
	}
	if d := after.QueueMutations - before.QueueMutations; d != 1 {
		t.Fatalf("queue mutations delta %d", d)
	}
}

func TestYield_AlternatesEqualPriority(t *testing.T) {
	k := singleCore(t)
	p, err := k.CreateProcess("yield", nil)
	if err != nil {
		t.Fatal(err)
	}

	var trace []string
	var b *Thread
	a := startThread(t, k, ThreadParams{
		Owner:    p,
		Name:     "a",
		Priority: 30,
		Entry: func(th *Thread) {
			b = startThread(t, k, ThreadParams{
				Owner:    p,
				Name:     "b",
				Priority: 30,
				Entry: func(th *Thread) {
					trace = append(trace, "b1")
					k.YieldWithCoreMigration(th)
					trace = append(trace, "b2")
				},
			})
			trace = append(trace, "a1")
			k.YieldWithCoreMigration(th)
			trace = append(trace, "a2")
		},
	})
	waitDone(t, a)
	waitDone(t, b)

	if got := strings.Join(trace, " "); got != "a1 b1 a2 b2" {
		t.Fatalf("trace %q", got)
	}
}

func TestYieldToAnyThread_GivesUpCore(t *testing.T) {
	k := singleCore(t)
	p, err := k.CreateProcess("yield", nil)
	if err != nil {
		t.Fatal(err)
	}

	var trace []string
	var b *Thread
	a := startThread(t, k, ThreadParams{
		Owner:    p,
		Name:     "a",
		Priority: 30,
		Entry: func(th *Thread) {
			b = startThread(t, k, ThreadParams{
				Owner:    p,
				Name:     "b",
				Priority: 40,
				Entry:    func(*Thread) { trace = append(trace, "b") },
			})
			trace = append(trace, "a1")
			k.YieldToAnyThread(th)
			trace = append(trace, "a2")
		},
	})
	waitDone(t, a)
	waitDone(t, b)

	if got := strings.Join(trace, " "); got != "a1 b a2" {
		t.Fatalf("trace %q", got)
	}
}

func TestCheckpoint_HigherPriorityPreempts(t *testing.T) {
	k := singleCore(t)

	var trace []string
	var ran atomic.Bool
	var high *Thread
	low := startThread(t, k, ThreadParams{
		Name:     "low",
		Priority: 40,
		Entry: func(th *Thread) {
			high = startThread(t, k, ThreadParams{
				Name:     "high",
				Priority: 20,
				Entry: func(*Thread) {
					trace = append(trace, "high")
					ran.Store(true)
				},
			})
			trace = append(trace, "low")
			for !ran.Load() {
				th.Checkpoint()
				time.Sleep(time.Millisecond)
			}
			trace = append(trace, "low done")
		},
	})
	waitDone(t, low)
	waitDone(t, high)

	if got := strings.Join(trace, ", "); got != "low, high, low done" {
		t.Fatalf("trace %q", got)
	}
	if k.Stats().ContextSwitches == 0 {
		t.Fatal("no context switch counted")
	}
}

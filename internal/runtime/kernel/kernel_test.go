package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

func newTestKernel(t *testing.T, mutate func(*config.Config)) *Kernel {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	k, err := New(cfg)
	if err != nil {
		t.Fatalf("new kernel: %v", err)
	}
	return k
}

// runKernel runs k until the test ends.
func runKernel(t *testing.T, k *Kernel) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("kernel did not halt")
		}
	})
}

func newIdleThread(t *testing.T, k *Kernel, name string, prio, core int32) *Thread {
	t.Helper()
	th, err := k.CreateThread(ThreadParams{Name: name, Entry: func(*Thread) {}, Priority: prio, Core: core})
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return th
}

func startThread(t *testing.T, k *Kernel, p ThreadParams) *Thread {
	t.Helper()
	th, err := k.CreateThread(p)
	if err != nil {
		t.Fatalf("create %s: %v", p.Name, err)
	}
	if err := th.Start(); err != nil {
		t.Fatalf("start %s: %v", p.Name, err)
	}
	return th
}

// waitLocked polls cond under the critical section until it holds.
func waitLocked(t *testing.T, k *Kernel, what string, cond func() bool) {
	t.Helper()
	host := k.NewHostThread(nil, "poll")
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		k.Lock(host)
		ok := cond()
		k.Unlock(host)
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if kassert.Recover(recover()) == nil {
			t.Fatal("expected a contract violation")
		}
	}()
	fn()
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.NumCores = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("zero cores accepted")
	}
}

func TestKernel_RunTwice(t *testing.T) {
	k := newTestKernel(t, nil)
	runKernel(t, k)
	waitLocked(t, k, "workers", func() bool { return k.Worker(WorkerExit).waiting })
	if err := k.Run(context.Background()); err != ErrAlreadyRunning {
		t.Fatalf("second run: %v", err)
	}
}

func TestCriticalSection_Reentrant(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")

	k.Lock(host)
	k.Lock(host)
	if !k.cs.HeldBy(host) || k.cs.count != 2 {
		t.Fatalf("nesting count %d", k.cs.count)
	}
	k.Unlock(host)
	if !k.cs.HeldBy(host) {
		t.Fatal("inner unlock released the section")
	}
	k.Unlock(host)
	if k.cs.HeldBy(host) {
		t.Fatal("section still held")
	}

	other := k.NewHostThread(nil, "other")
	k.Lock(host)
	expectViolation(t, func() { k.Unlock(other) })
	k.Unlock(host)
}

func TestCriticalSection_ReleaseResolvesReselection(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 20, 1)

	k.Lock(host)
	k.SetThreadRunning(a)
	if !k.updateNeeded {
		t.Fatal("reselection not requested")
	}
	k.Unlock(host)

	k.Lock(host)
	defer k.Unlock(host)
	if k.updateNeeded {
		t.Fatal("reselection left pending after release")
	}
	if k.cores[1].highest != a {
		t.Fatal("release did not select the new thread")
	}
}

func TestScheduler_AssertsLock(t *testing.T) {
	k := newTestKernel(t, nil)
	a := newIdleThread(t, k, "a", 20, 0)
	expectViolation(t, func() { k.SetThreadRunning(a) })
}

func TestCreateThread_Validation(t *testing.T) {
	k := newTestKernel(t, func(c *config.Config) { c.MaxThreads = 1 })
	entry := func(*Thread) {}

	if _, err := k.CreateThread(ThreadParams{Name: "p", Entry: entry, Priority: 64}); err == nil {
		t.Fatal("priority 64 accepted")
	}
	if _, err := k.CreateThread(ThreadParams{Name: "c", Entry: entry, Priority: 10, Core: 4}); err == nil {
		t.Fatal("core 4 accepted on a 4-core kernel")
	}
	if _, err := k.CreateThread(ThreadParams{Name: "a", Entry: entry, Priority: 10}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := k.CreateThread(ThreadParams{Name: "b", Entry: entry, Priority: 10}); err == nil {
		t.Fatal("arena overflow accepted")
	}
}

func TestSnapshot_ReportsQueues(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 20, 0)
	if err := a.SetCoreMask(host, 0, 0b11); err != nil {
		t.Fatal(err)
	}
	k.Lock(host)
	k.SetThreadRunning(a)
	k.Unlock(host)

	snap := k.Snapshot()
	if len(snap.Cores) != 4 || len(snap.Threads) != 1 {
		t.Fatalf("snapshot has %d cores and %d threads", len(snap.Cores), len(snap.Threads))
	}
	if snap.Cores[0].Selected != "a" || snap.Cores[1].Selected != "idle1" {
		t.Fatalf("selections %q %q", snap.Cores[0].Selected, snap.Cores[1].Selected)
	}
	q0, q1 := snap.Cores[0].Queue, snap.Cores[1].Queue
	if len(q0) != 1 || len(q0[0].Scheduled) != 1 || q0[0].Scheduled[0] != a.ID() {
		t.Fatalf("core 0 queue %+v", q0)
	}
	if len(q1) != 1 || len(q1[0].Suggested) != 1 || q1[0].Priority != 20 {
		t.Fatalf("core 1 queue %+v", q1)
	}
	if snap.Threads[0].State != "runnable" || snap.Threads[0].Affinity != 0b11 {
		t.Fatalf("thread info %+v", snap.Threads[0])
	}
}

type recordingLogger struct {
	nopLogger
	level string
}

func (l *recordingLogger) SetLevel(level string) { l.level = level }

func TestKernel_ApplyTunables(t *testing.T) {
	log := &recordingLogger{}
	k, err := New(config.Default(), WithLogger(log))
	if err != nil {
		t.Fatal(err)
	}

	k.ApplyTunables(config.Tunables{
		LogLevel:             "debug",
		CompareTimeOnSelect:  true,
		PreemptionPriorities: []int{40, 41},
	})
	if log.level != "debug" {
		t.Fatalf("log level %q", log.level)
	}
	if !k.compareTime.Load() {
		t.Fatal("compare_time_on_select not applied")
	}
	want := []int32{40, 41, -1, -1}
	for i, p := range k.preemptPrio {
		if p != want[i] {
			t.Fatalf("preemption priorities %v, want %v", k.preemptPrio, want)
		}
	}

	k.ApplyTunables(config.Tunables{})
	if k.compareTime.Load() || log.level != "debug" {
		t.Fatalf("empty tunables: compare=%v level=%q", k.compareTime.Load(), log.level)
	}
}

func TestSetCoreMask_EvictsRunningThread(t *testing.T) {
	k := newTestKernel(t, nil)
	runKernel(t, k)

	gate := make(chan struct{})
	var stop atomic.Bool
	th := startThread(t, k, ThreadParams{
		Name:     "spinner",
		Priority: 30,
		Core:     0,
		Entry: func(th *Thread) {
			<-gate
			for !stop.Load() {
				th.Checkpoint()
				time.Sleep(10 * time.Microsecond)
			}
		},
	})
	defer th.Close()

	deadline := time.Now().Add(5 * time.Second)
	for th.onCore.Load() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("spinner never ran on core 0")
		}
		time.Sleep(time.Millisecond)
	}
	before := k.Stats().Migrations

	host := k.NewHostThread(nil, "test")
	if err := th.SetCoreMask(host, 1, 0b10); err != nil {
		t.Fatal(err)
	}
	// Without a kernel entry the thread keeps its core.
	if c := th.onCore.Load(); c != 0 {
		t.Fatalf("spinner left core 0 before reselection, now on %d", c)
	}

	close(gate)
	deadline = time.Now().Add(5 * time.Second)
	for th.onCore.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("spinner still on core %d", th.onCore.Load())
		}
		time.Sleep(time.Millisecond)
	}
	if after := k.Stats().Migrations; after <= before {
		t.Fatalf("migrations %d, was %d", after, before)
	}

	stop.Store(true)
	waitDone(t, th)
}

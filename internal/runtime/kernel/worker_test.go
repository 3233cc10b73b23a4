package kernel

import (
	"strings"
	"testing"
	"time"
)

func TestWorkerTaskManager_RunsTasksInOrder(t *testing.T) {
	k := newTestKernel(t, nil)
	runKernel(t, k)
	waitWorkersIdle(t, k)

	m := k.Worker(WorkerDeferred)
	done := make(chan string, 3)
	task := func(name string) *WorkerTask {
		return NewCallbackTask(func(w *Thread) {
			if w != m.Thread() {
				t.Errorf("task %s ran on %q", name, w.Name())
			}
			done <- name
		})
	}

	host := k.NewHostThread(nil, "test")
	k.Lock(host)
	wakeups := m.wakeups
	for _, name := range []string{"A", "B", "C"} {
		m.addTaskLocked(task(name))
	}
	if m.wakeups != wakeups+1 {
		t.Errorf("three tasks woke the worker %d times", m.wakeups-wakeups)
	}
	k.Unlock(host)

	var order []string
	for len(order) < 3 {
		select {
		case name := <-done:
			order = append(order, name)
		case <-time.After(5 * time.Second):
			t.Fatalf("tasks ran %v", order)
		}
	}
	if got := strings.Join(order, ""); got != "ABC" {
		t.Fatalf("tasks ran in order %s", got)
	}
	waitLocked(t, k, "worker idle again", func() bool { return m.waiting && m.head == nil })
}

func TestWorkerTaskManager_RequeueAfterRun(t *testing.T) {
	k := newTestKernel(t, nil)
	runKernel(t, k)
	waitWorkersIdle(t, k)

	m := k.Worker(WorkerDeferred)
	ran := make(chan struct{}, 2)
	task := NewCallbackTask(func(*Thread) { ran <- struct{}{} })
	host := k.NewHostThread(nil, "test")

	for i := 0; i < 2; i++ {
		m.AddTask(host, task)
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
		waitLocked(t, k, "worker idle", func() bool { return m.waiting })
	}
}

func TestWorkerTaskManager_DoubleQueueAborts(t *testing.T) {
	k := newTestKernel(t, nil)
	m := k.Worker(WorkerDeferred)
	host := k.NewHostThread(nil, "test")
	task := NewCallbackTask(func(*Thread) {})

	k.Lock(host)
	defer k.Unlock(host)
	m.addTaskLocked(task)
	expectViolation(t, func() { m.addTaskLocked(task) })
}

func TestWorkerWaitQueue_CancelAborts(t *testing.T) {
	k := newTestKernel(t, nil)
	q := &workerWaitQueue{ThreadQueue: ThreadQueue{k: k}, m: k.Worker(WorkerExit)}
	th := newIdleThread(t, k, "w", 11, 0)
	expectViolation(t, func() { q.CancelWait(th, nil, true) })
}

func TestWorkerTask_UnknownKindAborts(t *testing.T) {
	task := &WorkerTask{kind: TaskKind(99)}
	expectViolation(t, func() { task.run(nil) })
}

func TestExit_FinalizesOnExitWorker(t *testing.T) {
	k := newTestKernel(t, nil)
	runKernel(t, k)
	waitWorkersIdle(t, k)
	live := k.Stats().LiveThreads

	p, err := k.CreateProcess("short", nil)
	if err != nil {
		t.Fatal(err)
	}
	th := startThread(t, k, ThreadParams{Owner: p, Name: "short", Priority: 30, Core: 1, Entry: func(*Thread) {}})
	waitDone(t, th)
	// Drop the creator's reference so the slot can be released.
	th.Close()

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process not finalized after its last thread exited")
	}
	waitLocked(t, k, "slot released", func() bool { return k.arena.live() == live })
	if th.State() != ThreadTerminated {
		t.Fatalf("state %v", th.State())
	}
}

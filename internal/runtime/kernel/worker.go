package kernel

import (
	"fmt"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

// ============================================================================
// Worker task manager
// ============================================================================

// WorkerType selects a worker task manager.
type WorkerType int

const (
	// WorkerExit finalizes exited threads and processes.
	WorkerExit WorkerType = iota
	// WorkerDeferred runs other deferred work.
	WorkerDeferred

	workerTypeCount
)

func (w WorkerType) String() string {
	switch w {
	case WorkerExit:
		return "exit"
	case WorkerDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("worker(%d)", int(w))
	}
}

// TaskKind tags the work a task carries.
type TaskKind uint8

const (
	TaskFinalizeThread TaskKind = iota
	TaskFinalizeProcess
	TaskCallback
)

// WorkerTask is one deferred work item. Tasks are linked through next, so
// queueing never allocates; a task may be queued again once it has run.
type WorkerTask struct {
	kind     TaskKind
	thread   *Thread
	process  *Process
	callback func(worker *Thread)
	next     *WorkerTask
}

// NewCallbackTask returns a task that runs fn on the worker thread.
func NewCallbackTask(fn func(worker *Thread)) *WorkerTask {
	return &WorkerTask{kind: TaskCallback, callback: fn}
}

// Kind returns the task kind.
func (wt *WorkerTask) Kind() TaskKind { return wt.kind }

func (wt *WorkerTask) run(worker *Thread) {
	switch wt.kind {
	case TaskFinalizeThread:
		wt.thread.finalizeExit()
	case TaskFinalizeProcess:
		wt.process.finalize()
	case TaskCallback:
		wt.callback(worker)
	default:
		kassert.Abort("worker task of unknown kind %d", wt.kind)
	}
}

// WorkerTaskManager runs queued tasks in FIFO order on one dedicated
// kernel thread.
type WorkerTaskManager struct {
	k      *Kernel
	typ    WorkerType
	thread *Thread

	// Guarded by the critical section.
	head     *WorkerTask
	tail     *WorkerTask
	waiting  bool
	wakeups  uint64
	executed uint64
}

func newWorkerTaskManager(k *Kernel, typ WorkerType) *WorkerTaskManager {
	return &WorkerTaskManager{k: k, typ: typ}
}

// Type returns the manager's work class.
func (m *WorkerTaskManager) Type() WorkerType { return m.typ }

// Thread returns the worker thread, nil before the kernel runs.
func (m *WorkerTaskManager) Thread() *Thread { return m.thread }

func (m *WorkerTaskManager) start() error {
	k := m.k
	t, err := k.CreateThread(ThreadParams{
		Owner:    k.kproc,
		Name:     "worker:" + m.typ.String(),
		Entry:    m.loop,
		Priority: int32(k.cfg.WorkerPriority),
		Core:     int32(len(k.cores) - 1),
	})
	if err != nil {
		return fmt.Errorf("start %s worker: %w", m.typ, err)
	}
	m.thread = t
	return t.Start()
}

// AddTask queues task. If the queue was empty and the worker is waiting, the
// worker is woken.
func (m *WorkerTaskManager) AddTask(cur *Thread, task *WorkerTask) {
	m.k.Lock(cur)
	m.addTaskLocked(task)
	m.k.Unlock(cur)
}

func (m *WorkerTaskManager) addTaskLocked(task *WorkerTask) {
	m.k.assertLocked()
	kassert.That(task.next == nil && task != m.tail, "worker task queued twice")
	if m.tail == nil {
		m.head = task
		if m.waiting {
			m.waiting = false
			m.wakeups++
			m.thread.EndWait(nil)
		}
	} else {
		m.tail.next = task
	}
	m.tail = task
}

func (m *WorkerTaskManager) getTaskLocked() *WorkerTask {
	task := m.head
	if task == nil {
		return nil
	}
	m.head = task.next
	if m.head == nil {
		m.tail = nil
	}
	task.next = nil
	m.executed++
	return task
}

func (m *WorkerTaskManager) loop(t *Thread) {
	k := m.k
	q := &workerWaitQueue{ThreadQueue: ThreadQueue{k: k}, m: m}
	for {
		k.Lock(t)
		task := m.getTaskLocked()
		if task == nil {
			m.waiting = true
			t.BeginWait(q)
			k.Unlock(t)
			continue
		}
		k.Unlock(t)

		task.run(t)
	}
}

// workerWaitQueue parks an idle worker. Worker threads are never
// cancelled, so cancellation is a kernel bug.
type workerWaitQueue struct {
	ThreadQueue
	m *WorkerTaskManager
}

func (q *workerWaitQueue) CancelWait(t *Thread, res error, cancelTimer bool) {
	kassert.Abort("%s worker wait cancelled: %v", q.m.typ, res)
}

package kernel

import (
	"math/bits"
	"runtime"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Threads
// ============================================================================

// ThreadState is the scheduling state of a thread.
type ThreadState uint32

const (
	ThreadInitialized ThreadState = iota
	ThreadRunnable
	ThreadWaiting
	ThreadTerminated
	// ThreadRunning is only reported by State; internally a running thread
	// is Runnable and holds a core.
	ThreadRunning
)

func (s ThreadState) String() string {
	switch s {
	case ThreadInitialized:
		return "initialized"
	case ThreadRunnable:
		return "runnable"
	case ThreadWaiting:
		return "waiting"
	case ThreadTerminated:
		return "terminated"
	case ThreadRunning:
		return "running"
	default:
		return "unknown"
	}
}

type threadKind uint8

const (
	threadKernel threadKind = iota
	threadIdle
	threadHost
)

// Ideal core values accepted by SetCoreMask besides a core id.
const (
	IdealCoreDontCare = -1
	IdealCoreNoUpdate = -3
)

// ThreadParams describes a thread to create.
type ThreadParams struct {
	Owner    *Process
	Name     string
	Entry    func(t *Thread)
	Priority int32
	Core     int32
}

// Thread is a kernel thread. Its entry function runs on a goroutine that only
// makes progress while a core has switched to the thread; every kernel entry
// is a preemption point.
type Thread struct {
	object.Base

	k     *Kernel
	id    uint64
	name  string
	owner *Process
	kind  threadKind
	entry func(t *Thread)
	wake  chan struct{}
	done  chan struct{}

	// Guarded by the critical section.
	slot              int32
	priority          int32
	basePriority      int32
	idealCore         int32
	activeCore        int32
	lastCore          int32
	runningOn         int32
	affinity          uint64
	state             ThreadState
	paused            bool
	started           bool
	exited            bool
	lastScheduledTick int64
	waitQueue         WaitQueue
	waitResult        error
	cancellable       bool
	waitCancelled     bool
	syncedIndex       int
	timerIndex        int
	timerDeadline     int64
	arbiterAddr       uint64
	arbiterSeq        uint64
	exitTask          WorkerTask

	stateView            atomic.Uint32
	onCore               atomic.Int32
	yieldMark            atomic.Int64
	terminationRequested atomic.Bool
}

// CreateThread creates a thread in the initialized state. The caller holds
// the returned reference; Start makes the thread runnable.
func (k *Kernel) CreateThread(p ThreadParams) (*Thread, error) {
	if !IsValidPriority(p.Priority) {
		return nil, result.InvalidPriority
	}
	if p.Core < 0 || int(p.Core) >= len(k.cores) {
		return nil, result.InvalidCoreID
	}
	if p.Entry == nil {
		return nil, result.InvalidArgument
	}
	owner := p.Owner
	if owner == nil {
		owner = k.kproc
	}
	if !owner.Open() {
		return nil, result.TerminationRequested
	}

	t := &Thread{
		k:            k,
		id:           k.nextTID.Add(1),
		name:         p.Name,
		owner:        owner,
		kind:         threadKernel,
		entry:        p.Entry,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		priority:     p.Priority,
		basePriority: p.Priority,
		idealCore:    p.Core,
		activeCore:   p.Core,
		lastCore:     -1,
		runningOn:    -1,
		affinity:     1 << uint(p.Core),
		syncedIndex:  -1,
		timerIndex:   -1,
	}
	t.onCore.Store(-1)
	t.yieldMark.Store(-1)
	t.exitTask = WorkerTask{kind: TaskFinalizeThread, thread: t}
	t.Init("Thread", t.destroy)

	host := k.anon()
	k.Lock(host)
	if owner.terminating {
		k.Unlock(host)
		owner.Close()
		return nil, result.TerminationRequested
	}
	slot, ok := k.arena.alloc(t)
	if !ok {
		k.Unlock(host)
		owner.Close()
		k.log.Warn("kernel: thread arena exhausted creating %q", p.Name)
		return nil, result.OutOfResource
	}
	t.slot = slot
	k.pq.resetEntries(slot)
	k.threads[t.id] = t
	owner.threads[t.id] = t
	k.Unlock(host)

	k.log.Debug("kernel: created thread %d %q priority %d core %d", t.id, t.name, t.priority, t.idealCore)
	return t, nil
}

// ID returns the thread id.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Process returns the owning process.
func (t *Thread) Process() *Process { return t.owner }

// Kernel returns the kernel the thread belongs to.
func (t *Thread) Kernel() *Kernel { return t.k }

// Done is closed once the thread has exited.
func (t *Thread) Done() <-chan struct{} { return t.done }

// State returns the thread state without taking the critical section.
func (t *Thread) State() ThreadState {
	s := ThreadState(t.stateView.Load())
	if s == ThreadRunnable && t.onCore.Load() >= 0 {
		return ThreadRunning
	}
	return s
}

func (t *Thread) stateLocked() ThreadState {
	if t.state == ThreadRunnable && t.runningOn >= 0 {
		return ThreadRunning
	}
	return t.state
}

// IsTerminationRequested reports whether the thread has been asked to exit.
func (t *Thread) IsTerminationRequested() bool { return t.terminationRequested.Load() }

func (t *Thread) schedulable() bool { return t.state == ThreadRunnable && !t.paused }

func (t *Thread) setRunningOn(core int32) {
	t.runningOn = core
	t.onCore.Store(core)
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Start makes the thread runnable and starts its goroutine. Threads of a
// process that is terminating cannot be started.
func (t *Thread) Start() error {
	k := t.k
	host := k.anon()
	k.Lock(host)
	if t.started {
		k.Unlock(host)
		return result.InvalidState
	}
	if t.owner.terminating {
		k.Unlock(host)
		return result.TerminationRequested
	}
	if !t.Open() {
		k.Unlock(host)
		return result.InvalidState
	}
	t.started = true
	t.owner.running++
	k.setState(t, ThreadRunnable)
	k.Unlock(host)

	go t.run()
	return nil
}

func (t *Thread) run() {
	t.k.Lock(t)
	t.k.Unlock(t)
	if !t.IsTerminationRequested() {
		t.entry(t)
	}
	t.exit()
}

// Exit terminates the calling thread. It must be called by t itself and does
// not return.
func (t *Thread) Exit() {
	t.exit()
	runtime.Goexit()
}

func (t *Thread) exit() {
	k := t.k
	k.Lock(t)
	kassert.That(!t.exited, "thread %d exited twice", t.id)
	t.exited = true
	k.setState(t, ThreadTerminated)
	k.timer.cancel(t)
	k.workers[WorkerExit].addTaskLocked(&t.exitTask)
	k.Unlock(t)
	close(t.done)
	k.log.Debug("kernel: thread %d %q exited", t.id, t.name)
}

// finalizeExit runs on the exit worker once the thread has left its core.
func (t *Thread) finalizeExit() {
	t.owner.onThreadExited(t)
	t.Close()
}

func (t *Thread) destroy() {
	k := t.k
	host := k.anon()
	k.Lock(host)
	if t.state != ThreadTerminated {
		k.setState(t, ThreadTerminated)
	}
	if t.slot != nilSlot {
		k.arena.release(t.slot)
		t.slot = nilSlot
	}
	delete(k.threads, t.id)
	delete(t.owner.threads, t.id)
	k.Unlock(host)
	t.owner.Close()
}

// RequestTerminate asks the thread to exit. A waiting thread is woken with
// TerminationRequested; a running thread notices at its next check.
func (t *Thread) RequestTerminate() {
	k := t.k
	host := k.anon()
	k.Lock(host)
	if t.state != ThreadTerminated {
		t.terminationRequested.Store(true)
		k.setPaused(t, false)
		if t.state == ThreadWaiting {
			t.CancelWait(result.TerminationRequested, true)
		}
	}
	k.Unlock(host)
}

// WaitCancel cancels the thread's current synchronization wait, or makes its
// next one return Cancelled immediately.
func (t *Thread) WaitCancel() {
	k := t.k
	host := k.anon()
	k.Lock(host)
	if t.state == ThreadWaiting && t.cancellable {
		t.CancelWait(result.Cancelled, true)
	} else {
		t.waitCancelled = true
	}
	k.Unlock(host)
}

// Priority returns the current priority.
func (t *Thread) Priority() int32 {
	host := t.k.anon()
	t.k.Lock(host)
	defer t.k.Unlock(host)
	return t.priority
}

// SetPriority changes the thread's priority.
func (t *Thread) SetPriority(cur *Thread, prio int32) error {
	if !IsValidPriority(prio) {
		return result.InvalidPriority
	}
	k := t.k
	k.Lock(cur)
	old := t.priority
	t.basePriority = prio
	t.priority = prio
	if old != prio && t.schedulable() {
		k.AdjustThreadPriorityChanged(t, old, t.runningOn >= 0)
	}
	k.Unlock(cur)
	return nil
}

// CoreMask returns the ideal core and the affinity mask.
func (t *Thread) CoreMask() (int32, uint64) {
	host := t.k.anon()
	t.k.Lock(host)
	defer t.k.Unlock(host)
	return t.idealCore, t.affinity
}

// SetCoreMask changes the ideal core and the affinity mask. A thread whose
// active core leaves the mask moves to its ideal core, or to the highest
// allowed core when it has none.
func (t *Thread) SetCoreMask(cur *Thread, ideal int32, mask uint64) error {
	k := t.k
	if mask == 0 {
		return result.InvalidCombination
	}
	if mask&^(uint64(1)<<uint(len(k.cores))-1) != 0 {
		return result.InvalidCoreID
	}

	k.Lock(cur)
	defer k.Unlock(cur)
	switch {
	case ideal == IdealCoreNoUpdate:
		ideal = t.idealCore
	case ideal == IdealCoreDontCare:
	case ideal < 0 || int(ideal) >= len(k.cores):
		return result.InvalidCoreID
	}
	if ideal >= 0 && mask&(1<<uint(ideal)) == 0 {
		return result.InvalidCombination
	}

	oldCore, oldMask := t.activeCore, t.affinity
	t.idealCore = ideal
	t.affinity = mask
	if oldCore >= 0 && mask&(1<<uint(oldCore)) == 0 {
		if ideal >= 0 {
			t.activeCore = ideal
		} else {
			t.activeCore = int32(63 - bits.LeadingZeros64(mask))
		}
	}
	if t.schedulable() {
		k.AdjustThreadAffinityChanged(t, oldCore, oldMask)
	}
	return nil
}

// ============================================================================
// Waiting
// ============================================================================

// BeginWait suspends t on q. The critical section must be held; the thread
// leaves its core when the section is released.
func (t *Thread) BeginWait(q WaitQueue) {
	t.k.assertLocked()
	kassert.That(t.kind == threadKernel, "%s cannot wait", t.name)
	kassert.That(t.waitQueue == nil, "thread %d already waiting", t.id)
	t.waitQueue = q
	t.waitResult = nil
	t.k.setState(t, ThreadWaiting)
}

func (k *Kernel) beginWait(t *Thread, q WaitQueue, deadline int64) {
	t.BeginWait(q)
	if deadline > 0 {
		k.timer.register(t, deadline)
	}
}

// EndWait resumes a waiting thread with res.
func (t *Thread) EndWait(res error) {
	t.k.assertLocked()
	if t.state == ThreadWaiting {
		t.waitQueue.EndWait(t, res)
	}
}

// CancelWait resumes a waiting thread through its queue's cancellation path.
func (t *Thread) CancelWait(res error, cancelTimer bool) {
	t.k.assertLocked()
	if t.state == ThreadWaiting {
		t.waitQueue.CancelWait(t, res, cancelTimer)
	}
}

// IsWaitingOn reports whether t is suspended on q. The critical section must
// be held.
func (t *Thread) IsWaitingOn(q WaitQueue) bool {
	t.k.assertLocked()
	return t.state == ThreadWaiting && t.waitQueue == q
}

func (t *Thread) notifyAvailable(obj SyncObject, res error) {
	if t.state == ThreadWaiting {
		t.waitQueue.NotifyAvailable(t, obj, res)
	}
}

func (t *Thread) onTimer() {
	t.CancelWait(result.TimedOut, false)
}

// WaitResult returns the result of the last wait.
func (t *Thread) WaitResult() error { return t.waitResult }

// Sleep suspends cur until the absolute tick deadline.
func (k *Kernel) Sleep(cur *Thread, deadline int64) error {
	k.Lock(cur)
	if cur.IsTerminationRequested() {
		k.Unlock(cur)
		return result.TerminationRequested
	}
	k.beginWait(cur, &k.sleepWait, deadline)
	k.Unlock(cur)

	if res := cur.waitResult; res != nil && res != result.TimedOut {
		return res
	}
	return nil
}

// Checkpoint gives up the core if a better thread was selected for it.
// Threads running long computations call it between steps.
func (t *Thread) Checkpoint() {
	if c := t.onCore.Load(); c >= 0 && t.k.cores[c].preemptPending.Swap(false) {
		t.k.Reschedule(t)
	}
}

func (t *Thread) infoLocked() ThreadInfo {
	return ThreadInfo{
		ID:         t.id,
		Name:       t.name,
		Process:    t.owner.name,
		State:      t.stateLocked().String(),
		Priority:   t.priority,
		IdealCore:  t.idealCore,
		ActiveCore: t.activeCore,
		RunningOn:  t.runningOn,
		Affinity:   t.affinity,
	}
}

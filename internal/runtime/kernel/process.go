package kernel

import (
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
)

// ============================================================================
// Processes
// ============================================================================

// PageTable translates a process's user addresses. It is provided by the
// memory manager.
type PageTable interface {
	// LinearView returns a kernel-writable view of [addr, addr+size).
	LinearView(addr, size uint64) ([]byte, error)
	// Word returns the 32-bit word at addr.
	Word(addr uint64) (*uint32, error)
}

// Process owns a handle table, an address space and a set of threads.
type Process struct {
	object.Base

	k         *Kernel
	id        uint64
	name      string
	handles   *handle.Table
	pageTable PageTable
	arbiter   *AddressArbiter
	done      chan struct{}

	scheduledCount atomic.Int64

	// Guarded by the critical section.
	threads     map[uint64]*Thread
	running     int
	terminating bool
	finalizing  bool
	exitTask    WorkerTask
}

// CreateProcess creates a process with an empty handle table. pt may be nil
// for processes that never touch user memory.
func (k *Kernel) CreateProcess(name string, pt PageTable) (*Process, error) {
	handles, err := handle.NewTable(k.cfg.HandleTableSize)
	if err != nil {
		return nil, err
	}
	p := &Process{
		k:         k,
		id:        k.nextPID.Add(1),
		name:      name,
		handles:   handles,
		pageTable: pt,
		done:      make(chan struct{}),
		threads:   make(map[uint64]*Thread),
	}
	p.arbiter = &AddressArbiter{p: p}
	p.exitTask = WorkerTask{kind: TaskFinalizeProcess, process: p}
	p.Init("Process", nil)
	k.log.Debug("kernel: created process %d %q", p.id, name)
	return p, nil
}

// ID returns the process id.
func (p *Process) ID() uint64 { return p.id }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// Handles returns the process handle table.
func (p *Process) Handles() *handle.Table { return p.handles }

// PageTable returns the process address translation.
func (p *Process) PageTable() PageTable { return p.pageTable }

// Arbiter returns the process address arbiter.
func (p *Process) Arbiter() *AddressArbiter { return p.arbiter }

// Done is closed once the process has been finalized.
func (p *Process) Done() <-chan struct{} { return p.done }

// ScheduledCount returns the number of scheduling events that touched the
// process's threads.
func (p *Process) ScheduledCount() int64 { return p.scheduledCount.Load() }

// Terminate asks every thread of the process to exit. The process is
// finalized on the exit worker once the last one has.
func (p *Process) Terminate() {
	k := p.k
	host := k.anon()
	k.Lock(host)
	if p.terminating {
		k.Unlock(host)
		return
	}
	p.terminating = true
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	k.Unlock(host)

	for _, t := range threads {
		t.RequestTerminate()
	}

	k.Lock(host)
	p.maybeFinalizeLocked()
	k.Unlock(host)
}

func (p *Process) onThreadExited(t *Thread) {
	k := p.k
	host := k.anon()
	k.Lock(host)
	p.running--
	if p != k.kproc && p.running == 0 {
		p.terminating = true
	}
	p.maybeFinalizeLocked()
	k.Unlock(host)
}

func (p *Process) maybeFinalizeLocked() {
	if p.terminating && p.running == 0 && !p.finalizing {
		p.finalizing = true
		p.k.workers[WorkerExit].addTaskLocked(&p.exitTask)
	}
}

// finalize runs on the exit worker.
func (p *Process) finalize() {
	p.handles.Finalize()
	close(p.done)
	p.k.log.Debug("kernel: process %d %q finalized", p.id, p.name)
}

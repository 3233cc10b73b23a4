// Package kernel provides the scheduling and synchronization core of the
// microkernel: per-core schedulers over a shared multi-level ready queue, the
// global critical section, the wait-queue primitive, kernel threads and
// processes, the hardware timer consumer, synchronization objects, the
// address arbiter and the worker task managers.
package kernel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/config"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/clock"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

// ============================================================================
// Kernel context
// ============================================================================

// ErrAlreadyRunning is returned by Run when the kernel is already running.
var ErrAlreadyRunning = errors.New("kernel: already running")

// Option customizes a kernel at construction.
type Option func(*Kernel)

// WithLogger sets the kernel logger.
func WithLogger(l Logger) Option {
	return func(k *Kernel) { k.log = l }
}

// WithClock replaces the monotonic tick source.
func WithClock(src clock.Source) Option {
	return func(k *Kernel) { k.clock = src }
}

// Kernel owns every per-core scheduler, the ready queue, the critical
// section, the hardware timer and the worker task managers. There is no
// global kernel state; each Kernel is independent.
type Kernel struct {
	cfg   *config.Config
	log   Logger
	clock clock.Source

	cs      CriticalSection
	arena   *threadArena
	pq      *PriorityQueue
	cores   []*Scheduler
	timer   *hardwareTimer
	workers [workerTypeCount]*WorkerTaskManager

	// Guarded by the critical section.
	updateNeeded     bool
	threads          map[uint64]*Thread
	preemptPrio      []int32
	migrationFloor   int32
	reselections     uint64
	yields           uint64
	topScratch       []*Thread
	candidateScratch []int32

	compareTime     atomic.Bool
	redundantYields atomic.Uint64
	firmware7       bool
	preemptInterval int64

	kproc     *Process
	nextTID   atomic.Uint64
	nextPID   atomic.Uint64
	sleepWait ThreadQueue
	pauseWait ThreadQueue

	running  atomic.Bool
	halt     chan struct{}
	haltOnce sync.Once
}

// New creates a kernel for cfg. Nothing runs until Run is called.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:     cfg,
		log:     nopLogger{},
		clock:   clock.Monotonic(),
		threads: make(map[uint64]*Thread),
		halt:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}

	k.cs.k = k
	k.arena = newThreadArena(cfg.MaxThreads)
	k.pq = newPriorityQueue(cfg.NumCores, k.arena)
	k.timer = newHardwareTimer(k)
	k.sleepWait = ThreadQueue{k: k}
	k.pauseWait = ThreadQueue{k: k}
	k.migrationFloor = int32(cfg.MigrationPriorityFloor)
	k.compareTime.Store(cfg.CompareTimeOnSelect)
	k.firmware7 = cfg.TargetFirmwareAtLeast("7.0.0")
	k.preemptInterval = clock.FromNanoseconds(int64(time.Duration(cfg.PreemptionIntervalMs) * time.Millisecond))
	k.topScratch = make([]*Thread, cfg.NumCores)
	k.candidateScratch = make([]int32, 0, cfg.NumCores)
	k.setPreemptionPriorities(cfg.PreemptionPriorities)

	kproc, err := k.CreateProcess("kernel", nil)
	if err != nil {
		return nil, err
	}
	k.kproc = kproc

	k.cores = make([]*Scheduler, cfg.NumCores)
	for i := range k.cores {
		k.cores[i] = newScheduler(k, int32(i))
	}
	for i := range k.workers {
		k.workers[i] = newWorkerTaskManager(k, WorkerType(i))
	}

	k.log.Debug("kernel: %d cores, %d thread slots, firmware %s", cfg.NumCores, cfg.MaxThreads, cfg.Firmware())
	return k, nil
}

// Config returns the configuration the kernel was built with.
func (k *Kernel) Config() *config.Config { return k.cfg }

// NumCores returns the number of cores.
func (k *Kernel) NumCores() int { return len(k.cores) }

// Core returns the scheduler of core id.
func (k *Kernel) Core(id int) *Scheduler { return k.cores[id] }

// KernelProcess returns the process owning kernel-internal threads.
func (k *Kernel) KernelProcess() *Process { return k.kproc }

// Clock returns the tick source.
func (k *Kernel) Clock() clock.Source { return k.clock }

// Ticks returns the current system tick.
func (k *Kernel) Ticks() int64 { return k.clock.Ticks() }

// Logger returns the kernel logger.
func (k *Kernel) Logger() Logger { return k.log }

// Worker returns the task manager for a work class.
func (k *Kernel) Worker(typ WorkerType) *WorkerTaskManager { return k.workers[typ] }

// Lock enters the critical section on behalf of cur.
func (k *Kernel) Lock(cur *Thread) { k.cs.Enter(cur) }

// Unlock leaves the critical section. The final release resolves any pending
// reselection and may switch cur off its core.
func (k *Kernel) Unlock(cur *Thread) { k.cs.Leave(cur) }

// Reschedule enters and leaves the critical section, giving cur's core to a
// better thread if one was selected since cur last entered the kernel.
func (k *Kernel) Reschedule(cur *Thread) {
	k.Lock(cur)
	k.Unlock(cur)
}

// Run starts the worker threads, the per-core idle loops and the hardware
// timer, and blocks until ctx is cancelled. Cancellation halts the kernel:
// parked threads are released and never scheduled again.
func (k *Kernel) Run(ctx context.Context) error {
	if !k.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	for _, w := range k.workers {
		if err := w.start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, core := range k.cores {
		core := core
		g.Go(func() error { return core.idleLoop(gctx) })
	}
	g.Go(func() error { return k.timer.run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		k.Shutdown()
		return nil
	})

	k.log.Info("kernel: running on %d cores", len(k.cores))
	err := g.Wait()
	k.log.Info("kernel: halted")
	return err
}

// Shutdown halts the kernel without waiting for Run to return.
func (k *Kernel) Shutdown() {
	k.haltOnce.Do(func() { close(k.halt) })
}

// Halted reports whether Shutdown has been called.
func (k *Kernel) Halted() bool {
	select {
	case <-k.halt:
		return true
	default:
		return false
	}
}

// NewHostThread creates a context for code that is not a kernel thread, such
// as tests, interrupt handlers and object teardown. A host thread may take
// the critical section but never waits and is never scheduled.
func (k *Kernel) NewHostThread(owner *Process, name string) *Thread {
	if owner == nil {
		owner = k.kproc
	}
	t := &Thread{
		k:           k,
		id:          k.nextTID.Add(1),
		name:        name,
		owner:       owner,
		kind:        threadHost,
		slot:        nilSlot,
		priority:    IdlePriority,
		idealCore:   -1,
		activeCore:  -1,
		runningOn:   -1,
		lastCore:    -1,
		syncedIndex: -1,
		timerIndex:  -1,
	}
	t.onCore.Store(-1)
	t.yieldMark.Store(-1)
	return t
}

func (k *Kernel) anon() *Thread { return k.NewHostThread(k.kproc, "kernel") }

func (k *Kernel) setUpdateNeeded() { k.updateNeeded = true }

func (k *Kernel) setPreemptionPriorities(prios []int) {
	k.preemptPrio = make([]int32, k.cfg.NumCores)
	for i := range k.preemptPrio {
		k.preemptPrio[i] = -1
		if i < len(prios) {
			k.preemptPrio[i] = int32(prios[i])
		}
	}
}

// ApplyTunables updates the runtime-tunable configuration.
func (k *Kernel) ApplyTunables(t config.Tunables) {
	k.compareTime.Store(t.CompareTimeOnSelect)
	if ls, ok := k.log.(LevelSetter); ok && t.LogLevel != "" {
		ls.SetLevel(t.LogLevel)
	}

	host := k.anon()
	k.Lock(host)
	k.setPreemptionPriorities(t.PreemptionPriorities)
	k.Unlock(host)
	k.log.Info("kernel: tunables applied (compare_time_on_select=%v, preemption=%v)", t.CompareTimeOnSelect, t.PreemptionPriorities)
}

// ============================================================================
// Statistics and snapshots
// ============================================================================

// Stats aggregates scheduler counters.
type Stats struct {
	Reselections    uint64 `json:"reselections"`
	Yields          uint64 `json:"yields"`
	RedundantYields uint64 `json:"redundant_yields"`
	QueueMutations  uint64 `json:"queue_mutations"`
	ContextSwitches uint64 `json:"context_switches"`
	Migrations      uint64 `json:"migrations"`
	IdleSelections  uint64 `json:"idle_selections"`
	WorkerWakeups   uint64 `json:"worker_wakeups"`
	TasksExecuted   uint64 `json:"tasks_executed"`
	LiveThreads     int    `json:"live_threads"`
}

// Stats returns a consistent copy of the counters.
func (k *Kernel) Stats() Stats {
	host := k.anon()
	k.Lock(host)
	defer k.Unlock(host)
	return k.statsLocked()
}

func (k *Kernel) statsLocked() Stats {
	s := Stats{
		Reselections:    k.reselections,
		Yields:          k.yields,
		RedundantYields: k.redundantYields.Load(),
		QueueMutations:  k.pq.Mutations(),
		LiveThreads:     k.arena.live(),
	}
	for _, c := range k.cores {
		s.ContextSwitches += c.contextSwitches
		s.Migrations += c.migrations
		s.IdleSelections += c.idleSelections
	}
	for _, w := range k.workers {
		s.WorkerWakeups += w.wakeups
		s.TasksExecuted += w.executed
	}
	return s
}

// ThreadInfo describes one thread in a snapshot.
type ThreadInfo struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Process    string `json:"process"`
	State      string `json:"state"`
	Priority   int32  `json:"priority"`
	IdealCore  int32  `json:"ideal_core"`
	ActiveCore int32  `json:"active_core"`
	RunningOn  int32  `json:"running_on"`
	Affinity   uint64 `json:"affinity"`
}

// QueueLevel lists the thread ids queued at one priority of one core.
type QueueLevel struct {
	Priority  int32    `json:"priority"`
	Scheduled []uint64 `json:"scheduled,omitempty"`
	Suggested []uint64 `json:"suggested,omitempty"`
}

// CoreInfo describes one core in a snapshot.
type CoreInfo struct {
	ID              int32        `json:"id"`
	Current         string       `json:"current"`
	Selected        string       `json:"selected"`
	ContextSwitches uint64       `json:"context_switches"`
	Migrations      uint64       `json:"migrations"`
	IdleSelections  uint64       `json:"idle_selections"`
	Queue           []QueueLevel `json:"queue,omitempty"`
}

// Snapshot is a consistent view of the scheduler.
type Snapshot struct {
	Tick    int64        `json:"tick"`
	Cores   []CoreInfo   `json:"cores"`
	Threads []ThreadInfo `json:"threads"`
	Stats   Stats        `json:"stats"`
}

// Snapshot captures the scheduler state under the critical section.
func (k *Kernel) Snapshot() Snapshot {
	host := k.anon()
	k.Lock(host)
	defer k.Unlock(host)

	snap := Snapshot{Tick: k.clock.Ticks(), Stats: k.statsLocked()}
	for _, c := range k.cores {
		info := CoreInfo{
			ID:              c.coreID,
			Current:         c.current.name,
			Selected:        c.idle.name,
			ContextSwitches: c.contextSwitches,
			Migrations:      c.migrations,
			IdleSelections:  c.idleSelections,
		}
		if c.highest != nil {
			info.Selected = c.highest.name
		}
		for p := int32(0); p < NumPriorities; p++ {
			sched, sugg := k.pq.Scheduled(c.coreID, p), k.pq.Suggested(c.coreID, p)
			if len(sched) == 0 && len(sugg) == 0 {
				continue
			}
			info.Queue = append(info.Queue, QueueLevel{Priority: p, Scheduled: threadIDs(sched), Suggested: threadIDs(sugg)})
		}
		snap.Cores = append(snap.Cores, info)
	}
	for _, t := range k.threads {
		snap.Threads = append(snap.Threads, t.infoLocked())
	}
	sortThreadInfo(snap.Threads)
	return snap
}

func threadIDs(ts []*Thread) []uint64 {
	out := make([]uint64, len(ts))
	for i, t := range ts {
		out[i] = t.id
	}
	return out
}

func sortThreadInfo(ts []ThreadInfo) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}

func (k *Kernel) assertLocked() {
	kassert.That(k.cs.owner.Load() != nil, "critical section not held")
}

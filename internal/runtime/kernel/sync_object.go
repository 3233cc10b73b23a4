package kernel

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Synchronization objects
// ============================================================================

// SyncObject is a kernel object threads can wait on. IsSignaled is called
// with the critical section held.
type SyncObject interface {
	object.Object
	IsSignaled() bool
	syncBase() *SyncBase
}

// SyncBase holds the waiter list of a synchronization object. Types embed it
// and call InitSync with themselves.
type SyncBase struct {
	k       *Kernel
	self    SyncObject
	waiters []*Thread
}

// InitSync binds the base to the object embedding it.
func (s *SyncBase) InitSync(k *Kernel, self SyncObject) {
	s.k = k
	s.self = self
}

func (s *SyncBase) syncBase() *SyncBase { return s }

// NotifyAvailable wakes every waiter with res if the object is signaled.
func (s *SyncBase) NotifyAvailable(cur *Thread, res error) {
	k := s.k
	k.Lock(cur)
	if s.self.IsSignaled() && len(s.waiters) > 0 {
		waiters := append([]*Thread(nil), s.waiters...)
		for _, t := range waiters {
			t.notifyAvailable(s.self, res)
		}
	}
	k.Unlock(cur)
}

// Waiters returns the number of threads waiting on the object.
func (s *SyncBase) Waiters() int { return len(s.waiters) }

func (s *SyncBase) unlink(t *Thread) {
	for i, w := range s.waiters {
		if w == t {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return
		}
	}
}

// syncWaitQueue is the queue of a thread in WaitSynchronization. It is
// cancellation-aware: timeouts, termination and CancelSynchronization all
// resume the waiter normally.
type syncWaitQueue struct {
	ThreadQueue
	objs []SyncObject
}

func (q *syncWaitQueue) unlinkAll(t *Thread) {
	for _, o := range q.objs {
		o.syncBase().unlink(t)
	}
	t.cancellable = false
}

func (q *syncWaitQueue) NotifyAvailable(t *Thread, obj SyncObject, res error) {
	for i, o := range q.objs {
		if o.syncBase() == obj.syncBase() {
			t.syncedIndex = i
			break
		}
	}
	q.unlinkAll(t)
	q.EndWait(t, res)
}

func (q *syncWaitQueue) CancelWait(t *Thread, res error, cancelTimer bool) {
	q.unlinkAll(t)
	q.ThreadQueue.CancelWait(t, res, cancelTimer)
}

// WaitSynchronization waits until one of objs is signaled and returns its
// index. timeout is an absolute tick deadline, clock.Forever to wait without
// one, or 0 to poll.
func (k *Kernel) WaitSynchronization(cur *Thread, objs []SyncObject, timeout int64) (int, error) {
	k.Lock(cur)
	if cur.IsTerminationRequested() {
		k.Unlock(cur)
		return -1, result.TerminationRequested
	}
	for i, o := range objs {
		if o.IsSignaled() {
			k.Unlock(cur)
			return i, nil
		}
	}
	if timeout == 0 {
		k.Unlock(cur)
		return -1, result.TimedOut
	}
	if cur.waitCancelled {
		cur.waitCancelled = false
		k.Unlock(cur)
		return -1, result.Cancelled
	}

	q := &syncWaitQueue{ThreadQueue: ThreadQueue{k: k}, objs: objs}
	for _, o := range objs {
		sb := o.syncBase()
		sb.waiters = append(sb.waiters, cur)
	}
	cur.syncedIndex = -1
	cur.cancellable = true
	k.beginWait(cur, q, timeout)
	k.Unlock(cur)

	return cur.syncedIndex, cur.waitResult
}

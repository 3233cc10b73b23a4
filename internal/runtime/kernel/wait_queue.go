package kernel

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

// ============================================================================
// Wait queues
// ============================================================================

// WaitQueue is the resumption policy of a blocked thread. Each method is
// called with the critical section held and with t in the waiting state.
//
// EndWait is the normal wake. CancelWait is the forced path taken on timeout,
// termination or cancellation; a queue whose waiters must never be cancelled
// aborts there. NotifyAvailable is called when a synchronization object t
// waits on becomes signaled.
type WaitQueue interface {
	NotifyAvailable(t *Thread, obj SyncObject, res error)
	EndWait(t *Thread, res error)
	CancelWait(t *Thread, res error, cancelTimer bool)
}

// ThreadQueue is the plain wait queue: resuming makes the thread runnable
// with the given result. Other queues embed it.
type ThreadQueue struct {
	k *Kernel
}

// NewThreadQueue returns a plain wait queue for k.
func NewThreadQueue(k *Kernel) *ThreadQueue { return &ThreadQueue{k: k} }

// NotifyAvailable aborts; plain waiters do not wait on objects.
func (q *ThreadQueue) NotifyAvailable(t *Thread, obj SyncObject, res error) {
	kassert.Abort("thread %d notified by %s without waiting on it", t.id, obj.TypeName())
}

// EndWait resumes t and cancels its timeout.
func (q *ThreadQueue) EndWait(t *Thread, res error) {
	q.resume(t, res)
	q.k.timer.cancel(t)
}

// CancelWait resumes t, cancelling its timeout only when asked to; the timer
// itself cancels with cancelTimer false.
func (q *ThreadQueue) CancelWait(t *Thread, res error, cancelTimer bool) {
	q.resume(t, res)
	if cancelTimer {
		q.k.timer.cancel(t)
	}
}

func (q *ThreadQueue) resume(t *Thread, res error) {
	t.waitResult = res
	t.waitQueue = nil
	q.k.setState(t, ThreadRunnable)
}

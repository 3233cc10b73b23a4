package ipc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
)

// Request is one message sent on a session. It holds references to the
// sending thread and, for asynchronous requests, to the completion event.
type Request struct {
	object.Base

	// Guarded by the critical section once queued.
	thread *kernel.Thread
	event  *kernel.Event

	addr uint64
	size uint64

	// wait is the queue a synchronous sender blocks on.
	wait *kernel.ThreadQueue
}

func newRequest(k *kernel.Kernel, cur *kernel.Thread, event *kernel.Event, addr, size uint64) *Request {
	r := &Request{thread: cur, event: event, addr: addr, size: size}
	r.Init("SessionRequest", r.destroy)
	kassert.That(cur.Open(), "%s cannot send requests", cur.Name())
	if event != nil {
		event.Open()
	} else {
		r.wait = kernel.NewThreadQueue(k)
	}
	return r
}

func (r *Request) destroy() {
	if r.thread != nil {
		r.thread.Close()
	}
	if r.event != nil {
		r.event.Close()
	}
}

// IsAsync reports whether the request completes through an event.
func (r *Request) IsAsync() bool { return r.wait == nil }

// Address returns the sender's message buffer address.
func (r *Request) Address() uint64 { return r.addr }

// Size returns the sender's message buffer size.
func (r *Request) Size() uint64 { return r.size }

// wake resumes a synchronous sender still blocked on this request. The
// critical section must be held.
func (r *Request) wake(res error) {
	if r.thread != nil && r.wait != nil && r.thread.IsWaitingOn(r.wait) {
		r.thread.EndWait(res)
	}
}

// complete delivers res to the sender outside the critical section: an
// asynchronous sender gets res in its buffer, when it is an error, and its
// event signalled; a synchronous sender is resumed with res.
func (r *Request) complete(k *kernel.Kernel, cur, thread *kernel.Thread, event *kernel.Event, res error) {
	if thread == nil {
		return
	}
	if event != nil {
		if res != nil {
			replyAsyncError(thread.Process(), r.addr, r.size, res)
		}
		event.Signal(cur)
		return
	}
	k.Lock(cur)
	r.wake(res)
	k.Unlock(cur)
}

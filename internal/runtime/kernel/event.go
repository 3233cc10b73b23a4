package kernel

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// Event is a manually cleared synchronization object. IPC uses events to
// complete asynchronous requests.
type Event struct {
	object.Base
	SyncBase

	signaled bool // guarded by the critical section
}

// NewEvent creates an unsignaled event holding one reference.
func (k *Kernel) NewEvent() *Event {
	e := &Event{}
	e.Init("Event", nil)
	e.InitSync(k, e)
	return e
}

// IsSignaled implements SyncObject.
func (e *Event) IsSignaled() bool { return e.signaled }

// Signal sets the event and wakes its waiters.
func (e *Event) Signal(cur *Thread) {
	k := e.k
	k.Lock(cur)
	if !e.signaled {
		e.signaled = true
		e.NotifyAvailable(cur, nil)
	}
	k.Unlock(cur)
}

// Clear resets a signaled event.
func (e *Event) Clear(cur *Thread) error {
	k := e.k
	k.Lock(cur)
	defer k.Unlock(cur)
	if !e.signaled {
		return result.InvalidState
	}
	e.signaled = false
	return nil
}

// Signaled reports whether the event is set.
func (e *Event) Signaled() bool {
	host := e.k.anon()
	e.k.Lock(host)
	defer e.k.Unlock(host)
	return e.signaled
}

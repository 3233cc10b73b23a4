package svc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Events and waits
// ============================================================================

// CreateEvent creates an unsignaled event.
func CreateEvent(cur *kernel.Thread) (handle.Handle, error) {
	return addObject(cur, cur.Kernel().NewEvent())
}

// SignalEvent signals the event h.
func SignalEvent(cur *kernel.Thread, h handle.Handle) error {
	e, err := getObject[*kernel.Event](cur, h)
	if err != nil {
		return err
	}
	defer e.Close()
	e.Signal(cur)
	return nil
}

// ClearEvent resets the event h. InvalidState means it was not signaled.
func ClearEvent(cur *kernel.Thread, h handle.Handle) error {
	e, err := getObject[*kernel.Event](cur, h)
	if err != nil {
		return err
	}
	defer e.Close()
	return e.Clear(cur)
}

// syncObjects resolves hs to synchronization objects. The caller closes
// them with closeAll.
func syncObjects(cur *kernel.Thread, hs []handle.Handle) ([]kernel.SyncObject, error) {
	if len(hs) > ArgumentHandleCountMax {
		return nil, result.OutOfRange
	}
	objs := make([]kernel.SyncObject, 0, len(hs))
	for _, h := range hs {
		o, err := getObject[kernel.SyncObject](cur, h)
		if err != nil {
			closeAll(objs)
			return nil, err
		}
		objs = append(objs, o)
	}
	return objs, nil
}

func closeAll(objs []kernel.SyncObject) {
	for _, o := range objs {
		o.Close()
	}
}

// WaitSynchronization waits until one of the objects hs is signaled and
// returns its index.
func WaitSynchronization(cur *kernel.Thread, hs []handle.Handle, timeoutNs int64) (int, error) {
	objs, err := syncObjects(cur, hs)
	if err != nil {
		return -1, err
	}
	defer closeAll(objs)
	return cur.Kernel().WaitSynchronization(cur, objs, deadline(cur, timeoutNs))
}

// CancelSynchronization cancels the synchronization wait of the thread h,
// or its next one when it is not waiting.
func CancelSynchronization(cur *kernel.Thread, h handle.Handle) error {
	t, err := getThread(cur, h)
	if err != nil {
		return err
	}
	defer t.Close()
	t.WaitCancel()
	return nil
}

// ============================================================================
// Address arbitration
// ============================================================================

func checkArbiterAddress(addr uint64) error {
	if addr%4 != 0 {
		return result.InvalidAddress
	}
	return nil
}

// WaitForAddress waits on the word at addr while it satisfies typ against
// value.
func WaitForAddress(cur *kernel.Thread, addr uint64, typ kernel.ArbitrationType, value int32, timeoutNs int64) error {
	if err := checkArbiterAddress(addr); err != nil {
		return err
	}
	if !typ.IsValid() {
		return result.InvalidEnumValue
	}
	return cur.Process().Arbiter().WaitForAddress(cur, addr, typ, value, deadline(cur, timeoutNs))
}

// SignalToAddress updates the word at addr according to typ and wakes up to
// count of its waiters.
func SignalToAddress(cur *kernel.Thread, addr uint64, typ kernel.SignalType, value, count int32) error {
	if err := checkArbiterAddress(addr); err != nil {
		return err
	}
	if !typ.IsValid() {
		return result.InvalidEnumValue
	}
	return cur.Process().Arbiter().SignalToAddress(cur, addr, typ, value, count)
}

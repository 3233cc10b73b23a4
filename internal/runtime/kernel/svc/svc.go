// Package svc is the syscall surface of the kernel. Every call runs on the
// calling kernel thread, resolves its handles through the caller's handle
// table and converts relative nanosecond timeouts into tick deadlines.
//
// A timeout of zero or less waits forever. Positive timeouts saturate at the
// largest deadline instead of overflowing.
package svc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/clock"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ArgumentHandleCountMax is the most handles a single wait accepts.
const ArgumentHandleCountMax = 64

// Special SleepThread arguments selecting a yield instead of a sleep.
const (
	YieldWithoutCoreMigration int64 = 0
	YieldWithCoreMigration    int64 = -1
	YieldToAnyThread          int64 = -2
)

func handles(cur *kernel.Thread) *handle.Table { return cur.Process().Handles() }

func deadline(cur *kernel.Thread, timeoutNs int64) int64 {
	return clock.Deadline(cur.Kernel().Clock(), timeoutNs)
}

// getThread resolves h, which may be the current-thread pseudo-handle, to a
// thread with a reference held.
func getThread(cur *kernel.Thread, h handle.Handle) (*kernel.Thread, error) {
	if h == handle.CurrentThread {
		if !cur.Open() {
			return nil, result.InvalidHandle
		}
		return cur, nil
	}
	t, ok := handle.Get[*kernel.Thread](handles(cur), h)
	if !ok {
		return nil, result.InvalidHandle
	}
	return t, nil
}

func getObject[T object.Object](cur *kernel.Thread, h handle.Handle) (T, error) {
	obj, ok := handle.Get[T](handles(cur), h)
	if !ok {
		return obj, result.InvalidHandle
	}
	return obj, nil
}

// addObject stores obj in the caller's table and drops the creator's
// reference, leaving the table as the only owner.
func addObject(cur *kernel.Thread, obj object.Object) (handle.Handle, error) {
	h, err := handles(cur).Add(obj)
	obj.Close()
	return h, err
}

// CloseHandle removes h from the caller's table.
func CloseHandle(cur *kernel.Thread, h handle.Handle) error {
	if !handles(cur).Remove(h) {
		return result.InvalidHandle
	}
	return nil
}

// GetSystemTick returns the current tick.
func GetSystemTick(cur *kernel.Thread) int64 {
	return cur.Kernel().Ticks()
}

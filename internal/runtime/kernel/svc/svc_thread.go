package svc

import (
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/handle"
)

// SleepThread sleeps for ns nanoseconds. Zero and the negative yield
// constants yield the core instead; other negative values return at once.
func SleepThread(cur *kernel.Thread, ns int64) error {
	k := cur.Kernel()
	switch {
	case ns > 0:
		return k.Sleep(cur, deadline(cur, ns))
	case ns == YieldWithoutCoreMigration:
		k.YieldWithoutCoreMigration(cur)
	case ns == YieldWithCoreMigration:
		k.YieldWithCoreMigration(cur)
	case ns == YieldToAnyThread:
		k.YieldToAnyThread(cur)
	}
	return nil
}

// GetThreadPriority returns the priority of the thread h.
func GetThreadPriority(cur *kernel.Thread, h handle.Handle) (int32, error) {
	t, err := getThread(cur, h)
	if err != nil {
		return 0, err
	}
	defer t.Close()
	return t.Priority(), nil
}

// SetThreadPriority changes the priority of the thread h.
func SetThreadPriority(cur *kernel.Thread, h handle.Handle, prio int32) error {
	t, err := getThread(cur, h)
	if err != nil {
		return err
	}
	defer t.Close()
	return t.SetPriority(cur, prio)
}

// GetThreadCoreMask returns the ideal core and affinity mask of the thread h.
func GetThreadCoreMask(cur *kernel.Thread, h handle.Handle) (int32, uint64, error) {
	t, err := getThread(cur, h)
	if err != nil {
		return 0, 0, err
	}
	defer t.Close()
	ideal, mask := t.CoreMask()
	return ideal, mask, nil
}

// SetThreadCoreMask changes the ideal core and affinity mask of the thread h.
func SetThreadCoreMask(cur *kernel.Thread, h handle.Handle, ideal int32, mask uint64) error {
	t, err := getThread(cur, h)
	if err != nil {
		return err
	}
	defer t.Close()
	return t.SetCoreMask(cur, ideal, mask)
}

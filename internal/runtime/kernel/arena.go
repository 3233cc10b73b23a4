package kernel

// threadArena gives every schedulable thread a stable slot number. Ready
// queue links are stored by slot, so membership never needs pointers into
// the thread object. Guarded by the critical section.
type threadArena struct {
	slots []*Thread
	free  []int32
}

func newThreadArena(capacity int) *threadArena {
	a := &threadArena{
		slots: make([]*Thread, capacity),
		free:  make([]int32, capacity),
	}
	for i := range a.free {
		a.free[i] = int32(capacity - 1 - i)
	}
	return a
}

func (a *threadArena) capacity() int { return len(a.slots) }

func (a *threadArena) alloc(t *Thread) (int32, bool) {
	if len(a.free) == 0 {
		return nilSlot, false
	}
	slot := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.slots[slot] = t
	return slot, true
}

func (a *threadArena) release(slot int32) {
	a.slots[slot] = nil
	a.free = append(a.free, slot)
}

func (a *threadArena) get(slot int32) *Thread { return a.slots[slot] }

func (a *threadArena) live() int { return len(a.slots) - len(a.free) }

package kernel

import "math/bits"

// ============================================================================
// Per-core multi-level ready queue
// ============================================================================

// Priority levels. Lower numbers run first.
const (
	NumPriorities   = 64
	HighestPriority = 0
	LowestPriority  = NumPriorities - 1
	IdlePriority    = NumPriorities
)

// IsValidPriority reports whether p is a schedulable priority.
func IsValidPriority(p int32) bool { return p >= HighestPriority && p <= LowestPriority }

const nilSlot int32 = -1

// queueEntry links one thread into one list on one core. A thread has one
// entry per core, shared by the scheduled and suggested lists since it is in
// at most one of them on any core.
type queueEntry struct {
	prev, next int32
}

type listRoot struct {
	head, tail int32
}

// levelQueue is one kind of list (scheduled or suggested) on every core.
type levelQueue struct {
	q     *PriorityQueue
	roots [][NumPriorities]listRoot
	avail []uint64
}

func newLevelQueue(q *PriorityQueue, numCores int) levelQueue {
	lq := levelQueue{
		q:     q,
		roots: make([][NumPriorities]listRoot, numCores),
		avail: make([]uint64, numCores),
	}
	for c := range lq.roots {
		for p := range lq.roots[c] {
			lq.roots[c][p] = listRoot{head: nilSlot, tail: nilSlot}
		}
	}
	return lq
}

func (lq *levelQueue) pushBack(prio, core, slot int32) {
	e := lq.q.entry(slot, core)
	root := &lq.roots[core][prio]
	e.prev, e.next = root.tail, nilSlot
	if root.tail != nilSlot {
		lq.q.entry(root.tail, core).next = slot
	} else {
		root.head = slot
	}
	root.tail = slot
	lq.avail[core] |= 1 << uint(prio)
}

func (lq *levelQueue) pushFront(prio, core, slot int32) {
	e := lq.q.entry(slot, core)
	root := &lq.roots[core][prio]
	e.prev, e.next = nilSlot, root.head
	if root.head != nilSlot {
		lq.q.entry(root.head, core).prev = slot
	} else {
		root.tail = slot
	}
	root.head = slot
	lq.avail[core] |= 1 << uint(prio)
}

func (lq *levelQueue) remove(prio, core, slot int32) {
	e := lq.q.entry(slot, core)
	root := &lq.roots[core][prio]
	if e.prev != nilSlot {
		lq.q.entry(e.prev, core).next = e.next
	} else {
		root.head = e.next
	}
	if e.next != nilSlot {
		lq.q.entry(e.next, core).prev = e.prev
	} else {
		root.tail = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
	if root.head == nilSlot {
		lq.avail[core] &^= 1 << uint(prio)
	}
}

// moveToBack moves slot to the tail of its list and returns the new head.
func (lq *levelQueue) moveToBack(prio, core, slot int32) int32 {
	root := &lq.roots[core][prio]
	if root.tail != slot {
		lq.remove(prio, core, slot)
		lq.pushBack(prio, core, slot)
	}
	return root.head
}

func (lq *levelQueue) front(core int32) int32 {
	if lq.avail[core] == 0 {
		return nilSlot
	}
	return lq.roots[core][bits.TrailingZeros64(lq.avail[core])].head
}

func (lq *levelQueue) frontAt(core, prio int32) int32 {
	return lq.roots[core][prio].head
}

// next returns the thread after slot in priority order, continuing into the
// next non-empty lower priority level.
func (lq *levelQueue) next(core, slot int32, prio int32) int32 {
	if n := lq.q.entry(slot, core).next; n != nilSlot {
		return n
	}
	higher := lq.avail[core] &^ (uint64(2)<<uint(prio) - 1)
	if higher == 0 {
		return nilSlot
	}
	return lq.roots[core][bits.TrailingZeros64(higher)].head
}

func (lq *levelQueue) list(core, prio int32) []int32 {
	var out []int32
	for s := lq.roots[core][prio].head; s != nilSlot; s = lq.q.entry(s, core).next {
		out = append(out, s)
	}
	return out
}

// PriorityQueue holds, for every core and priority, the scheduled list of
// threads whose active core is that core and the suggested list of threads
// that may migrate to it. Every method requires the critical section.
type PriorityQueue struct {
	numCores  int32
	arena     *threadArena
	entries   []queueEntry
	scheduled levelQueue
	suggested levelQueue
	mutations uint64
}

func newPriorityQueue(numCores int, arena *threadArena) *PriorityQueue {
	q := &PriorityQueue{
		numCores: int32(numCores),
		arena:    arena,
		entries:  make([]queueEntry, arena.capacity()*numCores),
	}
	for i := range q.entries {
		q.entries[i] = queueEntry{prev: nilSlot, next: nilSlot}
	}
	q.scheduled = newLevelQueue(q, numCores)
	q.suggested = newLevelQueue(q, numCores)
	return q
}

func (q *PriorityQueue) entry(slot, core int32) *queueEntry {
	return &q.entries[slot*q.numCores+core]
}

func (q *PriorityQueue) resetEntries(slot int32) {
	for c := int32(0); c < q.numCores; c++ {
		*q.entry(slot, c) = queueEntry{prev: nilSlot, next: nilSlot}
	}
}

func (q *PriorityQueue) thread(slot int32) *Thread {
	if slot == nilSlot {
		return nil
	}
	return q.arena.get(slot)
}

// PushBack inserts t at the back of its priority on its active core and at
// the back of the suggested lists of the other cores in its affinity mask.
func (q *PriorityQueue) PushBack(t *Thread) {
	if !IsValidPriority(t.priority) {
		return
	}
	q.mutations++
	affinity := t.affinity
	if core := t.activeCore; core >= 0 {
		q.scheduled.pushBack(t.priority, core, t.slot)
		affinity &^= 1 << uint(core)
	}
	q.forEachCore(affinity, func(c int32) { q.suggested.pushBack(t.priority, c, t.slot) })
}

// PushFront is PushBack with t placed at the front of its scheduled list.
// Suggested lists still append.
func (q *PriorityQueue) PushFront(t *Thread) {
	if !IsValidPriority(t.priority) {
		return
	}
	q.mutations++
	affinity := t.affinity
	if core := t.activeCore; core >= 0 {
		q.scheduled.pushFront(t.priority, core, t.slot)
		affinity &^= 1 << uint(core)
	}
	q.forEachCore(affinity, func(c int32) { q.suggested.pushBack(t.priority, c, t.slot) })
}

// Remove takes t out of every list.
func (q *PriorityQueue) Remove(t *Thread) {
	if !IsValidPriority(t.priority) {
		return
	}
	q.mutations++
	affinity := t.affinity
	if core := t.activeCore; core >= 0 {
		q.scheduled.remove(t.priority, core, t.slot)
		affinity &^= 1 << uint(core)
	}
	q.forEachCore(affinity, func(c int32) { q.suggested.remove(t.priority, c, t.slot) })
}

// MoveToScheduledBack rotates t to the back of its scheduled list and
// returns the new front of that list.
func (q *PriorityQueue) MoveToScheduledBack(t *Thread) *Thread {
	q.mutations++
	return q.thread(q.scheduled.moveToBack(t.priority, t.activeCore, t.slot))
}

// ScheduledFront returns the best scheduled thread on core.
func (q *PriorityQueue) ScheduledFront(core int32) *Thread {
	return q.thread(q.scheduled.front(core))
}

// ScheduledFrontAt returns the first scheduled thread of a priority on core.
func (q *PriorityQueue) ScheduledFrontAt(core, prio int32) *Thread {
	return q.thread(q.scheduled.frontAt(core, prio))
}

// SuggestedFront returns the best suggested thread on core.
func (q *PriorityQueue) SuggestedFront(core int32) *Thread {
	return q.thread(q.suggested.front(core))
}

// SuggestedFrontAt returns the first suggested thread of a priority on core.
func (q *PriorityQueue) SuggestedFrontAt(core, prio int32) *Thread {
	return q.thread(q.suggested.frontAt(core, prio))
}

// ScheduledNext returns the scheduled thread after t on core.
func (q *PriorityQueue) ScheduledNext(core int32, t *Thread) *Thread {
	return q.thread(q.scheduled.next(core, t.slot, t.priority))
}

// SuggestedNext returns the suggested thread after t on core.
func (q *PriorityQueue) SuggestedNext(core int32, t *Thread) *Thread {
	return q.thread(q.suggested.next(core, t.slot, t.priority))
}

// SamePriorityNext returns the thread after t in whichever list of core t is
// in, without leaving t's priority level.
func (q *PriorityQueue) SamePriorityNext(core int32, t *Thread) *Thread {
	return q.thread(q.entry(t.slot, core).next)
}

// ChangePriority moves t from prev to its current priority. A running thread
// goes to the front of its new level, any other thread to the back.
func (q *PriorityQueue) ChangePriority(prev int32, isRunning bool, t *Thread) {
	newPrio := t.priority
	t.priority = prev
	q.Remove(t)
	t.priority = newPrio
	if isRunning {
		q.PushFront(t)
	} else {
		q.PushBack(t)
	}
	q.mutations--
}

// ChangeAffinityMask updates t's membership after its active core or
// affinity mask changed. Only cores whose role differs between the old and
// the new configuration are touched.
func (q *PriorityQueue) ChangeAffinityMask(prevCore int32, prevAffinity uint64, t *Thread) {
	prio := t.priority
	if !IsValidPriority(prio) {
		return
	}
	q.mutations++
	newCore, newAffinity := t.activeCore, t.affinity
	for c := int32(0); c < q.numCores; c++ {
		bit := uint64(1) << uint(c)
		wasScheduled := c == prevCore
		wasSuggested := !wasScheduled && prevAffinity&bit != 0
		isScheduled := c == newCore
		isSuggested := !isScheduled && newAffinity&bit != 0
		if wasScheduled == isScheduled && wasSuggested == isSuggested {
			continue
		}
		switch {
		case wasScheduled:
			q.scheduled.remove(prio, c, t.slot)
		case wasSuggested:
			q.suggested.remove(prio, c, t.slot)
		}
		switch {
		case isScheduled:
			q.scheduled.pushBack(prio, c, t.slot)
		case isSuggested:
			q.suggested.pushBack(prio, c, t.slot)
		}
	}
}

// ChangeCore moves t's scheduled membership from prevCore to its current
// active core. prevCore keeps t as a suggestion.
func (q *PriorityQueue) ChangeCore(prevCore int32, t *Thread, toFront bool) {
	newCore, prio := t.activeCore, t.priority
	if !IsValidPriority(prio) || prevCore == newCore {
		return
	}
	q.mutations++
	if prevCore >= 0 {
		q.scheduled.remove(prio, prevCore, t.slot)
	}
	if newCore >= 0 {
		q.suggested.remove(prio, newCore, t.slot)
		if toFront {
			q.scheduled.pushFront(prio, newCore, t.slot)
		} else {
			q.scheduled.pushBack(prio, newCore, t.slot)
		}
	}
	if prevCore >= 0 {
		q.suggested.pushBack(prio, prevCore, t.slot)
	}
}

// Mutations counts queue operations since boot. A priority change counts
// once.
func (q *PriorityQueue) Mutations() uint64 { return q.mutations }

// Scheduled lists the scheduled threads of a priority on core in order.
func (q *PriorityQueue) Scheduled(core, prio int32) []*Thread {
	return q.threads(q.scheduled.list(core, prio))
}

// Suggested lists the suggested threads of a priority on core in order.
func (q *PriorityQueue) Suggested(core, prio int32) []*Thread {
	return q.threads(q.suggested.list(core, prio))
}

func (q *PriorityQueue) threads(slots []int32) []*Thread {
	out := make([]*Thread, len(slots))
	for i, s := range slots {
		out[i] = q.thread(s)
	}
	return out
}

func (q *PriorityQueue) forEachCore(mask uint64, fn func(c int32)) {
	mask &= uint64(1)<<uint(q.numCores) - 1
	for mask != 0 {
		c := int32(bits.TrailingZeros64(mask))
		fn(c)
		mask &^= 1 << uint(c)
	}
}

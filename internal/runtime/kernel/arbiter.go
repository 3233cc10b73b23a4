package kernel

import (
	"sort"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// ============================================================================
// Address arbiter
// ============================================================================

// ArbitrationType selects the condition of WaitForAddress.
type ArbitrationType int32

const (
	ArbitrationWaitIfLessThan ArbitrationType = iota
	ArbitrationDecrementAndWaitIfLessThan
	ArbitrationWaitIfEqual
)

// IsValid reports whether a is a known arbitration type.
func (a ArbitrationType) IsValid() bool {
	return a >= ArbitrationWaitIfLessThan && a <= ArbitrationWaitIfEqual
}

// SignalType selects the update performed by SignalToAddress.
type SignalType int32

const (
	SignalTypeSignal SignalType = iota
	SignalTypeSignalAndIncrementIfEqual
	SignalTypeSignalAndModifyByWaitingCountIfEqual
)

// IsValid reports whether s is a known signal type.
func (s SignalType) IsValid() bool {
	return s >= SignalTypeSignal && s <= SignalTypeSignalAndModifyByWaitingCountIfEqual
}

// AddressArbiter lets threads of a process wait on a user memory word. Waiters
// are kept ordered by address, then priority, then arrival. Everything is
// guarded by the critical section.
type AddressArbiter struct {
	p       *Process
	waiters []*Thread
	seq     uint64
}

func arbiterLess(a, b *Thread) bool {
	if a.arbiterAddr != b.arbiterAddr {
		return a.arbiterAddr < b.arbiterAddr
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.arbiterSeq < b.arbiterSeq
}

func (a *AddressArbiter) insert(t *Thread, addr uint64) {
	a.seq++
	t.arbiterAddr, t.arbiterSeq = addr, a.seq
	i := sort.Search(len(a.waiters), func(i int) bool { return arbiterLess(t, a.waiters[i]) })
	a.waiters = append(a.waiters, nil)
	copy(a.waiters[i+1:], a.waiters[i:])
	a.waiters[i] = t
}

func (a *AddressArbiter) remove(t *Thread) {
	for i, w := range a.waiters {
		if w == t {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

// first returns the index of the first waiter on addr, or len(waiters).
func (a *AddressArbiter) first(addr uint64) int {
	return sort.Search(len(a.waiters), func(i int) bool { return a.waiters[i].arbiterAddr >= addr })
}

func (a *AddressArbiter) waitingOn(i int, addr uint64) bool {
	return i < len(a.waiters) && a.waiters[i].arbiterAddr == addr
}

// Waiting returns the number of threads waiting on addr.
func (a *AddressArbiter) Waiting(addr uint64) int {
	k := a.p.k
	host := k.anon()
	k.Lock(host)
	defer k.Unlock(host)
	n := 0
	for i := a.first(addr); a.waitingOn(i, addr); i++ {
		n++
	}
	return n
}

type arbiterWaitQueue struct {
	ThreadQueue
	a *AddressArbiter
}

func (q *arbiterWaitQueue) CancelWait(t *Thread, res error, cancelTimer bool) {
	q.a.remove(t)
	q.ThreadQueue.CancelWait(t, res, cancelTimer)
}

func (a *AddressArbiter) word(addr uint64) (*uint32, error) {
	if a.p.pageTable == nil {
		return nil, result.InvalidCurrentMemory
	}
	w, err := a.p.pageTable.Word(addr)
	if err != nil {
		return nil, result.InvalidCurrentMemory
	}
	return w, nil
}

// WaitForAddress blocks cur while the word at addr satisfies typ against
// value. timeout follows WaitSynchronization.
func (a *AddressArbiter) WaitForAddress(cur *Thread, addr uint64, typ ArbitrationType, value int32, timeout int64) error {
	k := a.p.k
	k.Lock(cur)
	if cur.IsTerminationRequested() {
		k.Unlock(cur)
		return result.TerminationRequested
	}
	w, err := a.word(addr)
	if err != nil {
		k.Unlock(cur)
		return err
	}

	userValue := int32(atomic.LoadUint32(w))
	switch typ {
	case ArbitrationWaitIfLessThan:
		if userValue >= value {
			err = result.InvalidState
		}
	case ArbitrationDecrementAndWaitIfLessThan:
		if userValue < value {
			atomic.StoreUint32(w, uint32(userValue-1))
		} else {
			err = result.InvalidState
		}
	case ArbitrationWaitIfEqual:
		if userValue != value {
			err = result.InvalidState
		}
	default:
		err = result.InvalidEnumValue
	}
	if err == nil && timeout == 0 {
		err = result.TimedOut
	}
	if err != nil {
		k.Unlock(cur)
		return err
	}

	a.insert(cur, addr)
	k.beginWait(cur, &arbiterWaitQueue{ThreadQueue: ThreadQueue{k: k}, a: a}, timeout)
	k.Unlock(cur)
	return cur.waitResult
}

// SignalToAddress updates the word at addr according to typ and wakes up to
// count waiters on it, all of them when count is not positive.
func (a *AddressArbiter) SignalToAddress(cur *Thread, addr uint64, typ SignalType, value, count int32) error {
	k := a.p.k
	k.Lock(cur)
	defer k.Unlock(cur)

	switch typ {
	case SignalTypeSignal:
	case SignalTypeSignalAndIncrementIfEqual:
		if err := a.updateIfEqual(addr, value, value+1); err != nil {
			return err
		}
	case SignalTypeSignalAndModifyByWaitingCountIfEqual:
		if err := a.updateIfEqual(addr, value, a.modifiedValue(addr, value, count)); err != nil {
			return err
		}
	default:
		return result.InvalidEnumValue
	}
	a.wake(addr, count)
	return nil
}

func (a *AddressArbiter) updateIfEqual(addr uint64, value, newValue int32) error {
	w, err := a.word(addr)
	if err != nil {
		return err
	}
	if !atomic.CompareAndSwapUint32(w, uint32(value), uint32(newValue)) {
		return result.InvalidState
	}
	return nil
}

// modifiedValue computes the new word for a waiting-count signal. Firmware
// 7.0.0 changed the rule for a word with waiters left after the signal.
func (a *AddressArbiter) modifiedValue(addr uint64, value, count int32) int32 {
	i := a.first(addr)
	hasWaiters := a.waitingOn(i, addr)

	if a.p.k.firmware7 {
		switch {
		case !hasWaiters:
			return value + 1
		case count <= 0:
			return value - 2
		}
		others := int32(0)
		for j := i + 1; a.waitingOn(j, addr); j++ {
			if others >= count {
				break
			}
			others++
		}
		if others < count {
			return value - 1
		}
		return value
	}

	if count <= 0 {
		if hasWaiters {
			return value - 1
		}
		return value + 1
	}
	waiters := int32(0)
	for j := i; a.waitingOn(j, addr) && waiters < count+1; j++ {
		waiters++
	}
	switch {
	case waiters == 0:
		return value + 1
	case waiters <= count:
		return value - 1
	default:
		return value
	}
}

func (a *AddressArbiter) wake(addr uint64, count int32) {
	woken := int32(0)
	for {
		i := a.first(addr)
		if !a.waitingOn(i, addr) || (count > 0 && woken >= count) {
			return
		}
		t := a.waiters[i]
		a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
		t.EndWait(nil)
		woken++
	}
}

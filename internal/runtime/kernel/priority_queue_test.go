package kernel

import "testing"

func ids(ts []*Thread) []uint64 {
	out := make([]uint64, len(ts))
	for i, t := range ts {
		out[i] = t.ID()
	}
	return out
}

func sameOrder(got []*Thread, want ...*Thread) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestPriorityQueue_Membership(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 30, 1)
	if err := a.SetCoreMask(host, 1, 0b1011); err != nil {
		t.Fatal(err)
	}

	k.Lock(host)
	defer k.Unlock(host)
	k.SetThreadRunning(a)

	if !sameOrder(k.pq.Scheduled(1, 30), a) {
		t.Fatalf("core 1 scheduled %v", ids(k.pq.Scheduled(1, 30)))
	}
	for _, c := range []int32{0, 3} {
		if !sameOrder(k.pq.Suggested(c, 30), a) {
			t.Fatalf("core %d suggested %v", c, ids(k.pq.Suggested(c, 30)))
		}
	}
	if len(k.pq.Suggested(2, 30)) != 0 || len(k.pq.Suggested(1, 30)) != 0 {
		t.Fatal("thread suggested outside its mask or on its own core")
	}

	k.SetThreadPaused(a)
	for c := int32(0); c < 4; c++ {
		if len(k.pq.Scheduled(c, 30)) != 0 || len(k.pq.Suggested(c, 30)) != 0 {
			t.Fatalf("paused thread still queued on core %d", c)
		}
	}
}

func TestPriorityQueue_PriorityOrder(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	low := newIdleThread(t, k, "low", 40, 0)
	high := newIdleThread(t, k, "high", 10, 0)

	k.Lock(host)
	defer k.Unlock(host)
	k.SetThreadRunning(low)
	k.SetThreadRunning(high)

	if k.pq.ScheduledFront(0) != high {
		t.Fatal("front is not the highest priority")
	}
	if k.pq.ScheduledNext(0, high) != low {
		t.Fatal("next does not cross priority levels")
	}
	if k.pq.ScheduledNext(0, low) != nil {
		t.Fatal("list not terminated")
	}
}

func TestPriorityQueue_ChangePriorityKeepsFIFO(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 20, 0)
	b := newIdleThread(t, k, "b", 20, 0)
	c := newIdleThread(t, k, "c", 20, 0)

	k.Lock(host)
	for _, th := range []*Thread{a, b, c} {
		k.SetThreadRunning(th)
	}
	before := k.pq.Mutations()
	k.Unlock(host)

	if err := b.SetPriority(host, 10); err != nil {
		t.Fatal(err)
	}
	if err := b.SetPriority(host, 20); err != nil {
		t.Fatal(err)
	}

	k.Lock(host)
	defer k.Unlock(host)
	if got := k.pq.Scheduled(0, 20); !sameOrder(got, a, c, b) {
		t.Fatalf("order after priority round trip %v", ids(got))
	}
	if d := k.pq.Mutations() - before; d != 2 {
		t.Fatalf("two priority changes counted %d mutations", d)
	}
}

func TestPriorityQueue_RunningThreadGoesToFront(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 20, 0)
	b := newIdleThread(t, k, "b", 30, 0)

	k.Lock(host)
	defer k.Unlock(host)
	k.SetThreadRunning(a)
	k.SetThreadRunning(b)

	b.priority = 20
	k.pq.ChangePriority(30, true, b)
	if got := k.pq.Scheduled(0, 20); !sameOrder(got, b, a) {
		t.Fatalf("running thread not at front %v", ids(got))
	}
	if len(k.pq.Scheduled(0, 30)) != 0 {
		t.Fatal("old level not emptied")
	}
}

func TestPriorityQueue_AffinityChangeTouchesDifference(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 25, 0)
	if err := a.SetCoreMask(host, 0, 0b0011); err != nil {
		t.Fatal(err)
	}
	k.Lock(host)
	k.SetThreadRunning(a)
	before := k.pq.Mutations()
	k.Unlock(host)

	if err := a.SetCoreMask(host, IdealCoreNoUpdate, 0b0101); err != nil {
		t.Fatal(err)
	}

	k.Lock(host)
	defer k.Unlock(host)
	if d := k.pq.Mutations() - before; d != 1 {
		t.Fatalf("affinity change counted %d mutations", d)
	}
	if !sameOrder(k.pq.Scheduled(0, 25), a) {
		t.Fatal("thread left its active core")
	}
	if len(k.pq.Suggested(1, 25)) != 0 {
		t.Fatal("core 1 still suggests the thread")
	}
	if !sameOrder(k.pq.Suggested(2, 25), a) {
		t.Fatal("core 2 does not suggest the thread")
	}
}

func TestSetCoreMask_MovesActiveCore(t *testing.T) {
	k := newTestKernel(t, nil)
	host := k.NewHostThread(nil, "test")
	a := newIdleThread(t, k, "a", 25, 0)

	if err := a.SetCoreMask(host, IdealCoreDontCare, 0b0110); err != nil {
		t.Fatal(err)
	}
	k.Lock(host)
	if a.activeCore != 2 {
		t.Fatalf("active core %d, want highest allowed core 2", a.activeCore)
	}
	k.Unlock(host)

	if err := a.SetCoreMask(host, 1, 0b0110); err != nil {
		t.Fatal(err)
	}
	if ideal, mask := a.CoreMask(); ideal != 1 || mask != 0b0110 {
		t.Fatalf("core mask (%d, %#b)", ideal, mask)
	}

	cases := []struct {
		ideal int32
		mask  uint64
	}{
		{0, 0},
		{0, 0b0110},
		{0, 1 << 5},
		{7, 0b1},
	}
	for _, c := range cases {
		if err := a.SetCoreMask(host, c.ideal, c.mask); err == nil {
			t.Fatalf("SetCoreMask(%d, %#b) accepted", c.ideal, c.mask)
		}
	}
}

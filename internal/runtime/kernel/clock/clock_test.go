package clock

import (
	"math"
	"testing"
	"time"
)

type fixed int64

func (f fixed) Ticks() int64 { return int64(f) }

func TestFromNanoseconds(t *testing.T) {
	if got := FromNanoseconds(int64(time.Second)); got != TicksPerSecond {
		t.Fatalf("one second is %d ticks", got)
	}
	if got := FromNanoseconds(625); got != 12 {
		t.Fatalf("625ns is %d ticks", got)
	}
	if got := FromNanoseconds(-5); got != 0 {
		t.Fatalf("negative is %d ticks", got)
	}
}

func TestDeadline_Conventions(t *testing.T) {
	src := fixed(1000)
	if Deadline(src, 0) != Forever || Deadline(src, -10) != Forever {
		t.Fatal("non-positive timeouts must wait forever")
	}
	if got := Deadline(src, int64(time.Second)); got != 1000+TicksPerSecond+2 {
		t.Fatalf("deadline %d", got)
	}
	if got := Deadline(fixed(math.MaxInt64-10), math.MaxInt64); got != math.MaxInt64 {
		t.Fatalf("overflow did not saturate: %d", got)
	}
}

func TestMonotonic_Advances(t *testing.T) {
	src := Monotonic()
	a := src.Ticks()
	time.Sleep(2 * time.Millisecond)
	if b := src.Ticks(); b <= a {
		t.Fatalf("ticks went from %d to %d", a, b)
	}
}

// Package clock provides the monotonic tick source consumed by the kernel.
//
// The kernel never programs timer hardware. It reads ticks from a Source and
// converts user timeouts into absolute tick deadlines.
package clock

import (
	"math"
	"time"
)

// TicksPerSecond is the frequency of the system tick.
const TicksPerSecond = 19_200_000

// Forever is the deadline meaning "no timeout".
const Forever int64 = -1

// Source reads the current tick count.
type Source interface {
	Ticks() int64
}

// FromNanoseconds converts a duration in nanoseconds to ticks, rounding down.
func FromNanoseconds(ns int64) int64 {
	if ns <= 0 {
		return 0
	}
	// 19.2MHz is 12 ticks every 625ns.
	return ns/625*12 + (ns%625)*12/625
}

// ToDuration converts ticks to a host duration.
func ToDuration(ticks int64) time.Duration {
	if ticks <= 0 {
		return 0
	}
	if ticks > math.MaxInt64/625 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ticks / 12 * 625)
}

// Deadline converts a relative timeout to an absolute tick deadline. A
// timeout of zero or less means wait forever; deadlines that overflow
// saturate at the largest representable tick.
func Deadline(src Source, timeoutNs int64) int64 {
	if timeoutNs <= 0 {
		return Forever
	}
	now := src.Ticks()
	delta := FromNanoseconds(timeoutNs)
	// Two extra ticks guarantee at least the requested time elapses.
	if delta > math.MaxInt64-now-2 {
		return math.MaxInt64
	}
	return now + delta + 2
}

// Monotonic returns the host monotonic clock as a tick source.
func Monotonic() Source { return monotonic{} }

type monotonic struct{}

func (monotonic) Ticks() int64 { return FromNanoseconds(nowNanoseconds()) }

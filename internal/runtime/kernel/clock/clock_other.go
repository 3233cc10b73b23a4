//go:build !unix

package clock

import "time"

var start = time.Now()

func nowNanoseconds() int64 { return int64(time.Since(start)) }

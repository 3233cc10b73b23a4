// Package kassert reports kernel contract violations.
//
// A contract violation is a kernel bug, never a user-triggerable condition,
// so it is not returned as an error: the kernel halts at the point of
// detection by panicking with a *Violation.
package kassert

import (
	"fmt"
	"log"
)

// Violation is the panic value raised on a contract violation.
type Violation struct {
	Message string
}

func (v *Violation) Error() string { return "kernel panic: " + v.Message }

// Abort halts the kernel.
func Abort(format string, args ...interface{}) {
	v := &Violation{Message: fmt.Sprintf(format, args...)}
	log.Printf("[PANIC] %s", v.Message)
	panic(v)
}

// That aborts when cond does not hold.
func That(cond bool, format string, args ...interface{}) {
	if !cond {
		Abort(format, args...)
	}
}

// Recover converts a recovered panic value into a *Violation. It returns nil
// when the value is not a contract violation.
func Recover(v interface{}) *Violation {
	if vv, ok := v.(*Violation); ok {
		return vv
	}
	return nil
}

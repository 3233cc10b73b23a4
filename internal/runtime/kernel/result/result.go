// Package result defines the typed results returned by kernel operations.
//
// A Result packs a module id and a description into a single 32-bit value,
// the same value that is written into IPC reply buffers when a request is
// failed on the server side.
package result

import "fmt"

// Result is a kernel result code. The zero value means success.
type Result uint32

const (
	moduleBits      = 9
	descriptionBits = 13

	// ModuleKernel is the module id shared by every kernel result.
	ModuleKernel = 1
)

// Make builds a result from a module and a description.
func Make(module, description uint32) Result {
	return Result(module&(1<<moduleBits-1) | (description&(1<<descriptionBits-1))<<moduleBits)
}

func kernel(description uint32) Result { return Make(ModuleKernel, description) }

// Success is the zero result.
const Success Result = 0

// Kernel results.
var (
	OutOfSessions        = kernel(7)
	InvalidArgument      = kernel(14)
	TerminationRequested = kernel(59)
	InvalidSize          = kernel(101)
	InvalidAddress       = kernel(102)
	OutOfResource        = kernel(103)
	OutOfMemory          = kernel(104)
	OutOfHandles         = kernel(105)
	InvalidCurrentMemory = kernel(106)
	InvalidPriority      = kernel(112)
	InvalidCoreID        = kernel(113)
	InvalidHandle        = kernel(114)
	InvalidCombination   = kernel(116)
	TimedOut             = kernel(117)
	Cancelled            = kernel(118)
	OutOfRange           = kernel(119)
	InvalidEnumValue     = kernel(120)
	NotFound             = kernel(121)
	SessionClosed        = kernel(123)
	InvalidState         = kernel(125)
	PortClosed           = kernel(131)
	LimitReached         = kernel(132)
	ReceiveListBroken    = kernel(258)
	MessageTooLarge      = kernel(260)
)

var names = map[Result]string{
	OutOfSessions:        "out of sessions",
	InvalidArgument:      "invalid argument",
	TerminationRequested: "termination requested",
	InvalidSize:          "invalid size",
	InvalidAddress:       "invalid address",
	OutOfResource:        "out of resource",
	OutOfMemory:          "out of memory",
	OutOfHandles:         "out of handles",
	InvalidCurrentMemory: "invalid current memory",
	InvalidPriority:      "invalid priority",
	InvalidCoreID:        "invalid core id",
	InvalidHandle:        "invalid handle",
	InvalidCombination:   "invalid combination",
	TimedOut:             "timed out",
	Cancelled:            "cancelled",
	OutOfRange:           "out of range",
	InvalidEnumValue:     "invalid enum value",
	NotFound:             "not found",
	SessionClosed:        "session closed",
	InvalidState:         "invalid state",
	PortClosed:           "port closed",
	LimitReached:         "limit reached",
	ReceiveListBroken:    "receive list broken",
	MessageTooLarge:      "message too large",
}

// Module returns the module id of the result.
func (r Result) Module() uint32 { return uint32(r) & (1<<moduleBits - 1) }

// Description returns the description field of the result.
func (r Result) Description() uint32 {
	return (uint32(r) >> moduleBits) & (1<<descriptionBits - 1)
}

// Value returns the raw encoded value.
func (r Result) Value() uint32 { return uint32(r) }

// IsSuccess reports whether r is Success.
func (r Result) IsSuccess() bool { return r == Success }

// Error implements error.
func (r Result) Error() string {
	if name, ok := names[r]; ok {
		return fmt.Sprintf("kernel: %s (%d-%04d)", name, 2000+r.Module(), r.Description())
	}
	return fmt.Sprintf("kernel: result %d-%04d", 2000+r.Module(), r.Description())
}

// From converts an error returned by a kernel operation back into a Result.
// Nil maps to Success; errors that are not results map to InvalidState.
func From(err error) Result {
	if err == nil {
		return Success
	}
	if r, ok := err.(Result); ok {
		return r
	}
	return InvalidState
}

// Err returns r as an error, mapping Success to nil.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	return r
}

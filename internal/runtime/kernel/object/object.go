// Package object provides reference-counted kernel objects.
package object

import (
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

// Object is a kernel object that can be referenced from a handle table.
type Object interface {
	// Open takes a new reference. It fails once the object has started
	// being destroyed.
	Open() bool
	// Close drops a reference, destroying the object on the last one.
	Close()
	// TypeName names the object kind for diagnostics.
	TypeName() string
}

// Base implements the reference count shared by every kernel object.
//
// The destroy callback runs on the goroutine that drops the last reference.
// Callers must never drop a reference while holding the critical section or
// a handle table lock; teardown may take either.
type Base struct {
	refs     atomic.Int32
	typeName string
	destroy  func()
}

// Init sets the initial reference held by the creator.
func (b *Base) Init(typeName string, destroy func()) {
	b.typeName = typeName
	b.destroy = destroy
	b.refs.Store(1)
}

// Open takes a reference.
func (b *Base) Open() bool {
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Close drops a reference.
func (b *Base) Close() {
	n := b.refs.Add(-1)
	switch {
	case n == 0:
		if b.destroy != nil {
			b.destroy()
		}
	case n < 0:
		kassert.Abort("object: %s closed with no references", b.typeName)
	}
}

// RefCount returns the current number of references.
func (b *Base) RefCount() int32 { return b.refs.Load() }

// TypeName returns the name given at Init.
func (b *Base) TypeName() string { return b.typeName }

// Package handle implements the per-process handle table.
//
// A handle packs a slot index and a linear id into one 32-bit value:
//
//	bits  0..14  slot index
//	bits 15..29  linear id (never zero)
//	bits 30..31  reserved, must be zero
//
// Every allocation assigns the next linear id, so a handle to a freed slot is
// rejected after the slot is reused.
package handle

import (
	"sync"
	"sync/atomic"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/object"
	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// Handle is a user-visible reference to a kernel object.
type Handle uint32

const (
	indexBits    = 15
	linearIDBits = 15

	indexMask    = 1<<indexBits - 1
	linearIDMask = 1<<linearIDBits - 1

	// MinLinearID is the first linear id handed out.
	MinLinearID = 1
	// MaxLinearID is the last linear id before wrapping to MinLinearID.
	MaxLinearID = linearIDMask
	// MaxTableSize is the largest supported table.
	MaxTableSize = 1024
)

// Reserved handle values.
const (
	Invalid        Handle = 0
	CurrentThread  Handle = 0xFFFF8000
	CurrentProcess Handle = 0xFFFF8001
)

// Encode builds a handle from a slot index and a linear id.
func Encode(index, linearID uint16) Handle {
	return Handle(uint32(index)&indexMask | (uint32(linearID)&linearIDMask)<<indexBits)
}

// Index returns the slot index of h.
func (h Handle) Index() uint16 { return uint16(uint32(h) & indexMask) }

// LinearID returns the linear id of h.
func (h Handle) LinearID() uint16 { return uint16((uint32(h) >> indexBits) & linearIDMask) }

// Reserved returns the reserved bits of h.
func (h Handle) Reserved() uint32 { return uint32(h) >> (indexBits + linearIDBits) }

// IsPseudo reports whether h is one of the fixed pseudo-handles.
func (h Handle) IsPseudo() bool { return h == CurrentThread || h == CurrentProcess }

type entry struct {
	obj      object.Object
	linearID uint16
	nextFree int32
}

// Table maps handles to objects.
type Table struct {
	mu           sync.Mutex
	entries      [MaxTableSize]entry
	tableSize    int32
	freeHead     int32
	nextLinearID uint16
	count        int32
	maxCount     int32

	acquisitions atomic.Uint64
}

// NewTable creates a new table of the given size. A size of zero or less
// selects MaxTableSize.
func NewTable(size int) (*Table, error) {
	t := &Table{}
	if err := t.Initialize(size); err != nil {
		return nil, err
	}
	return t, nil
}

// Initialize resets the table to an empty table of the given size.
func (t *Table) Initialize(size int) error {
	if size > MaxTableSize {
		return result.OutOfMemory
	}
	if size <= 0 {
		size = MaxTableSize
	}

	t.lock()
	defer t.mu.Unlock()

	t.tableSize = int32(size)
	t.nextLinearID = MinLinearID
	t.count = 0
	t.maxCount = 0
	t.freeHead = 0
	for i := 0; i < size; i++ {
		t.entries[i] = entry{nextFree: int32(i + 1)}
	}
	t.entries[size-1].nextFree = -1
	return nil
}

func (t *Table) lock() {
	t.mu.Lock()
	t.acquisitions.Add(1)
}

// LockAcquisitions returns how many times the table lock was taken.
func (t *Table) LockAcquisitions() uint64 { return t.acquisitions.Load() }

// Add stores obj in a free slot and returns its handle. The table takes its
// own reference on obj.
func (t *Table) Add(obj object.Object) (Handle, error) {
	t.lock()
	defer t.mu.Unlock()

	if t.count >= t.tableSize {
		return Invalid, result.OutOfHandles
	}

	linearID := t.allocateLinearID()
	index := t.allocateEntry()
	t.entries[index].linearID = linearID
	t.entries[index].obj = obj
	obj.Open()
	return Encode(uint16(index), linearID), nil
}

// Remove frees the slot referenced by h and drops the table's reference.
// It reports whether h was valid.
func (t *Table) Remove(h Handle) bool {
	if h.IsPseudo() || h.Reserved() != 0 {
		return false
	}

	var obj object.Object
	t.lock()
	if !t.isValid(h) {
		t.mu.Unlock()
		return false
	}
	index := int32(h.Index())
	obj = t.entries[index].obj
	t.freeEntry(index)
	t.mu.Unlock()

	obj.Close()
	return true
}

// Reserve allocates a slot and a linear id without an object.
func (t *Table) Reserve() (Handle, error) {
	t.lock()
	defer t.mu.Unlock()

	if t.count >= t.tableSize {
		return Invalid, result.OutOfHandles
	}
	index := t.allocateEntry()
	return Encode(uint16(index), t.allocateLinearID()), nil
}

// Unreserve releases a slot obtained from Reserve that was never registered.
func (t *Table) Unreserve(h Handle) {
	kassert.That(h.Reserved() == 0, "handle: unreserve of 0x%08x with reserved bits", uint32(h))
	kassert.That(h.LinearID() != 0, "handle: unreserve of 0x%08x without linear id", uint32(h))

	t.lock()
	defer t.mu.Unlock()

	index := int32(h.Index())
	if index < t.tableSize {
		kassert.That(t.entries[index].obj == nil, "handle: unreserve of registered slot %d", index)
		t.freeEntry(index)
	}
}

// Register fills a reserved slot with obj. Registering a slot that already
// holds an object is a contract violation.
func (t *Table) Register(h Handle, obj object.Object) {
	kassert.That(h.Reserved() == 0, "handle: register of 0x%08x with reserved bits", uint32(h))
	kassert.That(h.LinearID() != 0, "handle: register of 0x%08x without linear id", uint32(h))

	t.lock()
	defer t.mu.Unlock()

	index := int32(h.Index())
	if index < t.tableSize {
		kassert.That(t.entries[index].obj == nil, "handle: slot %d registered twice", index)
		t.entries[index].linearID = h.LinearID()
		t.entries[index].obj = obj
		obj.Open()
	}
}

// GetObject returns the object referenced by h with a new reference opened
// on it. Pseudo-handles never resolve through the table.
func (t *Table) GetObject(h Handle) (object.Object, bool) {
	if h.IsPseudo() || h.Reserved() != 0 {
		return nil, false
	}

	t.lock()
	defer t.mu.Unlock()

	if !t.isValid(h) {
		return nil, false
	}
	obj := t.entries[h.Index()].obj
	if !obj.Open() {
		return nil, false
	}
	return obj, true
}

// GetObjectByIndex returns the object in slot index along with the handle
// that currently addresses it, with a new reference opened on the object.
func (t *Table) GetObjectByIndex(index int) (object.Object, Handle, bool) {
	t.lock()
	defer t.mu.Unlock()

	if index < 0 || int32(index) >= t.tableSize {
		return nil, Invalid, false
	}
	e := &t.entries[index]
	if e.obj == nil || !e.obj.Open() {
		return nil, Invalid, false
	}
	return e.obj, Encode(uint16(index), e.linearID), true
}

// Get resolves h and asserts the object type.
func Get[T object.Object](t *Table, h Handle) (T, bool) {
	var zero T
	obj, ok := t.GetObject(h)
	if !ok {
		return zero, false
	}
	typed, ok := obj.(T)
	if !ok {
		obj.Close()
		return zero, false
	}
	return typed, true
}

// Finalize empties the table, closing every remaining object. It is used only
// at process teardown.
func (t *Table) Finalize() {
	t.lock()
	saved := t.tableSize
	t.tableSize = 0
	objs := make([]object.Object, 0, t.count)
	for i := int32(0); i < saved; i++ {
		if obj := t.entries[i].obj; obj != nil {
			objs = append(objs, obj)
			t.entries[i].obj = nil
		}
	}
	t.count = 0
	t.mu.Unlock()

	for _, obj := range objs {
		obj.Close()
	}
}

// Count returns the number of occupied slots, reserved ones included.
func (t *Table) Count() int {
	t.lock()
	defer t.mu.Unlock()
	return int(t.count)
}

// MaxCount returns the peak of Count.
func (t *Table) MaxCount() int {
	t.lock()
	defer t.mu.Unlock()
	return int(t.maxCount)
}

// Size returns the live table size; zero after Finalize.
func (t *Table) Size() int {
	t.lock()
	defer t.mu.Unlock()
	return int(t.tableSize)
}

func (t *Table) isValid(h Handle) bool {
	if h == Invalid || h.LinearID() == 0 {
		return false
	}
	index := int32(h.Index())
	if index >= t.tableSize {
		return false
	}
	e := &t.entries[index]
	return e.obj != nil && e.linearID == h.LinearID()
}

func (t *Table) allocateEntry() int32 {
	index := t.freeHead
	kassert.That(index >= 0, "handle: free list exhausted with count %d", t.count)
	t.freeHead = t.entries[index].nextFree
	t.count++
	if t.count > t.maxCount {
		t.maxCount = t.count
	}
	return index
}

func (t *Table) freeEntry(index int32) {
	t.entries[index].obj = nil
	t.entries[index].nextFree = t.freeHead
	t.freeHead = index
	t.count--
}

func (t *Table) allocateLinearID() uint16 {
	id := t.nextLinearID
	t.nextLinearID++
	if t.nextLinearID > MaxLinearID {
		t.nextLinearID = MinLinearID
	}
	return id
}

// Package pagetable provides an in-memory user address space.
//
// The kernel only uses a page table to translate a user address into memory
// it can read or write: IPC message copies, asynchronous error replies and
// the address arbiter's atomic words. Heap backs a single contiguous region
// with word-aligned host memory so that both byte views and atomic 32-bit
// accesses are possible.
package pagetable

import (
	"unsafe"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

// PageSize is the granularity of user buffers passed to IPC.
const PageSize = 0x1000

// Heap is a contiguous user region starting at Base.
type Heap struct {
	base  uint64
	words []uint32
	bytes []byte
}

// NewHeap maps size bytes (rounded up to a page) at base.
func NewHeap(base, size uint64) *Heap {
	size = (size + PageSize - 1) &^ (PageSize - 1)
	words := make([]uint32, size/4)
	return &Heap{
		base:  base,
		words: words,
		bytes: unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*4),
	}
}

// Base returns the first mapped address.
func (h *Heap) Base() uint64 { return h.base }

// Size returns the mapped size in bytes.
func (h *Heap) Size() uint64 { return uint64(len(h.bytes)) }

// Contains reports whether [addr, addr+size) is mapped.
func (h *Heap) Contains(addr, size uint64) bool {
	if addr < h.base || size > h.Size() {
		return false
	}
	return addr-h.base <= h.Size()-size
}

// LinearView returns the host view of [addr, addr+size).
func (h *Heap) LinearView(addr, size uint64) ([]byte, error) {
	if !h.Contains(addr, size) {
		return nil, result.InvalidCurrentMemory
	}
	off := addr - h.base
	return h.bytes[off : off+size : off+size], nil
}

// Word returns the 32-bit word at addr for atomic access.
func (h *Heap) Word(addr uint64) (*uint32, error) {
	if addr%4 != 0 {
		return nil, result.InvalidAddress
	}
	if !h.Contains(addr, 4) {
		return nil, result.InvalidCurrentMemory
	}
	return &h.words[(addr-h.base)/4], nil
}

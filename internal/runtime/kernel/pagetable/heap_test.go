package pagetable

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/result"
)

func TestHeap_ViewsShareMemory(t *testing.T) {
	h := NewHeap(0x10000, 10)
	if h.Size() != PageSize {
		t.Fatalf("size %d not rounded to a page", h.Size())
	}

	w, err := h.Word(0x10008)
	if err != nil {
		t.Fatalf("word: %v", err)
	}
	atomic.StoreUint32(w, 0xdeadbeef)

	view, err := h.LinearView(0x10000, 16)
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if got := binary.LittleEndian.Uint32(view[8:]); got != 0xdeadbeef {
		t.Fatalf("byte view read 0x%x", got)
	}
}

func TestHeap_Bounds(t *testing.T) {
	h := NewHeap(0x10000, PageSize)
	if _, err := h.LinearView(0xfff0, 32); !errors.Is(err, result.InvalidCurrentMemory) {
		t.Fatalf("below base: %v", err)
	}
	if _, err := h.LinearView(0x10000+PageSize-4, 8); !errors.Is(err, result.InvalidCurrentMemory) {
		t.Fatalf("past end: %v", err)
	}
	if _, err := h.Word(0x10002); !errors.Is(err, result.InvalidAddress) {
		t.Fatalf("unaligned word: %v", err)
	}
	if _, err := h.LinearView(0x10000, PageSize); err != nil {
		t.Fatalf("whole heap: %v", err)
	}
}

package object

import (
	"sync"
	"testing"

	"github.com/Atmosphere-NX/Atmosphere-sub034/internal/runtime/kernel/kassert"
)

type counted struct {
	Base
	destroyed int
}

func newCounted() *counted {
	c := &counted{}
	c.Init("counted", func() { c.destroyed++ })
	return c
}

func TestBase_DestroyOnLastClose(t *testing.T) {
	c := newCounted()
	if !c.Open() {
		t.Fatal("open failed")
	}
	c.Close()
	if c.destroyed != 0 {
		t.Fatal("destroyed too early")
	}
	c.Close()
	if c.destroyed != 1 {
		t.Fatalf("destroyed %d times", c.destroyed)
	}
	if c.Open() {
		t.Fatal("open succeeded on a destroyed object")
	}
}

func TestBase_ConcurrentOpenClose(t *testing.T) {
	c := newCounted()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				if c.Open() {
					c.Close()
				}
			}
		}()
	}
	wg.Wait()
	if c.RefCount() != 1 {
		t.Fatalf("refcount %d", c.RefCount())
	}
	c.Close()
	if c.destroyed != 1 {
		t.Fatal("not destroyed")
	}
}

func TestBase_OverCloseAborts(t *testing.T) {
	c := newCounted()
	c.Close()
	defer func() {
		if kassert.Recover(recover()) == nil {
			t.Fatal("expected a contract violation")
		}
	}()
	c.Close()
}

package result

import (
	"errors"
	"fmt"
	"testing"
)

func TestResult_Encoding(t *testing.T) {
	cases := []struct {
		r    Result
		desc uint32
		raw  uint32
	}{
		{SessionClosed, 123, 1 | 123<<9},
		{TimedOut, 117, 1 | 117<<9},
		{OutOfHandles, 105, 1 | 105<<9},
		{ReceiveListBroken, 258, 1 | 258<<9},
	}

	for _, c := range cases {
		if c.r.Module() != ModuleKernel {
			t.Errorf("%v: module %d", c.r, c.r.Module())
		}
		if c.r.Description() != c.desc {
			t.Errorf("%v: description %d, want %d", c.r, c.r.Description(), c.desc)
		}
		if c.r.Value() != c.raw {
			t.Errorf("%v: raw 0x%x, want 0x%x", c.r, c.r.Value(), c.raw)
		}
	}
}

func TestResult_ErrorsIs(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", SessionClosed)
	if !errors.Is(wrapped, SessionClosed) {
		t.Fatal("wrapped result not matched")
	}
	if errors.Is(wrapped, TimedOut) {
		t.Fatal("matched the wrong result")
	}
}

func TestResult_From(t *testing.T) {
	if From(nil) != Success {
		t.Fatal("nil should map to success")
	}
	if From(InvalidHandle) != InvalidHandle {
		t.Fatal("result should round trip")
	}
	if From(errors.New("boom")) != InvalidState {
		t.Fatal("foreign errors map to invalid state")
	}
	if Success.Err() != nil {
		t.Fatal("success should be a nil error")
	}
	if SessionClosed.Error() != "kernel: session closed (2001-0123)" {
		t.Fatalf("unexpected text %q", SessionClosed.Error())
	}
}

package framequeue

import (
	"testing"
	"time"

	"github.com/dabtx/dexter-output/internal/radio"
)

func frame(fct uint32) radio.FrameData {
	return radio.FrameData{TS: radio.FrameTimestamp{FCT: fct}}
}

func TestPushPopFIFO(t *testing.T) {
	q := New()
	q.Push(frame(1), 4)
	q.Push(frame(2), 4)

	f, ok := q.Pop()
	if !ok || f.TS.FCT != 1 {
		t.Fatalf("expected fct=1, got %+v ok=%t", f, ok)
	}
	f, ok = q.Pop()
	if !ok || f.TS.FCT != 2 {
		t.Fatalf("expected fct=2, got %+v ok=%t", f, ok)
	}
}

func TestPushDropsOldestOnOverflow(t *testing.T) {
	q := New()
	for i := uint32(1); i <= 3; i++ {
		q.Push(frame(i), 2)
	}
	if got := q.OverflowCount(); got != 1 {
		t.Fatalf("expected 1 overflow, got %d", got)
	}
	f, _ := q.Pop()
	if f.TS.FCT != 2 {
		t.Fatalf("expected oldest surviving fct=2, got %d", f.TS.FCT)
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New()
	done := make(chan radio.FrameData, 1)
	go func() {
		f, ok := q.Pop()
		if ok {
			done <- f
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push(frame(9), 4)

	select {
	case f := <-done:
		if f.TS.FCT != 9 {
			t.Fatalf("expected fct=9, got %d", f.TS.FCT)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestShutdownWakesBlockedPop(t *testing.T) {
	q := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Shutdown()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to report shutdown with ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake on Shutdown")
	}
}

package dpd

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/radio"
)

type fakeObserver struct {
	mu        sync.Mutex
	failNext  bool
	observed  int
	closed    bool
}

func (f *fakeObserver) Observe(frame radio.FrameData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed++
	if f.failNext {
		f.failNext = false
		return errors.New("simulated dpd link failure")
	}
	return nil
}

func (f *fakeObserver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testLogger() logging.Logger { return logging.New(logging.Fatal, logging.Text, io.Discard) }

func TestManagerObservePassesFramesThrough(t *testing.T) {
	obs := &fakeObserver{}
	m := New(radio.NewMock(0), func() (Observer, error) { return obs, nil }, testLogger())
	defer m.Close()

	m.Observe(radio.FrameData{})
	m.Observe(radio.FrameData{})

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.observed != 2 {
		t.Fatalf("observed = %d, want 2", obs.observed)
	}
}

func TestManagerRestartsOnObserveFailure(t *testing.T) {
	first := &fakeObserver{failNext: true}
	second := &fakeObserver{}

	var mu sync.Mutex
	calls := 0
	factory := func() (Observer, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return first, nil
		}
		return second, nil
	}

	m := New(radio.NewMock(0), factory, testLogger())
	defer m.Close()

	m.Observe(radio.FrameData{}) // fails, triggers restart

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		obs := m.observer
		m.mu.Unlock()
		if obs == Observer(second) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.mu.Lock()
	current := m.observer
	m.mu.Unlock()
	if current != Observer(second) {
		t.Fatalf("expected manager to have restarted onto the second observer")
	}

	first.mu.Lock()
	if !first.closed {
		t.Fatal("expected failed observer to be closed")
	}
	first.mu.Unlock()

	m.Observe(radio.FrameData{})
	second.mu.Lock()
	defer second.mu.Unlock()
	if second.observed != 1 {
		t.Fatalf("second.observed = %d, want 1", second.observed)
	}
}

func TestManagerConstructionFailureIsNotFatal(t *testing.T) {
	calls := 0
	factory := func() (Observer, error) {
		calls++
		return nil, errors.New("dpd server unreachable")
	}
	m := New(radio.NewMock(0), factory, testLogger())
	defer m.Close()

	if m.observer != nil {
		t.Fatal("expected no observer after a failed construction")
	}
	// Observe with no observer only starts a background restart; it must
	// return at once, never blocking or panicking.
	m.Observe(radio.FrameData{})
}

func TestManagerCloseStopsRestartLoop(t *testing.T) {
	obs := &fakeObserver{failNext: true}
	factory := func() (Observer, error) { return obs, nil }
	m := New(radio.NewMock(0), factory, testLogger())

	m.Observe(radio.FrameData{}) // fails, starts restarting
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		t.Fatal("expected closed flag set")
	}
}

// Package dpd implements the feedback observer of the output core: a
// pluggable, non-owning hook that watches transmitted frames for digital
// pre-distortion purposes. The observer itself is supplied by the caller
// (it talks to whatever external DPD server a deployment runs); this
// package's job is only to hold a reference to it, feed it frames, and
// restart it with backoff when it misbehaves. A runtime failure there
// restarts the observer and continues; DPD feedback is advisory, not part
// of the transmission path.
package dpd

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/radio"
)

// Observer receives transmitted frames for external pre-distortion
// analysis. Observe must not block the output worker for long; a deployment
// wanting to batch or forward frames elsewhere should queue internally.
type Observer interface {
	Observe(frame radio.FrameData) error
	Close() error
}

// Factory constructs a fresh Observer, e.g. reconnecting to an external DPD
// server. It is called once at Manager construction and again each time the
// current Observer fails.
type Factory func() (Observer, error)

// Manager owns an Observer's lifecycle without owning the radio.Device the
// observer feeds back against - the device reference is held purely so a
// future Observer implementation can read gain/temperature context, never
// to retune or transmit.
type Manager struct {
	device radio.Device
	factory Factory
	log     logging.Logger

	mu         sync.Mutex
	observer   Observer
	restarting bool
	closed     bool
}

// New constructs a Manager and makes one synchronous attempt to build the
// initial Observer. A construction failure here is logged, not fatal: the
// first Observe call will kick off the same restart-with-backoff loop a
// runtime failure would.
func New(device radio.Device, factory Factory, log logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("dpd")

	m := &Manager{device: device, factory: factory, log: log}
	if obs, err := factory(); err != nil {
		log.Warn("dpd observer construction failed, will retry on first frame", errField(err))
	} else {
		m.observer = obs
	}
	return m
}

// Observe hands frame to the current Observer, if any. With no Observer in
// place it starts the asynchronous restart (unless one is already running)
// and drops the frame. A failure logs, drops the failed Observer, and starts
// an asynchronous restart; Observe itself never blocks on the restart and
// never returns an error to the caller - the output worker keeps
// transmitting while DPD feedback reconnects in the background.
func (m *Manager) Observe(frame radio.FrameData) {
	m.mu.Lock()
	obs := m.observer
	startRestart := obs == nil && !m.restarting && !m.closed
	if startRestart {
		m.restarting = true
	}
	m.mu.Unlock()
	if obs == nil {
		if startRestart {
			go m.restart()
		}
		return
	}

	if err := obs.Observe(frame); err != nil {
		m.log.Warn("dpd observer failed, restarting", errField(err))
		m.mu.Lock()
		if m.observer == obs {
			m.observer = nil
		}
		already := m.restarting
		m.restarting = true
		m.mu.Unlock()
		_ = obs.Close()
		if !already {
			go m.restart()
		}
	}
}

// restart retries factory with exponential backoff until it succeeds or
// Close is called. Observe calls made while restarting are silently
// dropped - there is no DPD feedback during the gap, which is acceptable
// since DPD is advisory, not part of the transmission path.
func (m *Manager) restart() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // retry forever; Close stops us via the closed flag

	_ = backoff.Retry(func() error {
		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil
		}
		obs, err := m.factory()
		if err != nil {
			m.log.Warn("dpd observer restart attempt failed", errField(err))
			return err
		}
		m.mu.Lock()
		m.observer = obs
		m.restarting = false
		m.mu.Unlock()
		m.log.Info("dpd observer restarted")
		return nil
	}, b)
}

// Close releases the current Observer and prevents further restarts.
func (m *Manager) Close() error {
	m.mu.Lock()
	obs := m.observer
	m.observer = nil
	m.closed = true
	m.mu.Unlock()
	if obs != nil {
		return obs.Close()
	}
	return nil
}

func errField(err error) logging.Field { return logging.Field{Key: "error", Value: err} }

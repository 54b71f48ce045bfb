// Package output implements the SDR output stage: the boundary between
// the modulator chain's raw IQ bytes and a radio.Device. It assembles
// process()/process_metadata() calls into complete transmission frames,
// queues them through internal/framequeue, and drives a worker goroutine
// that applies the clock-source, muting, and timestamp sanity gates of
// handle_frame before handing a frame to the device.
package output

import (
	"fmt"
	"sync"
	"time"

	"github.com/dabtx/dexter-output/internal/diag"
	"github.com/dabtx/dexter-output/internal/dpd"
	"github.com/dabtx/dexter-output/internal/framequeue"
	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/radio"
)

// Config is the remote-control-settable device parameter set. The daemon
// builds it from internal/config's persisted settings (Config.OutputConfig),
// field by field; internal/config does not marshal this type.
type Config struct {
	Mode       radio.Mode `json:"mode"`
	SampleRate float64    `json:"sample_rate"`

	TxGain float64 `json:"txgain"`
	// RxGain is settable and readable through the remote-control surface
	// but has no hardware effect: this system has no receive path
	// (demodulation/RX processing is out of scope). It is stored purely
	// so a remote-control client's round trip succeeds.
	RxGain    float64 `json:"rxgain"`
	Bandwidth float64 `json:"bandwidth"`
	Freq      float64 `json:"freq"`
	LOOffset  float64 `json:"lo_offset"`
	Channel   string  `json:"channel"`

	Muting           bool `json:"muting"`
	Synchronous      bool `json:"synchronous"`
	MuteNoTimestamps bool `json:"mute_no_timestamps"`

	MaxGPSHoldoverTime time.Duration `json:"max_gps_holdover_time"`

	// MaxQueuedFrames is the frame-queue capacity (250 when unset). The same
	// capacity applies whether or not Synchronous is set.
	MaxQueuedFrames int `json:"max_queued_frames"`

	Channels ChannelTable `json:"channels"`
}

// farFutureMarginS is the handle_frame gate-3 fatal threshold: a timestamp
// more than this far ahead of the device's clock is treated as corrupt
// input, not a scheduling problem, and kills the worker.
const farFutureMarginS = 100.0

// MetadataEntry is one ETI sub-frame's contribution to a transmission
// frame's metadata vector. Only TS is modelled: process_metadata uses
// exactly vec[0].TS, the earliest contributing timestamp.
type MetadataEntry struct {
	TS radio.FrameTimestamp
}

// Stage is the concrete C4 SDR output stage.
type Stage struct {
	log    logging.Logger
	device radio.Device
	queue  *framequeue.Queue
	dpd    *dpd.Manager
	spec   *diag.Analyzer

	mu      sync.RWMutex
	cfg     Config
	staging []byte

	running    bool
	workerDone chan struct{}
	fatalErr   error

	haveLastTS bool
	lastTxSec  uint64
	lastTxPPS  uint64

	droppedMuted       int64
	droppedNoTimestamp int64
	droppedLate        int64
}

// New constructs a Stage bound to device and backed by its own frame queue.
// dpdManager may be nil if no DPD feedback server is configured. The
// worker goroutine is started immediately.
func New(device radio.Device, cfg Config, dpdManager *dpd.Manager, log logging.Logger) *Stage {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("output")
	if cfg.MaxQueuedFrames <= 0 {
		cfg.MaxQueuedFrames = 250
	}

	s := &Stage{
		log:        log,
		device:     device,
		queue:      framequeue.New(),
		dpd:        dpdManager,
		spec:       diag.NewAnalyzer(1024),
		cfg:        cfg,
		running:    true,
		workerDone: make(chan struct{}),
	}
	go s.runWorker()
	return s
}

// Process copies incoming IQ bytes into the staging buffer for the frame
// currently being assembled and returns the number of bytes accepted. It
// returns an error once the worker has died - no enqueue happens here, a
// frame is not complete until ProcessMetadata arrives.
func (s *Stage) Process(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0, fmt.Errorf("output: worker is not running: %w", s.fatalErr)
	}
	s.staging = append(s.staging, buf...)
	return len(buf), nil
}

// ProcessMetadata completes the frame assembled by prior Process calls,
// stamps it with vec[0]'s timestamp (the earliest of however many ETI
// sub-frames contributed - deliberately not the latest), hands it to the
// DPD observer if configured, and pushes it into the frame queue.
func (s *Stage) ProcessMetadata(vec []MetadataEntry) error {
	if len(vec) == 0 {
		s.log.Warn("process_metadata: empty metadata vector, dropping frame (invalid fct)")
		s.mu.Lock()
		s.staging = nil
		s.mu.Unlock()
		return nil
	}
	ts := vec[0].TS

	s.mu.Lock()
	frame := radio.FrameData{Buf: s.staging, SampleSize: 4, TS: ts}
	s.staging = nil
	maxQueued := s.cfg.MaxQueuedFrames
	s.mu.Unlock()

	if s.dpd != nil {
		s.dpd.Observe(frame)
	}

	result := s.queue.Push(frame, maxQueued)
	if result.Overflowed {
		s.log.Warn("frame queue overflow, oldest frame dropped", logf("new_size", result.NewSize))
	}
	return nil
}

// Close stops the worker and waits for it to exit.
func (s *Stage) Close() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.queue.Shutdown()
	<-s.workerDone
	if s.dpd != nil {
		return s.dpd.Close()
	}
	return nil
}

// Running reports whether the worker is still alive.
func (s *Stage) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// FatalErr returns the error that stopped the worker, if any.
func (s *Stage) FatalErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatalErr
}

// Counters exposes the internal drop accounting that backs the invariant
// that every accepted frame is transmitted or accounted exactly once.
type Counters struct {
	Overflowed        int64
	Late               int64
	DroppedMuted       int64
	DroppedNoTimestamp int64
}

func (s *Stage) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counters{
		Overflowed:         s.queue.OverflowCount(),
		Late:               s.droppedLate,
		DroppedMuted:       s.droppedMuted,
		DroppedNoTimestamp: s.droppedNoTimestamp,
	}
}

// QueueLen exposes the frame queue depth for queued_frames_ms.
func (s *Stage) QueueLen() int { return s.queue.Len() }

// DeviceStatistics exposes the device's raw run-statistics map, for
// telemetry collectors that want typed values instead of Get's
// string-formatted readable surface.
func (s *Stage) DeviceStatistics() map[string]radio.StatValue { return s.device.GetRunStatistics() }

func logf(key string, value any) logging.Field { return logging.Field{Key: key, Value: value} }
func errField(err error) logging.Field         { return logging.Field{Key: "error", Value: err} }

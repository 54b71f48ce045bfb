// Package dexter is the reference radio.Device implementation for a
// GPSDO-disciplined FPGA transmitter board: it owns hardware attribute I/O
// over the iiod wire protocol, a clock-alignment state machine, and an
// underflow-counter polling thread.
package dexter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dabtx/dexter-output/iiod"
	"github.com/dabtx/dexter-output/internal/health"
	"github.com/dabtx/dexter-output/internal/logging"
	"github.com/dabtx/dexter-output/internal/radio"
)

// Device names on the attribute bus (see spec §4.2/§6).
const (
	devDSPTx       = "dexter_dsp_tx"
	devUpconverter = "ad9957"
	devTxSink      = "ad9957_tx0"
)

// dexter_dsp_tx attributes.
const (
	attrGain0             = "gain0"
	attrFrequency0        = "frequency0"
	attrDC0               = "dc0"
	attrDC1               = "dc1"
	attrStreamStartClks   = "stream0_start_clks"
	attrFlushFifoTrigger  = "stream0_flush_fifo_trigger"
	attrClks              = "clks"
	attrPPSClks           = "pps_clks"
	attrGPSDOLocked       = "gpsdo_locked"
	attrPPSLoss           = "pps_loss_of_signal"
	attrPPSCnt            = "pps_cnt"
	attrPPSClkErrorHz     = "pps_clk_error_hz"
	attrBufferUnderflows0 = "buffer_underflows0"
	attrDSPVersion        = "dsp_version"
	attrFifoNotEmptyClks  = "stream0_fifo_not_empty_clks"
)

// ad9957 attributes.
const attrCenterFrequency = "center_frequency"

// DSPClock is the DSP counter's tick rate: 2,048,000 * 80 Hz.
const DSPClock = 163_840_000

// ppsToClksRatio converts a sub-second timestamp in 16.384 MHz PPS ticks to
// DSP clock ticks; DSPClock / radio.PPSTicksPerSecond == 10 exactly for this
// board. A future board with a different ratio must turn this into data.
const ppsToClksRatio = DSPClock / radio.PPSTicksPerSecond

// ioBuffers is the number of DMA ring blocks the TX sink is double-buffered
// into; each transmission frame is split into ioBuffers equal halves.
const ioBuffers = 2

// lateFrameMarginS is the minimum margin, in seconds, a frame's timestamp
// must lead real time by before arming; anything tighter is dropped as late.
const lateFrameMarginS = 0.2

// fifoFlushSleep is how long construction waits after pushing one zeroed
// buffer for the FPGA FIFO to drain before raising gain.
const fifoFlushSleep = 200 * time.Millisecond

// Config configures a Driver at construction time. It mirrors the
// enumerated options of SDRDeviceConfig that are relevant to hardware
// bring-up; remote-control-only fields (muting, channel tables) live in
// internal/output.
type Config struct {
	URI string

	SampleRate float64
	Frequency  float64
	LOOffset   float64
	TxGain     float64
	Bandwidth  float64

	Mode                radio.Mode
	EnableSync          bool
	MaxGPSHoldoverTime  time.Duration

	Logger logging.Logger
}

// Driver is the concrete Dexter radio.Device.
type Driver struct {
	cfg Config
	log logging.Logger

	client       *iiod.Client
	pollerClient *iiod.Client
	attrTimeout  time.Duration

	mu        sync.Mutex
	txFreq    float64
	loOffset  float64
	txGain    float64
	bandwidth float64

	channelUp  bool
	refreshReq bool

	clock clockAlign

	numFrames           int64
	numLate             int64
	underflowPrv        uint64
	lastLoggedUnderflow uint64

	bufID      int
	bufSamples int

	pollerStop chan struct{}
	pollerDone chan struct{}

	health *health.Reader
}

// New dials IIOD, programs the hardware attribute surface, allocates the
// double-buffered DMA ring, flushes the FPGA FIFO, and starts the
// underflow-poller thread. See spec §4.2's initialisation contract.
func New(ctx context.Context, cfg Config) (*Driver, error) {
	if cfg.SampleRate != 2_048_000 {
		return nil, fmt.Errorf("dexter: sample rate must be 2048000, got %v", cfg.SampleRate)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("dexter")

	client, err := iiod.Dial(ctx, cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("dexter: dial %s: %w", cfg.URI, err)
	}
	pollerClient, err := iiod.Dial(ctx, cfg.URI)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("dexter: dial poller context %s: %w", cfg.URI, err)
	}

	d := &Driver{
		cfg:          cfg,
		log:          log,
		client:       client,
		pollerClient: pollerClient,
		attrTimeout:  time.Second,
		bandwidth:    cfg.Bandwidth,
		clock:        newClockAlign(cfg.MaxGPSHoldoverTime),
		pollerStop:   make(chan struct{}),
		pollerDone:   make(chan struct{}),
	}

	samples, err := cfg.Mode.FrameSamples()
	if err != nil {
		_ = client.Close()
		_ = pollerClient.Close()
		return nil, fmt.Errorf("dexter: %w", err)
	}
	d.bufSamples = samples / ioBuffers

	if err := d.writeAttr(ctx, devDSPTx, attrDC0, "0"); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: zero dc0: %w", err)
	}
	if err := d.writeAttr(ctx, devDSPTx, attrDC1, "0"); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: zero dc1: %w", err)
	}

	d.Tune(cfg.LOOffset, cfg.Frequency)

	// Gain zeroed BEFORE clearing start_clks: the FIFO-flush trigger must
	// not be able to emit garbage at a nonzero gain.
	if err := d.writeAttr(ctx, devDSPTx, attrGain0, "0"); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: zero gain0: %w", err)
	}
	if err := d.writeAttr(ctx, devDSPTx, attrFlushFifoTrigger, "1"); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: flush fifo trigger: %w", err)
	}
	if err := d.writeAttr(ctx, devDSPTx, attrStreamStartClks, "0"); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: clear start_clks: %w", err)
	}

	bufID, err := d.client.OpenBuffer(ctx, devTxSink, d.bufSamples, true)
	if err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: open tx buffer: %w", err)
	}
	d.bufID = bufID

	zeroed := make([]byte, d.bufSamples*2)
	if _, err := d.client.WriteBuffer(ctx, d.bufID, zeroed); err != nil {
		d.closeClients()
		return nil, fmt.Errorf("dexter: flush push: %w", err)
	}
	select {
	case <-time.After(fifoFlushSleep):
	case <-ctx.Done():
		d.closeClients()
		return nil, ctx.Err()
	}

	d.SetTxGain(cfg.TxGain)

	go d.runUnderflowPoller()

	log.Info("dexter driver ready", logging.Field{Key: "uri", Value: cfg.URI}, logging.Field{Key: "mode", Value: cfg.Mode.String()})
	return d, nil
}

func (d *Driver) closeClients() {
	_ = d.client.Close()
	_ = d.pollerClient.Close()
}

// Close sets gain to zero, destroys the DMA buffer, disables the channel,
// and joins the underflow poller.
func (d *Driver) Close() error {
	close(d.pollerStop)
	<-d.pollerDone

	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	_ = d.writeAttr(ctx, devDSPTx, attrGain0, "0")
	_ = d.client.CloseBuffer(ctx, d.bufID)
	_ = d.writeAttr(ctx, devDSPTx, attrStreamStartClks, "0")

	var firstErr error
	if err := d.client.Close(); err != nil {
		firstErr = err
	}
	if err := d.pollerClient.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *Driver) readAttr(ctx context.Context, dev, attr string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, d.attrTimeout)
	defer cancel()
	return d.client.ReadAttr(cctx, dev, "", attr)
}

func (d *Driver) writeAttr(ctx context.Context, dev, attr, value string) error {
	cctx, cancel := context.WithTimeout(ctx, d.attrTimeout)
	defer cancel()
	return d.client.WriteAttr(cctx, dev, "", attr, value)
}

var _ radio.Device = (*Driver)(nil)

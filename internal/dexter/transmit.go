package dexter

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dabtx/dexter-output/internal/radio"
)

func (d *Driver) Tune(loOffsetHz, frequencyHz float64) {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	if err := d.writeAttr(ctx, devUpconverter, attrCenterFrequency, formatHz(frequencyHz)); err != nil {
		d.log.Warn("tune: set center_frequency failed", errField(err))
		return
	}
	if err := d.writeAttr(ctx, devDSPTx, attrFrequency0, formatHz(loOffsetHz)); err != nil {
		d.log.Warn("tune: set frequency0 failed", errField(err))
		return
	}

	d.mu.Lock()
	d.txFreq = frequencyHz
	d.loOffset = loOffsetHz
	d.mu.Unlock()
}

// GetTxFreq reads frequency0 and center_frequency back from hardware and
// returns their sum, updating the cached value rather than trusting it.
func (d *Driver) GetTxFreq() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	freq0, err := d.readFloatAttr(ctx, devDSPTx, attrFrequency0)
	if err != nil {
		d.log.Warn("get_tx_freq: read frequency0 failed", errField(err))
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.txFreq
	}
	center, err := d.readFloatAttr(ctx, devUpconverter, attrCenterFrequency)
	if err != nil {
		d.log.Warn("get_tx_freq: read center_frequency failed", errField(err))
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.txFreq
	}

	freq := freq0 + center
	d.mu.Lock()
	d.txFreq = freq
	d.mu.Unlock()
	return freq
}

func (d *Driver) SetTxGain(gainDB float64) {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	if err := d.writeAttr(ctx, devDSPTx, attrGain0, strconv.FormatFloat(gainDB, 'f', -1, 64)); err != nil {
		d.log.Warn("set_txgain failed", errField(err))
		return
	}

	g, err := d.readFloatAttr(ctx, devDSPTx, attrGain0)
	if err != nil {
		d.log.Warn("set_txgain: readback failed", errField(err))
		d.mu.Lock()
		d.txGain = gainDB
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	d.txGain = g
	d.mu.Unlock()
}

// GetTxGain reads gain0 back from hardware and updates the cached value
// rather than trusting it.
func (d *Driver) GetTxGain() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	g, err := d.readFloatAttr(ctx, devDSPTx, attrGain0)
	if err != nil {
		d.log.Warn("get_txgain: read failed", errField(err))
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.txGain
	}
	d.mu.Lock()
	d.txGain = g
	d.mu.Unlock()
	return g
}

// readFloatAttr reads an attribute and parses it as a float64.
func (d *Driver) readFloatAttr(ctx context.Context, dev, attr string) (float64, error) {
	s, err := d.readAttr(ctx, dev, attr)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("dexter: parse %s/%s %q: %w", dev, attr, s, err)
	}
	return f, nil
}

// SetBandwidth is a no-op: the Dexter attribute surface has no RF filter
// control. The configured value is still cached so GetBandwidth round-trips.
func (d *Driver) SetBandwidth(hz float64) {
	d.mu.Lock()
	d.bandwidth = hz
	d.mu.Unlock()
}

func (d *Driver) GetBandwidth() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bandwidth
}

// GetRealSecs returns the device's UTC wall-clock estimate: 0 in Startup,
// otherwise utc_seconds_at_startup + (clks - clock_count_at_startup)/DSPClock.
func (d *Driver) GetRealSecs() float64 {
	state, utcAtStartup, clkAtStartup, _ := d.clock.snapshot()
	if state == stateStartup {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()
	clks, err := d.readClks(ctx)
	if err != nil {
		d.log.Warn("get_real_secs: read clks failed", errField(err))
		return 0
	}
	return float64(utcAtStartup) + float64(clks-clkAtStartup)/float64(DSPClock)
}

// IsClkSourceOK drives the clock-alignment state machine exactly once and
// reports whether the state is anything other than Startup.
func (d *Driver) IsClkSourceOK() bool {
	if !d.cfg.EnableSync {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*d.attrTimeout+time.Second)
	defer cancel()
	d.tick(ctx)
	state, _, _, _ := d.clock.snapshot()
	return state != stateStartup
}

func (d *Driver) RequireTimestampRefresh() {
	d.mu.Lock()
	d.refreshReq = true
	d.mu.Unlock()
}

// TransmitFrame implements the hand-off algorithm of spec §4.2: arm and
// raise the channel from a down state, honor a pending refresh request by
// bringing the channel back down, and otherwise split the frame into
// ioBuffers DMA pushes.
func (d *Driver) TransmitFrame(ctx context.Context, frame radio.FrameData) error {
	wantLen, err := radio.ExpectedLen(d.cfg.Mode)
	if err != nil {
		return err
	}
	if len(frame.Buf) != wantLen {
		return fmt.Errorf("dexter: frame buffer length %d, want %d", len(frame.Buf), wantLen)
	}

	d.mu.Lock()
	channelUp := d.channelUp
	d.mu.Unlock()

	requireTsTx := d.cfg.EnableSync && frame.TS.Valid

	if !channelUp {
		state, utcAtStartup, clkAtStartup, _ := d.clock.snapshot()

		if requireTsTx && state == stateStartup {
			return nil
		}

		if requireTsTx {
			frameStartClocks := (uint64(frame.TS.Sec)-utcAtStartup)*DSPClock + clkAtStartup +
				uint64(frame.TS.PPS)*ppsToClksRatio

			clks, err := d.readClks(ctx)
			if err != nil {
				return fmt.Errorf("read clks: %w", err)
			}
			marginDeviceS := float64(int64(frameStartClocks)-int64(clks)) / float64(DSPClock)
			_ = marginDeviceS // diagnostic only; the margin test is on wall-clock offset below

			nowS := float64(time.Now().UnixNano()) / 1e9
			if frame.TS.OffsetToSystemTime(nowS) < lateFrameMarginS {
				d.mu.Lock()
				d.numLate++
				d.mu.Unlock()
				d.log.Warn("late frame dropped", logf("fct", frame.TS.FCT), logf("margin_s", marginDeviceS))
				return nil
			}

			if err := d.writeAttr(ctx, devDSPTx, attrStreamStartClks, strconv.FormatUint(frameStartClocks, 10)); err != nil {
				return fmt.Errorf("write stream0_start_clks: %w", err)
			}
		}

		d.SetTxGain(d.cfg.TxGain)
		d.mu.Lock()
		d.channelUp = true
		d.mu.Unlock()
	}

	d.mu.Lock()
	refresh := d.refreshReq
	d.refreshReq = false
	d.mu.Unlock()
	if refresh {
		if err := d.writeAttr(ctx, devDSPTx, attrStreamStartClks, "0"); err != nil {
			d.log.Warn("clear stream0_start_clks on refresh failed", errField(err))
		}
		d.mu.Lock()
		d.channelUp = false
		d.mu.Unlock()
	}

	d.mu.Lock()
	channelUp = d.channelUp
	d.mu.Unlock()

	if channelUp {
		half := len(frame.Buf) / ioBuffers
		for i := 0; i < ioBuffers; i++ {
			chunk := frame.Buf[i*half : (i+1)*half]
			n, err := d.client.WriteBuffer(ctx, d.bufID, chunk)
			if err != nil || n < 0 {
				d.log.Warn("dma push underflow, bringing channel down", errField(err))
				d.mu.Lock()
				d.channelUp = false
				d.mu.Unlock()
				break
			}
		}
		d.mu.Lock()
		d.numFrames++
		d.mu.Unlock()
	}

	d.checkUnderflowIncrease()
	return nil
}

func formatHz(hz float64) string {
	return strconv.FormatFloat(hz, 'f', 0, 64)
}

package dexter

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dabtx/dexter-output/internal/logging"
)

func errField(err error) logging.Field { return logging.Field{Key: "error", Value: err} }
func logf(key string, value any) logging.Field { return logging.Field{Key: key, Value: value} }

type clockState int

const (
	stateStartup clockState = iota
	stateNormal
	stateHoldover
)

func (s clockState) String() string {
	switch s {
	case stateNormal:
		return "normal"
	case stateHoldover:
		return "holdover"
	default:
		return "startup"
	}
}

// clockAlign holds the clock-alignment state owned by the driver: which of
// {Startup, Normal, Holdover} it is in, the UTC-second/DSP-tick pair
// recorded at the last successful alignment, and when holdover began.
type clockAlign struct {
	mu sync.Mutex

	state               clockState
	utcSecondsAtStartup uint64
	clockCountAtStartup uint64
	holdoverSince       time.Time

	maxHoldover time.Duration
}

func newClockAlign(maxHoldover time.Duration) clockAlign {
	return clockAlign{state: stateStartup, maxHoldover: maxHoldover}
}

// SetMaxGPSHoldoverTime lets a remote-control write update the holdover
// timeout live, without requiring the driver to be reconstructed.
func (d *Driver) SetMaxGPSHoldoverTime(max time.Duration) {
	d.clock.mu.Lock()
	d.clock.maxHoldover = max
	d.clock.mu.Unlock()
}

func (c *clockAlign) snapshot() (state clockState, utcAtStartup, clkAtStartup uint64, holdoverSince time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.utcSecondsAtStartup, c.clockCountAtStartup, c.holdoverSince
}

// tick drives the state machine exactly once, per spec §4.2's tick rule.
// It is called only from is_clk_source_ok, never from a remote-control read.
func (d *Driver) tick(ctx context.Context) {
	state, _, _, holdoverSince := d.clock.snapshot()

	switch state {
	case stateStartup:
		locked, loss, err := d.readGPSDOStatus(ctx)
		if err != nil {
			d.log.Warn("read gpsdo status failed", errField(err))
			return
		}
		if locked && !loss {
			if err := d.align(ctx); err != nil {
				d.log.Warn("clock alignment failed, remaining in startup", errField(err))
			}
		}

	case stateNormal:
		_, loss, err := d.readGPSDOStatus(ctx)
		if err != nil {
			d.log.Warn("read gpsdo status failed", errField(err))
			return
		}
		if loss {
			d.clock.mu.Lock()
			d.clock.state = stateHoldover
			d.clock.holdoverSince = time.Now()
			d.clock.mu.Unlock()
			d.log.Warn("pps lost, entering holdover")
		}

	case stateHoldover:
		_, loss, err := d.readGPSDOStatus(ctx)
		if err != nil {
			d.log.Warn("read gpsdo status failed", errField(err))
			return
		}
		// Open question (preserved verbatim): a brief PPS glitch clearing
		// loss before the holdover timeout also returns to Startup, not
		// Normal - re-alignment is always required to leave holdover.
		if time.Since(holdoverSince) > d.clock.maxHoldover || !loss {
			d.clock.mu.Lock()
			d.clock.state = stateStartup
			d.clock.utcSecondsAtStartup = 0
			d.clock.clockCountAtStartup = 0
			d.clock.mu.Unlock()
		}
	}
}

// align performs the Startup -> Normal alignment procedure: sample
// pps_clks across two host wall-clock second boundaries and assert the
// delta equals one second of DSP clock ticks.
func (d *Driver) align(ctx context.Context) error {
	if err := sleepUntilNextSecondPlus(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	a, err := d.readPPSClks(ctx)
	if err != nil {
		return fmt.Errorf("read pps_clks (A): %w", err)
	}

	if err := sleepUntilNextSecondPlus(ctx, 200*time.Millisecond); err != nil {
		return err
	}
	b, err := d.readPPSClks(ctx)
	if err != nil {
		return fmt.Errorf("read pps_clks (B): %w", err)
	}

	if b-a != DSPClock {
		return fmt.Errorf("pps/dsp clock mismatch: B-A=%d, want %d", b-a, DSPClock)
	}

	now := time.Now()
	d.clock.mu.Lock()
	d.clock.utcSecondsAtStartup = uint64(now.Unix())
	d.clock.clockCountAtStartup = b
	d.clock.holdoverSince = time.Time{}
	d.clock.state = stateNormal
	d.clock.mu.Unlock()

	d.log.Info("clock aligned", logf("utc_seconds_at_startup", now.Unix()), logf("clock_count_at_startup", b))
	return nil
}

func (d *Driver) readGPSDOStatus(ctx context.Context) (locked, loss bool, err error) {
	lockedStr, err := d.readAttr(ctx, devDSPTx, attrGPSDOLocked)
	if err != nil {
		return false, false, err
	}
	lossStr, err := d.readAttr(ctx, devDSPTx, attrPPSLoss)
	if err != nil {
		return false, false, err
	}
	return parseBoolAttr(lockedStr), parseBoolAttr(lossStr), nil
}

func (d *Driver) readPPSClks(ctx context.Context) (uint64, error) {
	s, err := d.readAttr(ctx, devDSPTx, attrPPSClks)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func (d *Driver) readClks(ctx context.Context) (uint64, error) {
	s, err := d.readAttr(ctx, devDSPTx, attrClks)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 10, 64)
}

func parseBoolAttr(s string) bool {
	v, err := strconv.ParseInt(s, 10, 64)
	return err == nil && v != 0
}

// sleepUntilNextSecondPlus blocks until the host wall-clock second changes,
// then for an additional extra, honoring ctx cancellation.
func sleepUntilNextSecondPlus(ctx context.Context, extra time.Duration) error {
	now := time.Now()
	next := now.Truncate(time.Second).Add(time.Second)
	select {
	case <-time.After(time.Until(next) + extra):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

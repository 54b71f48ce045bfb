package dexter

import (
	"context"
	"strconv"
	"time"
)

// runUnderflowPoller reads buffer_underflows0 once a second over its own
// IIO context (kept independent of the worker's context so the two never
// contend on attribute ops) and records any increase under the driver
// mutex. It is a pure observer: it never mutates hardware state.
func (d *Driver) runUnderflowPoller() {
	defer close(d.pollerDone)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.pollerStop:
			return
		case <-ticker.C:
			d.pollOnce()
		}
	}
}

func (d *Driver) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	s, err := d.pollerClient.ReadAttr(ctx, devDSPTx, "", attrBufferUnderflows0)
	if err != nil {
		d.log.Warn("underflow poll failed", errField(err))
		return
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		d.log.Warn("underflow poll: parse failed", errField(err))
		return
	}

	d.mu.Lock()
	if v != d.underflowPrv && v != 0 {
		d.underflowPrv = v
	}
	d.mu.Unlock()
}

// checkUnderflowIncrease compares the underflow counter to its value at the
// last check, under the same mutex the poller uses, and warns on increase.
func (d *Driver) checkUnderflowIncrease() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.underflowPrv > d.lastLoggedUnderflow {
		d.log.Warn("underflow counter increased", logf("underflows", d.underflowPrv))
		d.lastLoggedUnderflow = d.underflowPrv
	}
}

package dexter

import (
	"context"
	"strconv"

	"github.com/dabtx/dexter-output/internal/health"
	"github.com/dabtx/dexter-output/internal/radio"
)

// SetHealthReader sets the reader that supplies the hwmon/xadc sensor readings of spec §4.2's
// statistics map and §6's sysfs paths. It is set once after construction
// (internal/health.New over local or SSH sysfs) and left nil in tests.
func (d *Driver) SetHealthReader(r *health.Reader) {
	d.mu.Lock()
	d.health = r
	d.mu.Unlock()
}

func (d *Driver) GetTemperatureC() (float64, bool) {
	d.mu.Lock()
	h := d.health
	d.mu.Unlock()
	if h == nil {
		return 0, false
	}
	readings, err := h.Read()
	if err != nil {
		d.log.Warn("health read failed", errField(err))
		return 0, false
	}
	return readings.TempFPGA, true
}

// GetRunStatistics assembles the statistics map of spec §4.2: counters
// owned by this driver, live attribute reads, clock-state bookkeeping, and
// (when configured) board voltages/temperatures from internal/health.
func (d *Driver) GetRunStatistics() map[string]radio.StatValue {
	ctx, cancel := context.WithTimeout(context.Background(), d.attrTimeout)
	defer cancel()

	d.mu.Lock()
	numFrames, numLate, underflows := d.numFrames, d.numLate, d.underflowPrv
	h := d.health
	d.mu.Unlock()

	state, _, _, holdoverSince := d.clock.snapshot()

	stats := map[string]radio.StatValue{
		"underruns":   radio.StatInt(int64(underflows)),
		"latepackets": radio.StatInt(numLate),
		"frames":      radio.StatInt(numFrames),
		"clock_state": radio.StatStr(state.String()),
	}

	if state == stateHoldover {
		stats["in_holdover_since"] = radio.StatFloat(float64(holdoverSince.Unix()))
	} else {
		stats["in_holdover_since"] = radio.StatFloat(0)
	}

	for key, attr := range map[string]string{
		"clks":                attrClks,
		"fifo_not_empty_clks": attrFifoNotEmptyClks,
		"pps_cnt":             attrPPSCnt,
		"dsp_version":         attrDSPVersion,
	} {
		if v, err := d.readAttr(ctx, devDSPTx, attr); err == nil {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				stats[key] = radio.StatInt(n)
			} else {
				stats[key] = radio.StatStr(v)
			}
		} else {
			stats[key] = radio.StatNullVal()
		}
	}

	if v, err := d.readAttr(ctx, devDSPTx, attrGPSDOLocked); err == nil {
		stats["gpsdo_locked"] = radio.StatBoolVal(parseBoolAttr(v))
	} else {
		stats["gpsdo_locked"] = radio.StatNullVal()
	}
	if v, err := d.readAttr(ctx, devDSPTx, attrPPSLoss); err == nil {
		stats["pps_loss_of_signal"] = radio.StatBoolVal(parseBoolAttr(v))
	} else {
		stats["pps_loss_of_signal"] = radio.StatNullVal()
	}
	if v, err := d.readAttr(ctx, devDSPTx, attrPPSClkErrorHz); err == nil {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			stats["pps_clk_error_hz"] = radio.StatFloat(f)
		}
	}

	if h != nil {
		readings, err := h.Read()
		if err != nil {
			d.log.Warn("health read failed", errField(err))
		} else {
			stats["vcc3v3"] = radio.StatFloat(readings.Vcc3v3)
			stats["vcc5v4"] = radio.StatFloat(readings.Vcc5v4)
			stats["vfan"] = radio.StatFloat(readings.Vfan)
			stats["vcc_main_in"] = radio.StatFloat(readings.VccMainIn)
			stats["vcc3v3pll"] = radio.StatFloat(readings.Vcc3v3Pll)
			stats["vcc2v5io"] = radio.StatFloat(readings.Vcc2v5Io)
			stats["vccocxo"] = radio.StatFloat(readings.Vccocxo)
			stats["tempfpga"] = radio.StatFloat(readings.TempFPGA)
			stats["voltage_alarm"] = radio.StatBoolVal(readings.VoltageAlarm)
			stats["temp_alarm"] = radio.StatBoolVal(readings.TempAlarm)
		}
	}

	return stats
}

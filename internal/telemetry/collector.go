package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/dabtx/dexter-output/internal/output"
	"github.com/dabtx/dexter-output/internal/radio"
)

// Collector periodically samples an output.Stage's counters and the
// device's run statistics and fans the result out to a Reporter, since
// the output core does not call back into telemetry on every frame.
type Collector struct {
	stage    *output.Stage
	reporter Reporter
	interval time.Duration
}

// NewCollector builds a Collector. interval <= 0 uses one second.
func NewCollector(stage *output.Stage, reporter Reporter, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = time.Second
	}
	return &Collector{stage: stage, reporter: reporter, interval: interval}
}

// Run samples and reports on every tick until ctx is canceled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reporter.Report(c.sample())
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) sample() Sample {
	stats := c.stage.DeviceStatistics()
	counters := c.stage.Counters()

	s := Sample{
		Timestamp:          time.Now(),
		QueueDepth:         c.stage.QueueLen(),
		Overflowed:         counters.Overflowed,
		Late:               counters.Late,
		DroppedMuted:       counters.DroppedMuted,
		DroppedNoTimestamp: counters.DroppedNoTimestamp,
	}
	if v, ok := stats["frames"]; ok {
		s.Frames = statInt(v)
	}
	if v, ok := stats["underruns"]; ok {
		s.Underruns = statInt(v)
	}
	if v, ok := stats["clock_state"]; ok {
		s.ClockState = v.Str
	}
	if temp, err := c.stage.Get("temp"); err == nil {
		if f, err := strconv.ParseFloat(temp, 64); err == nil {
			s.TempC = f
			s.HasTemp = true
		}
	}
	return s
}

func statInt(v radio.StatValue) int64 {
	if v.Kind != radio.StatNumber {
		return 0
	}
	return int64(v.Num)
}

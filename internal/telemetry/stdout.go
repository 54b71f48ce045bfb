package telemetry

import (
	"github.com/dabtx/dexter-output/internal/logging"
)

// StdoutReporter logs each Sample through internal/logging. daboutputd
// always reports to it, alongside the Hub when a web listener is configured.
type StdoutReporter struct {
	log logging.Logger
}

// NewStdoutReporter builds a StdoutReporter using the given logger.
func NewStdoutReporter(log logging.Logger) StdoutReporter {
	if log == nil {
		log = logging.Default()
	}
	return StdoutReporter{log: log.WithComponent("telemetry")}
}

func (r StdoutReporter) Report(sample Sample) {
	fields := []logging.Field{
		{Key: "frames", Value: sample.Frames},
		{Key: "underruns", Value: sample.Underruns},
		{Key: "queue_depth", Value: sample.QueueDepth},
		{Key: "overflowed", Value: sample.Overflowed},
		{Key: "late", Value: sample.Late},
		{Key: "dropped_muted", Value: sample.DroppedMuted},
		{Key: "dropped_no_timestamp", Value: sample.DroppedNoTimestamp},
		{Key: "clock_state", Value: sample.ClockState},
	}
	if sample.HasTemp {
		fields = append(fields, logging.Field{Key: "temp_c", Value: sample.TempC})
	}
	r.log.Info("run statistics", fields...)
}

var _ Reporter = StdoutReporter{}

package output

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dabtx/dexter-output/internal/radio"
)

// Controller is the abstract remote-control surface: any front end (HTTP,
// a CLI, a future protocol) drives a Stage purely through Get/Set.
type Controller interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// ChannelTable maps a DAB channel label (e.g. "12C") to a center frequency
// in Hz, the external channel table the remote-control surface's `channel`
// parameter resolves through.
type ChannelTable map[string]float64

// Freq looks up a channel's frequency.
func (t ChannelTable) Freq(channel string) (float64, bool) {
	f, ok := t[channel]
	return f, ok
}

// Channel reverse-looks-up a frequency's channel label, for the
// set_freq/get_freq/convert_frequency_to_channel round-trip invariant.
func (t ChannelTable) Channel(freqHz float64) (string, bool) {
	for name, f := range t {
		if f == freqHz {
			return name, true
		}
	}
	return "", false
}

// ParameterError reports a remote-control Get/Set against a name this
// Stage does not recognize and that the device's statistics map does not
// supply either.
type ParameterError struct {
	Name    string
	Message string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("output: parameter %q: %s", e.Name, e.Message)
}

// holdoverSetter is implemented by radio.Device backends that support
// live reconfiguration of the holdover timeout (internal/dexter.Driver
// does); backends that don't simply ignore a max_gps_holdover_time write.
type holdoverSetter interface {
	SetMaxGPSHoldoverTime(time.Duration)
}

// Set implements the settable half of the remote-control surface: txgain,
// rxgain, bandwidth, freq, channel, muting, synchronous,
// max_gps_holdover_time.
func (s *Stage) Set(name, value string) error {
	switch name {
	case "txgain":
		f, err := parseFloatParam(name, value)
		if err != nil {
			return err
		}
		s.device.SetTxGain(f)
		s.mu.Lock()
		s.cfg.TxGain = f
		s.mu.Unlock()

	case "rxgain":
		f, err := parseFloatParam(name, value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cfg.RxGain = f
		s.mu.Unlock()

	case "bandwidth":
		f, err := parseFloatParam(name, value)
		if err != nil {
			return err
		}
		s.device.SetBandwidth(f)
		s.mu.Lock()
		s.cfg.Bandwidth = f
		s.mu.Unlock()

	case "freq":
		f, err := parseFloatParam(name, value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		lo := s.cfg.LOOffset
		s.cfg.Freq = f
		s.mu.Unlock()
		s.device.Tune(lo, f)

	case "channel":
		s.mu.RLock()
		freq, ok := s.cfg.Channels.Freq(value)
		lo := s.cfg.LOOffset
		s.mu.RUnlock()
		if !ok {
			return &ParameterError{Name: name, Message: "unknown channel " + value}
		}
		s.device.Tune(lo, freq)
		s.mu.Lock()
		s.cfg.Channel = value
		s.cfg.Freq = freq
		s.mu.Unlock()

	case "muting":
		b, err := parseBoolParam(name, value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cfg.Muting = b
		s.mu.Unlock()

	case "synchronous":
		b, err := parseBoolParam(name, value)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.cfg.Synchronous = b
		s.mu.Unlock()

	case "max_gps_holdover_time":
		secs, err := parseFloatParam(name, value)
		if err != nil {
			return err
		}
		d := time.Duration(secs * float64(time.Second))
		s.mu.Lock()
		s.cfg.MaxGPSHoldoverTime = d
		s.mu.Unlock()
		if hs, ok := s.device.(holdoverSetter); ok {
			hs.SetMaxGPSHoldoverTime(d)
		}

	default:
		return &ParameterError{Name: name, Message: "not settable"}
	}
	return nil
}

// Get implements the readable half of the remote-control surface, falling
// back to the device's statistics map for everything computed elsewhere
// (notably the Dexter-owned counters and clock-state fields) before
// failing with ParameterError.
func (s *Stage) Get(name string) (string, error) {
	switch name {
	case "txgain":
		return formatFloat(s.device.GetTxGain()), nil
	case "rxgain":
		s.mu.RLock()
		defer s.mu.RUnlock()
		return formatFloat(s.cfg.RxGain), nil
	case "bandwidth":
		return formatFloat(s.device.GetBandwidth()), nil
	case "freq":
		return formatFloat(s.device.GetTxFreq()), nil
	case "channel":
		freq := s.device.GetTxFreq()
		s.mu.RLock()
		channel, _ := s.cfg.Channels.Channel(freq)
		s.mu.RUnlock()
		return channel, nil
	case "muting":
		s.mu.RLock()
		defer s.mu.RUnlock()
		return strconv.FormatBool(s.cfg.Muting), nil
	case "synchronous":
		s.mu.RLock()
		defer s.mu.RUnlock()
		return strconv.FormatBool(s.cfg.Synchronous), nil
	case "max_gps_holdover_time":
		s.mu.RLock()
		defer s.mu.RUnlock()
		return formatFloat(s.cfg.MaxGPSHoldoverTime.Seconds()), nil
	case "temp":
		t, ok := s.device.GetTemperatureC()
		if !ok {
			return "", &ParameterError{Name: name, Message: "temperature sensor unavailable"}
		}
		return formatFloat(t), nil
	case "queued_frames_ms":
		return formatFloat(s.queuedFramesMs()), nil
	case "remaining_holdover_s":
		return formatFloat(s.remainingHoldoverS()), nil
	default:
		stats := s.device.GetRunStatistics()
		if v, ok := stats[name]; ok {
			return statValueString(v), nil
		}
		return "", &ParameterError{Name: name, Message: "unknown parameter"}
	}
}

// queuedFramesMs is queue.size * transmission_frame_duration(dabMode).
func (s *Stage) queuedFramesMs() float64 {
	s.mu.RLock()
	mode := s.cfg.Mode
	s.mu.RUnlock()
	durationMs, err := mode.FrameDurationMs()
	if err != nil {
		return 0
	}
	return float64(s.QueueLen()) * float64(durationMs)
}

// remainingHoldoverS derives the time left before Holdover forces a return
// to Startup, from the device's own clock_state/in_holdover_since
// statistics plus the locally configured timeout.
func (s *Stage) remainingHoldoverS() float64 {
	stats := s.device.GetRunStatistics()
	state, ok := stats["clock_state"]
	if !ok || state.Str != "holdover" {
		return 0
	}
	since, ok := stats["in_holdover_since"]
	if !ok || since.Num == 0 {
		return 0
	}
	s.mu.RLock()
	maxHoldover := s.cfg.MaxGPSHoldoverTime
	s.mu.RUnlock()

	elapsed := time.Since(time.Unix(int64(since.Num), 0))
	remaining := maxHoldover - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining.Seconds()
}

func parseFloatParam(name, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &ParameterError{Name: name, Message: "not a number: " + value}
	}
	return f, nil
}

func parseBoolParam(name, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, &ParameterError{Name: name, Message: "not a bool: " + value}
	}
	return b, nil
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

var _ Controller = (*Stage)(nil)

func statValueString(v radio.StatValue) string {
	switch v.Kind {
	case radio.StatString:
		return v.Str
	case radio.StatBool:
		return strconv.FormatBool(v.Bool)
	case radio.StatNull:
		return ""
	default:
		return formatFloat(v.Num)
	}
}

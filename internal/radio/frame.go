// Package radio defines the capability surface a transmitter backend must
// implement (Device) and the frame/timestamp types that flow across it.
package radio

import "fmt"

// DAB mode selects the transmission frame geometry (ETSI EN 300 401).
type Mode int

const (
	ModeI Mode = iota + 1
	ModeII
	ModeIII
	ModeIV
)

// nominalSampleRate is the 2.048 Msps rate transmission frame lengths below
// are derived from; the Dexter driver fails construction for any other rate
// (see internal/dexter).
const nominalSampleRate = 2_048_000

// FrameSamples returns the number of interleaved I/Q int16 samples in one
// transmission frame for the given mode. Mode 1's length works out to
// (2656 + 76*2552)*2 = 393216; the other modes are derived the same way -
// duration_ms * nominalSampleRate/1000, doubled for interleaved I/Q -
// rather than asserting undocumented per-mode OFDM symbol counts.
func (m Mode) FrameSamples() (int, error) {
	durationMs, err := m.FrameDurationMs()
	if err != nil {
		return 0, err
	}
	complexSamples := durationMs * nominalSampleRate / 1000
	return complexSamples * 2, nil
}

// FrameDurationMs returns the nominal duration of one transmission frame in
// milliseconds, per spec: 96, 24, 24, 48 ms for modes 1..4.
func (m Mode) FrameDurationMs() (int, error) {
	switch m {
	case ModeI:
		return 96, nil
	case ModeII:
		return 24, nil
	case ModeIII:
		return 24, nil
	case ModeIV:
		return 48, nil
	default:
		return 0, fmt.Errorf("radio: unknown DAB mode %d", m)
	}
}

// ParseMode accepts either the Roman-numeral label ("I".."IV") or the bare
// digit ("1".."4") a config file or flag might carry.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "I", "1":
		return ModeI, nil
	case "II", "2":
		return ModeII, nil
	case "III", "3":
		return ModeIII, nil
	case "IV", "4":
		return ModeIV, nil
	default:
		return 0, fmt.Errorf("radio: unknown DAB mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeI:
		return "I"
	case ModeII:
		return "II"
	case ModeIII:
		return "III"
	case ModeIV:
		return "IV"
	default:
		return "unknown"
	}
}

// PPSTicksPerSecond is the resolution of the sub-second timestamp field:
// ticks of a 16.384 MHz clock.
const PPSTicksPerSecond = 16_384_000

// FrameTimestamp carries a transmission frame's broadcast-grid position.
type FrameTimestamp struct {
	// FCT is the ETI frame-count token: monotone modulo 2^20 in practice,
	// kept here purely for log correlation.
	FCT uint32
	// Valid reports whether Sec/PPS carry a meaningful broadcast time.
	Valid bool
	// Sec is the UTC second of the frame's first sample.
	Sec uint32
	// PPS is the sub-second offset in ticks of a 16.384 MHz clock,
	// 0 <= PPS < PPSTicksPerSecond.
	PPS uint32
	// OffsetChanged signals that the upstream timestamp offset shifted and
	// the driver must flush any precomputed scheduling and re-lock.
	OffsetChanged bool
}

// RealSecs returns Sec + PPS/PPSTicksPerSecond as a float64 UTC timestamp.
func (ts FrameTimestamp) RealSecs() float64 {
	return float64(ts.Sec) + float64(ts.PPS)/float64(PPSTicksPerSecond)
}

// OffsetToSystemTime returns RealSecs() - now, where now is the host's own
// wall clock (time.Now(), not Device.GetRealSecs) - the two clocks this
// margin check exists to reconcile are the host and the device, so now must
// come from the host side.
func (ts FrameTimestamp) OffsetToSystemTime(now float64) float64 {
	return ts.RealSecs() - now
}

func (ts FrameTimestamp) String() string {
	return fmt.Sprintf("fct=%d valid=%t sec=%d pps=%d changed=%t",
		ts.FCT, ts.Valid, ts.Sec, ts.PPS, ts.OffsetChanged)
}

// FrameData is one transmission frame ready to radiate: interleaved 16-bit
// signed I/Q pairs plus the timestamp that pins it to the broadcast grid.
type FrameData struct {
	// Buf holds exactly FrameSamples(mode)*2 bytes: int16 I, int16 Q,
	// repeated, little-endian.
	Buf []byte
	// SampleSize is the byte width of one complex sample (I+Q), typically 4.
	SampleSize int
	TS         FrameTimestamp
}

// ExpectedLen returns the byte length Buf must have for the given mode.
func ExpectedLen(mode Mode) (int, error) {
	samples, err := mode.FrameSamples()
	if err != nil {
		return 0, err
	}
	return samples * 2, nil
}

package radio

import (
	"context"
	"sync"
)

// Mock is a synthetic Device for tests covering steady-state, late-frame,
// and far-future scenarios. Its clock source health is a flag set by
// SetClkSourceOK (no clock/holdover state machine runs), its wall clock is
// set by SetRealSecs, and it keeps simple channel up/down bookkeeping,
// without touching any hardware.
type Mock struct {
	mu sync.Mutex

	clkOK      bool
	realSecs   float64
	txFreq     float64
	loOffset   float64
	txGain     float64
	bandwidth  float64
	refreshReq bool

	channelUp bool

	frames     int64
	underruns  int64
	latepacket int64

	// TransmitFunc, when set, overrides the default accounting-only
	// behavior of TransmitFrame - tests use this to inject margin/drop
	// decisions without reimplementing Dexter's arming arithmetic.
	TransmitFunc func(ctx context.Context, frame FrameData) error
}

// NewMock returns a Mock with clock source healthy and wall-clock time
// equal to the supplied epoch seconds.
func NewMock(realSecs float64) *Mock {
	return &Mock{clkOK: true, realSecs: realSecs}
}

func (m *Mock) Tune(loOffsetHz, frequencyHz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loOffset = loOffsetHz
	m.txFreq = frequencyHz
}

func (m *Mock) GetTxFreq() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txFreq
}

func (m *Mock) SetTxGain(gainDB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txGain = gainDB
}

func (m *Mock) GetTxGain() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txGain
}

func (m *Mock) SetBandwidth(hz float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bandwidth = hz
}

func (m *Mock) GetBandwidth() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bandwidth
}

func (m *Mock) GetRealSecs() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realSecs
}

// SetRealSecs lets a test advance the mock's wall clock independently of
// time.Now, so scenario tests are not flaky under load.
func (m *Mock) SetRealSecs(s float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.realSecs = s
}

func (m *Mock) SetClkSourceOK(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clkOK = ok
}

func (m *Mock) IsClkSourceOK() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clkOK
}

func (m *Mock) RequireTimestampRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshReq = true
	m.channelUp = false
}

func (m *Mock) RefreshRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshReq
}

func (m *Mock) ChannelUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channelUp
}

func (m *Mock) TransmitFrame(ctx context.Context, frame FrameData) error {
	if m.TransmitFunc != nil {
		return m.TransmitFunc(ctx, frame)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshReq = false
	m.channelUp = true
	m.frames++
	return nil
}

func (m *Mock) Underruns() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.underruns
}

func (m *Mock) Frames() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *Mock) GetTemperatureC() (float64, bool) { return 42.0, true }

func (m *Mock) GetRunStatistics() map[string]StatValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]StatValue{
		"frames":      StatInt(m.frames),
		"underruns":   StatInt(m.underruns),
		"latepackets": StatInt(m.latepacket),
	}
}

func (m *Mock) Close() error { return nil }

var _ Device = (*Mock)(nil)

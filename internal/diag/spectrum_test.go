package diag

import (
	"encoding/binary"
	"math"
	"testing"
)

func toneBuf(n int, freqBin int) []byte {
	buf := make([]byte, n*4)
	for i := 0; i < n; i++ {
		phase := 2 * math.Pi * float64(freqBin) * float64(i) / float64(n)
		re := int16(10000 * math.Cos(phase))
		im := int16(10000 * math.Sin(phase))
		binary.LittleEndian.PutUint16(buf[i*4:], uint16(re))
		binary.LittleEndian.PutUint16(buf[i*4+2:], uint16(im))
	}
	return buf
}

func TestAnalyzeFindsTonePeak(t *testing.T) {
	const size = 256
	a := NewAnalyzer(size)
	buf := toneBuf(size, 40)

	snap := a.Analyze(buf)
	if snap.PeakBin < 0 {
		t.Fatalf("expected a peak bin, got none")
	}
	if math.IsInf(snap.PeakDBFS, -1) {
		t.Fatalf("expected finite peak dBFS for a tone")
	}
}

func TestAnalyzePadsShortBuffer(t *testing.T) {
	a := NewAnalyzer(64)
	snap := a.Analyze(toneBuf(16, 2))
	if math.IsInf(snap.PeakDBFS, -1) {
		t.Fatalf("expected a finite peak even for a short buffer")
	}
}

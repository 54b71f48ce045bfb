// Package diag provides spectral diagnostics over transmitted or dropped
// frame buffers. It is not part of the transmit hot path: the output stage
// calls into it only for a frame whose timestamp is too far in the future,
// attaching the peak power to the fatal error, so an operator gets a hint
// without needing a separate capture tool.
package diag

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const adcScale = 32768.0 // full-scale for 16-bit signed IQ

// Analyzer caches a Hamming window and FFT plan for a fixed sample count,
// amortizing their construction cost across repeated diagnostic calls.
type Analyzer struct {
	mu        sync.Mutex
	size      int
	window    []float64
	windowSum float64
	fft       *fourier.CmplxFFT
}

// NewAnalyzer builds an Analyzer over the first size complex samples of any
// buffer handed to Analyze.
func NewAnalyzer(size int) *Analyzer {
	if size <= 0 {
		size = 1024
	}
	win := hamming(size)
	sum := 0.0
	for _, v := range win {
		sum += v
	}
	return &Analyzer{
		size:      size,
		window:    win,
		windowSum: sum,
		fft:       fourier.NewCmplxFFT(size),
	}
}

// Snapshot summarizes one FFT pass: peak magnitude in dBFS, the bin it fell
// in, and how many bins exceeded occupiedThresholdDB below peak (a coarse
// occupied-bandwidth estimate).
type Snapshot struct {
	PeakDBFS     float64
	PeakBin      int
	OccupiedBins int
}

// occupiedThresholdDB bins within this many dB of the peak count as occupied.
const occupiedThresholdDB = 20.0

// Analyze decodes interleaved little-endian int16 IQ pairs from buf and
// returns a spectral snapshot over the first Size() samples. Buffers shorter
// than Size() are zero-padded.
func (a *Analyzer) Analyze(buf []byte) Snapshot {
	a.mu.Lock()
	size := a.size
	win := a.window
	windowSum := a.windowSum
	fft := a.fft
	a.mu.Unlock()

	samples := make([]complex128, size)
	n := len(buf) / 4 // 2 bytes I + 2 bytes Q
	if n > size {
		n = size
	}
	for i := 0; i < n; i++ {
		re := int16(uint16(buf[i*4]) | uint16(buf[i*4+1])<<8)
		im := int16(uint16(buf[i*4+2]) | uint16(buf[i*4+3])<<8)
		samples[i] = complex(float64(re)*win[i], float64(im)*win[i])
	}

	coeffs := fft.Coefficients(nil, samples)
	if windowSum == 0 {
		windowSum = 1
	}

	var peak float64
	peakBin := -1
	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mag := cmplx.Abs(c) / windowSum
		mags[i] = mag
		if mag > peak {
			peak = mag
			peakBin = i
		}
	}

	peakDBFS := -math.Inf(1)
	if peak > 0 {
		peakDBFS = 20 * math.Log10(peak/adcScale)
	}

	occupied := 0
	for _, mag := range mags {
		if mag == 0 {
			continue
		}
		db := 20 * math.Log10(mag/adcScale)
		if peakDBFS-db <= occupiedThresholdDB {
			occupied++
		}
	}

	return Snapshot{PeakDBFS: peakDBFS, PeakBin: peakBin, OccupiedBins: occupied}
}

// Size returns the analyzer's configured FFT length.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func hamming(n int) []float64 {
	if n <= 0 {
		return []float64{}
	}
	win := make([]float64, n)
	for i := 0; i < n; i++ {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

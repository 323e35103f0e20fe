package bladerf

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SpectrumFunc receives one power spectrum per delivered block and
// channel. Bins are in dBFS with DC centered; the slice is reused
// between calls.
type SpectrumFunc func(channel int, dbfs []float64)

// SpectrumSink is a receive Sink that turns each delivered block into a
// Hamming-windowed power spectrum. It owns its FFT plan and scratch
// buffers, so a single SpectrumSink must not be shared between
// sessions.
type SpectrumSink struct {
	fn      SpectrumFunc
	fft     *fourier.CmplxFFT
	window  []float64
	winSum  float64
	scratch []complex128
	dbfs    []float64
	size    int
}

// NewSpectrumSink builds a sink producing size-bin spectra. Size must
// match the session's BufferSamples.
func NewSpectrumSink(size int, fn SpectrumFunc) *SpectrumSink {
	win := hamming(size)
	sum := 0.0
	for _, v := range win {
		sum += v
	}
	return &SpectrumSink{
		fn:      fn,
		fft:     fourier.NewCmplxFFT(size),
		window:  win,
		winSum:  sum,
		scratch: make([]complex128, size),
		dbfs:    make([]float64, size),
		size:    size,
	}
}

// Deliver implements Sink.
func (s *SpectrumSink) Deliver(block [][]complex64) error {
	for ch, samples := range block {
		if len(samples) != s.size {
			return kindErr(KindMalformedBuffer, "spectrum: block has %d samples, want %d", len(samples), s.size)
		}
		for i, v := range samples {
			s.scratch[i] = complex(float64(real(v))*s.window[i], float64(imag(v))*s.window[i])
		}
		coeffs := s.fft.Coefficients(s.scratch, s.scratch)
		for i := range coeffs {
			coeffs[i] /= complex(s.winSum, 0)
		}
		// Samples are normalized to [-1, 1), so full scale is 1.0.
		half := s.size / 2
		for i, v := range coeffs {
			mag := cmplx.Abs(v)
			db := math.Inf(-1)
			if mag > 0 {
				db = 20 * math.Log10(mag)
			}
			// Shift so DC lands in the middle bin.
			s.dbfs[(i+half)%s.size] = db
		}
		s.fn(ch, s.dbfs)
	}
	return nil
}

func hamming(n int) []float64 {
	win := make([]float64, n)
	if n == 1 {
		win[0] = 1
		return win
	}
	for i := range win {
		win[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return win
}

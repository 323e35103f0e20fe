package bladerf

import (
	"errors"
	"math"
	"testing"
)

func TestSpectrumSinkFindsTone(t *testing.T) {
	const size = 1024
	const bin = 100

	// Complex exponential sitting exactly on a bin.
	samples := make([]complex64, size)
	for i := range samples {
		ph := 2 * math.Pi * bin * float64(i) / size
		samples[i] = complex(float32(0.5*math.Cos(ph)), float32(0.5*math.Sin(ph)))
	}

	var got []float64
	sink := NewSpectrumSink(size, func(ch int, dbfs []float64) {
		if ch == 0 && got == nil {
			got = append([]float64(nil), dbfs...)
		}
	})
	if err := sink.Deliver([][]complex64{samples}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if len(got) != size {
		t.Fatalf("spectrum holds %d bins", len(got))
	}

	peak := 0
	for i, v := range got {
		if v > got[peak] {
			peak = i
		}
	}
	// DC is centered, so a +bin tone lands above the middle.
	if want := size/2 + bin; peak != want {
		t.Errorf("peak at bin %d, want %d", peak, want)
	}
	// Half scale is -6 dBFS.
	if math.Abs(got[peak]+6.02) > 0.5 {
		t.Errorf("peak level %g dBFS, want about -6", got[peak])
	}
	// Away from the tone the floor must sit far below the peak.
	if floor := got[10]; floor > got[peak]-30 {
		t.Errorf("noise floor %g dBFS too close to peak %g", floor, got[peak])
	}
}

func TestSpectrumSinkPerChannel(t *testing.T) {
	const size = 256
	calls := map[int]int{}
	sink := NewSpectrumSink(size, func(ch int, dbfs []float64) {
		calls[ch]++
	})

	block := [][]complex64{make([]complex64, size), make([]complex64, size)}
	if err := sink.Deliver(block); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if calls[0] != 1 || calls[1] != 1 {
		t.Errorf("per-channel calls %v", calls)
	}
}

func TestSpectrumSinkRejectsWrongSize(t *testing.T) {
	sink := NewSpectrumSink(256, func(int, []float64) {})
	err := sink.Deliver([][]complex64{make([]complex64, 128)})
	if !errors.Is(err, ErrMalformedBuffer) {
		t.Fatalf("expected malformed buffer, got %v", err)
	}
}

func TestSpectrumSinkOnStream(t *testing.T) {
	_, dev := rxReady(t)

	peaks := make(chan int, 4)
	sink := NewSpectrumSink(1024, func(ch int, dbfs []float64) {
		peak := 0
		for i, v := range dbfs {
			if v > dbfs[peak] {
				peak = i
			}
		}
		select {
		case peaks <- peak:
		default:
		}
	})

	s, err := dev.StartRxStream([]Channel{RX0}, smallStreamConfig(), sink)
	if err != nil {
		t.Fatalf("StartRxStream failed: %v", err)
	}
	defer s.Stop()

	// 100 kHz tone at 2 MHz sample rate over 1024 bins: bin offset
	// 100e3/2e6*1024 ~ 51 above center.
	peak := <-peaks
	if peak <= 512 || peak > 512+80 {
		t.Errorf("peak at bin %d, want slightly above center", peak)
	}
}

package bladerf

import (
	"fmt"

	"github.com/rfkit/bladerf/native"
)

// Correction identifies one IQ-imbalance correction knob. DC offsets
// accept [-2048, 2048]; phase and gain accept [-4096, 4096].
type Correction = native.Correction

const (
	CorrectionDCOffsetI = native.CorrectionDCOffsetI
	CorrectionDCOffsetQ = native.CorrectionDCOffsetQ
	CorrectionPhase     = native.CorrectionPhase
	CorrectionGain      = native.CorrectionGain
)

func correctionLimit(c Correction) (int16, bool) {
	switch c {
	case CorrectionDCOffsetI, CorrectionDCOffsetQ:
		return 2048, true
	case CorrectionPhase, CorrectionGain:
		return 4096, true
	default:
		return 0, false
	}
}

// SetCorrection applies a correction value to a channel. Values are
// validated against the knob's documented range before any native call.
func (d *Device) SetCorrection(ch Channel, corr Correction, value int16) error {
	if !ch.valid() {
		return configErr("channel", "invalid")
	}
	limit, ok := correctionLimit(corr)
	if !ok {
		return configErr("correction", "invalid")
	}
	if value < -limit || value > limit {
		return configErr(corr.String(), "out_of_range")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kindErr(KindSessionFailed, "device closed")
	}
	if code := d.drv.SetCorrection(d.handle, ch.wire(), corr, value); code != native.CodeOK {
		return fmt.Errorf("set %s correction on %s: %w", corr, ch, fromCode(code))
	}
	return nil
}

// Correction reads the current value of a correction knob.
func (d *Device) Correction(ch Channel, corr Correction) (int16, error) {
	if !ch.valid() {
		return 0, configErr("channel", "invalid")
	}
	if _, ok := correctionLimit(corr); !ok {
		return 0, configErr("correction", "invalid")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, kindErr(KindSessionFailed, "device closed")
	}
	v, code := d.drv.GetCorrection(d.handle, ch.wire(), corr)
	if code != native.CodeOK {
		return 0, fmt.Errorf("read %s correction on %s: %w", corr, ch, fromCode(code))
	}
	return v, nil
}

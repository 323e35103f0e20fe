package bladerf

import (
	"fmt"

	"github.com/rfkit/bladerf/native"
)

// Expansion-board GPIO. Pins are numbered 1..32 matching the expansion
// header schematics; each pin must be configured as input or output
// before use. Register access goes through masked writes so pins owned
// by other code are never disturbed.

const (
	expansionPinMin = 1
	expansionPinMax = 32
)

// PinDirection of an expansion GPIO pin.
type PinDirection int

const (
	PinInput PinDirection = iota
	PinOutput
)

// ExpansionPin is one GPIO pin on an attached expansion board.
type ExpansionPin struct {
	dev *Device
	pin uint8
	dir PinDirection
	set bool // direction has been configured
}

// ExpansionPin returns a handle for pin n (1..32), unconfigured.
func (d *Device) ExpansionPin(n uint8) (*ExpansionPin, error) {
	if n < expansionPinMin || n > expansionPinMax {
		return nil, configErr("pin", "out_of_range")
	}
	return &ExpansionPin{dev: d, pin: n}, nil
}

func pinMask(pin uint8) uint32 { return 1 << (pin - 1) }

// SetDirection configures the pin as input or output.
func (p *ExpansionPin) SetDirection(dir PinDirection) error {
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kindErr(KindSessionFailed, "device closed")
	}
	outputs := uint32(0)
	if dir == PinOutput {
		outputs = pinMask(p.pin)
	}
	if code := d.drv.ExpansionGPIODirMaskedWrite(d.handle, pinMask(p.pin), outputs); code != native.CodeOK {
		return fmt.Errorf("set pin %d direction: %w", p.pin, fromCode(code))
	}
	p.dir = dir
	p.set = true
	return nil
}

// Read returns the pin level. The pin must be configured as an input.
func (p *ExpansionPin) Read() (bool, error) {
	if !p.set || p.dir != PinInput {
		return false, configErr("pin", "not_configured_as_input")
	}
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false, kindErr(KindSessionFailed, "device closed")
	}
	reg, code := d.drv.ExpansionGPIORead(d.handle)
	if code != native.CodeOK {
		return false, fmt.Errorf("read expansion gpio: %w", fromCode(code))
	}
	return reg&pinMask(p.pin) != 0, nil
}

// Write drives the pin level. The pin must be configured as an output.
func (p *ExpansionPin) Write(high bool) error {
	if !p.set || p.dir != PinOutput {
		return configErr("pin", "not_configured_as_output")
	}
	d := p.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kindErr(KindSessionFailed, "device closed")
	}
	value := uint32(0)
	if high {
		value = pinMask(p.pin)
	}
	if code := d.drv.ExpansionGPIOMaskedWrite(d.handle, pinMask(p.pin), value); code != native.CodeOK {
		return fmt.Errorf("write pin %d: %w", p.pin, fromCode(code))
	}
	return nil
}

package bladerf

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rfkit/bladerf/logging"
	"github.com/rfkit/bladerf/native"
)

// Device owns one open native device session. All control-plane calls
// (configuration, enable/disable, open/close) serialize on an internal
// mutex so at most one native control call is in flight at a time;
// steady-state streaming bypasses that lock entirely (see stream.go).
//
// At most one live Device exists per physical device per process; a
// second Open of the same serial fails with ErrAlreadyInUse.
type Device struct {
	drv native.Driver

	mu     sync.Mutex // control-plane lock
	handle native.Handle
	closed bool

	serial string
	fw     native.Version
	fpga   native.Version

	caps     map[Channel]Capabilities
	channels map[Channel]*channelState

	log logging.Logger
}

type channelState struct {
	cfg        ChannelConfig // last known good
	configured bool
	enabled    bool
	session    *Stream
}

var (
	openMu      sync.Mutex
	openDevices = make(map[string]*Device)
)

// Option configures a Device at open time.
type Option func(*Device)

// WithLogger attaches a logger; without it the device logs nowhere.
func WithLogger(l logging.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Enumerate returns a fresh snapshot of attached devices. No caching:
// every call asks the driver again.
func Enumerate(drv native.Driver) ([]native.DeviceInfo, error) {
	infos, code := drv.Enumerate()
	if code != native.CodeOK {
		return nil, fmt.Errorf("enumerate: %w", fromCode(code))
	}
	return infos, nil
}

// Open opens the device whose serial matches the selector (exact or
// prefix; empty selects the first attached device). It fails with
// ErrNotFound when nothing matches and ErrAlreadyInUse when this process
// already holds the device.
func Open(drv native.Driver, selector string, opts ...Option) (*Device, error) {
	infos, code := drv.Enumerate()
	if code != native.CodeOK {
		return nil, fmt.Errorf("enumerate: %w", fromCode(code))
	}
	var match *native.DeviceInfo
	for i := range infos {
		if selector == "" || strings.HasPrefix(infos[i].Serial, selector) {
			match = &infos[i]
			break
		}
	}
	if match == nil {
		return nil, kindErr(KindNotFound, "no device matching %q", selector)
	}

	d := &Device{
		drv:      drv,
		serial:   match.Serial,
		caps:     make(map[Channel]Capabilities),
		channels: make(map[Channel]*channelState),
		log:      logging.Discard(),
	}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With(logging.F("serial", d.serial))

	// Claim the serial before touching the native open so two racing
	// opens cannot both win.
	openMu.Lock()
	if _, busy := openDevices[match.Serial]; busy {
		openMu.Unlock()
		return nil, kindErr(KindAlreadyInUse, "device %s already open in this process", match.Serial)
	}
	openDevices[match.Serial] = d
	openMu.Unlock()

	release := func() {
		openMu.Lock()
		delete(openDevices, match.Serial)
		openMu.Unlock()
	}

	h, code := drv.Open(match.Serial)
	if code != native.CodeOK {
		release()
		if code == native.CodeNoDev {
			return nil, kindErr(KindNotFound, "device %s disappeared before open", match.Serial)
		}
		return nil, fmt.Errorf("open %s: %w", match.Serial, fromCode(code))
	}
	d.handle = h

	if err := d.readIdentity(); err != nil {
		drv.Close(h)
		release()
		return nil, err
	}

	d.log.Info("device opened",
		logging.F("firmware", d.fw.String()),
		logging.F("fpga", d.fpga.String()))
	return d, nil
}

// OpenRetry opens with exponential backoff for transient failures, up to
// maxWait. The device family re-enumerates after an FPGA load, so a
// just-reset device is briefly absent from the bus; NotFound and driver
// I/O failures retry, everything else fails immediately.
func OpenRetry(drv native.Driver, selector string, maxWait time.Duration, opts ...Option) (*Device, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait

	var dev *Device
	err := backoff.Retry(func() error {
		d, err := Open(drv, selector, opts...)
		if err == nil {
			dev = d
			return nil
		}
		switch KindOf(err) {
		case KindNotFound, KindDriver, KindDisconnected:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, bo)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

func (d *Device) readIdentity() error {
	serial, code := d.drv.Serial(d.handle)
	if code != native.CodeOK {
		return fmt.Errorf("read serial: %w", fromCode(code))
	}
	d.serial = serial

	var err error
	if d.fw, err = versionOrErr(d.drv.FirmwareVersion(d.handle)); err != nil {
		return fmt.Errorf("read firmware version: %w", err)
	}
	if d.fpga, err = versionOrErr(d.drv.FPGAVersion(d.handle)); err != nil {
		return fmt.Errorf("read fpga version: %w", err)
	}

	for _, ch := range []Channel{RX0, RX1, TX0, TX1} {
		caps, code := d.drv.Capabilities(d.handle, ch.wire())
		if code != native.CodeOK {
			return fmt.Errorf("read %s capabilities: %w", ch, fromCode(code))
		}
		d.caps[ch] = caps
		d.channels[ch] = &channelState{}
	}
	return nil
}

func versionOrErr(v native.Version, code int) (native.Version, error) {
	if code != native.CodeOK {
		return native.Version{}, fromCode(code)
	}
	return v, nil
}

// Serial returns the device serial number.
func (d *Device) Serial() string { return d.serial }

// FirmwareVersion returns the firmware version read at open.
func (d *Device) FirmwareVersion() native.Version { return d.fw }

// FPGAVersion returns the FPGA version read at open.
func (d *Device) FPGAVersion() native.Version { return d.fpga }

// Capabilities returns the capability table for one channel.
func (d *Device) Capabilities(ch Channel) (Capabilities, error) {
	if !ch.valid() {
		return Capabilities{}, configErr("channel", "invalid")
	}
	return d.caps[ch], nil
}

// Close stops any live stream sessions, disables enabled channels, and
// releases the native handle. It is idempotent; later control calls on
// the device fail.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	var sessions []*Stream
	for _, st := range d.channels {
		if st.session != nil {
			sessions = append(sessions, st.session)
		}
	}
	d.mu.Unlock()

	// Sessions own driver-side buffers; they must drain before the
	// native handle goes away.
	for _, s := range sessions {
		s.Stop()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	for ch, st := range d.channels {
		if st.enabled {
			d.drv.EnableModule(d.handle, ch.wire(), false)
			st.enabled = false
		}
	}
	code := d.drv.Close(d.handle)

	openMu.Lock()
	delete(openDevices, d.serial)
	openMu.Unlock()

	d.log.Info("device closed")
	if code != native.CodeOK {
		return fmt.Errorf("close %s: %w", d.serial, fromCode(code))
	}
	return nil
}

// Configure validates cfg against the channel's capability ranges,
// pushes it to the hardware under the control-plane lock, and returns
// the achieved configuration (quantized frequency, actual sample rate
// and bandwidth). On any native failure the previous configuration is
// restored, so the channel is never left half-applied.
func (d *Device) Configure(ch Channel, cfg ChannelConfig) (ChannelConfig, error) {
	if !ch.valid() {
		return cfg, configErr("channel", "invalid")
	}
	norm, err := Normalize(cfg, d.caps[ch])
	if err != nil {
		return cfg, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return cfg, kindErr(KindSessionFailed, "device closed")
	}

	st := d.channels[ch]
	achieved, err := d.applyLocked(ch, norm)
	if err != nil {
		if st.configured {
			// Best effort: the failing knob may be wedged, but every
			// value we can restore must be restored.
			if _, rbErr := d.applyLocked(ch, st.cfg); rbErr != nil {
				d.log.Error("rollback failed",
					logging.F("channel", ch),
					logging.F("error", rbErr))
			}
		}
		return cfg, err
	}

	st.cfg = achieved
	st.configured = true
	d.log.Debug("channel configured",
		logging.F("channel", ch),
		logging.F("frequency_hz", achieved.FrequencyHz),
		logging.F("sample_rate_hz", achieved.SampleRateHz),
		logging.F("bandwidth_hz", achieved.BandwidthHz))
	return achieved, nil
}

// applyLocked pushes one normalized configuration; callers hold d.mu.
func (d *Device) applyLocked(ch Channel, cfg ChannelConfig) (ChannelConfig, error) {
	w := ch.wire()
	achieved := cfg

	if code := d.drv.SetFrequency(d.handle, w, cfg.FrequencyHz); code != native.CodeOK {
		return cfg, fieldErr("frequency", code)
	}
	rate, code := d.drv.SetSampleRate(d.handle, w, cfg.SampleRateHz)
	if code != native.CodeOK {
		return cfg, fieldErr("sample_rate", code)
	}
	achieved.SampleRateHz = rate

	bw, code := d.drv.SetBandwidth(d.handle, w, cfg.BandwidthHz)
	if code != native.CodeOK {
		return cfg, fieldErr("bandwidth", code)
	}
	achieved.BandwidthHz = bw

	if code := d.drv.SetGainMode(d.handle, w, cfg.GainMode); code != native.CodeOK {
		return cfg, fieldErr("gain_mode", code)
	}
	if cfg.GainMode == GainDefault || cfg.GainMode == GainManual {
		if code := d.drv.SetGain(d.handle, w, cfg.GainDB); code != native.CodeOK {
			return cfg, fieldErr("gain", code)
		}
	}

	// The synthesizer may not land exactly on the requested step; report
	// what the hardware settled on.
	freq, code := d.drv.Frequency(d.handle, w)
	if code != native.CodeOK {
		return cfg, fieldErr("frequency", code)
	}
	achieved.FrequencyHz = freq

	return achieved, nil
}

// fieldErr attributes a native failure to the channel-config field whose
// write produced it.
func fieldErr(field string, code int) error {
	err := fromCode(code)
	if e, ok := err.(*Error); ok && e.Kind == KindConfig {
		e.Field = field
		return e
	}
	return fmt.Errorf("set %s: %w", field, err)
}

// Config returns the last configuration successfully applied to the
// channel.
func (d *Device) Config(ch Channel) (ChannelConfig, error) {
	if !ch.valid() {
		return ChannelConfig{}, configErr("channel", "invalid")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.channels[ch]
	if !st.configured {
		return ChannelConfig{}, configErr("channel", "not_configured")
	}
	return st.cfg, nil
}

// ReadConfig reads the channel configuration back from the hardware.
func (d *Device) ReadConfig(ch Channel) (ChannelConfig, error) {
	if !ch.valid() {
		return ChannelConfig{}, configErr("channel", "invalid")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ChannelConfig{}, kindErr(KindSessionFailed, "device closed")
	}
	w := ch.wire()
	var out ChannelConfig

	freq, code := d.drv.Frequency(d.handle, w)
	if code != native.CodeOK {
		return out, fmt.Errorf("read frequency: %w", fromCode(code))
	}
	out.FrequencyHz = freq

	rate, code := d.drv.SampleRate(d.handle, w)
	if code != native.CodeOK {
		return out, fmt.Errorf("read sample rate: %w", fromCode(code))
	}
	out.SampleRateHz = rate

	bw, code := d.drv.Bandwidth(d.handle, w)
	if code != native.CodeOK {
		return out, fmt.Errorf("read bandwidth: %w", fromCode(code))
	}
	out.BandwidthHz = bw

	gain, code := d.drv.Gain(d.handle, w)
	if code != native.CodeOK {
		return out, fmt.Errorf("read gain: %w", fromCode(code))
	}
	out.GainDB = gain

	mode, code := d.drv.GainModeGet(d.handle, w)
	if code != native.CodeOK {
		return out, fmt.Errorf("read gain mode: %w", fromCode(code))
	}
	out.GainMode = mode

	return out, nil
}

// EnableChannel powers up the RF front end for a channel.
func (d *Device) EnableChannel(ch Channel) error {
	return d.setEnabled(ch, true)
}

// DisableChannel powers down the RF front end. A channel bound to a live
// stream session cannot be disabled; stop the session first.
func (d *Device) DisableChannel(ch Channel) error {
	return d.setEnabled(ch, false)
}

func (d *Device) setEnabled(ch Channel, enable bool) error {
	if !ch.valid() {
		return configErr("channel", "invalid")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return kindErr(KindSessionFailed, "device closed")
	}
	st := d.channels[ch]
	if !enable && st.session != nil {
		return kindErr(KindSessionActive, "%s is bound to a stream session", ch)
	}
	if st.enabled == enable {
		return nil
	}
	if code := d.drv.EnableModule(d.handle, ch.wire(), enable); code != native.CodeOK {
		return fmt.Errorf("enable %s=%v: %w", ch, enable, fromCode(code))
	}
	st.enabled = enable
	d.log.Debug("channel toggled", logging.F("channel", ch), logging.F("enabled", enable))
	return nil
}

// ChannelEnabled reports the cached RF front-end state of a channel.
func (d *Device) ChannelEnabled(ch Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.channels[ch]; ok {
		return st.enabled
	}
	return false
}

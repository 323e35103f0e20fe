package bladerf

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/rfkit/bladerf/logging"
	"github.com/rfkit/bladerf/native"
)

// Profile is a declarative device setup loaded from a YAML file. It
// names the device to open, how to log, stream parameters, and a tuning
// preset per channel. Applying a profile configures and enables every
// channel it names.
type Profile struct {
	Device struct {
		// Serial selects the device by serial prefix. Empty means
		// the first enumerated device.
		Serial string `yaml:"serial"`

		// OpenWaitMS bounds retrying Open while the device is still
		// settling on the bus. Zero disables retries.
		OpenWaitMS int `yaml:"open_wait_ms"`
	} `yaml:"device"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`

		// File enables rotating log output. Empty logs to stderr.
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`

	Stream struct {
		NumBuffers        int `yaml:"num_buffers"`
		BufferSamples     int `yaml:"buffer_samples"`
		NumTransfers      int `yaml:"num_transfers"`
		TimeoutMS         int `yaml:"timeout_ms"`
		TimeoutLimit      int `yaml:"timeout_limit"`
		ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
	} `yaml:"stream"`

	Channels map[string]ChannelProfile `yaml:"channels"`
}

// ChannelProfile is the tuning preset for one channel.
type ChannelProfile struct {
	FrequencyHz  uint64 `yaml:"frequency_hz"`
	SampleRateHz uint32 `yaml:"sample_rate_hz"`
	BandwidthHz  uint32 `yaml:"bandwidth_hz"`
	GainDB       int32  `yaml:"gain_db"`
	GainMode     string `yaml:"gain_mode"`
}

// LoadProfile reads and validates a profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}

	p.setDefaults()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Profile) setDefaults() {
	if p.Logging.Level == "" {
		p.Logging.Level = "info"
	}
	if p.Logging.Format == "" {
		p.Logging.Format = "text"
	}
	if p.Logging.MaxSizeMB == 0 {
		p.Logging.MaxSizeMB = 10
	}
	if p.Logging.MaxBackups == 0 {
		p.Logging.MaxBackups = 3
	}
}

func (p *Profile) validate() error {
	if _, err := logging.ParseLevel(p.Logging.Level); err != nil {
		return fmt.Errorf("profile logging: %w", err)
	}
	if _, err := logging.ParseFormat(p.Logging.Format); err != nil {
		return fmt.Errorf("profile logging: %w", err)
	}
	for name, cp := range p.Channels {
		if _, err := parseChannel(name); err != nil {
			return err
		}
		if _, err := parseGainMode(cp.GainMode); err != nil {
			return fmt.Errorf("profile channel %s: %w", name, err)
		}
		if cp.FrequencyHz == 0 {
			return fmt.Errorf("profile channel %s: frequency_hz is required", name)
		}
		if cp.SampleRateHz == 0 {
			return fmt.Errorf("profile channel %s: sample_rate_hz is required", name)
		}
	}
	return nil
}

// Logger builds the logger the profile describes.
func (p *Profile) Logger() (logging.Logger, error) {
	level, err := logging.ParseLevel(p.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(p.Logging.Format)
	if err != nil {
		return nil, err
	}
	if p.Logging.File != "" {
		return logging.NewRotating(level, format, p.Logging.File, p.Logging.MaxSizeMB, p.Logging.MaxBackups), nil
	}
	return logging.New(level, format, os.Stderr), nil
}

// StreamConfig returns the stream parameters the profile describes.
// Unset fields keep their defaults.
func (p *Profile) StreamConfig() StreamConfig {
	return StreamConfig{
		NumBuffers:      p.Stream.NumBuffers,
		BufferSamples:   p.Stream.BufferSamples,
		NumTransfers:    p.Stream.NumTransfers,
		Timeout:         time.Duration(p.Stream.TimeoutMS) * time.Millisecond,
		TimeoutLimit:    p.Stream.TimeoutLimit,
		ShutdownTimeout: time.Duration(p.Stream.ShutdownTimeoutMS) * time.Millisecond,
	}
}

// Open opens the device the profile selects, wiring in the profile's
// logger. When OpenWait is set the open is retried until the deadline.
func (p *Profile) Open(drv native.Driver) (*Device, error) {
	log, err := p.Logger()
	if err != nil {
		return nil, err
	}
	if p.Device.OpenWaitMS > 0 {
		wait := time.Duration(p.Device.OpenWaitMS) * time.Millisecond
		return OpenRetry(drv, p.Device.Serial, wait, WithLogger(log))
	}
	return Open(drv, p.Device.Serial, WithLogger(log))
}

// Apply configures and enables every channel the profile names. The
// first failure is returned; channels applied before it keep their new
// configuration.
func (p *Profile) Apply(dev *Device) error {
	for _, name := range sortedChannelNames(p.Channels) {
		cp := p.Channels[name]
		ch, err := parseChannel(name)
		if err != nil {
			return err
		}
		mode, err := parseGainMode(cp.GainMode)
		if err != nil {
			return err
		}
		cfg := ChannelConfig{
			FrequencyHz:  cp.FrequencyHz,
			SampleRateHz: cp.SampleRateHz,
			BandwidthHz:  cp.BandwidthHz,
			GainDB:       cp.GainDB,
			GainMode:     mode,
		}
		if _, err := dev.Configure(ch, cfg); err != nil {
			return fmt.Errorf("profile channel %s: %w", name, err)
		}
		if err := dev.EnableChannel(ch); err != nil {
			return fmt.Errorf("profile channel %s: %w", name, err)
		}
	}
	return nil
}

func sortedChannelNames(m map[string]ChannelProfile) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	// Channel names sort naturally (rx0, rx1, tx0, tx1), which also
	// keeps RX setup ahead of TX.
	sort.Strings(names)
	return names
}

func parseChannel(name string) (Channel, error) {
	switch strings.ToLower(name) {
	case "rx0":
		return RX0, nil
	case "rx1":
		return RX1, nil
	case "tx0":
		return TX0, nil
	case "tx1":
		return TX1, nil
	}
	return 0, fmt.Errorf("unknown channel %q", name)
}

func parseGainMode(s string) (GainMode, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return native.GainDefault, nil
	case "manual":
		return native.GainManual, nil
	case "fast-agc", "fastagc":
		return native.GainFastAGC, nil
	case "slow-agc", "slowagc":
		return native.GainSlowAGC, nil
	case "hybrid-agc", "hybridagc":
		return native.GainHybridAGC, nil
	}
	return 0, fmt.Errorf("unknown gain mode %q", s)
}

package bladerf

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rfkit/bladerf/native"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

const fullProfile = `
device:
  serial: "5a3e"
  open_wait_ms: 2000
logging:
  level: debug
  format: json
stream:
  num_buffers: 16
  buffer_samples: 8192
  num_transfers: 8
  timeout_ms: 250
  timeout_limit: 4
  shutdown_timeout_ms: 1500
channels:
  rx0:
    frequency_hz: 915000000
    sample_rate_hz: 2000000
    bandwidth_hz: 1500000
    gain_db: 30
    gain_mode: manual
  tx0:
    frequency_hz: 2400000000
    sample_rate_hz: 5000000
    gain_db: -5
    gain_mode: manual
`

func TestLoadProfile(t *testing.T) {
	p, err := LoadProfile(writeProfile(t, fullProfile))
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}

	if p.Device.Serial != "5a3e" {
		t.Errorf("serial %q", p.Device.Serial)
	}
	cfg := p.StreamConfig()
	if cfg.NumBuffers != 16 || cfg.BufferSamples != 8192 || cfg.NumTransfers != 8 {
		t.Errorf("stream config %+v", cfg)
	}
	if cfg.Timeout != 250*time.Millisecond || cfg.ShutdownTimeout != 1500*time.Millisecond {
		t.Errorf("stream timeouts %v / %v", cfg.Timeout, cfg.ShutdownTimeout)
	}
	if len(p.Channels) != 2 {
		t.Errorf("parsed %d channels", len(p.Channels))
	}
	if p.Channels["rx0"].GainDB != 30 || p.Channels["tx0"].GainDB != -5 {
		t.Errorf("channel gains %+v", p.Channels)
	}
}

func TestLoadProfileDefaults(t *testing.T) {
	p, err := LoadProfile(writeProfile(t, "device:\n  serial: \"93f0\"\n"))
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if p.Logging.Level != "info" || p.Logging.Format != "text" {
		t.Errorf("logging defaults %+v", p.Logging)
	}
	if p.Logging.MaxSizeMB != 10 || p.Logging.MaxBackups != 3 {
		t.Errorf("rotation defaults %+v", p.Logging)
	}
	// Unset stream fields defer to the engine's defaults at start time.
	if cfg := p.StreamConfig(); cfg.NumBuffers != 0 {
		t.Errorf("stream config %+v", cfg)
	}
}

func TestLoadProfileRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad level", "logging:\n  level: verbose\n", "level"},
		{"bad format", "logging:\n  format: xml\n", "format"},
		{"bad channel", "channels:\n  rx9:\n    frequency_hz: 915000000\n    sample_rate_hz: 2000000\n", "rx9"},
		{"bad gain mode", "channels:\n  rx0:\n    frequency_hz: 915000000\n    sample_rate_hz: 2000000\n    gain_mode: turbo\n", "gain mode"},
		{"missing frequency", "channels:\n  rx0:\n    sample_rate_hz: 2000000\n", "frequency_hz"},
		{"missing rate", "channels:\n  rx0:\n    frequency_hz: 915000000\n", "sample_rate_hz"},
		{"not yaml", "{{{", "parse"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadProfile(writeProfile(t, tc.body))
			if err == nil {
				t.Fatal("LoadProfile accepted bad input")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadProfile accepted a missing file")
	}
}

func TestProfileOpenAndApply(t *testing.T) {
	sim := native.NewSim()
	p, err := LoadProfile(writeProfile(t, fullProfile))
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	// Keep the test quiet; the profile asks for debug logging.
	p.Logging.Level = "error"

	dev, err := p.Open(sim)
	if err != nil {
		t.Fatalf("profile Open failed: %v", err)
	}
	defer dev.Close()
	if dev.Serial() != simSerialA {
		t.Errorf("opened %s", dev.Serial())
	}

	if err := p.Apply(dev); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	for _, ch := range []Channel{RX0, TX0} {
		if !dev.ChannelEnabled(ch) {
			t.Errorf("%s not enabled by Apply", ch)
		}
	}
	cfg, err := dev.Config(RX0)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cfg.FrequencyHz != 915_000_000 || cfg.GainDB != 30 {
		t.Errorf("applied config %+v", cfg)
	}
}

func TestParseChannelNames(t *testing.T) {
	good := map[string]Channel{"rx0": RX0, "RX1": RX1, "tx0": TX0, "Tx1": TX1}
	for in, want := range good {
		got, err := parseChannel(in)
		if err != nil || got != want {
			t.Errorf("parseChannel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseChannel("rx2"); err == nil {
		t.Error("parseChannel accepted rx2")
	}
}

func TestParseGainModes(t *testing.T) {
	cases := map[string]GainMode{
		"":           GainDefault,
		"manual":     GainManual,
		"fast-agc":   GainFastAGC,
		"slowagc":    GainSlowAGC,
		"Hybrid-AGC": GainHybridAGC,
	}
	for in, want := range cases {
		got, err := parseGainMode(in)
		if err != nil || got != want {
			t.Errorf("parseGainMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := parseGainMode("turbo"); err == nil {
		t.Error("parseGainMode accepted turbo")
	}
}

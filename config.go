package bladerf

import "github.com/rfkit/bladerf/native"

// GainMode selects between manual gain and the hardware AGC variants.
type GainMode = native.GainMode

const (
	GainDefault   = native.GainDefault
	GainManual    = native.GainManual
	GainFastAGC   = native.GainFastAGC
	GainSlowAGC   = native.GainSlowAGC
	GainHybridAGC = native.GainHybridAGC
)

// Capabilities re-exports the per-channel capability table reported by
// the driver.
type Capabilities = native.Capabilities

// ChannelConfig is a requested or achieved configuration for one
// channel. A zero BandwidthHz requests automatic selection (3/4 of the
// sample rate, snapped to what the analog filter supports).
type ChannelConfig struct {
	FrequencyHz  uint64
	SampleRateHz uint32
	BandwidthHz  uint32
	GainDB       int32
	GainMode     GainMode
}

// Normalize validates cfg against caps and returns the configuration the
// hardware can actually take: frequency snapped to the synthesizer step,
// bandwidth snapped to the nearest supported filter setting. The caller
// compares the result against the request to observe quantization.
//
// Values outside the capability ranges fail with a config error naming
// the offending field; nothing is clamped into range silently.
func Normalize(cfg ChannelConfig, caps Capabilities) (ChannelConfig, error) {
	out := cfg

	if cfg.FrequencyHz < caps.FrequencyMinHz || cfg.FrequencyHz > caps.FrequencyMaxHz {
		return cfg, configErr("frequency", "out_of_range")
	}
	if step := caps.FrequencyStepHz; step > 1 {
		snapped := (cfg.FrequencyHz + step/2) / step * step
		if snapped > caps.FrequencyMaxHz {
			snapped -= step
		}
		if snapped < caps.FrequencyMinHz {
			snapped += step
		}
		out.FrequencyHz = snapped
	}

	if cfg.SampleRateHz < caps.SampleRateMinHz || cfg.SampleRateHz > caps.SampleRateMaxHz {
		return cfg, configErr("sample_rate", "out_of_range")
	}

	bw := cfg.BandwidthHz
	if bw == 0 {
		bw = cfg.SampleRateHz / 4 * 3
	}
	snapped, ok := nearestBandwidth(bw, caps.BandwidthsHz)
	if !ok {
		return cfg, configErr("bandwidth", "out_of_range")
	}
	if cfg.BandwidthHz != 0 && (cfg.BandwidthHz < caps.BandwidthsHz[0] || cfg.BandwidthHz > caps.BandwidthsHz[len(caps.BandwidthsHz)-1]) {
		return cfg, configErr("bandwidth", "out_of_range")
	}
	out.BandwidthHz = snapped

	if !caps.SupportsGainMode(cfg.GainMode) {
		return cfg, configErr("gain_mode", "unsupported")
	}
	if cfg.GainMode == GainDefault || cfg.GainMode == GainManual {
		if cfg.GainDB < caps.GainMinDB || cfg.GainDB > caps.GainMaxDB {
			return cfg, configErr("gain", "out_of_range")
		}
	} else {
		// AGC owns the gain value; the request's value is ignored.
		out.GainDB = 0
	}

	return out, nil
}

// nearestBandwidth picks the supported bandwidth closest to want.
func nearestBandwidth(want uint32, supported []uint32) (uint32, bool) {
	if len(supported) == 0 {
		return 0, false
	}
	best := supported[0]
	for _, cand := range supported[1:] {
		if diff32(cand, want) < diff32(best, want) {
			best = cand
		}
	}
	return best, true
}

func diff32(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

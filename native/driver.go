// Package native defines the boundary to the vendor driver library.
//
// The driver exposes a blocking, C-style API: every call returns an
// integer code (0 on success, a negative constant from codes.go on
// failure) and requires external synchronization. Driver implementations
// must not be assumed safe for concurrent calls on the same handle; the
// wrapping layer serializes access. The cgo binding against the vendor
// library satisfies this interface out of tree; Sim satisfies it
// in-process for tests and development.
package native

import "fmt"

// Handle identifies one open device session inside a Driver. Zero is
// never a valid handle.
type Handle uintptr

// Channel encodes a direction+index pair the way the driver ABI does:
// bit 0 is the direction (0 = RX, 1 = TX), the remaining bits are the
// channel index.
type Channel int

const (
	ChannelRx0 Channel = 0 // (0 << 1) | 0
	ChannelTx0 Channel = 1 // (0 << 1) | 1
	ChannelRx1 Channel = 2 // (1 << 1) | 0
	ChannelTx1 Channel = 3 // (1 << 1) | 1
)

// IsTx reports whether the channel is a transmit channel.
func (c Channel) IsTx() bool { return c&1 == 1 }

// Index returns the zero-based channel index within its direction.
func (c Channel) Index() int { return int(c >> 1) }

func (c Channel) String() string {
	dir := "rx"
	if c.IsTx() {
		dir = "tx"
	}
	return fmt.Sprintf("%s%d", dir, c.Index())
}

// Layout selects which channels a sync stream binds.
type Layout int

const (
	LayoutRxSISO Layout = 0 // RX channel 0 only
	LayoutTxSISO Layout = 1 // TX channel 0 only
	LayoutRxMIMO Layout = 2 // RX channels 0 and 1
	LayoutTxMIMO Layout = 3 // TX channels 0 and 1
)

// Channels returns the number of channels the layout carries on the wire.
func (l Layout) Channels() int {
	if l == LayoutRxMIMO || l == LayoutTxMIMO {
		return 2
	}
	return 1
}

// IsTx reports whether the layout is a transmit layout.
func (l Layout) IsTx() bool { return l == LayoutTxSISO || l == LayoutTxMIMO }

// GainMode mirrors the driver's gain-control mode constants.
type GainMode int

const (
	GainDefault GainMode = iota
	GainManual
	GainFastAGC
	GainSlowAGC
	GainHybridAGC
)

func (m GainMode) String() string {
	switch m {
	case GainDefault:
		return "default"
	case GainManual:
		return "manual"
	case GainFastAGC:
		return "fast_agc"
	case GainSlowAGC:
		return "slow_agc"
	case GainHybridAGC:
		return "hybrid_agc"
	default:
		return fmt.Sprintf("gain_mode(%d)", int(m))
	}
}

// Correction identifies one of the per-channel IQ correction knobs.
type Correction int

const (
	CorrectionDCOffsetI Correction = iota
	CorrectionDCOffsetQ
	CorrectionPhase
	CorrectionGain
)

func (c Correction) String() string {
	switch c {
	case CorrectionDCOffsetI:
		return "dc_offset_i"
	case CorrectionDCOffsetQ:
		return "dc_offset_q"
	case CorrectionPhase:
		return "phase"
	case CorrectionGain:
		return "gain"
	default:
		return fmt.Sprintf("correction(%d)", int(c))
	}
}

// Native streaming engine limits: buffer sizes must be a multiple of
// the transfer granularity, and at least MinBuffers must back a stream.
const (
	BufferGranularity = 1024
	MinBuffers        = 2
)

// Status flag bits reported by SyncRx/SyncTx alongside the return code.
// These are out-of-band conditions: the call itself succeeded but the
// hardware ring lost or starved samples.
const (
	StatusOverrun  uint32 = 1 << 0
	StatusUnderrun uint32 = 1 << 1
)

// DeviceInfo identifies one enumerated device.
type DeviceInfo struct {
	Serial   string
	USBBus   uint8
	USBAddr  uint8
	Instance int
	Product  string
}

// Version describes a firmware or FPGA version.
type Version struct {
	Major    uint16
	Minor    uint16
	Patch    uint16
	Describe string
}

func (v Version) String() string {
	if v.Describe != "" {
		return v.Describe
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Capabilities reports the value ranges one channel accepts. Frequencies
// quantize to FrequencyStepHz; bandwidth is restricted to the discrete
// BandwidthsHz table; sample rate is continuous within its range. Gain
// value ranges apply in manual mode; AGC modes ignore the gain value.
type Capabilities struct {
	FrequencyMinHz  uint64
	FrequencyMaxHz  uint64
	FrequencyStepHz uint64

	SampleRateMinHz uint32
	SampleRateMaxHz uint32

	BandwidthsHz []uint32

	GainMinDB int32
	GainMaxDB int32
	GainModes []GainMode
}

// SupportsGainMode reports whether the channel accepts the given mode.
func (c Capabilities) SupportsGainMode(m GainMode) bool {
	for _, g := range c.GainModes {
		if g == m {
			return true
		}
	}
	return false
}

// Driver is the native library surface the wrapper builds on. Every
// method returns a code from codes.go as its last result; out-values are
// meaningful only when the code is 0. Enumerate takes no handle and
// returns a fresh snapshot on every call.
type Driver interface {
	Enumerate() ([]DeviceInfo, int)

	// Open matches by serial (exact or unambiguous prefix). An empty
	// identifier opens the first enumerated device.
	Open(identifier string) (Handle, int)
	Close(h Handle) int

	Serial(h Handle) (string, int)
	FirmwareVersion(h Handle) (Version, int)
	FPGAVersion(h Handle) (Version, int)
	Capabilities(h Handle, ch Channel) (Capabilities, int)

	SetFrequency(h Handle, ch Channel, hz uint64) int
	Frequency(h Handle, ch Channel) (uint64, int)
	SetSampleRate(h Handle, ch Channel, rate uint32) (actual uint32, code int)
	SampleRate(h Handle, ch Channel) (uint32, int)
	SetBandwidth(h Handle, ch Channel, bw uint32) (actual uint32, code int)
	Bandwidth(h Handle, ch Channel) (uint32, int)
	SetGain(h Handle, ch Channel, db int32) int
	Gain(h Handle, ch Channel) (int32, int)
	SetGainMode(h Handle, ch Channel, mode GainMode) int
	GainModeGet(h Handle, ch Channel) (GainMode, int)

	SetCorrection(h Handle, ch Channel, corr Correction, value int16) int
	GetCorrection(h Handle, ch Channel, corr Correction) (int16, int)

	EnableModule(h Handle, ch Channel, enable bool) int

	// SyncConfig programs the stream transfer parameters for one
	// direction. bufferSamples counts samples per buffer per the layout's
	// wire interleave; timeoutMs bounds each individual transfer.
	SyncConfig(h Handle, layout Layout, numBuffers, bufferSamples, numTransfers, timeoutMs int) int

	// SyncRx fills buf with wire-format samples, blocking up to
	// timeoutMs. SyncTx drains buf symmetrically. The returned flags
	// carry Status* bits valid when the code is 0.
	SyncRx(h Handle, buf []byte, timeoutMs int) (flags uint32, code int)
	SyncTx(h Handle, buf []byte, timeoutMs int) (flags uint32, code int)

	ExpansionGPIORead(h Handle) (uint32, int)
	ExpansionGPIOMaskedWrite(h Handle, mask, value uint32) int
	ExpansionGPIODirMaskedWrite(h Handle, mask, outputs uint32) int
}

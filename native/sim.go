package native

import (
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"time"
)

// Sim is an in-process Driver implementation backing tests and
// development without hardware. It models a small table of devices with
// per-channel state, capability ranges with real quantization steps,
// synthetic tone RX data, TX capture, and fault injection hooks.
//
// Unlike a real driver, Sim is safe for concurrent calls; the wrapper's
// locking discipline is still exercised because the wrapper cannot know
// that.
type Sim struct {
	mu      sync.Mutex
	devices []*simDevice

	// Realtime paces SyncRx/SyncTx to the configured sample rate. Off by
	// default so tests run fast.
	Realtime bool

	// ToneOffsetHz sets the frequency of the synthetic RX tone relative
	// to the tuned frequency.
	ToneOffsetHz float64
}

type simDevice struct {
	info     DeviceInfo
	fw, fpga Version
	open     bool
	gone     bool // disconnected mid-session

	channels map[Channel]*simChannel

	rxSync simSyncConfig
	txSync simSyncConfig

	gpioLevels uint32
	gpioDirs   uint32 // bit set = output
	gpioInputs uint32 // externally driven input levels

	pendingTimeouts int
	pendingOverrun  bool
	pendingUnderrun bool
	pendingHang     chan struct{}

	rxPhase    float64
	txSamples  uint64
	lastTxWire []byte
}

type simChannel struct {
	frequency   uint64
	sampleRate  uint32
	bandwidth   uint32
	gain        int32
	gainMode    GainMode
	enabled     bool
	corrections map[Correction]int16
}

type simSyncConfig struct {
	valid         bool
	layout        Layout
	numBuffers    int
	bufferSamples int
	numTransfers  int
	timeoutMs     int
}

const (
	simFrequencyMin  = 237_500_000
	simFrequencyMax  = 3_800_000_000
	simFrequencyStep = 2_500
	simSampleRateMin = 160_000
	simSampleRateMax = 40_000_000
	simRxGainMin     = 0
	simRxGainMax     = 60
	simTxGainMin     = -35
	simTxGainMax     = 25
)

var simBandwidths = []uint32{
	1_500_000, 1_750_000, 2_500_000, 2_750_000, 3_000_000, 3_840_000,
	5_000_000, 5_500_000, 6_000_000, 7_000_000, 8_750_000, 10_000_000,
	12_000_000, 14_000_000, 20_000_000, 28_000_000,
}

var simCorrectionRange = map[Correction]int16{
	CorrectionDCOffsetI: 2048,
	CorrectionDCOffsetQ: 2048,
	CorrectionPhase:     4096,
	CorrectionGain:      4096,
}

// NewSim builds a simulator with two attached devices.
func NewSim() *Sim {
	s := &Sim{ToneOffsetHz: 100_000}
	s.devices = []*simDevice{
		newSimDevice("5a3e1f92c4b8d7a1", 2, 5, "bladeRF sim A"),
		newSimDevice("93f07c6d21e8b4f5", 2, 6, "bladeRF sim B"),
	}
	return s
}

func newSimDevice(serial string, bus, addr uint8, product string) *simDevice {
	d := &simDevice{
		info: DeviceInfo{Serial: serial, USBBus: bus, USBAddr: addr, Product: product},
		fw:   Version{Major: 2, Minor: 4, Patch: 0, Describe: "2.4.0-sim"},
		fpga: Version{Major: 0, Minor: 15, Patch: 3, Describe: "0.15.3-sim"},
		channels: map[Channel]*simChannel{
			ChannelRx0: newSimChannel(),
			ChannelRx1: newSimChannel(),
			ChannelTx0: newSimChannel(),
			ChannelTx1: newSimChannel(),
		},
	}
	return d
}

func newSimChannel() *simChannel {
	return &simChannel{
		frequency:   1_000_000_000,
		sampleRate:  2_000_000,
		bandwidth:   1_500_000,
		gainMode:    GainDefault,
		corrections: make(map[Correction]int16),
	}
}

// InjectTimeouts makes the next n SyncRx/SyncTx calls on the device time
// out.
func (s *Sim) InjectTimeouts(serial string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.pendingTimeouts = n
	}
}

// InjectHang wedges the next SyncRx/SyncTx on the device: the call
// blocks, ignoring its timeout, until the returned release function is
// invoked, then returns CodeTimeout. Models a stuck transfer engine.
func (s *Sim) InjectHang(serial string) (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	if d := s.bySerial(serial); d != nil {
		d.pendingHang = ch
	}
	s.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// InjectOverrun flags an overrun on the next successful SyncRx.
func (s *Sim) InjectOverrun(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.pendingOverrun = true
	}
}

// InjectUnderrun flags an underrun on the next successful SyncTx.
func (s *Sim) InjectUnderrun(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.pendingUnderrun = true
	}
}

// Disconnect simulates the device going away mid-session: every later
// call on its handle fails with CodeNoDev.
func (s *Sim) Disconnect(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.gone = true
	}
}

// Reattach undoes Disconnect.
func (s *Sim) Reattach(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.gone = false
		d.open = false
	}
}

// SetGPIOInputs drives the externally-visible level of input pins.
func (s *Sim) SetGPIOInputs(serial string, levels uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		d.gpioInputs = levels
	}
}

// TxSampleCount reports how many samples the device has transmitted.
func (s *Sim) TxSampleCount(serial string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		return d.txSamples
	}
	return 0
}

// LastTxWire returns the most recent wire buffer written by SyncTx.
func (s *Sim) LastTxWire(serial string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.bySerial(serial); d != nil {
		out := make([]byte, len(d.lastTxWire))
		copy(out, d.lastTxWire)
		return out
	}
	return nil
}

func (s *Sim) bySerial(serial string) *simDevice {
	for _, d := range s.devices {
		if d.info.Serial == serial {
			return d
		}
	}
	return nil
}

func (s *Sim) device(h Handle) *simDevice {
	idx := int(h) - 1
	if idx < 0 || idx >= len(s.devices) {
		return nil
	}
	d := s.devices[idx]
	if !d.open {
		return nil
	}
	return d
}

// live resolves a handle to an open, still-attached device.
func (s *Sim) live(h Handle) (*simDevice, int) {
	d := s.device(h)
	if d == nil {
		return nil, CodeInval
	}
	if d.gone {
		return nil, CodeNoDev
	}
	return d, CodeOK
}

func (s *Sim) Enumerate() ([]DeviceInfo, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeviceInfo
	for i, d := range s.devices {
		if d.gone {
			continue
		}
		info := d.info
		info.Instance = i
		out = append(out, info)
	}
	return out, CodeOK
}

func (s *Sim) Open(identifier string) (Handle, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if d.gone {
			continue
		}
		if identifier != "" && !strings.HasPrefix(d.info.Serial, identifier) {
			continue
		}
		if d.open {
			return 0, CodeIO
		}
		d.open = true
		return Handle(i + 1), CodeOK
	}
	return 0, CodeNoDev
}

func (s *Sim) Close(h Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.device(h)
	if d == nil {
		return CodeInval
	}
	d.open = false
	d.rxSync = simSyncConfig{}
	d.txSync = simSyncConfig{}
	for _, ch := range d.channels {
		ch.enabled = false
	}
	return CodeOK
}

func (s *Sim) Serial(h Handle) (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return "", code
	}
	return d.info.Serial, CodeOK
}

func (s *Sim) FirmwareVersion(h Handle) (Version, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return Version{}, code
	}
	return d.fw, CodeOK
}

func (s *Sim) FPGAVersion(h Handle) (Version, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return Version{}, code
	}
	return d.fpga, CodeOK
}

func (s *Sim) Capabilities(h Handle, ch Channel) (Capabilities, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, code := s.live(h); code != CodeOK {
		return Capabilities{}, code
	}
	caps := Capabilities{
		FrequencyMinHz:  simFrequencyMin,
		FrequencyMaxHz:  simFrequencyMax,
		FrequencyStepHz: simFrequencyStep,
		SampleRateMinHz: simSampleRateMin,
		SampleRateMaxHz: simSampleRateMax,
		BandwidthsHz:    append([]uint32(nil), simBandwidths...),
	}
	if ch.IsTx() {
		caps.GainMinDB = simTxGainMin
		caps.GainMaxDB = simTxGainMax
		caps.GainModes = []GainMode{GainDefault, GainManual}
	} else {
		caps.GainMinDB = simRxGainMin
		caps.GainMaxDB = simRxGainMax
		caps.GainModes = []GainMode{GainDefault, GainManual, GainFastAGC, GainSlowAGC, GainHybridAGC}
	}
	return caps, CodeOK
}

func (s *Sim) channelState(h Handle, ch Channel) (*simChannel, int) {
	d, code := s.live(h)
	if code != CodeOK {
		return nil, code
	}
	cs, ok := d.channels[ch]
	if !ok {
		return nil, CodeInval
	}
	return cs, CodeOK
}

func (s *Sim) SetFrequency(h Handle, ch Channel, hz uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return code
	}
	if hz < simFrequencyMin || hz > simFrequencyMax {
		return CodeRange
	}
	// Synthesizer resolution: snap to the nearest step.
	cs.frequency = (hz + simFrequencyStep/2) / simFrequencyStep * simFrequencyStep
	return CodeOK
}

func (s *Sim) Frequency(h Handle, ch Channel) (uint64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	return cs.frequency, CodeOK
}

func (s *Sim) SetSampleRate(h Handle, ch Channel, rate uint32) (uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	if rate < simSampleRateMin || rate > simSampleRateMax {
		return 0, CodeRange
	}
	cs.sampleRate = rate
	return rate, CodeOK
}

func (s *Sim) SampleRate(h Handle, ch Channel) (uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	return cs.sampleRate, CodeOK
}

func (s *Sim) SetBandwidth(h Handle, ch Channel, bw uint32) (uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	if bw < simBandwidths[0] || bw > simBandwidths[len(simBandwidths)-1] {
		return 0, CodeRange
	}
	// The analog filter only supports discrete settings; pick the nearest.
	best := simBandwidths[0]
	for _, cand := range simBandwidths {
		if absDiff(cand, bw) < absDiff(best, bw) {
			best = cand
		}
	}
	cs.bandwidth = best
	return best, CodeOK
}

func (s *Sim) Bandwidth(h Handle, ch Channel) (uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	return cs.bandwidth, CodeOK
}

func (s *Sim) SetGain(h Handle, ch Channel, db int32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return code
	}
	min, max := int32(simRxGainMin), int32(simRxGainMax)
	if ch.IsTx() {
		min, max = simTxGainMin, simTxGainMax
	}
	if db < min || db > max {
		return CodeRange
	}
	cs.gain = db
	return CodeOK
}

func (s *Sim) Gain(h Handle, ch Channel) (int32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	return cs.gain, CodeOK
}

func (s *Sim) SetGainMode(h Handle, ch Channel, mode GainMode) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return code
	}
	if ch.IsTx() && mode != GainDefault && mode != GainManual {
		return CodeUnsupported
	}
	cs.gainMode = mode
	return CodeOK
}

func (s *Sim) GainModeGet(h Handle, ch Channel) (GainMode, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return GainDefault, code
	}
	return cs.gainMode, CodeOK
}

func (s *Sim) SetCorrection(h Handle, ch Channel, corr Correction, value int16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return code
	}
	limit, ok := simCorrectionRange[corr]
	if !ok {
		return CodeInval
	}
	if value < -limit || value > limit {
		return CodeRange
	}
	cs.corrections[corr] = value
	return CodeOK
}

func (s *Sim) GetCorrection(h Handle, ch Channel, corr Correction) (int16, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return 0, code
	}
	if _, ok := simCorrectionRange[corr]; !ok {
		return 0, CodeInval
	}
	return cs.corrections[corr], CodeOK
}

func (s *Sim) EnableModule(h Handle, ch Channel, enable bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, code := s.channelState(h, ch)
	if code != CodeOK {
		return code
	}
	cs.enabled = enable
	return CodeOK
}

func (s *Sim) SyncConfig(h Handle, layout Layout, numBuffers, bufferSamples, numTransfers, timeoutMs int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return code
	}
	if numBuffers < MinBuffers {
		return CodeInval
	}
	if bufferSamples <= 0 || bufferSamples%BufferGranularity != 0 {
		return CodeInval
	}
	if numTransfers <= 0 || numTransfers > numBuffers {
		return CodeInval
	}
	cfg := simSyncConfig{
		valid:         true,
		layout:        layout,
		numBuffers:    numBuffers,
		bufferSamples: bufferSamples,
		numTransfers:  numTransfers,
		timeoutMs:     timeoutMs,
	}
	if layout.IsTx() {
		d.txSync = cfg
	} else {
		d.rxSync = cfg
	}
	return CodeOK
}

func (s *Sim) SyncRx(h Handle, buf []byte, timeoutMs int) (uint32, int) {
	s.mu.Lock()
	d, code := s.live(h)
	if code != CodeOK {
		s.mu.Unlock()
		return 0, code
	}
	if !d.rxSync.valid {
		s.mu.Unlock()
		return 0, CodeNotInit
	}
	if d.pendingHang != nil {
		ch := d.pendingHang
		d.pendingHang = nil
		s.mu.Unlock()
		<-ch
		return 0, CodeTimeout
	}
	if d.pendingTimeouts > 0 {
		d.pendingTimeouts--
		wait := time.Duration(timeoutMs) * time.Millisecond
		s.mu.Unlock()
		time.Sleep(wait)
		return 0, CodeTimeout
	}

	nch := d.rxSync.layout.Channels()
	frame := 4 * nch
	if len(buf) == 0 || len(buf)%frame != 0 {
		s.mu.Unlock()
		return 0, CodeInval
	}

	cs := d.channels[ChannelRx0]
	rate := float64(cs.sampleRate)
	step := 2 * math.Pi * s.ToneOffsetHz / rate
	phase := d.rxPhase
	frames := len(buf) / frame
	for n := 0; n < frames; n++ {
		for c := 0; c < nch; c++ {
			// Second channel carries the same tone shifted a quarter
			// cycle so MIMO consumers can tell the channels apart.
			p := phase + float64(c)*(math.Pi/2)
			i16 := toQ11(0.5 * math.Cos(p))
			q16 := toQ11(0.5 * math.Sin(p))
			off := n*frame + c*4
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(i16))
			binary.LittleEndian.PutUint16(buf[off+2:off+4], uint16(q16))
		}
		phase += step
	}
	d.rxPhase = math.Mod(phase, 2*math.Pi)

	var flags uint32
	if d.pendingOverrun {
		d.pendingOverrun = false
		flags |= StatusOverrun
	}
	realtime := s.Realtime
	s.mu.Unlock()

	if realtime && rate > 0 {
		time.Sleep(time.Duration(float64(frames) / rate * float64(time.Second)))
	}
	return flags, CodeOK
}

func (s *Sim) SyncTx(h Handle, buf []byte, timeoutMs int) (uint32, int) {
	s.mu.Lock()
	d, code := s.live(h)
	if code != CodeOK {
		s.mu.Unlock()
		return 0, code
	}
	if !d.txSync.valid {
		s.mu.Unlock()
		return 0, CodeNotInit
	}
	if d.pendingHang != nil {
		ch := d.pendingHang
		d.pendingHang = nil
		s.mu.Unlock()
		<-ch
		return 0, CodeTimeout
	}
	if d.pendingTimeouts > 0 {
		d.pendingTimeouts--
		wait := time.Duration(timeoutMs) * time.Millisecond
		s.mu.Unlock()
		time.Sleep(wait)
		return 0, CodeTimeout
	}

	nch := d.txSync.layout.Channels()
	frame := 4 * nch
	if len(buf) == 0 || len(buf)%frame != 0 {
		s.mu.Unlock()
		return 0, CodeInval
	}

	frames := len(buf) / frame
	d.txSamples += uint64(frames)
	d.lastTxWire = append(d.lastTxWire[:0], buf...)

	var flags uint32
	if d.pendingUnderrun {
		d.pendingUnderrun = false
		flags |= StatusUnderrun
	}
	rate := float64(d.channels[ChannelTx0].sampleRate)
	realtime := s.Realtime
	s.mu.Unlock()

	if realtime && rate > 0 {
		time.Sleep(time.Duration(float64(frames) / rate * float64(time.Second)))
	}
	return flags, CodeOK
}

func (s *Sim) ExpansionGPIORead(h Handle) (uint32, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return 0, code
	}
	// Output pins read back their driven level; input pins read the
	// externally applied level.
	return (d.gpioLevels & d.gpioDirs) | (d.gpioInputs &^ d.gpioDirs), CodeOK
}

func (s *Sim) ExpansionGPIOMaskedWrite(h Handle, mask, value uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return code
	}
	d.gpioLevels = (d.gpioLevels &^ mask) | (value & mask)
	return CodeOK
}

func (s *Sim) ExpansionGPIODirMaskedWrite(h Handle, mask, outputs uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, code := s.live(h)
	if code != CodeOK {
		return code
	}
	d.gpioDirs = (d.gpioDirs &^ mask) | (outputs & mask)
	return CodeOK
}

func toQ11(v float64) int16 {
	scaled := int(math.Round(v * 2048))
	if scaled > 2047 {
		return 2047
	}
	if scaled < -2048 {
		return -2048
	}
	return int16(scaled)
}

func absDiff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

package bladerf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rfkit/bladerf/native"
)

const (
	simSerialA = "5a3e1f92c4b8d7a1"
	simSerialB = "93f07c6d21e8b4f5"
)

// openSim opens the first simulated device and registers cleanup.
func openSim(t *testing.T) (*native.Sim, *Device) {
	t.Helper()
	sim := native.NewSim()
	dev, err := Open(sim, simSerialA)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	return sim, dev
}

func rxConfig() ChannelConfig {
	return ChannelConfig{
		FrequencyHz:  915_000_000,
		SampleRateHz: 2_000_000,
		BandwidthHz:  1_500_000,
		GainDB:       30,
		GainMode:     GainManual,
	}
}

func TestEnumerateSnapshot(t *testing.T) {
	sim := native.NewSim()
	infos, err := Enumerate(sim)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("found %d devices, want 2", len(infos))
	}

	// Detach one; a later snapshot must not include it.
	sim.Disconnect(simSerialB)
	infos, err = Enumerate(sim)
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Serial != simSerialA {
		t.Errorf("snapshot after detach: %+v", infos)
	}
}

func TestOpenBySerialPrefix(t *testing.T) {
	sim := native.NewSim()
	dev, err := Open(sim, "93f0")
	if err != nil {
		t.Fatalf("Open by prefix failed: %v", err)
	}
	defer dev.Close()
	if dev.Serial() != simSerialB {
		t.Errorf("opened %s, want %s", dev.Serial(), simSerialB)
	}
	if dev.FirmwareVersion().Major == 0 && dev.FirmwareVersion().Minor == 0 {
		t.Error("firmware version not populated")
	}
}

func TestOpenFirstDevice(t *testing.T) {
	sim := native.NewSim()
	dev, err := Open(sim, "")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer dev.Close()
	if dev.Serial() != simSerialA {
		t.Errorf("opened %s, want first device %s", dev.Serial(), simSerialA)
	}
}

func TestOpenNoMatch(t *testing.T) {
	sim := native.NewSim()
	_, err := Open(sim, "deadbeef")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOpenTwiceFails(t *testing.T) {
	_, dev := openSim(t)

	// A second driver instance does not help; the claim is per process.
	sim2 := native.NewSim()
	_, err := Open(sim2, simSerialA)
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("expected ErrAlreadyInUse, got %v", err)
	}

	// Closing releases the claim.
	if err := dev.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	dev2, err := Open(sim2, simSerialA)
	if err != nil {
		t.Fatalf("reopen after close failed: %v", err)
	}
	dev2.Close()
}

func TestCloseIdempotent(t *testing.T) {
	_, dev := openSim(t)
	if err := dev.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, err := dev.ReadConfig(RX0); err == nil {
		t.Error("control call succeeded on a closed device")
	}
}

func TestConfigureReportsAchieved(t *testing.T) {
	_, dev := openSim(t)

	cfg := rxConfig()
	cfg.FrequencyHz = 915_001_300 // off the 2.5 kHz grid
	cfg.BandwidthHz = 0           // auto: 3/4 of 2 MHz -> nearest filter

	got, err := dev.Configure(RX0, cfg)
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if got.FrequencyHz%2_500 != 0 {
		t.Errorf("achieved frequency %d off the grid", got.FrequencyHz)
	}
	if got.BandwidthHz != 1_500_000 {
		t.Errorf("auto bandwidth %d, want 1500000", got.BandwidthHz)
	}

	// The cached config and a hardware read-back must agree.
	cached, err := dev.Config(RX0)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	hw, err := dev.ReadConfig(RX0)
	if err != nil {
		t.Fatalf("ReadConfig failed: %v", err)
	}
	if cached.FrequencyHz != hw.FrequencyHz || cached.SampleRateHz != hw.SampleRateHz || cached.BandwidthHz != hw.BandwidthHz {
		t.Errorf("cached %+v disagrees with hardware %+v", cached, hw)
	}
}

func TestConfigureRejectsBeforeNativeCalls(t *testing.T) {
	_, dev := openSim(t)

	cfg := rxConfig()
	cfg.GainDB = 200
	_, err := dev.Configure(RX0, cfg)
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindConfig || e.Field != "gain" {
		t.Fatalf("expected config error on gain, got %v", err)
	}
	if _, err := dev.Config(RX0); err == nil {
		t.Error("rejected configure left the channel marked configured")
	}
}

func TestConfigureFailureKeepsLastGood(t *testing.T) {
	sim, dev := openSim(t)

	first, err := dev.Configure(RX0, rxConfig())
	if err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	// Pull the device off the bus; the next configure must fail without
	// clobbering the cached last-known-good.
	sim.Disconnect(simSerialA)
	cfg := rxConfig()
	cfg.FrequencyHz = 1_200_000_000
	if _, err := dev.Configure(RX0, cfg); err == nil {
		t.Fatal("Configure succeeded on a detached device")
	}
	cached, err := dev.Config(RX0)
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if cached != first {
		t.Errorf("last-known-good changed: %+v, want %+v", cached, first)
	}
}

func TestConfigurePerChannelIndependence(t *testing.T) {
	_, dev := openSim(t)

	rx := rxConfig()
	if _, err := dev.Configure(RX0, rx); err != nil {
		t.Fatalf("Configure RX0 failed: %v", err)
	}
	tx := ChannelConfig{
		FrequencyHz:  2_400_000_000,
		SampleRateHz: 5_000_000,
		BandwidthHz:  3_840_000,
		GainDB:       -10,
		GainMode:     GainManual,
	}
	if _, err := dev.Configure(TX0, tx); err != nil {
		t.Fatalf("Configure TX0 failed: %v", err)
	}

	rxBack, _ := dev.Config(RX0)
	txBack, _ := dev.Config(TX0)
	if rxBack.FrequencyHz == txBack.FrequencyHz {
		t.Error("channel configs bled into each other")
	}
}

func TestConcurrentConfigure(t *testing.T) {
	_, dev := openSim(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		ch := RX0
		if i%2 == 1 {
			ch = RX1
		}
		wg.Add(1)
		go func(ch Channel, fOff uint64) {
			defer wg.Done()
			cfg := rxConfig()
			cfg.FrequencyHz += fOff * 2_500
			if _, err := dev.Configure(ch, cfg); err != nil {
				errs <- err
			}
		}(ch, uint64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Configure failed: %v", err)
	}
}

func TestEnableDisable(t *testing.T) {
	_, dev := openSim(t)

	if dev.ChannelEnabled(RX0) {
		t.Error("channel enabled before EnableChannel")
	}
	if err := dev.EnableChannel(RX0); err != nil {
		t.Fatalf("EnableChannel failed: %v", err)
	}
	if !dev.ChannelEnabled(RX0) {
		t.Error("channel not marked enabled")
	}
	// Enabling again is a no-op, not an error.
	if err := dev.EnableChannel(RX0); err != nil {
		t.Fatalf("second EnableChannel failed: %v", err)
	}
	if err := dev.DisableChannel(RX0); err != nil {
		t.Fatalf("DisableChannel failed: %v", err)
	}
	if dev.ChannelEnabled(RX0) {
		t.Error("channel still marked enabled")
	}
}

func TestCapabilitiesPerDirection(t *testing.T) {
	_, dev := openSim(t)

	rx, err := dev.Capabilities(RX0)
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	tx, err := dev.Capabilities(TX0)
	if err != nil {
		t.Fatalf("Capabilities failed: %v", err)
	}
	if rx.GainMinDB == tx.GainMinDB && rx.GainMaxDB == tx.GainMaxDB {
		t.Error("RX and TX report identical gain ranges")
	}
	if !rx.SupportsGainMode(GainFastAGC) {
		t.Error("RX should support fast AGC")
	}
	if tx.SupportsGainMode(GainFastAGC) {
		t.Error("TX should not support fast AGC")
	}
}

func TestCorrections(t *testing.T) {
	_, dev := openSim(t)

	if err := dev.SetCorrection(RX0, CorrectionDCOffsetI, 512); err != nil {
		t.Fatalf("SetCorrection failed: %v", err)
	}
	v, err := dev.Correction(RX0, CorrectionDCOffsetI)
	if err != nil {
		t.Fatalf("Correction failed: %v", err)
	}
	if v != 512 {
		t.Errorf("read back %d, want 512", v)
	}

	// DC offset takes ±2048, phase takes ±4096.
	if err := dev.SetCorrection(RX0, CorrectionDCOffsetQ, 3000); KindOf(err) != KindConfig {
		t.Errorf("DC offset 3000 accepted: %v", err)
	}
	if err := dev.SetCorrection(RX0, CorrectionPhase, 3000); err != nil {
		t.Errorf("phase 3000 rejected: %v", err)
	}
}

func TestExpansionGPIO(t *testing.T) {
	sim, dev := openSim(t)

	out, err := dev.ExpansionPin(1)
	if err != nil {
		t.Fatalf("ExpansionPin failed: %v", err)
	}
	if err := out.SetDirection(PinOutput); err != nil {
		t.Fatalf("SetDirection failed: %v", err)
	}
	if err := out.Write(true); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// An output pin cannot be read through the input path.
	if _, err := out.Read(); KindOf(err) != KindConfig {
		t.Errorf("Read on output pin: %v", err)
	}

	in, err := dev.ExpansionPin(7)
	if err != nil {
		t.Fatalf("ExpansionPin failed: %v", err)
	}
	if err := in.SetDirection(PinInput); err != nil {
		t.Fatalf("SetDirection failed: %v", err)
	}
	sim.SetGPIOInputs(simSerialA, 1<<6) // pin 7
	high, err := in.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !high {
		t.Error("driven input pin read low")
	}
	if err := in.Write(true); KindOf(err) != KindConfig {
		t.Errorf("Write on input pin: %v", err)
	}

	if _, err := dev.ExpansionPin(0); KindOf(err) != KindConfig {
		t.Errorf("pin 0 accepted: %v", err)
	}
	if _, err := dev.ExpansionPin(33); KindOf(err) != KindConfig {
		t.Errorf("pin 33 accepted: %v", err)
	}
}

func TestOpenRetryRecovers(t *testing.T) {
	sim := native.NewSim()
	sim.Disconnect(simSerialA)

	go func() {
		time.Sleep(150 * time.Millisecond)
		sim.Reattach(simSerialA)
	}()

	dev, err := OpenRetry(sim, simSerialA, 5*time.Second)
	if err != nil {
		t.Fatalf("OpenRetry failed: %v", err)
	}
	defer dev.Close()
	if dev.Serial() != simSerialA {
		t.Errorf("opened %s", dev.Serial())
	}
}

func TestOpenRetryPermanentFailure(t *testing.T) {
	openSim(t) // holds the claim on serial A

	sim2 := native.NewSim()
	start := time.Now()
	_, err := OpenRetry(sim2, simSerialA, 10*time.Second)
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("expected ErrAlreadyInUse, got %v", err)
	}
	// AlreadyInUse is not transient; the retry loop must give up at once.
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("permanent failure retried for %v", elapsed)
	}
}

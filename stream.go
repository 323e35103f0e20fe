package bladerf

import (
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfkit/bladerf/logging"
	"github.com/rfkit/bladerf/native"
)

// StreamConfig carries the transfer parameters of one stream session.
// Buffer count and size are a capacity/latency trade-off: more slack
// before an overrun or underrun, at the cost of memory and latency, so
// they are configuration rather than constants.
type StreamConfig struct {
	// NumBuffers is the size of the session's buffer pool. The native
	// engine needs at least two.
	NumBuffers int

	// BufferSamples is the per-channel sample count of each buffer and
	// must be a multiple of the native transfer granularity (1024).
	BufferSamples int

	// NumTransfers bounds how many transfers the driver keeps in flight;
	// it may not exceed NumBuffers.
	NumTransfers int

	// Timeout bounds every individual buffer wait. A single expiry is
	// reported and the loop continues; TimeoutLimit consecutive expiries
	// fail the session (the device is treated as gone or hung).
	Timeout      time.Duration
	TimeoutLimit int

	// ShutdownTimeout bounds the drain phase of Stop.
	ShutdownTimeout time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.NumBuffers == 0 {
		c.NumBuffers = 8
	}
	if c.BufferSamples == 0 {
		c.BufferSamples = 4096
	}
	if c.NumTransfers == 0 {
		c.NumTransfers = min(4, c.NumBuffers)
	}
	if c.Timeout == 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.TimeoutLimit == 0 {
		c.TimeoutLimit = 5
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 2 * time.Second
	}
	return c
}

func (c StreamConfig) validate() error {
	if c.NumBuffers < native.MinBuffers {
		return configErr("num_buffers", "below_minimum")
	}
	if c.BufferSamples <= 0 || c.BufferSamples%native.BufferGranularity != 0 {
		return configErr("buffer_samples", "not_multiple_of_granularity")
	}
	if c.NumTransfers < 1 || c.NumTransfers > c.NumBuffers {
		return configErr("num_transfers", "out_of_range")
	}
	if c.Timeout <= 0 {
		return configErr("timeout", "out_of_range")
	}
	if c.TimeoutLimit < 1 {
		return configErr("timeout_limit", "out_of_range")
	}
	return nil
}

// Sink consumes decoded RX samples: one slice per bound channel, in the
// order the channels were bound. The engine reuses the slices after
// Deliver returns; implementations must copy anything they retain. A
// non-nil error fails the session.
type Sink interface {
	Deliver(block [][]complex64) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(block [][]complex64) error

func (f SinkFunc) Deliver(block [][]complex64) error { return f(block) }

// Source supplies TX samples: Fill writes up to len(block[0]) samples
// into every channel slice and returns how many it wrote. Fill should
// block until it has samples; a (0, nil) return is treated as an idle
// tick and the engine polls again after a short pause. Returning io.EOF
// (with or without a final partial block) ends the session cleanly; any
// other error fails it.
type Source interface {
	Fill(block [][]complex64) (int, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(block [][]complex64) (int, error)

func (f SourceFunc) Fill(block [][]complex64) (int, error) { return f(block) }

// StreamState is the engine's lifecycle state.
type StreamState int32

const (
	StateIdle StreamState = iota
	StateConfiguring
	StateStreaming
	StateDraining
	StateStopped
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stream is one continuous transfer session bound to enabled channels of
// a single direction. The steady-state loop runs on its own goroutine
// and never takes the device's control-plane lock; only session setup
// and teardown do.
type Stream struct {
	dev      *Device
	dir      Direction
	channels []Channel
	cfg      StreamConfig
	layout   native.Layout
	pool     *bufferPool

	sink   Sink
	source Source

	state     atomic.Int32
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	errs      chan error
	delivered atomic.Uint64
	forced    atomic.Bool

	failMu  sync.Mutex
	failure error

	log logging.Logger
}

// StartRxStream starts a receive session on the given enabled channels,
// delivering decoded samples to sink.
func (d *Device) StartRxStream(channels []Channel, cfg StreamConfig, sink Sink) (*Stream, error) {
	if sink == nil {
		return nil, configErr("sink", "required")
	}
	return d.startStream(RX, channels, cfg, sink, nil)
}

// StartTxStream starts a transmit session on the given enabled channels,
// pulling samples from source.
func (d *Device) StartTxStream(channels []Channel, cfg StreamConfig, source Source) (*Stream, error) {
	if source == nil {
		return nil, configErr("source", "required")
	}
	return d.startStream(TX, channels, cfg, nil, source)
}

func (d *Device) startStream(dir Direction, channels []Channel, cfg StreamConfig, sink Sink, source Source) (*Stream, error) {
	layout, chans, err := resolveLayout(dir, channels)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Stream{
		dev:      d,
		dir:      dir,
		channels: chans,
		cfg:      cfg,
		layout:   layout,
		sink:     sink,
		source:   source,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		errs:     make(chan error, 16),
	}
	s.state.Store(int32(StateConfiguring))

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, kindErr(KindSessionFailed, "device closed")
	}
	for _, ch := range chans {
		st := d.channels[ch]
		if !st.enabled {
			d.mu.Unlock()
			return nil, configErr("channel", "not_enabled")
		}
	}
	for ch, st := range d.channels {
		if st.session != nil && (containsChannel(chans, ch) || st.session.dir == dir) {
			d.mu.Unlock()
			return nil, kindErr(KindSessionActive, "%s is bound to a stream session", ch)
		}
	}

	code := d.drv.SyncConfig(d.handle, layout, cfg.NumBuffers, cfg.BufferSamples,
		cfg.NumTransfers, int(cfg.Timeout/time.Millisecond))
	if code != native.CodeOK {
		d.mu.Unlock()
		s.state.Store(int32(StateIdle))
		return nil, fieldErr("stream_config", code)
	}

	for _, ch := range chans {
		d.channels[ch].session = s
	}
	s.log = d.log.With(
		logging.F("direction", dir),
		logging.F("channels", len(chans)))
	d.mu.Unlock()

	s.pool = newBufferPool(cfg.NumBuffers, WireSize(cfg.BufferSamples, len(chans)))
	s.state.Store(int32(StateStreaming))
	s.log.Info("stream started",
		logging.F("num_buffers", cfg.NumBuffers),
		logging.F("buffer_samples", cfg.BufferSamples))

	if dir == RX {
		go s.runRx()
	} else {
		go s.runTx()
	}
	return s, nil
}

// resolveLayout checks the channel set and maps it to a native layout.
// One channel streams SISO on either index; two channels stream MIMO and
// must be exactly index 0 and 1 of the direction.
func resolveLayout(dir Direction, channels []Channel) (native.Layout, []Channel, error) {
	if len(channels) == 0 {
		return 0, nil, configErr("channels", "empty")
	}
	if len(channels) > 2 {
		return 0, nil, configErr("channels", "too_many")
	}
	chans := append([]Channel(nil), channels...)
	sort.Slice(chans, func(i, j int) bool { return chans[i] < chans[j] })
	for i, ch := range chans {
		if !ch.valid() || ch.Direction() != dir {
			return 0, nil, configErr("channels", "direction_mismatch")
		}
		if i > 0 && chans[i-1] == ch {
			return 0, nil, configErr("channels", "duplicate")
		}
	}

	mimo := len(chans) == 2
	switch {
	case dir == RX && mimo:
		return native.LayoutRxMIMO, chans, nil
	case dir == RX:
		return native.LayoutRxSISO, chans, nil
	case mimo:
		return native.LayoutTxMIMO, chans, nil
	default:
		return native.LayoutTxSISO, chans, nil
	}
}

func containsChannel(chans []Channel, ch Channel) bool {
	for _, c := range chans {
		if c == ch {
			return true
		}
	}
	return false
}

// State returns the engine's current lifecycle state.
func (s *Stream) State() StreamState { return StreamState(s.state.Load()) }

// Channels returns the channels the session is bound to.
func (s *Stream) Channels() []Channel { return append([]Channel(nil), s.channels...) }

// Delivered reports the per-channel sample count moved so far.
func (s *Stream) Delivered() uint64 { return s.delivered.Load() }

// Done is closed when the transfer loop has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Errors surfaces recoverable per-occurrence conditions (ErrTimeout,
// ErrOverrun, ErrUnderrun), the single ErrForcedShutdown advisory, and
// the fatal error that moved the session to StateFailed. The channel is
// buffered; occurrences beyond the buffer are dropped, not blocked on.
func (s *Stream) Errors() <-chan error { return s.errs }

// Err returns the fatal error after the session reached StateFailed.
func (s *Stream) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

// Stop ends the session: the loop stops submitting buffers, drains
// in-flight ones, and the session reaches StateStopped within
// ShutdownTimeout plus one buffer wait. If buffers are still outstanding
// at the deadline they are force-released and Stop returns the
// ErrForcedShutdown advisory; that is a warning, not a failure. Stopping
// an already stopped or failed session is a no-op.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })

	deadline := s.cfg.ShutdownTimeout + s.cfg.Timeout
	select {
	case <-s.done:
	case <-time.After(deadline):
		// The loop is wedged in a native call past its own bound. Force
		// the session down; the loop observes the state when (if) the
		// call returns.
		s.forced.Store(true)
		s.state.Store(int32(StateStopped))
		s.unbind()
		s.report(ErrForcedShutdown)
		s.log.Warn("forced shutdown", logging.F("outstanding", s.pool.pending()))
		return ErrForcedShutdown
	}

	if s.forced.Load() {
		return ErrForcedShutdown
	}
	return nil
}

// report queues a recoverable occurrence without ever blocking the loop.
func (s *Stream) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Stream) fail(err error) {
	s.failMu.Lock()
	if s.failure == nil {
		s.failure = err
	}
	s.failMu.Unlock()
	s.state.Store(int32(StateFailed))
	s.report(kindErr(KindSessionFailed, "%v", err))
	s.log.Error("stream failed", logging.F("error", err))
}

// unbind releases the session's channel bindings; it takes the
// control-plane lock and therefore only runs at teardown.
func (s *Stream) unbind() {
	s.dev.mu.Lock()
	for _, ch := range s.channels {
		if st := s.dev.channels[ch]; st != nil && st.session == s {
			st.session = nil
		}
	}
	s.dev.mu.Unlock()
}

// drain completes a cooperative stop: no new submissions, wait for the
// pool to hold every buffer again, bounded by ShutdownTimeout.
func (s *Stream) drain() {
	s.state.Store(int32(StateDraining))
	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for !s.pool.drained() {
		if time.Now().After(deadline) {
			s.forced.Store(true)
			s.report(ErrForcedShutdown)
			s.log.Warn("drain timed out", logging.F("outstanding", s.pool.pending()))
			break
		}
		time.Sleep(time.Millisecond)
	}
	s.state.Store(int32(StateStopped))
	s.log.Info("stream stopped", logging.F("delivered", s.delivered.Load()))
}

func (s *Stream) runRx() {
	defer close(s.done)
	defer s.unbind()

	nch := len(s.channels)
	block := make([][]complex64, nch)
	for i := range block {
		block[i] = make([]complex64, s.cfg.BufferSamples)
	}
	timeoutMs := int(s.cfg.Timeout / time.Millisecond)
	consecutive := 0

	for {
		select {
		case <-s.stop:
			s.drain()
			return
		default:
		}
		if s.State() != StateStreaming {
			// Forced down by Stop while we were blocked.
			return
		}

		buf, ok := s.pool.acquire(s.cfg.Timeout)
		if !ok {
			consecutive++
			s.report(ErrTimeout)
			if consecutive >= s.cfg.TimeoutLimit {
				s.fail(kindErr(KindDisconnected, "no free buffer after %d consecutive waits", consecutive))
				return
			}
			continue
		}

		flags, code := s.dev.drv.SyncRx(s.dev.handle, buf, timeoutMs)
		if code != native.CodeOK {
			s.pool.release(buf)
			if code == native.CodeTimeout {
				consecutive++
				s.report(ErrTimeout)
				if consecutive >= s.cfg.TimeoutLimit {
					s.fail(kindErr(KindDisconnected, "%d consecutive transfer timeouts", consecutive))
					return
				}
				continue
			}
			if fatalCode(code) {
				s.fail(fromCode(code))
				return
			}
			s.report(fromCode(code))
			continue
		}
		consecutive = 0

		if flags&native.StatusOverrun != 0 {
			s.report(ErrOverrun)
		}

		err := DecodeTo(block, buf)
		s.pool.release(buf)
		if err != nil {
			s.fail(err)
			return
		}
		if err := s.sink.Deliver(block); err != nil {
			s.fail(err)
			return
		}
		s.delivered.Add(uint64(s.cfg.BufferSamples))
	}
}

func (s *Stream) runTx() {
	defer close(s.done)
	defer s.unbind()

	nch := len(s.channels)
	block := make([][]complex64, nch)
	for i := range block {
		block[i] = make([]complex64, s.cfg.BufferSamples)
	}
	partial := make([][]complex64, nch)
	timeoutMs := int(s.cfg.Timeout / time.Millisecond)
	consecutive := 0

	for {
		select {
		case <-s.stop:
			s.drain()
			return
		default:
		}
		if s.State() != StateStreaming {
			return
		}

		// Acquire the wire buffer before pulling samples so a pool
		// timeout never discards anything the source already handed out.
		buf, ok := s.pool.acquire(s.cfg.Timeout)
		if !ok {
			consecutive++
			s.report(ErrTimeout)
			if consecutive >= s.cfg.TimeoutLimit {
				s.fail(kindErr(KindDisconnected, "no free buffer after %d consecutive waits", consecutive))
				return
			}
			continue
		}

		n, err := s.source.Fill(block)
		if err != nil && !errors.Is(err, io.EOF) {
			s.pool.release(buf)
			s.fail(err)
			return
		}
		if n <= 0 {
			s.pool.release(buf)
			if errors.Is(err, io.EOF) {
				s.drain()
				return
			}
			// Idle tick from a source with nothing ready yet.
			time.Sleep(time.Millisecond)
			continue
		}
		if n > s.cfg.BufferSamples {
			n = s.cfg.BufferSamples
		}
		for c := range block {
			partial[c] = block[c][:n]
		}
		wire := buf[:WireSize(n, nch)]
		if encErr := EncodeTo(wire, partial); encErr != nil {
			s.pool.release(buf)
			s.fail(encErr)
			return
		}

		flags, code := s.dev.drv.SyncTx(s.dev.handle, wire, timeoutMs)
		s.pool.release(buf)
		if code != native.CodeOK {
			if code == native.CodeTimeout {
				consecutive++
				s.report(ErrTimeout)
				if consecutive >= s.cfg.TimeoutLimit {
					s.fail(kindErr(KindDisconnected, "%d consecutive transfer timeouts", consecutive))
					return
				}
				continue
			}
			if fatalCode(code) {
				s.fail(fromCode(code))
				return
			}
			s.report(fromCode(code))
			continue
		}
		consecutive = 0
		if flags&native.StatusUnderrun != 0 {
			s.report(ErrUnderrun)
		}
		s.delivered.Add(uint64(n))
		if errors.Is(err, io.EOF) {
			s.drain()
			return
		}
	}
}

// Package bladerf is a safe wrapper around the bladeRF USB transceiver
// family's native driver. It layers device lifecycle, validated channel
// configuration, and a concurrent stream engine on top of the blocking
// driver ABI.
//
// Control-plane operations (Open, Configure, EnableChannel, corrections,
// expansion GPIO) serialize on a per-device lock. Streaming runs on a
// dedicated goroutine per session and moves samples through a fixed pool
// of reusable buffers; the pool's ownership transfer is the engine's
// backpressure. SC16Q11 wire data is decoded to normalized complex64
// samples on the way in and encoded on the way out.
//
// The native driver boundary is the native.Driver interface; tests and
// hardware-free development use native.Sim.
package bladerf

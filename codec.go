package bladerf

import "encoding/binary"

// Wire format: SC16Q11. Each sample is one I/Q pair of little-endian
// int16 values carrying signed 12-bit data, Q11 fixed point: full scale
// is ±1.0 <-> ±2048. With two channels active the wire interleaves one
// frame per channel: I0 Q0 I1 Q1.
const (
	// SampleWireSize is the wire width of one sample on one channel.
	SampleWireSize = 4

	q11Scale = 2048
	q11Max   = 2047
	q11Min   = -2048
)

// WireSize returns the byte length of a buffer holding the given number
// of per-channel samples with the given number of interleaved channels.
func WireSize(samples, channels int) int {
	return samples * channels * SampleWireSize
}

// Decode converts wire bytes into one complex64 slice per channel.
// The buffer length must be a multiple of one frame (SampleWireSize ×
// channels); anything else is a malformed buffer.
func Decode(wire []byte, channels int) ([][]complex64, error) {
	if channels <= 0 {
		return nil, kindErr(KindMalformedBuffer, "channel count %d", channels)
	}
	frame := SampleWireSize * channels
	if len(wire)%frame != 0 {
		return nil, kindErr(KindMalformedBuffer, "length %d not a multiple of frame width %d", len(wire), frame)
	}
	out := make([][]complex64, channels)
	n := len(wire) / frame
	for c := range out {
		out[c] = make([]complex64, n)
	}
	if err := DecodeTo(out, wire); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeTo decodes wire bytes into pre-sized per-channel destination
// slices, allocating nothing. Every destination slice must hold exactly
// len(wire) / (SampleWireSize × channels) samples.
func DecodeTo(dst [][]complex64, wire []byte) error {
	channels := len(dst)
	if channels == 0 {
		return kindErr(KindMalformedBuffer, "no destination channels")
	}
	frame := SampleWireSize * channels
	if len(wire)%frame != 0 {
		return kindErr(KindMalformedBuffer, "length %d not a multiple of frame width %d", len(wire), frame)
	}
	n := len(wire) / frame
	for c, d := range dst {
		if len(d) != n {
			return kindErr(KindMalformedBuffer, "destination channel %d holds %d samples, wire carries %d", c, len(d), n)
		}
	}
	const inv = 1.0 / float32(q11Scale)
	for s := 0; s < n; s++ {
		base := s * frame
		for c := 0; c < channels; c++ {
			off := base + c*SampleWireSize
			i16 := int16(binary.LittleEndian.Uint16(wire[off : off+2]))
			q16 := int16(binary.LittleEndian.Uint16(wire[off+2 : off+4]))
			dst[c][s] = complex(float32(i16)*inv, float32(q16)*inv)
		}
	}
	return nil
}

// Encode converts per-channel complex samples into wire bytes. All
// channel slices must have equal length. Component values outside
// [-1, +1) clamp to the fixed-point limits.
func Encode(channels [][]complex64) ([]byte, error) {
	if len(channels) == 0 {
		return nil, kindErr(KindMalformedBuffer, "no source channels")
	}
	n := len(channels[0])
	wire := make([]byte, WireSize(n, len(channels)))
	if err := EncodeTo(wire, channels); err != nil {
		return nil, err
	}
	return wire, nil
}

// EncodeTo encodes into a pre-sized wire buffer, allocating nothing. The
// buffer must be exactly WireSize(samples, channels) bytes.
func EncodeTo(wire []byte, channels [][]complex64) error {
	if len(channels) == 0 {
		return kindErr(KindMalformedBuffer, "no source channels")
	}
	n := len(channels[0])
	for c, src := range channels {
		if len(src) != n {
			return kindErr(KindMalformedBuffer, "channel %d holds %d samples, channel 0 holds %d", c, len(src), n)
		}
	}
	if len(wire) != WireSize(n, len(channels)) {
		return kindErr(KindMalformedBuffer, "wire length %d, need %d", len(wire), WireSize(n, len(channels)))
	}
	frame := SampleWireSize * len(channels)
	for s := 0; s < n; s++ {
		base := s * frame
		for c, src := range channels {
			off := base + c*SampleWireSize
			binary.LittleEndian.PutUint16(wire[off:off+2], uint16(toFixed(real(src[s]))))
			binary.LittleEndian.PutUint16(wire[off+2:off+4], uint16(toFixed(imag(src[s]))))
		}
	}
	return nil
}

func toFixed(v float32) int16 {
	scaled := int32(v * q11Scale)
	if scaled > q11Max {
		return q11Max
	}
	if scaled < q11Min {
		return q11Min
	}
	return int16(scaled)
}

package bladerf

import "github.com/rfkit/bladerf/native"

// Direction of a stream or channel.
type Direction int

const (
	RX Direction = iota
	TX
)

func (d Direction) String() string {
	if d == TX {
		return "tx"
	}
	return "rx"
}

// Channel names one RF signal path on the device.
type Channel int

const (
	RX0 Channel = iota
	RX1
	TX0
	TX1
)

func (c Channel) String() string {
	switch c {
	case RX0:
		return "rx0"
	case RX1:
		return "rx1"
	case TX0:
		return "tx0"
	case TX1:
		return "tx1"
	default:
		return "invalid"
	}
}

// Direction returns RX or TX.
func (c Channel) Direction() Direction {
	if c == TX0 || c == TX1 {
		return TX
	}
	return RX
}

// Index returns the channel index within its direction.
func (c Channel) Index() int {
	if c == RX1 || c == TX1 {
		return 1
	}
	return 0
}

func (c Channel) valid() bool { return c >= RX0 && c <= TX1 }

// wire maps onto the driver ABI's (index<<1)|direction encoding.
func (c Channel) wire() native.Channel {
	d := 0
	if c.Direction() == TX {
		d = 1
	}
	return native.Channel(c.Index()<<1 | d)
}

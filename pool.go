package bladerf

import (
	"sync/atomic"
	"time"
)

// bufferPool holds the fixed set of wire buffers backing one stream
// session. Buffers move by ownership transfer: acquire hands a buffer to
// the transfer loop (and through it to the driver), release returns it.
// A buffer the driver holds is unreachable from application code, which
// is what makes the pool the backpressure mechanism.
type bufferPool struct {
	free        chan []byte
	total       int
	outstanding atomic.Int32
}

func newBufferPool(count, bytesPerBuffer int) *bufferPool {
	p := &bufferPool{
		free:  make(chan []byte, count),
		total: count,
	}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, bytesPerBuffer)
	}
	return p
}

// acquire takes a free buffer, waiting up to wait for one to come back.
// The second result is false when no buffer freed up in time.
func (p *bufferPool) acquire(wait time.Duration) ([]byte, bool) {
	select {
	case buf := <-p.free:
		p.outstanding.Add(1)
		return buf, true
	default:
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case buf := <-p.free:
		p.outstanding.Add(1)
		return buf, true
	case <-timer.C:
		return nil, false
	}
}

// release returns a buffer to the free set.
func (p *bufferPool) release(buf []byte) {
	p.outstanding.Add(-1)
	select {
	case p.free <- buf:
	default:
		// Releasing more buffers than the pool holds is a programming
		// error; dropping the surplus keeps the pool bounded.
	}
}

// pending reports how many buffers are out with the loop or the driver.
func (p *bufferPool) pending() int { return int(p.outstanding.Load()) }

// drained reports whether every buffer is back in the free set.
func (p *bufferPool) drained() bool { return len(p.free) == p.total }

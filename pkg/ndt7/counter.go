package ndt7

import (
	"sync"
	"time"
)

// Mbps converts a byte count over seconds into megabits per second
func Mbps(bytes int64, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (seconds * 1e6)
}

// byteCounter accumulates received bytes and keeps the speed computed after
// the latest frame.
type byteCounter struct {
	start  time.Time
	window time.Duration
	bytes  int64
	mbps   float64
}

func newByteCounter(start time.Time, window time.Duration) *byteCounter {
	return &byteCounter{start: start, window: window}
}

// add records n bytes observed at now and reports whether the sampling window
// has elapsed.
func (c *byteCounter) add(n int64, now time.Time) bool {
	c.bytes += n
	elapsed := now.Sub(c.start)
	c.mbps = Mbps(c.bytes, elapsed.Seconds())
	return elapsed >= c.window
}

// maxEstimate keeps the highest speed seen from any source. It is written by
// the reader goroutine and the send loop.
type maxEstimate struct {
	mu   sync.Mutex
	mbps float64
}

func (e *maxEstimate) observe(v float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v > e.mbps {
		e.mbps = v
	}
}

func (e *maxEstimate) value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mbps
}

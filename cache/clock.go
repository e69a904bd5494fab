package cache

import (
	"sync/atomic"
	"time"
)

// Rel is coarse server time: whole seconds since process start.
// Item timestamps are stored in Rel and converted to absolute unix time
// only on the wire.
type Rel int32

// Clock produces Rel time. One Clock is shared by the store, the
// crawler and the server.
type Clock struct {
	started     time.Time
	startedUnix int64
	offset      int32 // Atomic. Advance shifts it, tests use that.
}

func NewClock() *Clock {
	now := time.Now()
	return &Clock{started: now, startedUnix: now.Unix()}
}

func (c *Clock) Current() Rel {
	return Rel(time.Since(c.started)/time.Second) + Rel(atomic.LoadInt32(&c.offset))
}

// StartedUnix returns the absolute unix time Rel zero maps to.
func (c *Clock) StartedUnix() int64 { return c.startedUnix }

// Abs converts relative time to absolute unix time.
func (c *Clock) Abs(r Rel) int64 { return c.startedUnix + int64(r) }

// Advance shifts current time forward without waiting.
// Intended for tests of expiration and suppression windows.
func (c *Clock) Advance(d time.Duration) {
	atomic.AddInt32(&c.offset, int32(d/time.Second))
}

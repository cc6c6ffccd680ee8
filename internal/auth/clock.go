package auth

import (
	"sync"
	"time"
)

// Clock abstracts the wall clock so signing timestamps are pinnable in
// tests and adjustable for server drift.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

func NewClock() Clock { return systemClock{} }

// OffsetClock applies a mutable offset on top of a base clock. SyncTo
// derives the offset from an authoritative server time without touching
// the consumers holding the clock.
type OffsetClock struct {
	base Clock

	mu     sync.Mutex
	offset time.Duration
}

func NewOffsetClock(base Clock) *OffsetClock {
	if base == nil {
		base = NewClock()
	}
	return &OffsetClock{base: base}
}

func (c *OffsetClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Now().Add(c.offset)
}

func (c *OffsetClock) SetOffset(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = d
}

func (c *OffsetClock) Offset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// SyncTo adjusts the offset so Now tracks the given server time.
func (c *OffsetClock) SyncTo(serverTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = serverTime.Sub(c.base.Now())
}

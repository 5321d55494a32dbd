package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// PoolSize is the number of requests served concurrently. 0 means unlimited.
	PoolSize int64

	// IOLimitBytesPerSec throttles background persistence. 0 means unlimited.
	IOLimitBytesPerSec int64
}

// Controller enforces a Config.
type Controller struct {
	cfg Config

	slots    *semaphore.Weighted // nil if unlimited
	inFlight atomic.Int64
	waiting  atomic.Int64

	ioLimiter *rate.Limiter
	ioBytes   atomic.Int64
}

// NewController creates a controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}
	if cfg.PoolSize > 0 {
		c.slots = semaphore.NewWeighted(cfg.PoolSize)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// Acquire takes a request slot, waiting until one is free or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.slots != nil {
		c.waiting.Add(1)
		err := c.slots.Acquire(ctx, 1)
		c.waiting.Add(-1)
		if err != nil {
			return err
		}
	}
	c.inFlight.Add(1)
	return nil
}

// TryAcquire takes a request slot without waiting.
func (c *Controller) TryAcquire() bool {
	if c == nil {
		return true
	}
	if c.slots != nil && !c.slots.TryAcquire(1) {
		return false
	}
	c.inFlight.Add(1)
	return true
}

// Release returns a request slot.
func (c *Controller) Release() {
	if c == nil {
		return
	}
	c.inFlight.Add(-1)
	if c.slots != nil {
		c.slots.Release(1)
	}
}

// InFlight returns the number of requests holding a slot.
func (c *Controller) InFlight() int64 {
	if c == nil {
		return 0
	}
	return c.inFlight.Load()
}

// Waiting returns the number of requests blocked in Acquire.
func (c *Controller) Waiting() int64 {
	if c == nil {
		return 0
	}
	return c.waiting.Load()
}

// PoolSize returns the configured number of slots, 0 if unlimited.
func (c *Controller) PoolSize() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.PoolSize
}

// AcquireIO waits until the IO budget allows n bytes. Requests larger than
// one second of budget are split.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil {
		return nil
	}
	c.ioBytes.Add(int64(n))
	if c.ioLimiter == nil {
		return ctx.Err()
	}
	burst := c.ioLimiter.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := c.ioLimiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// IOBytes returns the number of background bytes accounted so far.
func (c *Controller) IOBytes() int64 {
	if c == nil {
		return 0
	}
	return c.ioBytes.Load()
}

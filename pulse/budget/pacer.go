package budget

import (
	"context"
	"sync/atomic"
	"time"
)

// Pacer is consulted by the batch dispatcher before every sub-batch after the first.
// Implementations block until the next batch may start or ctx is done.
type Pacer interface {
	Wait(ctx context.Context, batchIndex int) error
}

// Cooldown is a fixed pause between sub-batches.
// The delay can be changed at runtime (config hot reload).
type Cooldown struct {
	delay atomic.Int64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewCooldown returns a pacer that sleeps for delay between sub-batches
func NewCooldown(delay time.Duration) *Cooldown {
	c := &Cooldown{sleep: sleepContext}
	c.delay.Store(int64(delay))
	return c
}

// NewCooldownWithSleep injects the sleep function (for testing)
func NewCooldownWithSleep(delay time.Duration, sleep func(ctx context.Context, d time.Duration) error) *Cooldown {
	c := &Cooldown{sleep: sleep}
	c.delay.Store(int64(delay))
	return c
}

// Wait sleeps for the configured delay. Zero delay returns immediately
// unless ctx is already done.
func (c *Cooldown) Wait(ctx context.Context, batchIndex int) error {
	d := c.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	return c.sleep(ctx, d)
}

// Delay returns the current cooldown
func (c *Cooldown) Delay() time.Duration {
	return time.Duration(c.delay.Load())
}

// SetDelay changes the cooldown
func (c *Cooldown) SetDelay(d time.Duration) {
	c.delay.Store(int64(d))
}

// NoPacer never waits
type NoPacer struct{}

// Wait returns immediately unless ctx is done
func (NoPacer) Wait(ctx context.Context, _ int) error {
	return ctx.Err()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCooldown_SleepsConfiguredDelay(t *testing.T) {
	var slept []time.Duration
	pacer := NewCooldownWithSleep(250*time.Millisecond, func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	})

	assert.NoError(t, pacer.Wait(context.Background(), 1))
	pacer.SetDelay(time.Second)
	assert.NoError(t, pacer.Wait(context.Background(), 2))

	assert.Equal(t, []time.Duration{250 * time.Millisecond, time.Second}, slept)
}

func TestCooldown_ZeroDelay(t *testing.T) {
	called := false
	pacer := NewCooldownWithSleep(0, func(ctx context.Context, d time.Duration) error {
		called = true
		return nil
	})

	assert.NoError(t, pacer.Wait(context.Background(), 1))
	assert.False(t, called)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pacer.Wait(ctx, 1), context.Canceled)
}

func TestCooldown_RealSleepRespectsContext(t *testing.T) {
	pacer := NewCooldown(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := pacer.Wait(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNoPacer(t *testing.T) {
	assert.NoError(t, NoPacer{}.Wait(context.Background(), 5))
}

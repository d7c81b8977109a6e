package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/drip/errors"
)

func TestTicker_InvokesTickFunc(t *testing.T) {
	var calls atomic.Int64
	tick := func(ctx context.Context, tickTime time.Time) error {
		calls.Add(1)
		return nil
	}

	ticker := NewTicker(tick, TickerConfig{Name: "test", Interval: 10 * time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ticker.Start()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	ticker.Stop()

	stats := ticker.GetStats()
	assert.Equal(t, "test", stats.Name)
	assert.GreaterOrEqual(t, stats.TicksSinceStart, int64(3))
	assert.Zero(t, stats.TickErrors)
	assert.False(t, stats.LastTickAt.IsZero())

	after := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no ticks after Stop")
}

func TestTicker_RunImmediately(t *testing.T) {
	fired := make(chan struct{}, 1)
	tick := func(ctx context.Context, tickTime time.Time) error {
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	}

	ticker := NewTicker(tick, TickerConfig{Interval: time.Hour, RunImmediately: true}, nil)
	ticker.Start()
	defer ticker.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("immediate tick did not fire")
	}
}

func TestTicker_ErrorsAndPanicsDoNotStopLoop(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)

	var calls atomic.Int64
	tick := func(ctx context.Context, tickTime time.Time) error {
		switch calls.Add(1) {
		case 1:
			return errors.New("database locked")
		case 2:
			panic("boom")
		}
		return nil
	}

	ticker := NewTicker(tick, TickerConfig{Interval: 5 * time.Millisecond}, zap.New(core).Sugar())
	ticker.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
	ticker.Stop()

	assert.Equal(t, int64(2), ticker.GetStats().TickErrors)
	assert.Equal(t, 2, logs.FilterMessage("Pulse tick error").Len())
}

func TestTicker_StopCancelsInFlightTick(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	tick := func(ctx context.Context, tickTime time.Time) error {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}

	ticker := NewTicker(tick, TickerConfig{Interval: time.Hour, RunImmediately: true}, nil)
	ticker.Start()
	<-started
	ticker.Stop()

	assert.True(t, sawCancel.Load())
}

func TestTicker_ParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int64
	ticker := NewTickerWithContext(ctx, func(context.Context, time.Time) error {
		calls.Add(1)
		return nil
	}, TickerConfig{Interval: 5 * time.Millisecond}, nil)

	ticker.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		ticker.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after parent cancel")
	}
}

func TestDefaultTickerConfig(t *testing.T) {
	ticker := NewTicker(func(context.Context, time.Time) error { return nil }, TickerConfig{}, nil)
	stats := ticker.GetStats()
	assert.Equal(t, DefaultTickerConfig().Interval, stats.Interval)
	assert.Equal(t, "pulse", stats.Name)
}

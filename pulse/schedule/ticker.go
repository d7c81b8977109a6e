package schedule

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
)

// TickFunc is invoked once per tick with the tick time.
// Errors are logged and never stop the ticker.
type TickFunc func(ctx context.Context, tickTime time.Time) error

// Ticker invokes a TickFunc at a fixed interval until stopped.
// Ticks never overlap: a slow tick delays the next one.
type Ticker struct {
	name            string
	tick            TickFunc
	interval        time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	pulseLog        *zap.SugaredLogger
	mu              sync.Mutex
	lastTickAt      time.Time
	ticksSinceStart int64
	tickErrors      int64
	runImmediately  bool
}

// TickerConfig contains configuration for a Pulse ticker
type TickerConfig struct {
	Name     string        // Appears in log lines ("self-trigger", "cleanup")
	Interval time.Duration // How often to tick
	// RunImmediately fires the first tick on Start instead of after one interval
	RunImmediately bool
}

// DefaultTickerConfig returns sensible defaults
func DefaultTickerConfig() TickerConfig {
	return TickerConfig{
		Name:     "pulse",
		Interval: 5 * time.Minute,
	}
}

// NewTicker creates a new Pulse ticker
func NewTicker(tick TickFunc, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	return NewTickerWithContext(context.Background(), tick, cfg, log)
}

// NewTickerWithContext creates a ticker with a parent context.
// Cancelling the parent stops the loop; Stop still waits for it to exit.
func NewTickerWithContext(ctx context.Context, tick TickFunc, cfg TickerConfig, log *zap.SugaredLogger) *Ticker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultTickerConfig().Interval
	}
	if cfg.Name == "" {
		cfg.Name = DefaultTickerConfig().Name
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tickerCtx, cancel := context.WithCancel(ctx)

	t := &Ticker{
		name:           cfg.Name,
		tick:           tick,
		interval:       cfg.Interval,
		ctx:            tickerCtx,
		cancel:         cancel,
		pulseLog:       logger.AddPulseSymbol(log),
		runImmediately: cfg.RunImmediately,
	}
	return t
}

// Start begins the ticker loop
func (t *Ticker) Start() {
	t.wg.Add(1)
	go t.run()
	t.pulseLog.Infow("Pulse ticker started", "ticker", t.name, "interval", t.interval)
}

// Stop gracefully stops the ticker, waiting for an in-flight tick to return
func (t *Ticker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.pulseLog.Infow("Pulse ticker stopped", "ticker", t.name)
}

// run is the main ticker loop
func (t *Ticker) run() {
	defer t.wg.Done()

	if t.runImmediately {
		t.fire(time.Now())
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case tickTime := <-ticker.C:
			t.fire(tickTime)
		}
	}
}

func (t *Ticker) fire(tickTime time.Time) {
	t.mu.Lock()
	t.lastTickAt = tickTime
	t.ticksSinceStart++
	n := t.ticksSinceStart
	t.mu.Unlock()

	if err := t.safeTick(tickTime); err != nil {
		t.mu.Lock()
		t.tickErrors++
		t.mu.Unlock()
		// Don't spam logs - log errors at warn level
		t.pulseLog.Warnw("Pulse tick error", "ticker", t.name, logger.FieldError, err, "tick", n)
	}
}

func (t *Ticker) safeTick(tickTime time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return t.tick(t.ctx, tickTime)
}

// TickerStats is a snapshot of ticker activity
type TickerStats struct {
	Name            string        `json:"name"`
	LastTickAt      time.Time     `json:"last_tick_at"`
	TicksSinceStart int64         `json:"ticks_since_start"`
	TickErrors      int64         `json:"tick_errors"`
	Interval        time.Duration `json:"interval"`
}

// GetStats returns ticker statistics
func (t *Ticker) GetStats() TickerStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return TickerStats{
		Name:            t.name,
		LastTickAt:      t.lastTickAt,
		TicksSinceStart: t.ticksSinceStart,
		TickErrors:      t.tickErrors,
		Interval:        t.interval,
	}
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return errors.Wrap(err, "tick panicked")
	}
	return errors.Newf("tick panicked: %v", r)
}

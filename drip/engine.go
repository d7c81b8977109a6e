package drip

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drip/am"
	"github.com/teranos/drip/drip/sender"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse"
	"github.com/teranos/drip/pulse/budget"
	"github.com/teranos/drip/pulse/schedule"
)

// finalizeTimeout bounds the execution record writes made after the
// invocation context may already be done.
const finalizeTimeout = 10 * time.Second

// RunResult is the response of one invocation
type RunResult struct {
	ExecutionID string
	Timestamp   time.Time
	Skipped     bool
	Reason      string
	Summary     Summary
	Outcomes    []Outcome
	Duration    time.Duration
}

// MarshalJSON renders the completed or skipped response shape
func (r *RunResult) MarshalJSON() ([]byte, error) {
	ts := schedule.FormatTimestamp(r.Timestamp)
	if r.Skipped {
		return json.Marshal(struct {
			Skipped     bool   `json:"skipped"`
			Reason      string `json:"reason"`
			ExecutionID string `json:"execution_id"`
			Timestamp   string `json:"timestamp"`
		}{true, r.Reason, r.ExecutionID, ts})
	}
	sample := r.Summary.Sample
	if sample == nil {
		sample = []Failure{}
	}
	return json.Marshal(struct {
		Processed     int       `json:"processed"`
		Successful    int       `json:"successful"`
		Errors        int       `json:"errors"`
		ExecutionID   string    `json:"execution_id"`
		Timestamp     string    `json:"timestamp"`
		SampleResults []Failure `json:"sample_results"`
	}{r.Summary.Processed, r.Summary.Successful, r.Summary.Failed, r.ExecutionID, ts, sample})
}

// Engine wires gate, fetcher, dispatcher, processor and reporter into one run
type Engine struct {
	store      *Store
	gate       *Gate
	processor  *Processor
	dispatcher *Dispatcher
	reporter   *Reporter
	cooldown   *budget.Cooldown
	emitter    pulse.ProgressEmitter
	fetchLimit atomic.Int64
	sampleSize atomic.Int64
	now        func() time.Time
	log        *zap.SugaredLogger
}

// Option customizes an Engine
type Option func(*Engine)

// WithClock replaces the engine clock used for bucketing and scheduling
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPacer replaces the cooldown between sub-batches
func WithPacer(p budget.Pacer) Option {
	return func(e *Engine) { e.dispatcher.pacer = p }
}

// WithEmitter streams run progress to emitter
func WithEmitter(emitter pulse.ProgressEmitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// New creates an engine over a migrated database
func New(db *sql.DB, s sender.Sender, cfg *am.Config, log *zap.SugaredLogger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	store := NewStore(db)
	gate := NewGate(schedule.NewExecutionStore(db), cfg.BucketWidth(), log.Named("gate"))
	cooldown := budget.NewCooldown(cfg.BatchCooldown())

	e := &Engine{
		store:      store,
		gate:       gate,
		processor:  NewProcessor(store, s, cfg.Drip.MaxFailures, log.Named("processor")),
		dispatcher: NewDispatcher(cfg.Drip.BatchSize, cooldown, log.Named("dispatch")),
		reporter:   NewReporter(gate, store, log.Named("report")),
		cooldown:   cooldown,
		emitter:    pulse.NopEmitter{},
		now:        time.Now,
		log:        log,
	}
	e.fetchLimit.Store(int64(cfg.Drip.FetchLimit))
	e.sampleSize.Store(int64(cfg.Drip.ErrorSampleSize))

	for _, opt := range opts {
		opt(e)
	}

	e.processor.WithClock(e.now)
	e.dispatcher.WithEmitter(e.emitter)
	e.reporter.WithEmitter(e.emitter)
	return e
}

// Store returns the engine's enrollment store
func (e *Engine) Store() *Store {
	return e.store
}

// Apply updates the tunables that are safe to change between runs.
// Batch size is read when a run starts.
func (e *Engine) Apply(cfg *am.Config) {
	e.gate.SetWidth(cfg.BucketWidth())
	e.cooldown.SetDelay(cfg.BatchCooldown())
	e.processor.SetMaxFailures(cfg.Drip.MaxFailures)
	e.fetchLimit.Store(int64(cfg.Drip.FetchLimit))
	e.sampleSize.Store(int64(cfg.Drip.ErrorSampleSize))
	e.dispatcher.SetBatchSize(cfg.Drip.BatchSize)
	e.log.Infow("Engine configuration applied",
		logger.FieldBatchSize, cfg.Drip.BatchSize,
		"bucket_width", cfg.BucketWidth(),
		"batch_cooldown", cfg.BatchCooldown())
}

// Run performs one invocation. A skipped invocation returns a result with
// Skipped set and mutates nothing. On a fatal error the result still carries
// the execution id when one was claimed.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	start := e.now()
	result := &RunResult{Timestamp: start}

	e.emitter.EmitStage(pulse.StageGate, "claiming bucket")
	ticket, skip, err := e.gate.Acquire(ctx, start)
	if err != nil {
		e.emitter.EmitError(pulse.StageGate, err)
		return nil, errors.Wrap(err, "execution gate")
	}
	if skip != nil {
		result.ExecutionID = skip.ExecutionID
		result.Skipped = true
		result.Reason = skip.Reason
		return result, nil
	}
	result.ExecutionID = ticket.ExecutionID

	ctx = logger.WithExecutionID(ctx, ticket.ExecutionID)
	log := logger.FromContext(ctx, e.log)

	e.emitter.EmitStage(pulse.StageFetch, "fetching due enrollments")
	due, err := e.store.FetchDue(ctx, start, int(e.fetchLimit.Load()))
	if err != nil {
		err = errors.Wrap(err, "fetch due enrollments")
		e.abort(ctx, ticket, pulse.StageFetch, err, start)
		return result, err
	}
	log.Infow("Due enrollments fetched", logger.FieldCount, len(due))

	e.emitter.EmitStage(pulse.StageDispatch, "processing enrollments")
	outcomes := e.dispatcher.Dispatch(ctx, due, e.processor.Process)

	result.Outcomes = outcomes
	result.Summary = Summarize(outcomes, int(e.sampleSize.Load()))
	result.Duration = e.now().Sub(start)

	e.emitter.EmitStage(pulse.StageReport, "recording outcome")
	finalCtx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := e.reporter.Report(finalCtx, ticket, result.Summary, result.Duration); err != nil {
		e.abort(ctx, ticket, pulse.StageReport, err, start)
		return result, err
	}
	return result, nil
}

// abort marks the run failed after a fatal error
func (e *Engine) abort(ctx context.Context, t *Ticket, stage string, cause error, start time.Time) {
	logger.FromContext(ctx, e.log).Errorw("Run aborted", "stage", stage, logger.FieldError, cause)
	e.emitter.EmitError(stage, cause)

	finalCtx, cancel := finalizeContext(ctx)
	defer cancel()
	e.gate.Fail(finalCtx, t, cause, e.now().Sub(start))
}

// finalizeContext detaches from the invocation deadline so the outcome of
// work already done is still recorded.
func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

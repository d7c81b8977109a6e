package drip

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse/schedule"
)

// Skip reasons
const (
	ReasonInProgress      = "in progress"
	ReasonAlreadyExecuted = "already executed"
)

// Ticket is proof that this invocation owns the bucket's execution record
type Ticket struct {
	ExecutionID string
	Bucket      int64
	StartedAt   time.Time
	Retry       bool // the bucket had failed before and was reacquired
}

// Skip explains why an invocation did not run
type Skip struct {
	ExecutionID string
	Reason      string
}

// Gate allows at most one run per time bucket. Ownership is decided by the
// execution record's primary key, never by in-process state, so any number
// of processes may race on the same bucket.
type Gate struct {
	executions *schedule.ExecutionStore
	width      atomic.Int64
	log        *zap.SugaredLogger
}

// NewGate creates a gate with the given bucket width
func NewGate(executions *schedule.ExecutionStore, width time.Duration, log *zap.SugaredLogger) *Gate {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	g := &Gate{executions: executions, log: logger.AddPulseSymbol(log)}
	g.SetWidth(width)
	return g
}

// SetWidth changes the bucket width. Takes effect on the next Acquire.
func (g *Gate) SetWidth(width time.Duration) {
	if width <= 0 {
		width = 5 * time.Minute
	}
	g.width.Store(int64(width))
}

// Width returns the current bucket width
func (g *Gate) Width() time.Duration {
	return time.Duration(g.width.Load())
}

// Acquire claims the bucket containing now. Exactly one of the returned
// ticket, skip and error is non-nil.
func (g *Gate) Acquire(ctx context.Context, now time.Time) (*Ticket, *Skip, error) {
	bucket := schedule.Bucket(now, g.Width())
	id := schedule.ExecutionID(bucket)
	ticket := &Ticket{ExecutionID: id, Bucket: bucket, StartedAt: now}

	existing, err := g.executions.GetExecution(ctx, id)
	switch {
	case errors.IsNotFoundError(err):
		created, err := g.executions.CreateIfAbsent(ctx, schedule.NewRunningExecution(bucket, now))
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to claim bucket")
		}
		if !created {
			return nil, g.skip(id, ReasonInProgress), nil
		}
		return ticket, nil, nil

	case err != nil:
		return nil, nil, errors.Wrap(err, "failed to check execution record")
	}

	switch existing.Status {
	case schedule.ExecutionStatusRunning:
		return nil, g.skip(id, ReasonInProgress), nil
	case schedule.ExecutionStatusCompleted:
		return nil, g.skip(id, ReasonAlreadyExecuted), nil
	}

	ok, err := g.executions.Reacquire(ctx, id)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to reacquire failed bucket")
	}
	if !ok {
		return nil, g.skip(id, ReasonInProgress), nil
	}
	g.log.Infow("Retrying failed bucket", logger.FieldExecutionID, id, logger.FieldBucket, bucket)
	ticket.Retry = true
	return ticket, nil, nil
}

func (g *Gate) skip(id, reason string) *Skip {
	g.log.Infow("Run skipped", logger.FieldExecutionID, id, logger.FieldReason, reason)
	return &Skip{ExecutionID: id, Reason: reason}
}

// Complete records the run outcome on the ticket's execution
func (g *Gate) Complete(ctx context.Context, t *Ticket, res schedule.ExecutionResult) error {
	return g.executions.CompleteExecution(ctx, t.ExecutionID, res)
}

// Fail marks the ticket's execution failed. Best effort: a failed write is
// logged and swallowed, leaving the bucket running until reset.
func (g *Gate) Fail(ctx context.Context, t *Ticket, cause error, duration time.Duration) {
	if err := g.executions.FailExecution(ctx, t.ExecutionID, cause.Error(), int(duration.Milliseconds())); err != nil {
		g.log.Errorw("Failed to mark execution failed; bucket stays running until reset",
			logger.FieldExecutionID, t.ExecutionID,
			logger.FieldError, err,
			"cause", cause)
	}
}

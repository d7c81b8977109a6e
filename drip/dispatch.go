package drip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse"
	"github.com/teranos/drip/pulse/budget"
)

// ProcessFunc handles a single due enrollment
type ProcessFunc func(ctx context.Context, d *DueEnrollment) Outcome

// Dispatcher splits the backlog into sub-batches. Sub-batches run strictly
// one after another with the pacer consulted in between; the items of one
// sub-batch run concurrently.
type Dispatcher struct {
	batchSize atomic.Int64
	pacer     budget.Pacer
	emitter   pulse.ProgressEmitter
	log       *zap.SugaredLogger
}

// NewDispatcher creates a dispatcher. A nil pacer never waits.
func NewDispatcher(batchSize int, pacer budget.Pacer, log *zap.SugaredLogger) *Dispatcher {
	if pacer == nil {
		pacer = budget.NoPacer{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		pacer:   pacer,
		emitter: pulse.NopEmitter{},
		log:     log,
	}
	d.SetBatchSize(batchSize)
	return d
}

// SetBatchSize changes the sub-batch size for subsequent dispatches
func (d *Dispatcher) SetBatchSize(n int) {
	if n < 1 {
		n = 1
	}
	d.batchSize.Store(int64(n))
}

// WithEmitter reports per-batch progress to e
func (d *Dispatcher) WithEmitter(e pulse.ProgressEmitter) *Dispatcher {
	if e != nil {
		d.emitter = e
	}
	return d
}

// Dispatch processes items and returns their outcomes in input order.
// A panic in fn becomes a failure outcome for that item only. When ctx is
// cancelled between sub-batches dispatch stops; the unreached items are
// absent from the result and stay due.
func (d *Dispatcher) Dispatch(ctx context.Context, items []*DueEnrollment, fn ProcessFunc) []Outcome {
	size := int(d.batchSize.Load())
	outcomes := make([]Outcome, 0, len(items))
	batches := (len(items) + size - 1) / size

	for b := 0; b < batches; b++ {
		if b > 0 {
			if err := d.pacer.Wait(ctx, b); err != nil {
				d.log.Warnw("Dispatch stopped between batches",
					logger.FieldBatch, b,
					logger.FieldProcessed, len(outcomes),
					logger.FieldCount, len(items)-len(outcomes),
					logger.FieldError, err)
				break
			}
		} else if err := ctx.Err(); err != nil {
			d.log.Warnw("Dispatch cancelled before first batch", logger.FieldError, err)
			break
		}

		start := b * size
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		results := d.runBatch(ctx, items[start:end], fn)
		outcomes = append(outcomes, results...)

		failed := 0
		for _, r := range results {
			if !r.Success {
				failed++
			}
		}
		d.log.Debugw("Batch dispatched",
			logger.FieldBatch, b,
			logger.FieldBatchSize, len(results),
			logger.FieldFailed, failed)
		d.emitter.EmitProgress(len(results), map[string]interface{}{
			"batch":   b,
			"batches": batches,
			"failed":  failed,
			"done":    len(outcomes),
			"total":   len(items),
		})
	}

	return outcomes
}

func (d *Dispatcher) runBatch(ctx context.Context, batch []*DueEnrollment, fn ProcessFunc) []Outcome {
	results := make([]Outcome, len(batch))

	var wg sync.WaitGroup
	for i, item := range batch {
		wg.Add(1)
		go func(i int, item *DueEnrollment) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Errorw("Enrollment processing panicked",
						logger.FieldEnrollmentID, item.Enrollment.ID,
						logger.FieldError, r)
					results[i] = Outcome{
						EnrollmentID: item.Enrollment.ID,
						Code:         CodePanic,
						Error:        fmt.Sprintf("panic: %v", r),
					}
				}
			}()
			results[i] = fn(ctx, item)
		}(i, item)
	}
	wg.Wait()

	return results
}

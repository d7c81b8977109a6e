package drip

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/drip/pulse/budget"
)

func items(n int) []*DueEnrollment {
	out := make([]*DueEnrollment, n)
	for i := range out {
		out[i] = &DueEnrollment{Enrollment: Enrollment{ID: fmt.Sprintf("e%02d", i)}}
	}
	return out
}

type recordingPacer struct {
	mu      sync.Mutex
	indices []int
	cancel  func(index int) bool
}

func (p *recordingPacer) Wait(ctx context.Context, batchIndex int) error {
	p.mu.Lock()
	p.indices = append(p.indices, batchIndex)
	p.mu.Unlock()
	if p.cancel != nil && p.cancel(batchIndex) {
		return context.Canceled
	}
	return ctx.Err()
}

func TestDispatch_PreservesInputOrder(t *testing.T) {
	d := NewDispatcher(4, budget.NoPacer{}, zaptest.NewLogger(t).Sugar())

	in := items(10)
	out := d.Dispatch(context.Background(), in, func(ctx context.Context, item *DueEnrollment) Outcome {
		// later items finish first inside a batch
		n := 0
		fmt.Sscanf(item.Enrollment.ID, "e%d", &n)
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	require.Len(t, out, 10)
	for i, o := range out {
		assert.Equal(t, in[i].Enrollment.ID, o.EnrollmentID)
	}
}

func TestDispatch_PacerBetweenBatchesOnly(t *testing.T) {
	pacer := &recordingPacer{}
	d := NewDispatcher(3, pacer, nil)

	out := d.Dispatch(context.Background(), items(7), func(ctx context.Context, item *DueEnrollment) Outcome {
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	assert.Len(t, out, 7)
	assert.Equal(t, []int{1, 2}, pacer.indices, "three batches, two waits")
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	d := NewDispatcher(3, budget.NoPacer{}, nil)

	var inFlight, maxSeen atomic.Int64
	var batchMu sync.Mutex
	d.Dispatch(context.Background(), items(9), func(ctx context.Context, item *DueEnrollment) Outcome {
		cur := inFlight.Add(1)
		batchMu.Lock()
		if cur > maxSeen.Load() {
			maxSeen.Store(cur)
		}
		batchMu.Unlock()
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	assert.LessOrEqual(t, maxSeen.Load(), int64(3), "never more than one batch in flight")
	assert.Greater(t, maxSeen.Load(), int64(1), "items inside a batch run concurrently")
}

func TestDispatch_PanicIsolated(t *testing.T) {
	d := NewDispatcher(5, budget.NoPacer{}, zaptest.NewLogger(t).Sugar())

	out := d.Dispatch(context.Background(), items(5), func(ctx context.Context, item *DueEnrollment) Outcome {
		if item.Enrollment.ID == "e02" {
			panic("nil template")
		}
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	require.Len(t, out, 5)
	assert.False(t, out[2].Success)
	assert.Equal(t, CodePanic, out[2].Code)
	assert.Equal(t, "e02", out[2].EnrollmentID)
	assert.Equal(t, "panic: nil template", out[2].Error)
	for _, i := range []int{0, 1, 3, 4} {
		assert.True(t, out[i].Success)
	}
}

func TestDispatch_StopsWhenPacerCancelled(t *testing.T) {
	pacer := &recordingPacer{cancel: func(i int) bool { return i == 2 }}
	d := NewDispatcher(2, pacer, nil)

	var calls atomic.Int64
	out := d.Dispatch(context.Background(), items(7), func(ctx context.Context, item *DueEnrollment) Outcome {
		calls.Add(1)
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	assert.Len(t, out, 4, "unreached items are left out")
	assert.Equal(t, int64(4), calls.Load())
}

func TestDispatch_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDispatcher(2, nil, nil)
	out := d.Dispatch(ctx, items(3), func(ctx context.Context, item *DueEnrollment) Outcome {
		t.Fatal("should not run")
		return Outcome{}
	})
	assert.Empty(t, out)
}

func TestDispatch_Cooldown(t *testing.T) {
	var slept []time.Duration
	var mu sync.Mutex
	pacer := budget.NewCooldownWithSleep(250*time.Millisecond, func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		slept = append(slept, d)
		mu.Unlock()
		return nil
	})

	d := NewDispatcher(10, pacer, nil)
	d.Dispatch(context.Background(), items(25), func(ctx context.Context, item *DueEnrollment) Outcome {
		return Outcome{EnrollmentID: item.Enrollment.ID, Success: true}
	})

	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, slept)
}

func TestDispatch_Empty(t *testing.T) {
	pacer := &recordingPacer{}
	out := NewDispatcher(10, pacer, nil).Dispatch(context.Background(), nil, nil)
	assert.Empty(t, out)
	assert.Empty(t, pacer.indices)
}

func TestDispatcher_SetBatchSize(t *testing.T) {
	pacer := &recordingPacer{}
	d := NewDispatcher(0, pacer, nil)
	d.Dispatch(context.Background(), items(2), func(ctx context.Context, item *DueEnrollment) Outcome {
		return Outcome{Success: true}
	})
	assert.Equal(t, []int{1}, pacer.indices, "batch size clamps to one")
}

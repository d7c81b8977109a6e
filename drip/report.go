package drip

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
	"github.com/teranos/drip/pulse"
	"github.com/teranos/drip/pulse/schedule"
)

// Audit trail identity for runs
const (
	AuditActor      = "drip-engine"
	AuditActionRun  = "drip.run"
	AuditEntityType = "execution"
)

// DefaultErrorSampleSize is the number of failures kept on the execution record
const DefaultErrorSampleSize = 10

// Summary aggregates the outcomes of one run
type Summary struct {
	Processed  int       `json:"processed"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Advanced   int       `json:"advanced"`
	Completed  int       `json:"completed"`
	Paused     int       `json:"paused"`
	Sample     []Failure `json:"sample"`
}

// Summarize counts outcomes and keeps the first sampleSize failures in input order
func Summarize(outcomes []Outcome, sampleSize int) Summary {
	s := Summary{Processed: len(outcomes), Sample: make([]Failure, 0)}
	for _, o := range outcomes {
		if !o.Success {
			s.Failed++
			if len(s.Sample) < sampleSize {
				s.Sample = append(s.Sample, Failure{EnrollmentID: o.EnrollmentID, Code: o.Code, Error: o.Error})
			}
			continue
		}
		s.Successful++
		switch o.Action {
		case ActionAdvanced:
			s.Advanced++
		case ActionCompleted:
			s.Completed++
		case ActionPaused:
			s.Paused++
		}
	}
	return s
}

// Fields returns the summary as a flat map for progress feeds and audit details
func (s Summary) Fields() map[string]interface{} {
	return map[string]interface{}{
		"processed":  s.Processed,
		"successful": s.Successful,
		"failed":     s.Failed,
		"advanced":   s.Advanced,
		"completed":  s.Completed,
		"paused":     s.Paused,
	}
}

// Reporter persists the outcome of a run through the gate and the audit log
type Reporter struct {
	gate    *Gate
	store   *Store
	emitter pulse.ProgressEmitter
	log     *zap.SugaredLogger
}

// NewReporter creates a run reporter
func NewReporter(gate *Gate, store *Store, log *zap.SugaredLogger) *Reporter {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Reporter{gate: gate, store: store, emitter: pulse.NopEmitter{}, log: log}
}

// WithEmitter sends the completed summary to e
func (r *Reporter) WithEmitter(e pulse.ProgressEmitter) *Reporter {
	if e != nil {
		r.emitter = e
	}
	return r
}

// Report completes the ticket's execution with s and writes an audit entry.
// A failed audit write is logged only; the execution record is authoritative.
func (r *Reporter) Report(ctx context.Context, t *Ticket, s Summary, duration time.Duration) error {
	res := schedule.ExecutionResult{
		ProcessedCount: s.Processed,
		SuccessCount:   s.Successful,
		FailureCount:   s.Failed,
		DurationMs:     int(duration.Milliseconds()),
	}
	if len(s.Sample) > 0 {
		data, err := json.Marshal(s.Sample)
		if err != nil {
			return errors.Wrap(err, "failed to encode error sample")
		}
		sample := string(data)
		res.ErrorSample = &sample
	}

	if err := r.gate.Complete(ctx, t, res); err != nil {
		return errors.Wrap(err, "failed to complete execution")
	}

	details := s.Fields()
	details["bucket"] = t.Bucket
	details["duration_ms"] = res.DurationMs
	details["retry"] = t.Retry
	if err := r.store.InsertAudit(ctx, &AuditEntry{
		ID:         uuid.NewString(),
		Actor:      AuditActor,
		Action:     AuditActionRun,
		EntityType: AuditEntityType,
		EntityID:   t.ExecutionID,
		Details:    details,
		CreatedAt:  t.StartedAt.Add(duration),
	}); err != nil {
		r.log.Warnw("Failed to write audit entry", logger.FieldExecutionID, t.ExecutionID, logger.FieldError, err)
	}

	logger.AddDripSymbol(r.log).Infow("Run complete",
		logger.FieldExecutionID, t.ExecutionID,
		logger.FieldProcessed, s.Processed,
		logger.FieldSuccessful, s.Successful,
		logger.FieldFailed, s.Failed,
		logger.FieldDurationMS, res.DurationMs)

	summary := s.Fields()
	summary["execution_id"] = t.ExecutionID
	summary["duration_ms"] = res.DurationMs
	r.emitter.EmitComplete(summary)
	return nil
}

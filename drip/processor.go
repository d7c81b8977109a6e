package drip

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/drip/drip/render"
	"github.com/teranos/drip/drip/sender"
	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/logger"
)

// Processor runs the per-enrollment state machine for one due enrollment.
//
//	sequence inactive          -> paused (sequence_disabled), nothing sent
//	invalid record             -> failure, enrollment untouched
//	send fails                 -> message (failed) + activity recorded, failure
//	send ok, next step exists  -> advanced, due after the next step's delay
//	send ok, no next step      -> completed
type Processor struct {
	store       *Store
	sender      sender.Sender
	maxFailures atomic.Int64
	now         func() time.Time
	log         *zap.SugaredLogger
}

// NewProcessor creates a step processor. maxFailures of zero disables the
// failure threshold: failing enrollments stay due and retry forever.
func NewProcessor(store *Store, s sender.Sender, maxFailures int, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Processor{
		store:  store,
		sender: s,
		now:    time.Now,
		log:    log,
	}
	p.maxFailures.Store(int64(maxFailures))
	return p
}

// WithClock replaces the processor clock (for testing)
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// SetMaxFailures changes the failure threshold, used on config reload
func (p *Processor) SetMaxFailures(n int) {
	p.maxFailures.Store(int64(n))
}

// Process handles one enrollment and reports its outcome. It never panics on
// bad data; store and transport errors become failure outcomes.
func (p *Processor) Process(ctx context.Context, d *DueEnrollment) Outcome {
	e := &d.Enrollment
	log := p.log.With(logger.FieldEnrollmentID, e.ID, logger.FieldSequenceID, e.SequenceID)
	now := p.now()

	if d.Sequence != nil && !d.Sequence.IsActive {
		if err := p.store.Pause(ctx, e, PauseSequenceDisabled, now); err != nil {
			return p.fail(ctx, d, storeCode(err), err)
		}
		log.Debugw("Enrollment paused", logger.FieldReason, PauseSequenceDisabled)
		return Outcome{EnrollmentID: e.ID, Success: true, Action: ActionPaused}
	}

	if d.Invalid != nil {
		return p.fail(ctx, d, CodeInvalidRecord, d.Invalid)
	}

	msg := render.Template(d.Template.Subject, d.Template.Body, render.Vars{
		FirstName:    d.Client.FirstName,
		LastName:     d.Client.LastName,
		Email:        d.Client.Email,
		Phone:        d.Client.Phone,
		SequenceName: d.Sequence.Name,
	})
	if strings.TrimSpace(msg.Body) == "" {
		return p.fail(ctx, d, CodeRenderFailed,
			errors.Newf("template %s rendered an empty body", d.Template.ID))
	}

	res := p.sender.Send(ctx, d.Client.Email, msg.Subject, msg.Body)

	record := &Message{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		StepID:       d.Step.ID,
		ClientID:     e.ClientID,
		Recipient:    d.Client.Email,
		Subject:      msg.Subject,
		Body:         msg.Body,
		Status:       MessageSent,
		CreatedAt:    now,
	}
	if res.Success {
		if res.ExternalID != "" {
			record.ProviderID = &res.ExternalID
		}
	} else {
		record.Status = MessageFailed
		sendErr := res.Error
		if sendErr == "" {
			sendErr = "transport reported failure"
		}
		record.Error = &sendErr
	}
	if err := p.store.InsertMessage(ctx, record); err != nil {
		return p.fail(ctx, d, CodeStoreFailed, err)
	}
	if err := p.store.InsertActivity(ctx, activityFor(d, record)); err != nil {
		return p.fail(ctx, d, CodeStoreFailed, err)
	}

	if !res.Success {
		out := p.fail(ctx, d, CodeSendFailed, errors.Newf("send to %s failed: %s", d.Client.Email, *record.Error))
		out.MessageID = record.ID
		return out
	}

	next, err := p.store.NextActiveStep(ctx, e.SequenceID, d.Step.StepNumber)
	if err != nil {
		return p.fail(ctx, d, CodeStoreFailed, err)
	}

	if next == nil {
		if err := p.store.Complete(ctx, e, now); err != nil {
			return p.fail(ctx, d, storeCode(err), err)
		}
		log.Debugw("Enrollment completed", logger.FieldStepID, d.Step.ID)
		return Outcome{EnrollmentID: e.ID, Success: true, Action: ActionCompleted, MessageID: record.ID}
	}

	nextAt := now.Add(next.Delay())
	if err := p.store.Advance(ctx, e, next, nextAt, now); err != nil {
		return p.fail(ctx, d, storeCode(err), err)
	}
	log.Debugw("Enrollment advanced",
		logger.FieldStepID, next.ID,
		logger.FieldNextStepAt, nextAt)
	return Outcome{EnrollmentID: e.ID, Success: true, Action: ActionAdvanced, MessageID: record.ID, NextStepAt: &nextAt}
}

// fail builds a failure outcome and, when a threshold is configured, counts
// the failure against the enrollment.
func (p *Processor) fail(ctx context.Context, d *DueEnrollment, code ErrorCode, err error) Outcome {
	e := &d.Enrollment
	out := Outcome{EnrollmentID: e.ID, Code: code, Error: err.Error()}

	p.log.Debugw("Enrollment step failed",
		logger.FieldEnrollmentID, e.ID,
		logger.FieldErrorCode, code,
		logger.FieldError, err)

	maxFailures := int(p.maxFailures.Load())
	if maxFailures <= 0 || !countsAsFailure(code) {
		return out
	}
	paused, ferr := p.store.RecordFailure(ctx, e, maxFailures, p.now())
	if ferr != nil {
		p.log.Warnw("Failed to record enrollment failure",
			logger.FieldEnrollmentID, e.ID,
			logger.FieldError, ferr)
		return out
	}
	if paused {
		p.log.Warnw("Enrollment paused after repeated failures",
			logger.FieldEnrollmentID, e.ID,
			logger.FieldCount, e.FailureCount+1,
			logger.FieldReason, PauseFailureThreshold)
	}
	return out
}

// countsAsFailure reports whether a failure is the enrollment's own fault.
// Store errors and conflicts say nothing about the enrollment.
func countsAsFailure(code ErrorCode) bool {
	switch code {
	case CodeInvalidRecord, CodeRenderFailed, CodeSendFailed:
		return true
	}
	return false
}

func storeCode(err error) ErrorCode {
	if errors.IsConflictError(err) {
		return CodeConflict
	}
	return CodeStoreFailed
}

func activityFor(d *DueEnrollment, m *Message) *LeadActivity {
	a := &LeadActivity{
		ID:           uuid.NewString(),
		ClientID:     d.Enrollment.ClientID,
		EnrollmentID: d.Enrollment.ID,
		ActivityType: ActivityMessageSent,
		Description:  fmt.Sprintf("Sent step %d of %s: %s", d.Step.StepNumber, d.Sequence.Name, m.Subject),
		ScoreDelta:   0,
		Metadata: map[string]interface{}{
			"sequence_id": d.Enrollment.SequenceID,
			"step_id":     d.Step.ID,
			"step_number": d.Step.StepNumber,
			"message_id":  m.ID,
		},
		CreatedAt: m.CreatedAt,
	}
	if m.ProviderID != nil {
		a.Metadata["provider_id"] = *m.ProviderID
	}
	if m.Status == MessageFailed {
		a.ActivityType = ActivityMessageFailed
		a.Description = fmt.Sprintf("Failed to send step %d of %s: %s", d.Step.StepNumber, d.Sequence.Name, m.Subject)
		a.Metadata["error"] = *m.Error
	}
	return a
}

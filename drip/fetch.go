package drip

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/pulse/schedule"
)

const dueQuery = `
	SELECT
		e.id, e.client_id, e.sequence_id, e.current_step_id, e.status, e.steps_completed,
		e.next_step_at, e.pause_reason, e.completed_at, e.failure_count, e.created_at, e.updated_at,
		s.id, s.name, s.is_active,
		st.id, st.sequence_id, st.step_number, st.delay_days, st.delay_hours, st.is_active, st.template_id,
		t.id, t.name, t.subject, t.body,
		c.id, c.first_name, c.last_name, c.email, c.phone
	FROM enrollments e
	LEFT JOIN sequences s ON s.id = e.sequence_id
	LEFT JOIN sequence_steps st ON st.id = e.current_step_id
	LEFT JOIN templates t ON t.id = st.template_id
	LEFT JOIN clients c ON c.id = e.client_id
	WHERE e.status = ? AND e.next_step_at IS NOT NULL
	  AND (julianday(e.next_step_at) <= julianday(?) OR julianday(e.next_step_at) IS NULL)
	ORDER BY julianday(e.next_step_at) ASC, e.id ASC
	LIMIT ?`

// FetchDue returns up to limit active enrollments whose next step is due at
// now, oldest first. Rows are fully read and closed before returning.
//
// next_step_at is compared as a point in time, so rows written with an offset
// or in SQLite's datetime() form are due when their instant has passed. A row
// whose next_step_at SQLite cannot read at all sorts first and comes back with
// Invalid set.
func (s *Store) FetchDue(ctx context.Context, now time.Time, limit int) ([]*DueEnrollment, error) {
	rows, err := s.db.QueryContext(ctx, dueQuery, StatusActive, schedule.FormatTimestamp(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query due enrollments")
	}
	defer rows.Close()

	due := make([]*DueEnrollment, 0)
	for rows.Next() {
		d, err := scanDue(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan due enrollment")
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating due enrollments")
	}
	return due, nil
}

func scanDue(rows *sql.Rows) (*DueEnrollment, error) {
	var e Enrollment
	var currentStep, nextStepAt, pauseReason, completedAt sql.NullString
	var createdAt, updatedAt string
	var seqID, seqName sql.NullString
	var seqActive, stepActive sql.NullBool
	var stepID, stepSeqID, stepTemplateID sql.NullString
	var stepNumber, delayDays, delayHours sql.NullInt64
	var tplID, tplName, tplSubject, tplBody sql.NullString
	var cID, cFirst, cLast, cEmail, cPhone sql.NullString

	err := rows.Scan(
		&e.ID, &e.ClientID, &e.SequenceID, &currentStep, &e.Status, &e.StepsCompleted,
		&nextStepAt, &pauseReason, &completedAt, &e.FailureCount, &createdAt, &updatedAt,
		&seqID, &seqName, &seqActive,
		&stepID, &stepSeqID, &stepNumber, &delayDays, &delayHours, &stepActive, &stepTemplateID,
		&tplID, &tplName, &tplSubject, &tplBody,
		&cID, &cFirst, &cLast, &cEmail, &cPhone,
	)
	if err != nil {
		return nil, err
	}

	badColumns := e.fillColumns(currentStep, nextStepAt, pauseReason, completedAt, createdAt, updatedAt)

	d := &DueEnrollment{Enrollment: e}
	if seqID.Valid {
		d.Sequence = &Sequence{ID: seqID.String, Name: seqName.String, IsActive: seqActive.Bool}
	}
	if stepID.Valid {
		d.Step = &Step{
			ID:         stepID.String,
			SequenceID: stepSeqID.String,
			StepNumber: int(stepNumber.Int64),
			DelayDays:  int(delayDays.Int64),
			DelayHours: int(delayHours.Int64),
			IsActive:   stepActive.Bool,
		}
		if stepTemplateID.Valid {
			d.Step.TemplateID = &stepTemplateID.String
		}
	}
	if tplID.Valid {
		d.Template = &Template{ID: tplID.String, Name: tplName.String, Subject: tplSubject.String, Body: tplBody.String}
	}
	if cID.Valid {
		d.Client = &Client{ID: cID.String, FirstName: cFirst.String, LastName: cLast.String, Email: cEmail.String, Phone: cPhone.String}
	}

	d.Invalid = invalidRecord(e.ID, append(badColumns, d.problems()...))
	return d, nil
}

// Validate checks that every part needed to send the current step resolved.
// All problems are reported together, joined in a single error.
func (d *DueEnrollment) Validate() error {
	return invalidRecord(d.Enrollment.ID, d.problems())
}

func (d *DueEnrollment) problems() []string {
	var problems []string

	e := d.Enrollment
	if d.Sequence == nil {
		problems = append(problems, "sequence "+e.SequenceID+" not found")
	}

	switch {
	case e.CurrentStepID == nil:
		problems = append(problems, "no current step")
	case d.Step == nil:
		problems = append(problems, "current step "+*e.CurrentStepID+" not found")
	case d.Step.SequenceID != e.SequenceID:
		problems = append(problems, "current step "+d.Step.ID+" belongs to sequence "+d.Step.SequenceID)
	case d.Step.TemplateID == nil:
		problems = append(problems, "step "+d.Step.ID+" has no template")
	case d.Template == nil:
		problems = append(problems, "template "+*d.Step.TemplateID+" not found")
	}

	switch {
	case d.Client == nil:
		problems = append(problems, "client "+e.ClientID+" not found")
	case strings.TrimSpace(d.Client.Email) == "":
		problems = append(problems, "client "+e.ClientID+" has no email")
	}
	return problems
}

func invalidRecord(id string, problems []string) error {
	if len(problems) == 0 {
		return nil
	}
	return errors.WithDetail(
		errors.NewInvalidRequestError("enrollment %s: %s", id, strings.Join(problems, "; ")),
		"the enrollment stays due and is retried on the next run")
}

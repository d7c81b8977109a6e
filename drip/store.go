package drip

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/drip/errors"
	"github.com/teranos/drip/pulse/schedule"
)

// Message is the append-only record of one send attempt
type Message struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollment_id"`
	SequenceID   string    `json:"sequence_id"`
	StepID       string    `json:"step_id"`
	ClientID     string    `json:"client_id"`
	Recipient    string    `json:"recipient"`
	Subject      string    `json:"subject"`
	Body         string    `json:"body"`
	Status       string    `json:"status"`
	ProviderID   *string   `json:"provider_id,omitempty"`
	Error        *string   `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LeadActivity is an informational timeline entry for the client
type LeadActivity struct {
	ID           string                 `json:"id"`
	ClientID     string                 `json:"client_id"`
	EnrollmentID string                 `json:"enrollment_id"`
	ActivityType string                 `json:"activity_type"`
	Description  string                 `json:"description"`
	ScoreDelta   int                    `json:"score_delta"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// AuditEntry is a generic audit trail row
type AuditEntry struct {
	ID         string                 `json:"id"`
	Actor      string                 `json:"actor"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Store is the SQLite persistence for enrollments and their side records
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open, migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying handle
func (s *Store) DB() *sql.DB {
	return s.db
}

const enrollmentColumns = `
	id, client_id, sequence_id, current_step_id, status, steps_completed,
	next_step_at, pause_reason, completed_at, failure_count, created_at, updated_at`

// GetEnrollment retrieves an enrollment by ID
func (s *Store) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id = ?`, id)

	e, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("enrollment %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get enrollment %s", id)
	}
	return e, nil
}

// NextActiveStep returns the active step of sequenceID with the smallest
// step_number greater than after, or nil when the sequence has no more steps.
func (s *Store) NextActiveStep(ctx context.Context, sequenceID string, after int) (*Step, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, sequence_id, step_number, delay_days, delay_hours, is_active, template_id
		FROM sequence_steps
		WHERE sequence_id = ? AND step_number > ? AND is_active = 1
		ORDER BY step_number ASC
		LIMIT 1
	`, sequenceID, after)

	var st Step
	var templateID sql.NullString
	err := row.Scan(&st.ID, &st.SequenceID, &st.StepNumber, &st.DelayDays, &st.DelayHours, &st.IsActive, &templateID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find step after %d in sequence %s", after, sequenceID)
	}
	if templateID.Valid {
		st.TemplateID = &templateID.String
	}
	return &st, nil
}

// Advance moves e to next, due at nextAt. The update only applies while e is
// still active at the version it was fetched with.
func (s *Store) Advance(ctx context.Context, e *Enrollment, next *Step, nextAt, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET current_step_id = ?,
		    next_step_at = ?,
		    steps_completed = steps_completed + 1,
		    failure_count = 0,
		    updated_at = ?
		WHERE id = ? AND status = ? AND steps_completed = ?
	`, next.ID, schedule.FormatTimestamp(nextAt), schedule.FormatTimestamp(now),
		e.ID, StatusActive, e.StepsCompleted)
	if err != nil {
		return errors.Wrapf(err, "failed to advance enrollment %s", e.ID)
	}
	return expectEnrollmentRow(result, e)
}

// Complete marks e completed after its final step
func (s *Store) Complete(ctx context.Context, e *Enrollment, now time.Time) error {
	ts := schedule.FormatTimestamp(now)
	result, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = ?,
		    current_step_id = NULL,
		    next_step_at = NULL,
		    completed_at = ?,
		    steps_completed = steps_completed + 1,
		    failure_count = 0,
		    updated_at = ?
		WHERE id = ? AND status = ? AND steps_completed = ?
	`, StatusCompleted, ts, ts, e.ID, StatusActive, e.StepsCompleted)
	if err != nil {
		return errors.Wrapf(err, "failed to complete enrollment %s", e.ID)
	}
	return expectEnrollmentRow(result, e)
}

// Pause stops e with reason, keeping its current step
func (s *Store) Pause(ctx context.Context, e *Enrollment, reason string, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE enrollments
		SET status = ?,
		    pause_reason = ?,
		    next_step_at = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ? AND steps_completed = ?
	`, StatusPaused, reason, schedule.FormatTimestamp(now), e.ID, StatusActive, e.StepsCompleted)
	if err != nil {
		return errors.Wrapf(err, "failed to pause enrollment %s", e.ID)
	}
	return expectEnrollmentRow(result, e)
}

// RecordFailure increments e's failure counter. When the counter reaches
// maxFailures the enrollment is paused with PauseFailureThreshold.
// Returns whether the enrollment was paused.
func (s *Store) RecordFailure(ctx context.Context, e *Enrollment, maxFailures int, now time.Time) (bool, error) {
	count := e.FailureCount + 1
	ts := schedule.FormatTimestamp(now)

	var result sql.Result
	var err error
	paused := maxFailures > 0 && count >= maxFailures
	if paused {
		result, err = s.db.ExecContext(ctx, `
			UPDATE enrollments
			SET failure_count = ?,
			    status = ?,
			    pause_reason = ?,
			    next_step_at = NULL,
			    updated_at = ?
			WHERE id = ? AND status = ? AND steps_completed = ? AND failure_count = ?
		`, count, StatusPaused, PauseFailureThreshold, ts,
			e.ID, StatusActive, e.StepsCompleted, e.FailureCount)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE enrollments
			SET failure_count = ?,
			    updated_at = ?
			WHERE id = ? AND status = ? AND steps_completed = ? AND failure_count = ?
		`, count, ts, e.ID, StatusActive, e.StepsCompleted, e.FailureCount)
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to record failure for enrollment %s", e.ID)
	}
	if err := expectEnrollmentRow(result, e); err != nil {
		return false, err
	}
	return paused, nil
}

// InsertMessage appends a message record
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, enrollment_id, sequence_id, step_id, client_id,
			recipient, subject, body, status, provider_id, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.EnrollmentID, m.SequenceID, m.StepID, m.ClientID,
		m.Recipient, m.Subject, m.Body, m.Status,
		nullString(m.ProviderID), nullString(m.Error), schedule.FormatTimestamp(m.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert message for enrollment %s", m.EnrollmentID)
	}
	return nil
}

// ListMessages returns the messages of an enrollment, oldest first
func (s *Store) ListMessages(ctx context.Context, enrollmentID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, enrollment_id, sequence_id, step_id, client_id,
		       recipient, subject, body, status, provider_id, error, created_at
		FROM messages
		WHERE enrollment_id = ?
		ORDER BY created_at ASC, id ASC
	`, enrollmentID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	messages := make([]*Message, 0)
	for rows.Next() {
		var m Message
		var providerID, errMsg sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.EnrollmentID, &m.SequenceID, &m.StepID, &m.ClientID,
			&m.Recipient, &m.Subject, &m.Body, &m.Status, &providerID, &errMsg, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		if providerID.Valid {
			m.ProviderID = &providerID.String
		}
		if errMsg.Valid {
			m.Error = &errMsg.String
		}
		if m.CreatedAt, err = schedule.ParseTimestamp(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, errors.Wrap(rows.Err(), "error iterating messages")
}

// InsertActivity appends a lead activity
func (s *Store) InsertActivity(ctx context.Context, a *LeadActivity) error {
	metadata, err := marshalJSON(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lead_activities (
			id, client_id, enrollment_id, activity_type, description, score_delta, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.ClientID, a.EnrollmentID, a.ActivityType, a.Description, a.ScoreDelta,
		metadata, schedule.FormatTimestamp(a.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert activity for enrollment %s", a.EnrollmentID)
	}
	return nil
}

// CountActivities returns the number of lead activities recorded for an enrollment
func (s *Store) CountActivities(ctx context.Context, enrollmentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lead_activities WHERE enrollment_id = ?`, enrollmentID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count activities")
	}
	return n, nil
}

// InsertAudit appends an audit entry
func (s *Store) InsertAudit(ctx context.Context, a *AuditEntry) error {
	details, err := marshalJSON(a.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Actor, a.Action, a.EntityType, a.EntityID, details, schedule.FormatTimestamp(a.CreatedAt))
	if err != nil {
		return errors.Wrapf(err, "failed to insert audit entry for %s %s", a.EntityType, a.EntityID)
	}
	return nil
}

// ListAudit returns audit entries for an entity, oldest first
func (s *Store) ListAudit(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, entity_type, entity_id, details, created_at
		FROM audit_log
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, id ASC
	`, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	entries := make([]*AuditEntry, 0)
	for rows.Next() {
		var a AuditEntry
		var details sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.EntityType, &a.EntityID, &details, &createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &a.Details); err != nil {
				return nil, errors.Wrapf(err, "invalid details on audit entry %s", a.ID)
			}
		}
		if a.CreatedAt, err = schedule.ParseTimestamp(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, &a)
	}
	return entries, errors.Wrap(rows.Err(), "error iterating audit entries")
}

func scanEnrollment(row interface{ Scan(...interface{}) error }) (*Enrollment, error) {
	var e Enrollment
	var currentStep, nextStepAt, pauseReason, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&e.ID, &e.ClientID, &e.SequenceID, &currentStep, &e.Status, &e.StepsCompleted,
		&nextStepAt, &pauseReason, &completedAt, &e.FailureCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := e.fill(currentStep, nextStepAt, pauseReason, completedAt, createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// fill converts the nullable text columns shared by every enrollment scan
func (e *Enrollment) fill(currentStep, nextStepAt, pauseReason, completedAt sql.NullString, createdAt, updatedAt string) error {
	if problems := e.fillColumns(currentStep, nextStepAt, pauseReason, completedAt, createdAt, updatedAt); len(problems) > 0 {
		return errors.NewInvalidRequestError("enrollment %s: %s", e.ID, strings.Join(problems, "; "))
	}
	return nil
}

// fillColumns is fill without the early exit: every column is converted and
// each unparsable timestamp is reported by name.
func (e *Enrollment) fillColumns(currentStep, nextStepAt, pauseReason, completedAt sql.NullString, createdAt, updatedAt string) []string {
	if currentStep.Valid {
		e.CurrentStepID = &currentStep.String
	}
	if pauseReason.Valid {
		e.PauseReason = &pauseReason.String
	}

	var problems []string
	var err error
	if e.NextStepAt, err = parseNullTime(nextStepAt); err != nil {
		problems = append(problems, "next_step_at: "+err.Error())
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		problems = append(problems, "completed_at: "+err.Error())
	}
	if e.CreatedAt, err = schedule.ParseTimestamp(createdAt); err != nil {
		problems = append(problems, "created_at: "+err.Error())
	}
	if e.UpdatedAt, err = schedule.ParseTimestamp(updatedAt); err != nil {
		problems = append(problems, "updated_at: "+err.Error())
	}
	return problems
}

// expectEnrollmentRow turns a zero-row guarded update into ErrConflict
func expectEnrollmentRow(result sql.Result, e *Enrollment) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rows == 0 {
		return errors.NewConflictError("enrollment %s changed since fetch (version %d)", e.ID, e.StepsCompleted)
	}
	return nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := schedule.ParseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func marshalJSON(v map[string]interface{}) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal json column")
	}
	return string(data), nil
}

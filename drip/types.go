// Package drip advances enrollments through time-delayed message sequences.
//
// One invocation of Engine.Run claims the current time bucket through the
// execution gate, fetches the due backlog, processes it in paced sub-batches
// and records the outcome. Invocations are safe to repeat: a second call in
// the same bucket is skipped, and every enrollment write is guarded by an
// optimistic version check.
package drip

import (
	"time"
)

// Enrollment status values
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Pause reasons written by the engine
const (
	PauseSequenceDisabled = "sequence_disabled"
	PauseFailureThreshold = "failure_threshold"
)

// Message status values
const (
	MessageSent   = "sent"
	MessageFailed = "failed"
)

// Lead activity types
const (
	ActivityMessageSent   = "drip_message_sent"
	ActivityMessageFailed = "drip_message_failed"
)

// Sequence is a named, switchable series of steps
type Sequence struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	IsActive bool   `json:"is_active" yaml:"is_active"`
}

// Step is one message in a sequence, sent Delay after the previous one
type Step struct {
	ID         string  `json:"id" yaml:"id"`
	SequenceID string  `json:"sequence_id" yaml:"-"`
	StepNumber int     `json:"step_number" yaml:"step_number"`
	DelayDays  int     `json:"delay_days" yaml:"delay_days"`
	DelayHours int     `json:"delay_hours" yaml:"delay_hours"`
	IsActive   bool    `json:"is_active" yaml:"is_active"`
	TemplateID *string `json:"template_id,omitempty" yaml:"template_id"`
}

// Delay is the wait between reaching this step and sending it
func (s *Step) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayHours)*time.Hour
}

// Template is a message subject and body with {{ token }} placeholders
type Template struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body" yaml:"body"`
}

// Client is the recipient of an enrollment
type Client struct {
	ID        string `json:"id" yaml:"id"`
	FirstName string `json:"first_name" yaml:"first_name"`
	LastName  string `json:"last_name" yaml:"last_name"`
	Email     string `json:"email" yaml:"email"`
	Phone     string `json:"phone" yaml:"phone"`
}

// Enrollment is one client's progress through one sequence.
// StepsCompleted doubles as the row version for optimistic updates.
type Enrollment struct {
	ID             string     `json:"id"`
	ClientID       string     `json:"client_id"`
	SequenceID     string     `json:"sequence_id"`
	CurrentStepID  *string    `json:"current_step_id,omitempty"`
	Status         string     `json:"status"`
	StepsCompleted int        `json:"steps_completed"`
	NextStepAt     *time.Time `json:"next_step_at,omitempty"`
	PauseReason    *string    `json:"pause_reason,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	FailureCount   int        `json:"failure_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DueEnrollment is an enrollment joined with everything needed to send its
// current step. Invalid is set at fetch time when a required part is missing;
// the processor reports it as a failure without touching the enrollment.
type DueEnrollment struct {
	Enrollment Enrollment
	Sequence   *Sequence
	Step       *Step
	Template   *Template
	Client     *Client
	Invalid    error
}

// Outcome actions for successful items
const (
	ActionAdvanced  = "advanced"
	ActionCompleted = "completed"
	ActionPaused    = "paused"
)

// ErrorCode classifies a failed outcome
type ErrorCode string

const (
	CodeInvalidRecord ErrorCode = "invalid_record"
	CodeRenderFailed  ErrorCode = "render_failed"
	CodeSendFailed    ErrorCode = "send_failed"
	CodeStoreFailed   ErrorCode = "store_failed"
	CodeConflict      ErrorCode = "conflict"
	CodePanic         ErrorCode = "panic"
)

// Outcome is the per-enrollment result of one run
type Outcome struct {
	EnrollmentID string     `json:"enrollment_id"`
	Success      bool       `json:"success"`
	Action       string     `json:"action,omitempty"`
	Code         ErrorCode  `json:"code,omitempty"`
	Error        string     `json:"error,omitempty"`
	MessageID    string     `json:"message_id,omitempty"`
	NextStepAt   *time.Time `json:"next_step_at,omitempty"`
}

// Failure is one entry of the bounded error sample
type Failure struct {
	EnrollmentID string    `json:"enrollment_id"`
	Code         ErrorCode `json:"code"`
	Error        string    `json:"error"`
}

package schedule

import (
	"fmt"
	"time"

	"github.com/teranos/drip/errors"
)

// Execution is the durable record of one engine run, keyed by time bucket.
//
// The primary key doubles as the idempotency guard: at most one record exists
// per bucket, and at most one of them is running at any instant.
type Execution struct {
	// Identity
	ID     string `json:"id"`     // exec_{bucket}
	Bucket int64  `json:"bucket"` // floor(unix_ms / width_ms)

	// Execution status
	Status string `json:"status"` // "running", "completed", "failed"

	// Timing
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at,omitempty"` // null while running
	DurationMs  *int    `json:"duration_ms,omitempty"`  // null while running

	// Outcome
	ProcessedCount int     `json:"processed_count"`
	SuccessCount   int     `json:"success_count"`
	FailureCount   int     `json:"failure_count"`
	ErrorSample    *string `json:"error_sample,omitempty"`  // JSON array of the first failures
	ErrorMessage   *string `json:"error_message,omitempty"` // Fatal error if failed

	// Metadata
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Execution status constants for type safety
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusFailed    = "failed"
)

// TimestampLayout is the fixed-width UTC layout used for every stored timestamp.
// Lexical order equals chronological order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in TimestampLayout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// naiveLayouts are zone-less forms, read as UTC. SQLite's datetime() writes
// the first one.
var naiveLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses a TimestampLayout string, falling back to RFC3339
// and zone-less UTC forms for rows written by hand or by external tooling.
// The result is always UTC.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if nt, nerr := time.ParseInLocation(layout, s, time.UTC); nerr == nil {
			return nt, nil
		}
	}
	return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
}

// Bucket maps an invocation time onto a fixed-width window.
// Invocations with the same bucket are the same logical run.
func Bucket(now time.Time, width time.Duration) int64 {
	w := width.Milliseconds()
	if w <= 0 {
		w = 1
	}
	ms := now.UnixMilli()
	b := ms / w
	if ms%w < 0 {
		b-- // floor for pre-epoch times
	}
	return b
}

// ExecutionID returns the deterministic record id for a bucket
func ExecutionID(bucket int64) string {
	return fmt.Sprintf("exec_%d", bucket)
}

// IsTerminal reports whether the execution reached completed or failed
func (e *Execution) IsTerminal() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

package schedule

import (
	"time"
)

// NewRunningExecution builds the record inserted when a bucket is first claimed
func NewRunningExecution(bucket int64, startedAt time.Time) *Execution {
	ts := FormatTimestamp(startedAt)
	return &Execution{
		ID:        ExecutionID(bucket),
		Bucket:    bucket,
		Status:    ExecutionStatusRunning,
		StartedAt: ts,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

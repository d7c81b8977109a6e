package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/drip/errors"
)

// ExecutionStore handles persistence of run execution records
type ExecutionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewExecutionStore creates a new execution store
func NewExecutionStore(db *sql.DB) *ExecutionStore {
	return &ExecutionStore{db: db, now: time.Now}
}

// WithClock replaces the store clock (for testing)
func (s *ExecutionStore) WithClock(now func() time.Time) *ExecutionStore {
	s.now = now
	return s
}

// ExecutionResult carries the counters written when a run completes
type ExecutionResult struct {
	ProcessedCount int
	SuccessCount   int
	FailureCount   int
	ErrorSample    *string // JSON array, nil when there were no failures
	DurationMs     int
}

const executionColumns = `
	id, bucket, status,
	started_at, completed_at, duration_ms,
	processed_count, success_count, failure_count,
	error_sample, error_message,
	created_at, updated_at`

// CreateIfAbsent inserts exec unless a record with the same id exists.
// Returns false when another invocation already owns the id.
func (s *ExecutionStore) CreateIfAbsent(ctx context.Context, exec *Execution) (bool, error) {
	query := `
		INSERT INTO drip_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.Bucket,
		exec.Status,
		exec.StartedAt,
		nullableString(exec.CompletedAt),
		nullableInt(exec.DurationMs),
		exec.ProcessedCount,
		exec.SuccessCount,
		exec.FailureCount,
		nullableString(exec.ErrorSample),
		nullableString(exec.ErrorMessage),
		exec.CreatedAt,
		exec.UpdatedAt,
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to create execution %s", exec.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rows affected")
	}
	return rows == 1, nil
}

// Reacquire moves a failed execution back to running.
// Returns false when the record is not failed (someone else reacquired it first).
func (s *ExecutionStore) Reacquire(ctx context.Context, id string) (bool, error) {
	now := FormatTimestamp(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE drip_executions
		SET status = ?,
		    started_at = ?,
		    completed_at = NULL,
		    duration_ms = NULL,
		    processed_count = 0,
		    success_count = 0,
		    failure_count = 0,
		    error_sample = NULL,
		    error_message = NULL,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, ExecutionStatusRunning, now, now, id, ExecutionStatusFailed)
	if err != nil {
		return false, errors.Wrapf(err, "failed to reacquire execution %s", id)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rows affected")
	}
	return rows == 1, nil
}

// CompleteExecution marks a running execution completed with its counters
func (s *ExecutionStore) CompleteExecution(ctx context.Context, id string, res ExecutionResult) error {
	now := FormatTimestamp(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE drip_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    processed_count = ?,
		    success_count = ?,
		    failure_count = ?,
		    error_sample = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, ExecutionStatusCompleted, now, res.DurationMs,
		res.ProcessedCount, res.SuccessCount, res.FailureCount,
		nullableString(res.ErrorSample), now,
		id, ExecutionStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to complete execution %s", id)
	}
	return expectOneRow(result, id)
}

// FailExecution marks a running execution failed with the fatal error message
func (s *ExecutionStore) FailExecution(ctx context.Context, id string, message string, durationMs int) error {
	now := FormatTimestamp(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE drip_executions
		SET status = ?,
		    completed_at = ?,
		    duration_ms = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, ExecutionStatusFailed, now, durationMs, message, now, id, ExecutionStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to mark execution %s failed", id)
	}
	return expectOneRow(result, id)
}

// ResetExecution releases a bucket stuck in running after a crash or a lost
// failure write. The record becomes failed so the next invocation in the
// same bucket can reacquire it.
func (s *ExecutionStore) ResetExecution(ctx context.Context, id string) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != ExecutionStatusRunning {
		return errors.NewInvalidRequestError("execution %s is %s, only running executions can be reset", id, exec.Status)
	}

	now := FormatTimestamp(s.now())
	result, err := s.db.ExecContext(ctx, `
		UPDATE drip_executions
		SET status = ?,
		    completed_at = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ? AND status = ?
	`, ExecutionStatusFailed, now, "reset manually", now, id, ExecutionStatusRunning)
	if err != nil {
		return errors.Wrapf(err, "failed to reset execution %s", id)
	}
	return expectOneRow(result, id)
}

// GetExecution retrieves an execution by ID
func (s *ExecutionStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM drip_executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution %s", id)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", id)
	}
	return exec, nil
}

// ListExecutions returns executions newest first with pagination and an optional status filter
func (s *ExecutionStore) ListExecutions(ctx context.Context, limit, offset int, statusFilter string) ([]*Execution, int, error) {
	baseQuery := ` FROM drip_executions`
	var args []interface{}

	if statusFilter != "" {
		baseQuery += ` WHERE status = ?`
		args = append(args, statusFilter)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count executions")
	}

	query := `SELECT ` + executionColumns + baseQuery + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	executions := make([]*Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan execution")
		}
		executions = append(executions, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "error iterating executions")
	}

	return executions, total, nil
}

// CleanupOldExecutions deletes finished execution records that started more than
// retentionDays ago. Running records are never deleted, so a stuck bucket stays
// visible until reset. Returns the number of executions deleted.
func (s *ExecutionStore) CleanupOldExecutions(ctx context.Context, retentionDays int) (int, error) {
	cutoff := FormatTimestamp(s.now().AddDate(0, 0, -retentionDays))

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM drip_executions
		WHERE started_at < ? AND status != ?
	`, cutoff, ExecutionStatusRunning)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old executions")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(deleted), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (*Execution, error) {
	var exec Execution
	var completedAt, errorSample, errorMessage sql.NullString
	var durationMs sql.NullInt64

	err := row.Scan(
		&exec.ID,
		&exec.Bucket,
		&exec.Status,
		&exec.StartedAt,
		&completedAt,
		&durationMs,
		&exec.ProcessedCount,
		&exec.SuccessCount,
		&exec.FailureCount,
		&errorSample,
		&errorMessage,
		&exec.CreatedAt,
		&exec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		exec.CompletedAt = &completedAt.String
	}
	if durationMs.Valid {
		d := int(durationMs.Int64)
		exec.DurationMs = &d
	}
	if errorSample.Valid {
		exec.ErrorSample = &errorSample.String
	}
	if errorMessage.Valid {
		exec.ErrorMessage = &errorMessage.String
	}
	return &exec, nil
}

// expectOneRow turns a zero-row conditional update into ErrConflict
func expectOneRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rows == 0 {
		return errors.NewConflictError("execution %s is not running", id)
	}
	return nil
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

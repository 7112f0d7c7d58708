package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of the record mirroring a job.
// pending -> processing -> completed | failed; failed -> pending only via
// an explicit retry that increments the retry counter. completed and a
// dead-lettered failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one unit of asynchronous work bound to a user.
type Job struct {
	ID           uuid.UUID
	RecordID     uuid.UUID
	UserID       int64
	Queue        string
	Payload      json.RawMessage
	AttemptsMade int
	MaxAttempts  int
	EnqueuedAt   time.Time
}

// AttemptsLeft reports how many retries remain.
func (j *Job) AttemptsLeft() int {
	left := j.MaxAttempts - j.AttemptsMade
	if left < 0 {
		return 0
	}
	return left
}

// TokenPolicy selects the charging behaviour for a queue. A zero Amount
// means "look the operation up in the cost table". Processors are plain
// functions; the policy is chosen at queue registration time.
type TokenPolicy struct {
	Enabled         bool
	OperationType   string
	Amount          int64
	ChargeOnFailure bool
}

// HandlerFunc executes the domain-specific work. report publishes coarse
// progress (0-100) to whoever listens; handlers may ignore it.
type HandlerFunc func(ctx context.Context, job *Job, report func(pct int)) (json.RawMessage, error)

// RecordStore mirrors job progress onto the user-visible record.
type RecordStore interface {
	MarkProcessing(ctx context.Context, recordID uuid.UUID) error
	MarkCompleted(ctx context.Context, recordID uuid.UUID, result json.RawMessage) error
	MarkFailed(ctx context.Context, recordID uuid.UUID, errMsg string) error
}

// Alerter is the escalation port. Critical alerts mean a financial
// inconsistency that needs manual reconciliation, not a retryable error.
type Alerter interface {
	Critical(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}

// Recorder receives job metrics. Implemented by metrics.Collector.
type Recorder interface {
	RecordJobCompleted(queue string)
	RecordJobRetried(queue string)
	RecordJobDeadLettered(queue string)
	RecordRollbackFailure()
}

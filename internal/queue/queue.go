// Package queue implements the Job Queue (spec.md §4.7): a durable,
// at-least-once work queue with retries, exponential backoff, and
// completed/failed retention caps. Grounded on the shape of
// flyingrobots/go-redis-work-queue's QueueBackend interface
// (Enqueue/Dequeue/Ack/Nack/Stats/Health), simplified to this spec's
// narrower contract and backed by redis/go-redis/v9.
package queue

import (
	"context"
	"time"

	"github.com/chainprice/oracle/internal/models"
)

// State is a job's lifecycle state as reported by Status (§4.7).
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status is the §4.7 status() response shape.
type Status struct {
	State    State
	Progress int
	Result   *models.BackfillResult
	Error    string
}

// Stats is the §4.7 stats() response shape.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

// Queue is the Job Queue's public contract, extended past the bare spec
// contract with the producer/consumer operations the Backfill Worker needs
// (UpdateProgress, Complete, Fail, Dequeue) to actually drive a job to
// completion.
type Queue interface {
	// Enqueue returns a new job id, or oraclerr.QueueUnavailable if the
	// backend was unreachable at startup (§4.7 degraded mode).
	Enqueue(ctx context.Context, job models.BackfillJob) (jobID string, err error)

	// Dequeue blocks up to timeout for the next job. A nil job with a nil
	// error means "nothing available", not a failure.
	Dequeue(ctx context.Context, timeout time.Duration) (job *models.BackfillJob, jobID string, err error)

	UpdateProgress(ctx context.Context, jobID string, progress int) error
	Complete(ctx context.Context, jobID string, result models.BackfillResult) error
	// Fail records a failed attempt and schedules a retry if attempts remain.
	// willRetry reports whether the job was rescheduled rather than terminated.
	Fail(ctx context.Context, jobID string, reason string) (willRetry bool, err error)

	Status(ctx context.Context, jobID string) (*Status, error)
	Stats(ctx context.Context) (Stats, error)

	Available() bool
	Close() error
}

// MaxAttemptsDefault and BaseRetryDelayDefault are the §4.7 defaults.
const (
	MaxAttemptsDefault    = 3
	BaseRetryDelayDefault = 5 * time.Second
)

const (
	MaxCompletedRetained = 100
	MaxFailedRetained    = 50
)

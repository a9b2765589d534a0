// Package interfaces defines service contracts for Backfin
package interfaces

import (
	"context"
	"time"
)

// QueueBroker is the single coordination point between pipeline
// processes. Producers push serialized jobs to the head of named FIFO
// queues; consumers pop from the tail via a blocking atomic move into a
// per-worker processing list. Each queue has a paired time-scored delayed
// set; a job lives in exactly one of {queue, delayed set, processing
// list, dead-letter} at any instant outside the atomic hand-off.
type QueueBroker interface {
	// Push appends a payload to the head of a queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// PopToProcessing blocks up to timeout for the next job on the
	// queue's tail and atomically moves it into the worker's processing
	// list. Returns nil payload on timeout.
	PopToProcessing(ctx context.Context, queue, workerID string, timeout time.Duration) ([]byte, error)

	// AckProcessing removes a payload from the worker's processing list.
	AckProcessing(ctx context.Context, workerID string, payload []byte) error

	// Defer schedules a payload on the queue's delayed set, visible at due.
	Defer(ctx context.Context, queue string, payload []byte, due time.Time) error

	// DueDelayed returns up to limit delayed members with score <= now.
	DueDelayed(ctx context.Context, queue string, now time.Time, limit int) ([]string, error)

	// RemoveDelayed deletes a member from the queue's delayed set.
	RemoveDelayed(ctx context.Context, queue, member string) error

	// RescoreDelayed moves a member's due time (stagger).
	RescoreDelayed(ctx context.Context, queue, member string, due time.Time) error

	// AcquireLock takes the per-(corp_id, job_id) processing lock with
	// NX semantics and a TTL. Returns false when another worker owns it.
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// ReleaseLock deletes a processing lock.
	ReleaseLock(ctx context.Context, key string) error

	// MarkQueued sets the ann:queued suppression marker for a corp id.
	// Returns false when the marker already exists.
	MarkQueued(ctx context.Context, corpID string, ttl time.Duration) (bool, error)

	// QueueLen returns the immediate queue depth.
	QueueLen(ctx context.Context, queue string) (int64, error)

	// DelayedLen returns the delayed set cardinality.
	DelayedLen(ctx context.Context, queue string) (int64, error)

	// IncrRetryCount bumps and returns the persistent per-job retry counter.
	IncrRetryCount(ctx context.Context, jobID string) (int64, error)

	// ResetRetryCount clears a per-job retry counter.
	ResetRetryCount(ctx context.Context, jobID string) error

	// SetProcessingMeta records when a job entered a processing list,
	// alongside its serialized payload, for the requeue sweeper.
	SetProcessingMeta(ctx context.Context, jobID string, payload []byte, at time.Time) error

	// ClearProcessingMeta removes a job's sweeper records.
	ClearProcessingMeta(ctx context.Context, jobID string) error

	// StaleProcessing returns (jobID, payload) pairs whose processing
	// meta is older than the cutoff.
	StaleProcessing(ctx context.Context, cutoff time.Time) (map[string][]byte, error)

	// Publish emits a payload on the broker's broadcast channel.
	Publish(ctx context.Context, payload []byte) error

	Close() error
}

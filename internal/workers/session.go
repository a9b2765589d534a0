// Package workers implements the ephemeral queue worker sessions
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// Handler processes one raw job payload. A returned error is logged but
// never requeues by itself: retry and dead-letter decisions belong to
// the handler, which sees the decoded job.
type Handler func(ctx context.Context, payload []byte) error

// Session is the shared lifecycle of every ephemeral worker: pop jobs
// from one queue into a per-worker processing list, hand them to the
// handler, and exit after the job bound or an idle stretch. The
// supervisor spawns a fresh process for the next batch.
type Session struct {
	queue   string
	id      string
	broker  interfaces.QueueBroker
	config  *common.WorkersConfig
	logger  *common.Logger
	handler Handler
}

// NewSession creates a worker session for one queue.
func NewSession(queue string, broker interfaces.QueueBroker, config *common.WorkersConfig, logger *common.Logger, handler Handler) *Session {
	return &Session{
		queue:   queue,
		id:      fmt.Sprintf("%s-%d-%s", queue, os.Getpid(), uuid.New().String()[:8]),
		broker:  broker,
		config:  config,
		logger:  logger,
		handler: handler,
	}
}

// ID returns the session's worker id.
func (s *Session) ID() string {
	return s.id
}

// Queue returns the queue this session consumes.
func (s *Session) Queue() string {
	return s.queue
}

// Run processes jobs until the session bound, an idle timeout, or
// context cancellation.
func (s *Session) Run(ctx context.Context) error {
	maxJobs := s.config.GetMaxJobsPerSession()
	s.logger.Info().
		Str("worker_id", s.id).
		Str("queue", s.queue).
		Int("max_jobs", maxJobs).
		Msg("Worker session started")

	processed := 0
	for processed < maxJobs {
		if ctx.Err() != nil {
			break
		}

		payload, err := s.broker.PopToProcessing(ctx, s.queue, s.id, s.config.GetIdleTimeout())
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return fmt.Errorf("failed to pop job: %w", err)
		}
		if payload == nil {
			s.logger.Info().Str("worker_id", s.id).Int("processed", processed).Msg("Idle timeout, session ending")
			break
		}

		s.process(ctx, payload)
		processed++
	}

	s.logger.Info().Str("worker_id", s.id).Int("processed", processed).Msg("Worker session complete")
	return nil
}

// process runs one job with panic recovery and processing bookkeeping.
func (s *Session) process(ctx context.Context, payload []byte) {
	jobID := peekJobID(payload)
	if jobID != "" {
		if err := s.broker.SetProcessingMeta(ctx, jobID, payload, time.Now()); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record processing meta")
		}
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().
					Str("worker_id", s.id).
					Str("job_id", jobID).
					Str("panic", fmt.Sprintf("%v", r)).
					Msg("Recovered from panic in job handler")
			}
		}()
		if err := s.handler(ctx, payload); err != nil {
			s.logger.Error().Err(err).Str("worker_id", s.id).Str("job_id", jobID).Msg("Job handler failed")
		}
	}()

	// Ack and meta clear run on a detached context: a signal arriving
	// mid-job must not strand the payload in the processing list.
	cctx, cancel := cleanupContext()
	defer cancel()
	if err := s.broker.AckProcessing(cctx, s.id, payload); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to ack processing job")
	}
	if jobID != "" {
		if err := s.broker.ClearProcessingMeta(cctx, jobID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to clear processing meta")
		}
	}
}

// cleanupContext returns a short context detached from the job context
// for post-job bookkeeping. Without it, cancellation would degrade lock
// release and acks to TTL expiry.
func cleanupContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// peekJobID extracts the envelope job id without decoding the full job.
func peekJobID(payload []byte) string {
	var env struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return ""
	}
	return env.JobID
}

// deadLetter records an unprocessable payload on the failed_jobs queue.
func deadLetter(ctx context.Context, broker interfaces.QueueBroker, logger *common.Logger, jobID, jobType string, payload []byte, cause error) {
	failed := models.FailedJob{
		JobID:           jobID,
		OriginalType:    jobType,
		OriginalPayload: string(payload),
		Error:           cause.Error(),
		FailedAt:        time.Now(),
	}
	data, err := json.Marshal(failed)
	if err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to marshal dead-letter record")
		return
	}
	if err := broker.Push(ctx, models.QueueFailedJobs, data); err != nil {
		logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to push dead-letter record")
		return
	}
	logger.Warn().Str("job_id", jobID).Str("type", jobType).Err(cause).Msg("Job dead-lettered")
}

// backoffDelay computes the delayed-requeue backoff for the nth retry:
// base doubled every three retries, capped.
func backoffDelay(base, ceiling time.Duration, retry int64) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := base << uint(retry/3)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

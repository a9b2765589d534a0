// Package verify keeps the human-review queue healthy: dead sessions
// are expired, their tasks requeued, and stuck tasks retried or failed.
package verify

import (
	"context"
	"time"

	"github.com/bobmcallan/backfin/internal/common"
	"github.com/bobmcallan/backfin/internal/interfaces"
	"github.com/bobmcallan/backfin/internal/models"
)

// TaskNotifier pings online verifiers about waiting work, typically by
// emitting a "new_task" frame to the hub's "all" room.
type TaskNotifier interface {
	NotifyTasksQueued(ctx context.Context, queued int) error
}

// Janitor runs the periodic verification queue cleanup. Tasks assigned
// to dead sessions go back to queued; tasks in progress past the timeout
// are released while retries remain, then marked verified with
// is_verified=false once the retry budget is spent.
type Janitor struct {
	store    interfaces.VerificationStore
	notifier TaskNotifier
	config   *common.VerifyConfig
	logger   *common.Logger
}

// NewJanitor wires a janitor. notifier may be nil.
func NewJanitor(store interfaces.VerificationStore, notifier TaskNotifier, config *common.VerifyConfig, logger *common.Logger) *Janitor {
	return &Janitor{
		store:    store,
		notifier: notifier,
		config:   config,
		logger:   logger,
	}
}

// Run ticks until the context ends.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info().
		Dur("interval", j.config.GetCleanupInterval()).
		Dur("task_timeout", j.config.GetTaskTimeout()).
		Msg("Verification janitor started")

	ticker := time.NewTicker(j.config.GetCleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.CleanupOnce(ctx); err != nil {
				j.logger.Error().Err(err).Msg("Cleanup pass failed")
			}
		}
	}
}

// CleanupOnce runs one full cleanup pass.
func (j *Janitor) CleanupOnce(ctx context.Context) error {
	now := time.Now()

	expired, err := j.store.ExpireSessions(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		j.logger.Info().Int("sessions", expired).Msg("Expired sessions removed")
	}

	active, err := j.store.ActiveSessionIDs(ctx)
	if err != nil {
		return err
	}
	released, err := j.store.ReleaseOrphanTasks(ctx, active)
	if err != nil {
		return err
	}
	if released > 0 {
		j.logger.Info().Int("tasks", released).Msg("Orphaned tasks requeued")
	}

	if err := j.handleStaleTasks(ctx, now); err != nil {
		return err
	}

	return j.notifyVerifiers(ctx)
}

// handleStaleTasks releases or fails tasks stuck in progress past the
// timeout.
func (j *Janitor) handleStaleTasks(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-j.config.GetTaskTimeout())
	stale, err := j.store.StaleInProgressTasks(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, task := range stale {
		maxRetries := task.MaxRetryCount
		if maxRetries <= 0 {
			maxRetries = j.config.GetMaxRetryCount()
		}

		if task.RetryCount < maxRetries {
			if err := j.store.ReleaseTask(ctx, task.ID); err != nil {
				j.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to release stale task")
				continue
			}
			j.logger.Info().
				Str("task_id", task.ID).
				Int("retry", task.RetryCount+1).
				Msg("Stale task released for retry")
			continue
		}

		if err := j.store.FailTask(ctx, task.ID, models.NoteMaxRetriesExceeded); err != nil {
			j.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to fail exhausted task")
			continue
		}
		j.logger.Warn().
			Str("task_id", task.ID).
			Str("corp_id", task.CorpID).
			Msg("Task failed after exhausting retries")
	}
	return nil
}

// notifyVerifiers pings the first few online verifiers when queued
// tasks are waiting.
func (j *Janitor) notifyVerifiers(ctx context.Context) error {
	queued, err := j.store.CountQueued(ctx)
	if err != nil {
		return err
	}
	if queued == 0 || j.notifier == nil {
		return nil
	}

	verifiers, err := j.store.OnlineVerifiers(ctx, j.config.GetNotifyLimit())
	if err != nil {
		return err
	}
	if len(verifiers) == 0 {
		return nil
	}

	j.logger.Info().
		Int("queued", queued).
		Int("verifiers", len(verifiers)).
		Msg("Notifying online verifiers of queued tasks")

	if err := j.notifier.NotifyTasksQueued(ctx, queued); err != nil {
		j.logger.Warn().Err(err).Msg("Verifier notification failed")
	}
	return nil
}
